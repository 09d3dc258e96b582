// Package classify decides whether a device transcript means "busy" or
// "go ahead". The bridge coordinator only consumes the boolean verdicts;
// both may be false for a given text (the unrecognized case).
package classify

import (
	"regexp"
	"strings"
)

// Classifier produces intent verdicts for transcripts. Implementations
// must be pure and stateless.
type Classifier interface {
	// IsDeferral reports whether the text means "not now".
	// Empty or whitespace-only text (silence) is always a deferral.
	IsDeferral(text string) bool
	// IsAcceptance reports whether the text means "go ahead".
	IsAcceptance(text string) bool
}

var (
	deferralRe = regexp.MustCompile(`(?i)\b(busy|not now|later|hold on|hang on|wait|one (sec|second|minute|moment)|give me a (sec|second|minute|moment)|in a (bit|minute|moment)|can'?t (talk|right now))\b`)

	acceptanceRe = regexp.MustCompile(`(?i)^\s*(yes|yeah|yep|yup|sure|ok(ay)?|go ahead|go on|ready|i'?m ready|shoot|tell me|what is it|go for it|read it|play it)\b`)
)

// RegexClassifier is the default pattern-based classifier.
type RegexClassifier struct{}

// New returns the default regex classifier.
func New() *RegexClassifier { return &RegexClassifier{} }

func (RegexClassifier) IsDeferral(text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	return deferralRe.MatchString(text)
}

func (RegexClassifier) IsAcceptance(text string) bool {
	return acceptanceRe.MatchString(text)
}
