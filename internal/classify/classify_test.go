package classify

import "testing"

func TestIsDeferral(t *testing.T) {
	c := New()

	deferrals := []string{
		"I'm busy",
		"not now",
		"later please",
		"hold on",
		"give me a minute",
		"one sec",
		"can't talk right now",
		"",
		"   ",
	}
	for _, text := range deferrals {
		if !c.IsDeferral(text) {
			t.Errorf("expected %q to be a deferral", text)
		}
	}

	notDeferrals := []string{
		"yes",
		"the answer is forty-two",
		"go ahead",
		"I already did that this morning",
	}
	for _, text := range notDeferrals {
		if c.IsDeferral(text) {
			t.Errorf("expected %q not to be a deferral", text)
		}
	}
}

func TestIsAcceptance(t *testing.T) {
	c := New()

	acceptances := []string{
		"yes",
		"yeah sure",
		"okay",
		"go ahead",
		"I'm ready",
		"tell me",
		"what is it",
	}
	for _, text := range acceptances {
		if !c.IsAcceptance(text) {
			t.Errorf("expected %q to be an acceptance", text)
		}
	}

	notAcceptances := []string{
		"no",
		"busy",
		"the weather is nice",
		"",
	}
	for _, text := range notAcceptances {
		if c.IsAcceptance(text) {
			t.Errorf("expected %q not to be an acceptance", text)
		}
	}
}

func TestSilenceIsDeferralNotAcceptance(t *testing.T) {
	c := New()
	if !c.IsDeferral("") {
		t.Error("silence must classify as deferral")
	}
	if c.IsAcceptance("") {
		t.Error("silence must not classify as acceptance")
	}
}

func TestUnrecognizedIsNeither(t *testing.T) {
	c := New()
	text := "purple monkey dishwasher"
	if c.IsDeferral(text) {
		t.Errorf("%q should not be a deferral", text)
	}
	if c.IsAcceptance(text) {
		t.Errorf("%q should not be an acceptance", text)
	}
}
