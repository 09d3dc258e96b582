package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseFrameType(t *testing.T) {
	req, _ := json.Marshal(RequestFrame{Type: FrameTypeRequest, ID: "1", Method: MethodHealth})
	if ft, err := ParseFrameType(req); err != nil || ft != FrameTypeRequest {
		t.Errorf("got %q, %v", ft, err)
	}

	ev, _ := json.Marshal(NewEvent(EventSpeak, SpeakPayload{Text: "hi"}))
	if ft, err := ParseFrameType(ev); err != nil || ft != FrameTypeEvent {
		t.Errorf("got %q, %v", ft, err)
	}

	if _, err := ParseFrameType([]byte("{not json")); err == nil {
		t.Error("expected error for malformed frame")
	}
}

func TestErrorResponseShape(t *testing.T) {
	resp := NewErrorResponse("42", ErrNotPaired, "pair first")
	if resp.OK {
		t.Error("error response must not be ok")
	}
	if resp.Error == nil || resp.Error.Code != ErrNotPaired {
		t.Errorf("error shape %+v", resp.Error)
	}
	if resp.ID != "42" {
		t.Errorf("id = %q", resp.ID)
	}
}
