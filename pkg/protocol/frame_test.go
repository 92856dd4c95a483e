package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseFrameValidRequest(t *testing.T) {
	req, errBody := ParseFrame([]byte(`{"type":"request","id":"1","method":"chat.send","params":{"text":"hi"}}`))
	if errBody != nil {
		t.Fatalf("unexpected error: %+v", errBody)
	}
	if req.ID != "1" || req.Method != "chat.send" {
		t.Fatalf("got %+v", req)
	}
}

func TestParseFrameRejectsMissingFields(t *testing.T) {
	cases := []string{
		`{}`,
		`{"type":"event"}`,
		`{"type":"request","method":"chat.send"}`,
		`{"type":"request","id":"1"}`,
		`not json`,
	}
	for _, c := range cases {
		if _, errBody := ParseFrame([]byte(c)); errBody == nil {
			t.Errorf("expected error for %q", c)
		} else if errBody.Code != ErrInvalidRequest {
			t.Errorf("expected INVALID_REQUEST for %q, got %s", c, errBody.Code)
		}
	}
}

func TestEncodeResponseRoundTrip(t *testing.T) {
	frame, err := EncodeResponse("42", true, map[string]any{"ok": true}, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded Response
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "42" || !decoded.Ok || decoded.Type != FrameResponse {
		t.Fatalf("got %+v", decoded)
	}
}

func TestEncodeEventStampsType(t *testing.T) {
	frame, err := EncodeEvent(Event{Event: "tick", Seq: 7})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != FrameEvent || decoded.Event != "tick" || decoded.Seq != 7 {
		t.Fatalf("got %+v", decoded)
	}
}

func TestAllMethodsIsClosedAndDeduplicated(t *testing.T) {
	all := AllMethods()
	seen := make(map[string]bool, len(all))
	for _, m := range all {
		if seen[m] {
			t.Errorf("duplicate method name: %s", m)
		}
		seen[m] = true
	}
	if len(all) != len(RealMethods)+len(StubMethods) {
		t.Fatalf("expected %d methods, got %d", len(RealMethods)+len(StubMethods), len(all))
	}
}
