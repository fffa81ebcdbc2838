package events

import "testing"

func TestParse_DecodesKnownTypeWithMetadata(t *testing.T) {
	line := []byte(`{"type":"tool_start","sessionId":"S1","timestamp":"2024-01-01T00:00:00Z","content":"","metadata":{"tool":"Bash","tmuxTarget":"main:0.0"}}`)
	ev, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Type != TypeToolStart || ev.SessionID != "S1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Metadata.Tool != "Bash" || ev.Metadata.TmuxTarget != "main:0.0" {
		t.Fatalf("metadata not decoded: %+v", ev.Metadata)
	}
}

func TestParse_UnknownTypeReturnsTypedError(t *testing.T) {
	line := []byte(`{"type":"some_future_hook","sessionId":"S1"}`)
	_, err := Parse(line)
	if err == nil {
		t.Fatal("expected an error for an unrecognised type")
	}
	var unknown *UnknownTypeError
	if !asUnknownTypeError(err, &unknown) {
		t.Fatalf("expected *UnknownTypeError, got %T: %v", err, err)
	}
	if unknown.Name != "some_future_hook" {
		t.Fatalf("unexpected name: %q", unknown.Name)
	}
}

func asUnknownTypeError(err error, target **UnknownTypeError) bool {
	if e, ok := err.(*UnknownTypeError); ok {
		*target = e
		return true
	}
	return false
}

func TestParse_MissingSessionIDIsRejected(t *testing.T) {
	line := []byte(`{"type":"user_input","content":"hi"}`)
	if _, err := Parse(line); err == nil {
		t.Fatal("expected an error for a missing sessionId")
	}
}

func TestNewApprovalResponse_MarshalLineRoundTrips(t *testing.T) {
	ev := NewApprovalResponse("S1", "S1-123", "approved")
	line, err := ev.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	if line[len(line)-1] != '\n' {
		t.Fatal("expected a trailing newline")
	}

	got, err := Parse(line[:len(line)-1])
	if err != nil {
		t.Fatalf("Parse of marshaled line: %v", err)
	}
	if got.Type != TypeApprovalResponse || got.SessionID != "S1" || got.Content != "approved" {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestRendersToChat_SessionBoundsAreStructural(t *testing.T) {
	if TypeSessionStart.RendersToChat() {
		t.Fatal("session_start should not render to chat")
	}
	if TypeSessionEnd.RendersToChat() {
		t.Fatal("session_end should not render to chat")
	}
	if !TypeAgentResponse.RendersToChat() {
		t.Fatal("agent_response should render to chat")
	}
}
