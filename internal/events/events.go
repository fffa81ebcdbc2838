// Package events defines the IPC wire format and the tagged-variant event
// types the router dispatches on. See SPEC_FULL.md §6 for the wire schema.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the event's tag, taken from the wire "type" field.
type Type string

const (
	TypeSessionStart     Type = "session_start"
	TypeSessionEnd       Type = "session_end"
	TypeAgentResponse    Type = "agent_response"
	TypeToolStart        Type = "tool_start"
	TypeToolResult       Type = "tool_result"
	TypeUserInput        Type = "user_input"
	TypeApprovalRequest  Type = "approval_request"
	TypeApprovalResponse Type = "approval_response"
	TypeError            Type = "error"
	TypeTurnComplete     Type = "turn_complete"
	TypePreCompact       Type = "pre_compact"
	TypeCommand          Type = "command"
)

// knownTypes is the recognised-type set from SPEC_FULL.md §4.4.
var knownTypes = map[Type]bool{
	TypeSessionStart: true, TypeSessionEnd: true, TypeAgentResponse: true,
	TypeToolStart: true, TypeToolResult: true, TypeUserInput: true,
	TypeApprovalRequest: true, TypeApprovalResponse: true, TypeError: true,
	TypeTurnComplete: true, TypePreCompact: true, TypeCommand: true,
}

// Metadata holds the recognised metadata keys from §6. Fields are blank
// when the key was absent on the wire.
type Metadata struct {
	Hostname   string          `json:"hostname,omitempty"`
	ProjectDir string          `json:"projectDir,omitempty"`
	TmuxTarget string          `json:"tmuxTarget,omitempty"`
	TmuxSocket string          `json:"tmuxSocket,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Trigger    string          `json:"trigger,omitempty"`
	Level      string          `json:"level,omitempty"`
	Source     string          `json:"source,omitempty"`
}

// Event is the decoded form of one IPC wire line.
type Event struct {
	Type      Type
	SessionID string
	Timestamp time.Time
	Content   string
	Metadata  Metadata

	// Raw is the original line, kept for logging unknown-type drops.
	Raw json.RawMessage

	// AfterCompact is set by the IPC connection handler on a turn_complete
	// that immediately follows a pre_compact with no intervening
	// turn_complete on the same connection (§9's compacting-flag note).
	// Ordering is only tracked within one connection; never across them.
	AfterCompact bool

	// ApprovalID identifies the pending approval an approval_response event
	// is reporting on. Only set on outbound events built by
	// NewApprovalResponse; never present on decoded inbound events.
	ApprovalID string
}

// NewApprovalResponse builds the event broadcast back over the IPC server
// once an approval reaches a terminal status, so the hook that is blocked
// waiting on the socket for approval_request learns the decision (§4.1,
// §4.4).
func NewApprovalResponse(sessionID, approvalID, decision string) Event {
	return Event{
		Type:       TypeApprovalResponse,
		SessionID:  sessionID,
		Timestamp:  time.Now(),
		Content:    decision,
		ApprovalID: approvalID,
	}
}

// approvalResponseMetadata is the wire shape of an outbound
// approval_response's metadata object.
type approvalResponseMetadata struct {
	ApprovalID string `json:"approvalId"`
}

// MarshalLine encodes ev as one newline-delimited-JSON wire line, the
// inverse of Parse, for events the daemon produces rather than decodes
// (currently only approval_response broadcasts).
func (ev Event) MarshalLine() ([]byte, error) {
	w := wireEvent{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		Timestamp: ev.Timestamp,
		Content:   ev.Content,
	}
	if ev.ApprovalID != "" {
		meta, err := json.Marshal(approvalResponseMetadata{ApprovalID: ev.ApprovalID})
		if err != nil {
			return nil, fmt.Errorf("marshal approval_response metadata: %w", err)
		}
		w.Metadata = meta
	}
	line, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return append(line, '\n'), nil
}

// wireEvent mirrors the JSON schema in SPEC_FULL.md §6 exactly.
type wireEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// UnknownTypeError is returned by Parse when the "type" field isn't one of
// the twelve recognised tags. Per §9, callers should log and drop — never
// fail the connection.
type UnknownTypeError struct {
	Name string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Name)
}

// Parse decodes one newline-delimited JSON line into an Event.
func Parse(line []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{}, fmt.Errorf("malformed event: %w", err)
	}
	if w.SessionID == "" {
		return Event{}, fmt.Errorf("malformed event: missing sessionId")
	}

	t := Type(w.Type)
	if !knownTypes[t] {
		return Event{Raw: line}, &UnknownTypeError{Name: w.Type}
	}

	ev := Event{
		Type:      t,
		SessionID: w.SessionID,
		Timestamp: w.Timestamp,
		Content:   w.Content,
		Raw:       line,
	}
	if len(w.Metadata) > 0 {
		if err := json.Unmarshal(w.Metadata, &ev.Metadata); err != nil {
			return Event{}, fmt.Errorf("malformed metadata: %w", err)
		}
	}
	return ev, nil
}

// RendersToChat reports whether events of this type produce a chat message
// (as opposed to being purely structural, like session_start/session_end
// which are handled separately in the dispatch pipeline, §4.4 step 4).
func (t Type) RendersToChat() bool {
	switch t {
	case TypeSessionStart, TypeSessionEnd:
		return false
	default:
		return true
	}
}
