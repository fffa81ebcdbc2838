// Package render turns events into chat-ready text: ANSI stripping,
// truncation, code fencing, and the short tool-call previews shown before a
// "Details" expansion (SPEC_FULL.md §4.4, grounded on loppo-llc-kojo's
// ANSI-handling in internal/session/session.go).
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/events"
)

var (
	ansiRe       = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\].*?(?:\x07|\x1b\\)|\x1b[()][0-9A-B]`)
	multiSpaceRe = regexp.MustCompile(`[ \t]{2,}`)
)

// MaxMessageLen bounds a Telegram message body before a "Details" button
// takes over the rest, leaving headroom under Telegram's 4096 char cap.
const MaxMessageLen = 3500

// previewLen bounds inline tool-input previews.
const previewLen = 200

// StripANSI removes terminal escape sequences, replacing each with a space
// so word boundaries survive (matches the teacher's ansiRe.ReplaceAll).
func StripANSI(b []byte) string {
	clean := ansiRe.ReplaceAll(b, []byte(" "))
	clean = bytes.ReplaceAll(clean, []byte("\r\n"), []byte("\n"))
	clean = bytes.ReplaceAll(clean, []byte("\r"), []byte("\n"))
	clean = multiSpaceRe.ReplaceAll(clean, []byte(" "))
	return string(clean)
}

// Truncate cuts s to n runes and reports whether anything was cut. No
// marker is appended; callers use truncated to decide on a "Details" button.
func Truncate(s string, n int) (text string, truncated bool) {
	r := []rune(s)
	if len(r) <= n {
		return s, false
	}
	return string(r[:n]), true
}

// CodeBlock wraps text in a Markdown fenced code block.
func CodeBlock(text string) string {
	return "```\n" + strings.TrimRight(text, "\n") + "\n```"
}

// Event renders one event into chat text and reports whether it should be
// followed by a "Details" button (because the body was truncated or the
// event type always offers expansion, e.g. tool_start).
func Event(ev events.Event) (text string, offerDetails bool) {
	switch ev.Type {
	case events.TypeAgentResponse:
		body := StripANSI([]byte(ev.Content))
		short, cut := Truncate(body, MaxMessageLen)
		return short, cut
	case events.TypeToolStart:
		return ToolPreview(ev.Metadata.Tool, ev.Metadata.Input), true
	case events.TypeToolResult:
		body := StripANSI([]byte(ev.Content))
		short, cut := Truncate(body, MaxMessageLen)
		return fmt.Sprintf("%s result:\n%s", ev.Metadata.Tool, CodeBlock(short)), cut
	case events.TypeUserInput:
		return fmt.Sprintf("> %s", StripANSI([]byte(ev.Content))), false
	case events.TypeError:
		return fmt.Sprintf("⚠️ %s", StripANSI([]byte(ev.Content))), false
	case events.TypeTurnComplete:
		if ev.AfterCompact {
			return "— compaction complete, turn finished —", false
		}
		return "— turn complete —", false
	case events.TypePreCompact:
		return "context is being compacted…", false
	case events.TypeApprovalRequest:
		return fmt.Sprintf("%s wants to run:\n%s", ev.Metadata.Tool, CodeBlock(ev.Content)), false
	default:
		return StripANSI([]byte(ev.Content)), false
	}
}

// ToolPreview builds the single-line "verb + target" summary shown before a
// tool call's full input is expanded, e.g. "Bash: rm -rf /tmp/scratch".
func ToolPreview(tool string, input json.RawMessage) string {
	if len(input) == 0 {
		return tool
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return tool
	}
	for _, key := range []string{"command", "file_path", "pattern", "url", "description"} {
		if raw, ok := fields[key]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				short, _ := Truncate(s, previewLen)
				return fmt.Sprintf("%s: %s", tool, short)
			}
		}
	}
	return tool
}
