package router

import "strings"

// CommandClass is the pure classification of an inbound chat message,
// decoupled from any side effects so it can be unit tested without a tmux
// pane or a store (SPEC_FULL.md §9's "classifier as enum-returning
// function" redesign note).
type CommandClass int

const (
	// ClassLiteral types the message verbatim into the pane.
	ClassLiteral CommandClass = iota
	// ClassInterrupt sends the Escape key.
	ClassInterrupt
	// ClassKill sends Control-C.
	ClassKill
	// ClassSlashForward forwards Rest as a slash-prefixed CLI command.
	ClassSlashForward
)

var interruptCommands = map[string]bool{
	"stop": true, "cancel": true, "abort": true, "esc": true, "escape": true,
}

var killCommands = map[string]bool{
	"kill": true, "exit": true, "quit": true,
	"ctrl+c": true, "ctrl-c": true, "^c": true,
}

// Classify decides what an inbound chat message means for the target
// session. It never inspects session or tmux state — callers look those up
// separately once the class is known. Rest holds the forwarded command text
// when the class is ClassSlashForward.
func Classify(text string) (class CommandClass, rest string) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	bare := strings.TrimPrefix(lower, "/")
	switch {
	case interruptCommands[bare]:
		return ClassInterrupt, ""
	case killCommands[bare]:
		return ClassKill, ""
	case strings.HasPrefix(lower, "cc "):
		return ClassSlashForward, strings.TrimSpace(trimmed[len("cc "):])
	default:
		return ClassLiteral, ""
	}
}
