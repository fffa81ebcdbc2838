// Package injector drives tmux over argv arrays to deliver keystrokes into
// a running pane. It is the outbound half of the bridge: router decisions
// become literal-mode key injection, never shell-assembled strings
// (SPEC_FULL.md §4.5, grounded on loppo-llc-kojo's internal/session/tmux.go).
package injector

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Target addresses one tmux pane, optionally on a non-default socket.
type Target struct {
	Pane   string // e.g. "main:0.0"
	Socket string // empty means the default tmux socket
}

// Key is a named tmux key symbol, as accepted by `tmux send-keys`.
type Key string

const (
	KeyEnter Key = "Enter"
	KeyC_C   Key = "C-c"
	KeyEsc   Key = "Escape"
)

// Injector runs tmux as a subprocess. It holds no per-target state; callers
// own the Target -> session mapping (the store does, via SetTmux/GetByThreadID).
type Injector struct {
	logger  *slog.Logger
	timeout time.Duration
}

// New returns an Injector. timeout bounds every tmux invocation.
func New(logger *slog.Logger, timeout time.Duration) *Injector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Injector{logger: logger, timeout: timeout}
}

func (t Target) args(rest ...string) []string {
	args := make([]string, 0, len(rest)+2)
	if t.Socket != "" {
		args = append(args, "-S", t.Socket)
	}
	return append(args, rest...)
}

func (i *Injector) run(ctx context.Context, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("tmux %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Validate confirms the target pane exists and is not dead, per §4.5's
// pre-injection check (grounded on tmuxHasSession/tmuxPaneDead in the
// teacher's tmux.go).
func (i *Injector) Validate(ctx context.Context, target Target) error {
	if target.Pane == "" {
		return fmt.Errorf("empty tmux target")
	}
	out, err := i.run(ctx, target.args("list-panes", "-t", target.Pane, "-F", "#{pane_dead}"))
	if err != nil {
		return fmt.Errorf("validate target %s: %w", target.Pane, err)
	}
	if strings.TrimSpace(out) == "1" {
		return fmt.Errorf("tmux target %s is dead", target.Pane)
	}
	return nil
}

// Inject validates the target pane, types literal text into it, then sends
// Enter, in that order (§4.5). It uses -l (literal mode) so tmux never
// interprets the payload as key names. This is the §9 redesign: argv arrays
// plus -l replace the original's shell-escaping scheme entirely, so there is
// no backslash/quote escaping step to get wrong.
func (i *Injector) Inject(ctx context.Context, target Target, text string) error {
	if err := i.Validate(ctx, target); err != nil {
		return fmt.Errorf("inject text: %w", err)
	}
	if _, err := i.run(ctx, target.args("send-keys", "-t", target.Pane, "-l", "--", text)); err != nil {
		return fmt.Errorf("inject text: %w", err)
	}
	return i.SendKey(ctx, target, KeyEnter)
}

// SendKey sends one named key (Enter, C-c, Escape, ...) without the literal
// flag, since these are tmux key names rather than payload bytes.
func (i *Injector) SendKey(ctx context.Context, target Target, key Key) error {
	if _, err := i.run(ctx, target.args("send-keys", "-t", target.Pane, string(key))); err != nil {
		return fmt.Errorf("send key %s: %w", key, err)
	}
	return nil
}

// SendSlashCommand injects a Claude Code slash command (e.g. "/compact")
// the same way as ordinary text: literal mode, then Enter.
func (i *Injector) SendSlashCommand(ctx context.Context, target Target, command string) error {
	if !strings.HasPrefix(command, "/") {
		command = "/" + command
	}
	return i.Inject(ctx, target, command)
}

// DetectSession reports whether any tmux server is reachable on the default
// socket, used at startup to decide whether injection is even possible in
// this environment (grounded on tmuxListKojoSessions's server-probe pattern).
func (i *Injector) DetectSession(ctx context.Context) bool {
	_, err := i.run(ctx, []string{"list-sessions"})
	return err == nil
}

// CapturePane returns the visible contents of a pane, used by the router
// to attach a terminal snapshot to "Details" expansions (§4.4's rendering
// support), grounded on tmuxCapturePaneContent.
func (i *Injector) CapturePane(ctx context.Context, target Target, lines int) (string, error) {
	startArg := fmt.Sprintf("-%d", lines)
	out, err := i.run(ctx, target.args("capture-pane", "-p", "-t", target.Pane, "-S", startArg))
	if err != nil {
		return "", fmt.Errorf("capture pane %s: %w", target.Pane, err)
	}
	return out, nil
}
