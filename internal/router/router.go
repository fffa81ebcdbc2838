// Package router is the bridge's central dispatch point: it turns IPC
// events into chat messages and chat messages/callbacks into tmux
// injections, owns the dedup/cache state the spec requires to live on the
// router (not as module globals), and drives the stale-session reaper
// (SPEC_FULL.md §4.4, §9).
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/events"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/injector"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/render"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/store"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/topic"
)

// Chat is the subset of the chat adapter the router drives. chatbot.Bot
// satisfies it; tests supply a fake.
type Chat interface {
	Send(threadID int, text string) (int, error)
	SendWithDetails(threadID int, text, sessionID string) (int, error)
	SendApprovalRequest(threadID int, approvalID, text string) (int, error)
	ResolveApprovalMessage(messageID int, resolvedText string) error
	AnswerCallback(callbackID, text string) error
	CloseForumTopic(threadID int64) error
}

// Injector is the subset of injector.Injector the router drives.
type Injector interface {
	Inject(ctx context.Context, target injector.Target, text string) error
	SendKey(ctx context.Context, target injector.Target, key injector.Key) error
	SendSlashCommand(ctx context.Context, target injector.Target, command string) error
	Validate(ctx context.Context, target injector.Target) error
	CapturePane(ctx context.Context, target injector.Target, lines int) (string, error)
}

// Broadcaster emits an event to every hook connected over the IPC socket.
// ipc.Server satisfies it; the approval-response path is its only producer.
type Broadcaster interface {
	Broadcast(ev events.Event) error
}

// Options configures TTLs that would otherwise be magic numbers scattered
// through Dispatch; values come from config.Config at wiring time.
type Options struct {
	WaitForThreadTimeout time.Duration
	DedupTTL             time.Duration
	ApprovalTTL          time.Duration
	ApprovalsEnabled     bool
}

// Router is the dispatch hub. Its caches are reconstructible from the store
// on restart; nothing here is authoritative state.
type Router struct {
	store   *store.Store
	coord   *topic.Coordinator
	inject  Injector
	chat    Chat
	opts    Options
	logger  *slog.Logger
	bcaster Broadcaster

	mu        sync.Mutex
	dedupSeen map[string]time.Time // sha256(sessionID+content) -> seen at

	chatID int64
}

// SetBroadcaster wires the IPC broadcaster in after construction, breaking
// the construction cycle between Router (needs ipc.Server as a Handler
// target) and ipc.Server (needs Router.Dispatch as its Handler). Callers
// that never call it simply never broadcast approval_response events.
func (r *Router) SetBroadcaster(b Broadcaster) {
	r.bcaster = b
}

// New builds a Router. chatID is the single Telegram chat (forum group)
// the bridge talks to.
func New(st *store.Store, coord *topic.Coordinator, inj Injector, chat Chat, chatID int64, opts Options, logger *slog.Logger) *Router {
	return &Router{
		store:     st,
		coord:     coord,
		inject:    inj,
		chat:      chat,
		opts:      opts,
		logger:    logger,
		dedupSeen: make(map[string]time.Time),
		chatID:    chatID,
	}
}

// Dispatch implements the event pipeline of §4.4: dedup, ensure-session,
// touch, render, send. It returns nothing: every per-event failure is
// logged, and an event whose session cannot be ensured is dropped.
func (r *Router) Dispatch(ctx context.Context, ev events.Event) {
	if r.isSelfEcho(ev) {
		r.logger.Debug("dropping self-echoed event", "session", ev.SessionID)
		return
	}

	// Every event type runs through the single-flight coordinator, including
	// session_start: it is exactly the first-touch event the coordinator is
	// built to de-duplicate under concurrent delivery (SPEC_FULL.md §4.3).
	meta := topic.Metadata{
		Hostname:   ev.Metadata.Hostname,
		ProjectDir: ev.Metadata.ProjectDir,
		TopicName:  sessionTopicName(ev),
	}
	if err := r.coord.EnsureSessionExists(ctx, r.chatID, ev.SessionID, meta); err != nil {
		r.logger.Error("ensure session exists failed", "session", ev.SessionID, "error", err)
		return
	}

	if err := r.store.Touch(ctx, ev.SessionID); err != nil {
		r.logger.Warn("touch failed", "session", ev.SessionID, "error", err)
	}

	if ev.Metadata.TmuxTarget != "" {
		r.reclaimTmuxTarget(ctx, ev.Metadata.TmuxTarget, ev.SessionID)
		if err := r.store.SetTmux(ctx, ev.SessionID, ev.Metadata.TmuxTarget, ev.Metadata.TmuxSocket); err != nil {
			r.logger.Warn("set tmux target failed", "session", ev.SessionID, "error", err)
		}
	}

	switch ev.Type {
	case events.TypeSessionEnd:
		r.handleSessionEnd(ctx, ev)
		return
	case events.TypeApprovalRequest:
		if r.opts.ApprovalsEnabled {
			r.handleApprovalRequest(ctx, ev)
			return
		}
	}

	if !ev.Type.RendersToChat() {
		return
	}
	r.renderAndSend(ctx, ev)
}

// reclaimTmuxTarget ends whichever other active session currently claims
// target before sessionID takes it over, restoring §8 invariant 4 when the
// multiplexer recycles a pane address onto a new session.
func (r *Router) reclaimTmuxTarget(ctx context.Context, target, sessionID string) {
	prior, err := r.store.OtherActiveOwnerOfTmuxTarget(ctx, target, sessionID)
	if err != nil {
		r.logger.Warn("checking tmux target ownership failed", "target", target, "error", err)
		return
	}
	if prior == nil {
		return
	}
	r.logger.Info("pane recycled onto a new session, ending prior claimant",
		"target", target, "prior_session", prior.ID, "new_session", sessionID)
	if threadID, ok := r.coord.WaitForThread(ctx, prior.ID, 0); ok {
		_, _ = r.chat.Send(int(threadID), "session ended (pane reassigned)")
		_ = r.chat.CloseForumTopic(threadID)
	}
	if err := r.store.End(ctx, prior.ID, store.StatusEnded); err != nil {
		r.logger.Warn("ending recycled-pane session failed", "session", prior.ID, "error", err)
	}
}

func (r *Router) renderAndSend(ctx context.Context, ev events.Event) {
	threadID, ok := r.coord.WaitForThread(ctx, ev.SessionID, r.opts.WaitForThreadTimeout)
	if !ok {
		r.logger.Warn("dropping event: thread never became available", "session", ev.SessionID, "type", ev.Type)
		return
	}

	text, offerDetails := render.Event(ev)
	if text == "" {
		return
	}
	var err error
	if offerDetails {
		_, err = r.chat.SendWithDetails(int(threadID), text, ev.SessionID)
	} else {
		_, err = r.chat.Send(int(threadID), text)
	}
	if err != nil {
		r.logger.Error("send failed", "session", ev.SessionID, "error", err)
	}
}

func (r *Router) handleSessionEnd(ctx context.Context, ev events.Event) {
	threadID, ok := r.coord.WaitForThread(ctx, ev.SessionID, r.opts.WaitForThreadTimeout)
	if ok {
		if _, err := r.chat.Send(int(threadID), "session ended"); err != nil {
			r.logger.Error("send session-end notice failed", "session", ev.SessionID, "error", err)
		}
		if err := r.chat.CloseForumTopic(threadID); err != nil {
			r.logger.Warn("close forum topic failed", "session", ev.SessionID, "error", err)
		}
	}
	if err := r.store.End(ctx, ev.SessionID, store.StatusEnded); err != nil {
		r.logger.Error("end session failed", "session", ev.SessionID, "error", err)
	}
}

func (r *Router) handleApprovalRequest(ctx context.Context, ev events.Event) {
	threadID, ok := r.coord.WaitForThread(ctx, ev.SessionID, r.opts.WaitForThreadTimeout)
	if !ok {
		r.logger.Warn("dropping approval request: thread never became available", "session", ev.SessionID)
		return
	}

	approvalID := fmt.Sprintf("%s-%d", ev.SessionID, time.Now().UnixNano())
	if _, err := r.store.CreateApproval(ctx, approvalID, ev.SessionID, ev.Content, r.opts.ApprovalTTL); err != nil {
		r.logger.Error("create approval failed", "session", ev.SessionID, "error", err)
		return
	}

	text, _ := render.Event(ev)
	messageID, err := r.chat.SendApprovalRequest(int(threadID), approvalID, text)
	if err != nil {
		r.logger.Error("send approval request failed", "session", ev.SessionID, "error", err)
		return
	}
	if err := r.store.SetApprovalMessageID(ctx, approvalID, int64(messageID)); err != nil {
		r.logger.Warn("persist approval message id failed", "approval", approvalID, "error", err)
	}
}

// capturePaneLines bounds how much scrollback a "Details" expansion pulls
// from the pane.
const capturePaneLines = 60

// HandleCallback resolves an inline-button press: either a pending
// approval's decision, or a "Details" request for a pane snapshot. Approval
// resolution enforces the exactly-one-terminal-transition invariant via
// store.ResolveApproval before anything else happens.
func (r *Router) HandleCallback(ctx context.Context, callbackID, data string) {
	action, id, ok := strings.Cut(data, ":")
	if !ok {
		r.logger.Warn("malformed callback data", "data", data)
		return
	}

	if action == "details" {
		r.handleDetailsCallback(ctx, callbackID, id)
		return
	}
	approvalID := id

	var status store.ApprovalStatus
	var decision string
	abort := false
	switch action {
	case "approve", "always":
		status, decision = store.ApprovalApproved, "approved"
	case "deny":
		status, decision = store.ApprovalRejected, "denied"
	case "abort":
		status, abort = store.ApprovalRejected, true
	default:
		r.logger.Warn("unknown callback action", "action", action)
		return
	}

	resolved, err := r.store.ResolveApproval(ctx, approvalID, status)
	if err != nil {
		r.logger.Error("resolve approval failed", "approval", approvalID, "error", err)
		_ = r.chat.AnswerCallback(callbackID, "error resolving approval")
		return
	}
	if !resolved {
		_ = r.chat.AnswerCallback(callbackID, "already resolved")
		return
	}

	approval, err := r.store.GetApproval(ctx, approvalID)
	if err != nil || approval == nil {
		r.logger.Error("approval vanished after resolve", "approval", approvalID, "error", err)
		return
	}

	// The abort button transitions the session itself to aborted (§4.4's
	// state machine). Every other outcome is reported back over the IPC
	// socket rather than typed into the pane, since the hook that raised
	// approval_request is the one blocked waiting for the decision.
	if abort {
		if err := r.store.End(ctx, approval.SessionID, store.StatusAborted); err != nil {
			r.logger.Error("abort session failed", "session", approval.SessionID, "error", err)
		}
		if threadID, ok := r.coord.WaitForThread(ctx, approval.SessionID, 0); ok {
			_, _ = r.chat.Send(int(threadID), "session aborted")
			_ = r.chat.CloseForumTopic(threadID)
		}
		if r.bcaster != nil {
			resp := events.NewApprovalResponse(approval.SessionID, approvalID, "aborted")
			if err := r.bcaster.Broadcast(resp); err != nil {
				r.logger.Error("broadcast approval response failed", "approval", approvalID, "error", err)
			}
		}
	} else {
		if r.bcaster == nil {
			r.logger.Warn("no broadcaster wired, approval response cannot reach the hook", "session", approval.SessionID)
		} else {
			resp := events.NewApprovalResponse(approval.SessionID, approvalID, decision)
			if err := r.bcaster.Broadcast(resp); err != nil {
				r.logger.Error("broadcast approval response failed", "approval", approvalID, "error", err)
			}
		}
	}

	_ = r.chat.AnswerCallback(callbackID, strings.ToUpper(string(status[:1]))+string(status[1:]))
	resolvedText := fmt.Sprintf("%s\n\n— resolved: %s", approval.Prompt, status)
	if abort {
		resolvedText = fmt.Sprintf("%s\n\n— session aborted", approval.Prompt)
	}
	if approval.MessageID != nil {
		_ = r.chat.ResolveApprovalMessage(int(*approval.MessageID), resolvedText)
	}
}

// keyDeliveryFailedMsg is posted to the thread when an interrupt/kill key
// press could not be delivered (§7).
const keyDeliveryFailedMsg = "the key could not be delivered."

// injectFailedMsg is posted when literal text or a forwarded slash command
// could not be delivered (§7). reason is either "no multiplexer session
// found" (no known tmux_target at all) or "pane not found" (the target was
// known but send-keys itself failed).
func injectFailedMsg(reason string) string {
	return "could not send input; " + reason + "; send any command in the CLI to refresh the connection"
}

// handleDetailsCallback captures the current pane contents for sessionID and
// posts them to its thread, for the "Details" button attached by
// SendWithDetails (§4.4).
func (r *Router) handleDetailsCallback(ctx context.Context, callbackID, sessionID string) {
	sess, err := r.store.Get(ctx, sessionID)
	if err != nil || sess == nil || sess.TmuxTarget == "" {
		_ = r.chat.AnswerCallback(callbackID, "no pane to capture")
		return
	}
	target := injector.Target{Pane: sess.TmuxTarget, Socket: sess.TmuxSocket}
	snapshot, err := r.inject.CapturePane(ctx, target, capturePaneLines)
	if err != nil {
		r.logger.Error("capture pane failed", "session", sessionID, "error", err)
		_ = r.chat.AnswerCallback(callbackID, "could not capture pane")
		return
	}
	_ = r.chat.AnswerCallback(callbackID, "")
	threadID, ok := r.coord.WaitForThread(ctx, sessionID, 0)
	if !ok {
		return
	}
	if _, err := r.chat.Send(int(threadID), render.CodeBlock(snapshot)); err != nil {
		r.logger.Error("send pane snapshot failed", "session", sessionID, "error", err)
	}
}

// HandleChatMessage classifies and acts on a plain inbound chat message
// addressed to threadID.
func (r *Router) HandleChatMessage(ctx context.Context, threadID int, text string) {
	sess, err := r.store.GetByThreadID(ctx, int64(threadID))
	if err != nil || sess == nil {
		r.logger.Warn("chat message addressed to unknown thread", "thread", threadID)
		return
	}
	if sess.TmuxTarget == "" {
		r.logger.Warn("session has no tmux target yet", "session", sess.ID)
		_, _ = r.chat.Send(threadID, injectFailedMsg("no multiplexer session found"))
		return
	}
	target := injector.Target{Pane: sess.TmuxTarget, Socket: sess.TmuxSocket}

	class, rest := Classify(text)
	switch class {
	case ClassInterrupt:
		if err := r.inject.SendKey(ctx, target, injector.KeyEsc); err != nil {
			r.logger.Error("interrupt injection failed", "session", sess.ID, "error", err)
			_, _ = r.chat.Send(threadID, keyDeliveryFailedMsg)
		}
	case ClassKill:
		if err := r.inject.SendKey(ctx, target, injector.KeyC_C); err != nil {
			r.logger.Error("kill injection failed", "session", sess.ID, "error", err)
			_, _ = r.chat.Send(threadID, keyDeliveryFailedMsg)
		}
	case ClassSlashForward:
		if err := r.inject.SendSlashCommand(ctx, target, rest); err != nil {
			r.logger.Error("forward injection failed", "session", sess.ID, "error", err)
			_, _ = r.chat.Send(threadID, injectFailedMsg("pane not found"))
		}
	case ClassLiteral:
		if err := r.inject.Inject(ctx, target, text); err != nil {
			r.logger.Error("injection failed", "session", sess.ID, "error", err)
			_, _ = r.chat.Send(threadID, injectFailedMsg("pane not found"))
		}
	}

	r.recordSelfEcho(sess.ID, text)
}

// isSelfEcho reports whether ev is the terminal's own echo of a message the
// router itself just injected — without this, a user_input event generated
// by typing into the pane via Telegram would round-trip back as a second
// chat message (§4.4's self-echo dedup, 10s TTL).
func (r *Router) isSelfEcho(ev events.Event) bool {
	if ev.Type != events.TypeUserInput {
		return false
	}
	key := dedupKey(ev.SessionID, ev.Content)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepDedupLocked()
	seenAt, ok := r.dedupSeen[key]
	if !ok {
		return false
	}
	return time.Since(seenAt) <= r.opts.DedupTTL
}

func (r *Router) recordSelfEcho(sessionID, text string) {
	key := dedupKey(sessionID, text)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dedupSeen[key] = time.Now()
	r.sweepDedupLocked()
}

// sweepDedupLocked drops expired entries. Called with r.mu held.
func (r *Router) sweepDedupLocked() {
	cutoff := time.Now().Add(-r.opts.DedupTTL)
	for k, t := range r.dedupSeen {
		if t.Before(cutoff) {
			delete(r.dedupSeen, k)
		}
	}
}

func dedupKey(sessionID, content string) string {
	sum := sha256.Sum256([]byte(sessionID + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

func sessionTopicName(ev events.Event) string {
	if ev.Metadata.ProjectDir != "" {
		return ev.Metadata.ProjectDir
	}
	return ev.SessionID
}
