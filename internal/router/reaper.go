package router

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/injector"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/store"
)

// StartReaper schedules the stale-session / expired-approval sweep every
// five minutes (SPEC_FULL.md §4.6, grounded on robfig/cron/v3's "@every"
// spec rather than a raw time.Ticker) and returns the running scheduler so
// the caller can Stop it on shutdown. staleTimeout <= 0 disables the
// idle-session sweep; expired-approval cleanup always runs.
func (r *Router) StartReaper(ctx context.Context, staleTimeout time.Duration) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc("@every 5m", r.reap(ctx, staleTimeout)); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func (r *Router) reap(ctx context.Context, staleTimeout time.Duration) func() {
	return func() {
		if expired, err := r.store.ExpireApprovals(ctx); err != nil {
			r.logger.Error("expire approvals failed", "error", err)
		} else if len(expired) > 0 {
			r.logger.Info("expired stale approvals", "count", len(expired))
		}

		if staleTimeout <= 0 {
			return
		}
		candidates, err := r.store.StaleCandidates(ctx, staleTimeout)
		if err != nil {
			r.logger.Error("stale candidate scan failed", "error", err)
			return
		}
		for _, sess := range candidates {
			// Sessions without a known tmux_target are skipped: there is no
			// pane to confirm is gone, since no event has reported one in
			// its metadata yet (§4.6).
			if sess.TmuxTarget == "" {
				continue
			}
			target := injector.Target{Pane: sess.TmuxTarget, Socket: sess.TmuxSocket}
			if err := r.inject.Validate(ctx, target); err == nil {
				// Pane is still alive; the session is merely idle, not dead.
				// reclaimTmuxTarget already handles the case where the pane
				// was recycled onto a new session via Dispatch.
				continue
			}
			r.reapSession(ctx, sess)
		}
	}
}

func (r *Router) reapSession(ctx context.Context, sess *store.Session) {
	r.logger.Info("reaping stale session", "session", sess.ID, "last_activity", sess.LastActivity)
	if threadID, ok := r.coord.WaitForThread(ctx, sess.ID, 0); ok {
		_, _ = r.chat.Send(int(threadID), "session ended (terminal closed)")
		_ = r.chat.CloseForumTopic(threadID)
	}
	if err := r.store.End(ctx, sess.ID, store.StatusEnded); err != nil {
		r.logger.Error("reap session failed", "session", sess.ID, "error", err)
	}
}
