// Package topic implements the per-session single-flight gate that
// serialises forum-thread creation so concurrent first-touch events for a
// never-before-seen session id never produce duplicate threads
// (spec.md §4.3).
package topic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/store"
)

// Creator creates a forum topic for a session. The chat adapter
// (chatbot.Bot) implements it and is passed in at wiring time.
type Creator interface {
	CreateForumTopic(ctx context.Context, name string, colorIndex int) (threadID int64, err error)
}

// Metadata is the display annotation passed through to session creation.
type Metadata struct {
	Hostname   string
	ProjectDir string
	TopicName  string
	ColorIndex int
}

// future is the single resolvable handle for one in-flight creation,
// per the §9 redesign note: one map of id → handle, not two parallel maps.
type future struct {
	done     chan struct{}
	threadID int64
	err      error
}

// Coordinator is the topic-creation coordinator. It holds only the
// in-flight futures; the session/thread mapping of record lives in the
// store, not here (§9 "global caches live on the router, not module state").
type Coordinator struct {
	mu         sync.Mutex
	futures    map[string]*future
	store      *store.Store
	creator    Creator
	useThreads bool
	logger     *slog.Logger
}

// New creates a Coordinator. When useThreads is false, sessions are
// created without ever attempting forum-topic creation (threads disabled).
func New(st *store.Store, creator Creator, useThreads bool, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		futures:    make(map[string]*future),
		store:      st,
		creator:    creator,
		useThreads: useThreads,
		logger:     logger,
	}
}

// EnsureSessionExists implements the protocol in spec.md §4.3 steps 1-4.
func (c *Coordinator) EnsureSessionExists(ctx context.Context, chatID int64, sessionID string, meta Metadata) error {
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if sess != nil && sess.Status == store.StatusActive {
		return nil // fast path, no locking
	}
	if sess != nil {
		return c.store.Reactivate(ctx, sessionID)
	}

	fut, isLeader := c.installOrJoin(sessionID)
	if !isLeader {
		select {
		case <-fut.done:
			return fut.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	threadID, err := c.create(ctx, chatID, sessionID, meta)
	c.resolve(sessionID, fut, threadID, err)
	return err
}

// installOrJoin is the atomic check-and-install step. The mutex is held
// only across this map operation, never across the creation work itself
// (spec.md §4.3 invariant).
func (c *Coordinator) installOrJoin(sessionID string) (*future, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fut, ok := c.futures[sessionID]; ok {
		return fut, false
	}
	fut := &future{done: make(chan struct{})}
	c.futures[sessionID] = fut
	return fut, true
}

func (c *Coordinator) resolve(sessionID string, fut *future, threadID int64, err error) {
	fut.threadID, fut.err = threadID, err
	close(fut.done)

	c.mu.Lock()
	delete(c.futures, sessionID)
	c.mu.Unlock()
}

func (c *Coordinator) create(ctx context.Context, chatID int64, sessionID string, meta Metadata) (int64, error) {
	if err := c.store.Create(ctx, sessionID, chatID, store.Metadata{
		Hostname: meta.Hostname, ProjectDir: meta.ProjectDir,
	}); err != nil {
		return 0, fmt.Errorf("create session row: %w", err)
	}
	if !c.useThreads {
		return 0, nil
	}

	name := meta.TopicName
	if name == "" {
		name = sessionID
	}
	threadID, err := c.creator.CreateForumTopic(ctx, name, meta.ColorIndex)
	if err != nil {
		return 0, fmt.Errorf("create forum topic: %w", err)
	}
	if err := c.store.SetThreadID(ctx, sessionID, threadID); err != nil {
		return 0, fmt.Errorf("persist thread id: %w", err)
	}
	c.logger.Info("forum topic created", "session", sessionID, "thread", threadID)
	return threadID, nil
}

// WaitForThread resolves a session's thread id, awaiting an in-flight
// creation if necessary. On timeout it returns ok=false — callers must
// drop the message rather than post it to the channel general area
// (spec.md §4.3 step 5).
func (c *Coordinator) WaitForThread(ctx context.Context, sessionID string, timeout time.Duration) (int64, bool) {
	sess, err := c.store.Get(ctx, sessionID)
	if err == nil && sess != nil && sess.ThreadID != nil {
		return *sess.ThreadID, true
	}
	if !c.useThreads {
		return 0, false
	}

	c.mu.Lock()
	fut, ok := c.futures[sessionID]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-fut.done:
		if fut.err != nil || fut.threadID == 0 {
			return 0, false
		}
		return fut.threadID, true
	case <-timer.C:
		return 0, false
	case <-ctx.Done():
		return 0, false
	}
}
