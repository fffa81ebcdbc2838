package topic

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/store"
)

type fakeCreator struct {
	calls int32
	delay time.Duration
}

func (f *fakeCreator) CreateForumTopic(ctx context.Context, name string, colorIndex int) (int64, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return 777, nil
}

func newTestCoordinator(t *testing.T, creator Creator) (*Coordinator, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir()+"/sessions.db", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, creator, true, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

// TestConcurrentFirstEvents_ExactlyOneTopic reproduces scenario S1 from
// spec.md §8: two events race for an unknown session id, and exactly one
// create_forum_topic call must happen.
func TestConcurrentFirstEvents_ExactlyOneTopic(t *testing.T) {
	creator := &fakeCreator{delay: 20 * time.Millisecond}
	coord, st := newTestCoordinator(t, creator)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := coord.EnsureSessionExists(context.Background(), 100, "S1", Metadata{TopicName: "S1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureSessionExists: %v", err)
		}
	}

	if got := atomic.LoadInt32(&creator.calls); got != 1 {
		t.Fatalf("expected exactly one CreateForumTopic call, got %d", got)
	}

	sess, err := st.Get(context.Background(), "S1")
	if err != nil || sess == nil {
		t.Fatalf("expected session row to exist: %v", err)
	}
	if sess.ThreadID == nil || *sess.ThreadID != 777 {
		t.Fatalf("expected thread id 777, got %+v", sess.ThreadID)
	}
}

func TestWaitForThread_TimesOutWithoutPosting(t *testing.T) {
	creator := &fakeCreator{delay: 200 * time.Millisecond}
	coord, _ := newTestCoordinator(t, creator)

	go coord.EnsureSessionExists(context.Background(), 100, "S2", Metadata{})
	// Give the creator a moment to register its future before we wait.
	time.Sleep(5 * time.Millisecond)

	threadID, ok := coord.WaitForThread(context.Background(), "S2", 20*time.Millisecond)
	if ok {
		t.Fatalf("expected timeout, got thread id %d", threadID)
	}
}

func TestReactivation_NoNewTopic(t *testing.T) {
	creator := &fakeCreator{}
	coord, st := newTestCoordinator(t, creator)
	ctx := context.Background()

	if err := coord.EnsureSessionExists(ctx, 100, "S4", Metadata{}); err != nil {
		t.Fatal(err)
	}
	if err := st.End(ctx, "S4", store.StatusEnded); err != nil {
		t.Fatal(err)
	}
	if err := coord.EnsureSessionExists(ctx, 100, "S4", Metadata{}); err != nil {
		t.Fatal(err)
	}

	sess, _ := st.Get(ctx, "S4")
	if sess.Status != store.StatusActive {
		t.Fatalf("expected reactivated session to be active, got %s", sess.Status)
	}
	if got := atomic.LoadInt32(&creator.calls); got != 1 {
		t.Fatalf("expected no additional topic creation on reactivation, got %d calls", got)
	}
}
