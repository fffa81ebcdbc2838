package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	st, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreate_IdempotentOnID(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Create(ctx, "S1", 100, Metadata{Hostname: "h1", ProjectDir: "/a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := st.Get(ctx, "S1")
	if err != nil || first == nil {
		t.Fatalf("get after create: %v", err)
	}

	// Second create with different metadata updates fields but leaves id/status alone.
	if err := st.Create(ctx, "S1", 100, Metadata{Hostname: "h2", ProjectDir: "/b"}); err != nil {
		t.Fatalf("second create: %v", err)
	}
	second, err := st.Get(ctx, "S1")
	if err != nil || second == nil {
		t.Fatalf("get after second create: %v", err)
	}
	if second.ID != "S1" {
		t.Fatalf("id changed: %s", second.ID)
	}
	if second.Hostname != "h2" || second.ProjectDir != "/b" {
		t.Fatalf("metadata not updated: %+v", second)
	}
	if !second.LastActivity.After(first.LastActivity) && !second.LastActivity.Equal(first.LastActivity) {
		t.Fatalf("last_activity did not advance")
	}
}

func TestThreadID_SetOnce(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Create(ctx, "S1", 1, Metadata{}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetThreadID(ctx, "S1", 42); err != nil {
		t.Fatal(err)
	}
	s, err := st.Get(ctx, "S1")
	if err != nil || s.ThreadID == nil || *s.ThreadID != 42 {
		t.Fatalf("expected thread id 42, got %+v (err %v)", s, err)
	}

	byThread, err := st.GetByThreadID(ctx, 42)
	if err != nil || byThread == nil || byThread.ID != "S1" {
		t.Fatalf("GetByThreadID failed: %+v, %v", byThread, err)
	}
}

func TestEndThenReactivate(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Create(ctx, "S1", 1, Metadata{}); err != nil {
		t.Fatal(err)
	}
	if err := st.End(ctx, "S1", StatusEnded); err != nil {
		t.Fatal(err)
	}
	s, _ := st.Get(ctx, "S1")
	if s.Status != StatusEnded {
		t.Fatalf("expected ended, got %s", s.Status)
	}

	before := s.LastActivity
	time.Sleep(2 * time.Millisecond)
	if err := st.Reactivate(ctx, "S1"); err != nil {
		t.Fatal(err)
	}
	s, _ = st.Get(ctx, "S1")
	if s.Status != StatusActive {
		t.Fatalf("expected active after reactivate, got %s", s.Status)
	}
	if !s.LastActivity.After(before) {
		t.Fatalf("last_activity did not advance on reactivate")
	}
}

func TestEnd_CascadesApprovalsToExpired(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Create(ctx, "S1", 1, Metadata{}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateApproval(ctx, "A1", "S1", "rm -rf /tmp/x", 5*time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := st.End(ctx, "S1", StatusAborted); err != nil {
		t.Fatal(err)
	}
	a, err := st.GetApproval(ctx, "A1")
	if err != nil || a == nil {
		t.Fatalf("get approval: %v", err)
	}
	if a.Status != ApprovalExpired {
		t.Fatalf("expected approval expired after session end, got %s", a.Status)
	}
}

func TestResolveApproval_OnlyOneTerminalTransition(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Create(ctx, "S1", 1, Metadata{}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateApproval(ctx, "A1", "S1", "rm -rf /", 5*time.Minute); err != nil {
		t.Fatal(err)
	}

	ok, err := st.ResolveApproval(ctx, "A1", ApprovalApproved)
	if err != nil || !ok {
		t.Fatalf("expected first resolve to succeed: ok=%v err=%v", ok, err)
	}
	// A later resolve attempt (e.g. a duplicate button press) is a no-op.
	ok, err = st.ResolveApproval(ctx, "A1", ApprovalRejected)
	if err != nil || ok {
		t.Fatalf("expected second resolve to be a no-op: ok=%v err=%v", ok, err)
	}
	a, _ := st.GetApproval(ctx, "A1")
	if a.Status != ApprovalApproved {
		t.Fatalf("status changed on second resolve: %s", a.Status)
	}
}

func TestExpireApprovals(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Create(ctx, "S1", 1, Metadata{}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateApproval(ctx, "A1", "S1", "prompt", -time.Second); err != nil {
		t.Fatal(err)
	}
	expired, err := st.ExpireApprovals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != "A1" {
		t.Fatalf("expected A1 to be reported expired, got %+v", expired)
	}
	a, _ := st.GetApproval(ctx, "A1")
	if a.Status != ApprovalExpired {
		t.Fatalf("expected expired status, got %s", a.Status)
	}
}

func TestStaleCandidates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Create(ctx, "S1", 1, Metadata{}); err != nil {
		t.Fatal(err)
	}
	// Force last_activity far in the past.
	if _, err := st.db.ExecContext(ctx, `UPDATE sessions SET last_activity = '2000-01-01T00:00:00Z' WHERE id = 'S1'`); err != nil {
		t.Fatal(err)
	}
	candidates, err := st.StaleCandidates(ctx, 72*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || candidates[0].ID != "S1" {
		t.Fatalf("expected S1 to be stale, got %+v", candidates)
	}
}

func TestIsTmuxTargetOwnedElsewhere(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Create(ctx, "S1", 1, Metadata{}); err != nil {
		t.Fatal(err)
	}
	if err := st.Create(ctx, "S2", 1, Metadata{}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetTmux(ctx, "S1", "0:0.0", "/tmp/tmux.sock"); err != nil {
		t.Fatal(err)
	}

	owned, err := st.IsTmuxTargetOwnedElsewhere(ctx, "0:0.0", "S2")
	if err != nil {
		t.Fatal(err)
	}
	if !owned {
		t.Fatal("expected target to be owned by S1")
	}

	owned, err = st.IsTmuxTargetOwnedElsewhere(ctx, "0:0.0", "S1")
	if err != nil {
		t.Fatal(err)
	}
	if owned {
		t.Fatal("a session should not count as owning its own target")
	}
}

func TestOtherActiveOwnerOfTmuxTarget(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.Create(ctx, "S1", 1, Metadata{}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetTmux(ctx, "S1", "0:0.0", ""); err != nil {
		t.Fatal(err)
	}

	owner, err := st.OtherActiveOwnerOfTmuxTarget(ctx, "0:0.0", "S2")
	if err != nil {
		t.Fatal(err)
	}
	if owner == nil || owner.ID != "S1" {
		t.Fatalf("expected S1 to own the target, got %+v", owner)
	}

	if err := st.End(ctx, "S1", StatusEnded); err != nil {
		t.Fatal(err)
	}
	owner, err = st.OtherActiveOwnerOfTmuxTarget(ctx, "0:0.0", "S2")
	if err != nil {
		t.Fatal(err)
	}
	if owner != nil {
		t.Fatalf("ended session should not count as an owner, got %+v", owner)
	}
}

func TestMigrate_AddsColumnsIdempotently(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.migrate(ctx); err != nil {
		t.Fatalf("second migrate run: %v", err)
	}
	has, err := st.hasColumn(ctx, "sessions", "tmux_target")
	if err != nil || !has {
		t.Fatalf("expected tmux_target column present: has=%v err=%v", has, err)
	}
}
