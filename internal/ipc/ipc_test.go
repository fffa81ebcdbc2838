package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/events"
)

func TestServer_DecodesAndDispatchesLines(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "bridge.sock")

	var mu sync.Mutex
	var got []events.Event
	done := make(chan struct{}, 1)

	srv, err := New(Config{
		SocketPath: sockPath,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Handler: func(ctx context.Context, ev events.Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			done <- struct{}{}
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	line, _ := json.Marshal(map[string]any{
		"type":      "user_input",
		"sessionId": "S1",
		"timestamp": time.Now().Format(time.RFC3339),
		"content":   "hello",
	})
	if _, err := conn.Write(append(line, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].SessionID != "S1" {
		t.Fatalf("unexpected dispatched events: %+v", got)
	}
}

func TestServer_UnknownTypeIsDroppedNotFatal(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "bridge.sock")

	calls := make(chan events.Event, 2)
	srv, err := New(Config{
		SocketPath: sockPath,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Handler: func(ctx context.Context, ev events.Event) {
			calls <- ev
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	bad, _ := json.Marshal(map[string]any{"type": "not_a_real_type", "sessionId": "S1"})
	good, _ := json.Marshal(map[string]any{"type": "user_input", "sessionId": "S1", "content": "hi"})
	if _, err := conn.Write(append(bad, '\n')); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(append(good, '\n')); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-calls:
		if ev.SessionID != "S1" || ev.Content != "hi" {
			t.Fatalf("expected the well-formed event to be dispatched, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out: the connection should have survived the malformed line")
	}
}

func TestServer_TurnCompleteAfterPreCompactIsFlagged(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "bridge.sock")

	calls := make(chan events.Event, 4)
	srv, err := New(Config{
		SocketPath: sockPath,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Handler: func(ctx context.Context, ev events.Event) {
			calls <- ev
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	precompact, _ := json.Marshal(map[string]any{"type": "pre_compact", "sessionId": "S1"})
	turn1, _ := json.Marshal(map[string]any{"type": "turn_complete", "sessionId": "S1"})
	turn2, _ := json.Marshal(map[string]any{"type": "turn_complete", "sessionId": "S1"})
	for _, line := range [][]byte{precompact, turn1, turn2} {
		if _, err := conn.Write(append(line, '\n')); err != nil {
			t.Fatal(err)
		}
	}

	var got []events.Event
	for i := 0; i < 3; i++ {
		select {
		case ev := <-calls:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	if got[1].Type != events.TypeTurnComplete || !got[1].AfterCompact {
		t.Fatalf("expected the first turn_complete to be flagged AfterCompact, got %+v", got[1])
	}
	if got[2].Type != events.TypeTurnComplete || got[2].AfterCompact {
		t.Fatalf("expected the second turn_complete not to be flagged, got %+v", got[2])
	}
}

func TestServer_BroadcastReachesConnectedClient(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "bridge.sock")

	srv, err := New(Config{
		SocketPath: sockPath,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server goroutine a moment to register the connection before
	// broadcasting to it.
	time.Sleep(50 * time.Millisecond)

	ev := events.NewApprovalResponse("S1", "S1-1", "approved")
	if err := srv.Broadcast(ev); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read broadcast line: %v", err)
	}

	got, err := events.Parse(line)
	if err != nil {
		t.Fatalf("parse broadcast line: %v", err)
	}
	if got.Type != events.TypeApprovalResponse || got.Content != "approved" {
		t.Fatalf("unexpected broadcast event: %+v", got)
	}
}
