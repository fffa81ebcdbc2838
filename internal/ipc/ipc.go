// Package ipc hosts the Unix-domain socket the bridge listens on for events
// forwarded from hook scripts. Each connection carries newline-delimited
// JSON, one event per line (SPEC_FULL.md §4, §6), grounded on the
// Config/New/Serve/Shutdown shape of loppo-llc-kojo's internal/server and
// on the stale-socket handling in internal/lockfile.
package ipc

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/events"
	"github.com/robertelee78/claude-telegram-mirror-sub000/internal/lockfile"
)

// maxLineSize bounds one event line; tool_result/agent_response payloads are
// the largest and are still well under this.
const maxLineSize = 1 << 20 // 1 MiB

// Handler processes one decoded event. It is called from the connection's
// own goroutine, so it must not block the whole server on slow work.
type Handler func(ctx context.Context, ev events.Event)

// Server accepts connections on a Unix-domain socket and dispatches decoded
// lines to a Handler. It also supports broadcasting events back to every
// connected client, used for the approval_response path (§4.1, §4.4): the
// hook that sent approval_request blocks reading its own connection, so the
// decision has to be written back over the socket rather than delivered any
// other way.
type Server struct {
	path    string
	logger  *slog.Logger
	handler Handler

	ln *net.UnixListener

	mu      sync.Mutex
	wg      sync.WaitGroup
	closing bool
	clients map[*net.UnixConn]struct{}
}

// Config configures a Server.
type Config struct {
	SocketPath string
	Logger     *slog.Logger
	Handler    Handler
}

// New binds the Unix-domain socket at cfg.SocketPath, removing a stale
// leftover socket first and creating its parent directory with 0700
// permissions (SPEC_FULL.md §4.1).
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := lockfile.RemoveStaleSocket(cfg.SocketPath); err != nil {
		return nil, err
	}

	addr, err := net.ResolveUnixAddr("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("resolve socket path: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.SocketPath, err)
	}
	if err := os.Chmod(cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		path:    cfg.SocketPath,
		logger:  logger,
		handler: cfg.Handler,
		ln:      ln,
		clients: make(map[*net.UnixConn]struct{}),
	}, nil
}

// Serve accepts connections until ctx is canceled or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("ipc server listening", "socket", s.path)

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// Shutdown stops accepting new connections and unlinks the socket file.
// In-flight connections are given until their own EOF to finish; it does
// not forcibly close them.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	s.ln.Close()
	_ = os.Remove(s.path)
}

// Broadcast writes ev to every currently connected client. Write errors are
// logged and otherwise ignored; a client that can't keep up loses the event
// rather than blocking the other connections.
func (s *Server) Broadcast(ev events.Event) error {
	line, err := ev.MarshalLine()
	if err != nil {
		return fmt.Errorf("marshal broadcast event: %w", err)
	}

	s.mu.Lock()
	conns := make([]*net.UnixConn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if _, err := c.Write(line); err != nil {
			s.logger.Warn("broadcast write failed", "error", err)
		}
	}
	return nil
}

func (s *Server) addClient(conn *net.UnixConn) {
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(conn *net.UnixConn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer s.wg.Done()
	defer conn.Close()

	s.addClient(conn)
	defer s.removeClient(conn)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	// compacting tracks, for this connection only, whether the most recent
	// pre_compact has not yet been followed by a turn_complete. Ordering
	// across connections is unspecified, so the flag never leaves this
	// goroutine (SPEC_FULL.md §9).
	compacting := false

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := events.Parse(line)
		if err != nil {
			s.logger.Warn("dropping malformed event", "error", err)
			continue
		}
		switch ev.Type {
		case events.TypePreCompact:
			compacting = true
		case events.TypeTurnComplete:
			ev.AfterCompact = compacting
			compacting = false
		}
		if s.handler != nil {
			s.handler(ctx, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("ipc connection closed with error", "error", err)
	}
}
