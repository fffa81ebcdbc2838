// Package store persists sessions and pending approvals in a single-file
// SQLite database, grounded on the teacher's internal/session/store.go
// persistence layer but upgraded from a flat JSON file to an embedded
// relational store per SPEC_FULL.md §3.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Status is a session's lifecycle state (spec.md §3).
type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusAborted Status = "aborted"
)

// ApprovalStatus is a pending approval's terminal-or-pending state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Session is the primary record described in spec.md §3.
type Session struct {
	ID           string
	ChatID       int64
	ThreadID     *int64
	Hostname     string
	ProjectDir   string
	TmuxTarget   string
	TmuxSocket   string
	StartedAt    time.Time
	LastActivity time.Time
	Status       Status
}

// PendingApproval is the secondary record described in spec.md §3.
type PendingApproval struct {
	ID        string
	SessionID string
	Prompt    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    ApprovalStatus
	MessageID *int64
}

// Store wraps the embedded database. A single open connection is kept
// (SetMaxOpenConns(1)) so the store is its own single-writer resource per
// §5 — no additional in-process locking is needed around statements.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the session store at path and runs
// idempotent schema migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sessions dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	st := &Store{db: db, logger: logger}
	if err := st.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (st *Store) Close() error {
	return st.db.Close()
}

// migrate creates the schema on first open and adds any columns a previous
// version of the schema is missing. Never drops or narrows a column, per
// spec.md §4.2.
func (st *Store) migrate(ctx context.Context) error {
	_, err := st.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			chat_id       INTEGER NOT NULL,
			thread_id     INTEGER,
			hostname      TEXT,
			project_dir   TEXT,
			started_at    TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			status        TEXT NOT NULL
		)`)
	if err != nil {
		return err
	}
	if _, err := st.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pending_approvals (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			prompt      TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			expires_at  TEXT NOT NULL,
			status      TEXT NOT NULL,
			message_id  INTEGER
		)`); err != nil {
		return err
	}

	for _, col := range []struct{ name, ddl string }{
		{"tmux_target", "ALTER TABLE sessions ADD COLUMN tmux_target TEXT"},
		{"tmux_socket", "ALTER TABLE sessions ADD COLUMN tmux_socket TEXT"},
	} {
		has, err := st.hasColumn(ctx, "sessions", col.name)
		if err != nil {
			return err
		}
		if !has {
			if _, err := st.db.ExecContext(ctx, col.ddl); err != nil {
				return fmt.Errorf("migrate add column %s: %w", col.name, err)
			}
		}
	}
	return nil
}

func (st *Store) hasColumn(ctx context.Context, table, col string) (bool, error) {
	rows, err := st.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, ctyp string
			notnull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctyp, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == col {
			return true, nil
		}
	}
	return false, rows.Err()
}

const timeLayout = time.RFC3339Nano

// Get looks up a session by id. Returns (nil, nil) when not found.
func (st *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT id, chat_id, thread_id, hostname, project_dir, tmux_target, tmux_socket,
		       started_at, last_activity, status
		FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByThreadID answers "do I own this thread?" (§4.2).
func (st *Store) GetByThreadID(ctx context.Context, threadID int64) (*Session, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT id, chat_id, thread_id, hostname, project_dir, tmux_target, tmux_socket,
		       started_at, last_activity, status
		FROM sessions WHERE thread_id = ?`, threadID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s          Session
		threadID   sql.NullInt64
		tmuxTarget sql.NullString
		tmuxSocket sql.NullString
		started    string
		lastAct    string
		status     string
	)
	if err := row.Scan(&s.ID, &s.ChatID, &threadID, &s.Hostname, &s.ProjectDir,
		&tmuxTarget, &tmuxSocket, &started, &lastAct, &status); err != nil {
		return nil, err
	}
	if threadID.Valid {
		s.ThreadID = &threadID.Int64
	}
	s.TmuxTarget = tmuxTarget.String
	s.TmuxSocket = tmuxSocket.String
	s.Status = Status(status)
	var err error
	if s.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if s.LastActivity, err = time.Parse(timeLayout, lastAct); err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}
	return &s, nil
}

// Metadata carries the display-only annotations passed to Create.
type Metadata struct {
	Hostname   string
	ProjectDir string
}

// Create is idempotent on id (§4.2): if the row exists, it updates
// last_activity and the supplied mutable fields and returns; it never
// overwrites an existing thread_id.
func (st *Store) Create(ctx context.Context, id string, chatID int64, meta Metadata) error {
	now := time.Now().UTC().Format(timeLayout)
	existing, err := st.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil {
		_, err := st.db.ExecContext(ctx, `
			UPDATE sessions SET last_activity = ?, hostname = COALESCE(NULLIF(?, ''), hostname),
			       project_dir = COALESCE(NULLIF(?, ''), project_dir)
			WHERE id = ?`, now, meta.Hostname, meta.ProjectDir, id)
		return err
	}
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO sessions (id, chat_id, hostname, project_dir, started_at, last_activity, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, chatID, meta.Hostname, meta.ProjectDir, now, now, StatusActive)
	return err
}

// SetThreadID persists the thread id for a session. Per the idempotence
// invariant in spec.md §3, callers must only call this once per session —
// the topic coordinator enforces that by construction.
func (st *Store) SetThreadID(ctx context.Context, id string, threadID int64) error {
	_, err := st.db.ExecContext(ctx, `UPDATE sessions SET thread_id = ? WHERE id = ?`, threadID, id)
	return err
}

// SetTmux updates the pane/socket mapping for a session (self-healing path).
func (st *Store) SetTmux(ctx context.Context, id, target, socket string) error {
	_, err := st.db.ExecContext(ctx, `
		UPDATE sessions SET tmux_target = ?, tmux_socket = ? WHERE id = ?`, target, socket, id)
	return err
}

// Touch advances last_activity.
func (st *Store) Touch(ctx context.Context, id string) error {
	_, err := st.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity = ? WHERE id = ?`, time.Now().UTC().Format(timeLayout), id)
	return err
}

// End marks a session ended/aborted and cascades its pending approvals to
// expired (§3 PendingApproval invariant).
func (st *Store) End(ctx context.Context, id string, status Status) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_approvals SET status = ? WHERE session_id = ? AND status = ?`,
		ApprovalExpired, id, ApprovalPending); err != nil {
		return err
	}
	return tx.Commit()
}

// Reactivate transitions a session back to active and bumps last_activity
// (reactivation, spec.md §3/§4.4).
func (st *Store) Reactivate(ctx context.Context, id string) error {
	_, err := st.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_activity = ? WHERE id = ?`,
		StatusActive, time.Now().UTC().Format(timeLayout), id)
	return err
}

// StaleCandidates returns active sessions whose last_activity is older
// than now-timeout.
func (st *Store) StaleCandidates(ctx context.Context, timeout time.Duration) ([]*Session, error) {
	cutoff := time.Now().Add(-timeout).UTC().Format(timeLayout)
	rows, err := st.db.QueryContext(ctx, `
		SELECT id, chat_id, thread_id, hostname, project_dir, tmux_target, tmux_socket,
		       started_at, last_activity, status
		FROM sessions WHERE status = ? AND last_activity < ?`, StatusActive, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// IsTmuxTargetOwnedElsewhere reports whether an active session other than
// except reports the same tmux target (§4.2). The reaper does not call it;
// the router's pane-recycle handling uses OtherActiveOwnerOfTmuxTarget.
func (st *Store) IsTmuxTargetOwnedElsewhere(ctx context.Context, target, exceptID string) (bool, error) {
	var n int
	err := st.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE tmux_target = ? AND status = ? AND id != ?`,
		target, StatusActive, exceptID).Scan(&n)
	return n > 0, err
}

// OtherActiveOwnerOfTmuxTarget returns the active session (other than
// exceptID) currently claiming target, or nil if none does. A multiplexer
// recycles pane addresses across unrelated sessions over its lifetime, so
// at most one active session may claim a given target at a time (§8
// invariant 4); the router ends the stale claimant before handing the
// target to its new owner.
func (st *Store) OtherActiveOwnerOfTmuxTarget(ctx context.Context, target, exceptID string) (*Session, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT id, chat_id, thread_id, hostname, project_dir, tmux_target, tmux_socket,
		       started_at, last_activity, status
		FROM sessions WHERE tmux_target = ? AND status = ? AND id != ? LIMIT 1`,
		target, StatusActive, exceptID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// --- Approval CRUD ---

// CreateApproval inserts a new pending approval with the given lifetime.
func (st *Store) CreateApproval(ctx context.Context, id, sessionID, prompt string, ttl time.Duration) (*PendingApproval, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	_, err := st.db.ExecContext(ctx, `
		INSERT INTO pending_approvals (id, session_id, prompt, created_at, expires_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, prompt, now.Format(timeLayout), exp.Format(timeLayout), ApprovalPending)
	if err != nil {
		return nil, err
	}
	return &PendingApproval{
		ID: id, SessionID: sessionID, Prompt: prompt,
		CreatedAt: now, ExpiresAt: exp, Status: ApprovalPending,
	}, nil
}

// SetApprovalMessageID records the chat message carrying the approval buttons.
func (st *Store) SetApprovalMessageID(ctx context.Context, id string, messageID int64) error {
	_, err := st.db.ExecContext(ctx, `UPDATE pending_approvals SET message_id = ? WHERE id = ?`, messageID, id)
	return err
}

// GetApproval looks up a pending approval by id.
func (st *Store) GetApproval(ctx context.Context, id string) (*PendingApproval, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT id, session_id, prompt, created_at, expires_at, status, message_id
		FROM pending_approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func scanApproval(row scanner) (*PendingApproval, error) {
	var (
		a         PendingApproval
		created   string
		expires   string
		status    string
		messageID sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.SessionID, &a.Prompt, &created, &expires, &status, &messageID); err != nil {
		return nil, err
	}
	a.Status = ApprovalStatus(status)
	if messageID.Valid {
		a.MessageID = &messageID.Int64
	}
	var err error
	if a.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, err
	}
	if a.ExpiresAt, err = time.Parse(timeLayout, expires); err != nil {
		return nil, err
	}
	return &a, nil
}

// ResolveApproval performs the approval's single terminal transition from
// pending (§8.5). Returns false with a nil error if the row wasn't pending
// (already resolved or expired) — callers treat that as a no-op, satisfying "late responses after expiry become
// no-ops" (§5).
func (st *Store) ResolveApproval(ctx context.Context, id string, status ApprovalStatus) (bool, error) {
	res, err := st.db.ExecContext(ctx, `
		UPDATE pending_approvals SET status = ? WHERE id = ? AND status = ?`,
		status, id, ApprovalPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ExpireApprovals marks every pending approval past its deadline as
// expired and returns the affected rows (for the reaper to react to, if
// it wants to notify).
func (st *Store) ExpireApprovals(ctx context.Context) ([]*PendingApproval, error) {
	now := time.Now().UTC().Format(timeLayout)
	rows, err := st.db.QueryContext(ctx, `
		SELECT id, session_id, prompt, created_at, expires_at, status, message_id
		FROM pending_approvals WHERE status = ? AND expires_at < ?`, ApprovalPending, now)
	if err != nil {
		return nil, err
	}
	var expired []*PendingApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := st.db.ExecContext(ctx, `
		UPDATE pending_approvals SET status = ? WHERE status = ? AND expires_at < ?`,
		ApprovalExpired, ApprovalPending, now); err != nil {
		return nil, err
	}
	return expired, nil
}
