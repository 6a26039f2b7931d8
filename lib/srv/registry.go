// Package srv holds the two process-global registries that own live OS
// resources on behalf of a request: the Session Registry (interactive
// shells) and the Process Registry (coding-agent child processes). Both
// follow the same shape as the teacher's SessionTracker in
// lib/srv/sessiontracker.go — a map guarded by one lock, with
// individual entries carrying their own synchronization for streaming
// reads that must not block the map.
package srv

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/benchkit/workbench/lib/metrics"
	"github.com/benchkit/workbench/lib/sandbox"
	"github.com/benchkit/workbench/lib/store"
)

var (
	sessionsOpenedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workbench_sessions_opened_total",
		Help: "Number of shell sessions opened by the Session Registry.",
	})
	sessionsReclaimedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workbench_sessions_reclaimed_total",
		Help: "Number of shell sessions closed by the Reaper for idleness.",
	})
)

func init() {
	_ = metrics.Register(sessionsOpenedCount, sessionsReclaimedCount)
}

// ShellProcess is the capability a Session Registry entry drives. It
// abstracts over a real OS pseudo-terminal (spawned with
// github.com/creack/pty, mirroring other_examples/codex-interactive-driver's
// pty.Start(cmd) usage) so the registry's ownership and bookkeeping
// logic can be exercised against a fake in tests.
type ShellProcess interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

// ShellSpawner starts a new shell rooted at homeDir with the given
// terminal dimensions.
type ShellSpawner func(homeDir string, cols, rows uint16) (ShellProcess, error)

// SessionStore is the persistence the Session Registry snapshots
// through — satisfied by *store.Store. A narrow interface, same
// reasoning as vault.SecretStore: the registry's ownership/concurrency
// logic is unit-testable without a live database.
type SessionStore interface {
	UpsertSessionRow(ctx context.Context, row store.SessionRow) error
	CloseSessionRow(ctx context.Context, userID, id uuid.UUID) error
	CreatePTYRow(ctx context.Context, userID, id uuid.UUID, workspaceID *uuid.UUID) error
	DeletePTYRow(ctx context.Context, userID, id uuid.UUID) error
}

// SessionHandle is the in-memory state the Session Registry owns for
// one open shell (spec §4.6). The Tenant Store never holds this value
// directly — only a point-in-time snapshot written through SessionStore.
type SessionHandle struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	WorkspaceDir string
	WorkspaceID  uuid.UUID

	mu           sync.Mutex
	cols, rows   uint16
	createdAt    time.Time
	lastActivity time.Time
	closed       bool
	shell        ShellProcess
}

// Dimensions and LastActivity give read-only access to a handle's
// bookkeeping fields under its own lock, independent of the registry
// map lock.
func (h *SessionHandle) Dimensions() (cols, rows uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

func (h *SessionHandle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

func (h *SessionHandle) touch(now time.Time) {
	h.mu.Lock()
	h.lastActivity = now
	h.mu.Unlock()
}

// SessionRegistry is the Session Registry from spec §4.6: a
// process-global map from session id to SessionHandle, with every
// operation re-checking ownership before it touches the handle.
// Cross-user access always yields NotFound, never a distinct
// "forbidden" kind, per the Error Mapper's folding rule.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*SessionHandle

	clock   clockwork.Clock
	sandbox *sandbox.Sandbox
	spawn   ShellSpawner
	store   SessionStore
}

// NewSessionRegistry builds a registry. clock defaults to the real
// clock when nil, letting tests drive idle reclamation deterministically.
func NewSessionRegistry(sb *sandbox.Sandbox, spawn ShellSpawner, store SessionStore, clock clockwork.Clock) *SessionRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionRegistry{
		sessions: make(map[uuid.UUID]*SessionHandle),
		clock:    clock,
		sandbox:  sb,
		spawn:    spawn,
		store:    store,
	}
}

// Open validates workspaceDir against the Path Sandbox, spawns a shell
// rooted at the canonical path, and registers the resulting handle.
// workspaceID identifies the owning Workspace row for persistence; pass
// uuid.Nil when the session is not associated with one.
func (r *SessionRegistry) Open(ctx context.Context, userID, workspaceID uuid.UUID, workspaceDir string, cols, rows uint16) (uuid.UUID, error) {
	root, err := r.sandbox.Resolve(userID, workspaceDir)
	if err != nil {
		return uuid.Nil, trace.Wrap(err)
	}

	shell, err := r.spawn(root, cols, rows)
	if err != nil {
		return uuid.Nil, trace.Wrap(err)
	}

	now := r.clock.Now()
	h := &SessionHandle{
		ID:           uuid.New(),
		UserID:       userID,
		WorkspaceDir: root,
		WorkspaceID:  workspaceID,
		cols:         cols,
		rows:         rows,
		createdAt:    now,
		lastActivity: now,
		shell:        shell,
	}

	r.mu.Lock()
	r.sessions[h.ID] = h
	r.mu.Unlock()
	sessionsOpenedCount.Inc()

	if r.store != nil {
		row := store.SessionRow{ID: h.ID, UserID: userID, WorkspaceID: h.WorkspaceID, Cols: int(cols), Rows: int(rows), LastActivity: now}
		if err := r.store.UpsertSessionRow(ctx, row); err != nil {
			return uuid.Nil, trace.Wrap(err)
		}
		if err := r.store.CreatePTYRow(ctx, userID, h.ID, workspaceIDPtr(workspaceID)); err != nil {
			return uuid.Nil, trace.Wrap(err)
		}
	}

	return h.ID, nil
}

// workspaceIDPtr turns the zero-value sentinel a session not associated
// with a workspace carries into the nullable form store.CreatePTYRow
// persists.
func workspaceIDPtr(workspaceID uuid.UUID) *uuid.UUID {
	if workspaceID == uuid.Nil {
		return nil
	}
	return &workspaceID
}

// lookup returns the handle for sessionID if it exists and is owned by
// userID, else NotFound. This single helper is the only place
// ownership is checked, so every public operation below inherits the
// same folding behavior.
func (r *SessionRegistry) lookup(userID, sessionID uuid.UUID) (*SessionHandle, error) {
	r.mu.Lock()
	h, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok || h.UserID != userID {
		return nil, trace.NotFound("session not found")
	}
	return h, nil
}

// Write forwards bytes to the shell owned by userID, updating its
// activity timestamp first.
func (r *SessionRegistry) Write(ctx context.Context, userID, sessionID uuid.UUID, p []byte) (int, error) {
	h, err := r.lookup(userID, sessionID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	h.touch(r.clock.Now())

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, trace.NotFound("session not found")
	}
	n, err := h.shell.Write(p)
	return n, trace.Wrap(err)
}

// Read drains shell output for sessionID. Streaming is not serialized
// against Write: the map lock and the per-entry lock are released
// before the blocking read begins, matching spec §5's "long reads do
// not hold the map lock".
func (r *SessionRegistry) Read(ctx context.Context, userID, sessionID uuid.UUID, buf []byte) (int, error) {
	h, err := r.lookup(userID, sessionID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := h.shell.Read(buf)
	if n > 0 {
		h.touch(r.clock.Now())
	}
	return n, err
}

// Resize changes the shell's terminal dimensions.
func (r *SessionRegistry) Resize(ctx context.Context, userID, sessionID uuid.UUID, cols, rows uint16) error {
	h, err := r.lookup(userID, sessionID)
	if err != nil {
		return trace.Wrap(err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return trace.NotFound("session not found")
	}
	if err := h.shell.Resize(cols, rows); err != nil {
		h.mu.Unlock()
		return trace.Wrap(err)
	}
	h.cols, h.rows = cols, rows
	h.lastActivity = r.clock.Now()
	h.mu.Unlock()

	if r.store != nil {
		row := store.SessionRow{ID: h.ID, UserID: userID, WorkspaceID: h.WorkspaceID, Cols: int(cols), Rows: int(rows), LastActivity: h.LastActivity()}
		if err := r.store.UpsertSessionRow(ctx, row); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Close releases the OS primitive and removes sessionID from the map.
func (r *SessionRegistry) Close(ctx context.Context, userID, sessionID uuid.UUID) error {
	h, err := r.lookup(userID, sessionID)
	if err != nil {
		return trace.Wrap(err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	closeErr := h.shell.Close()
	h.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.CloseSessionRow(ctx, userID, sessionID); err != nil {
			return trace.Wrap(err)
		}
		if err := r.store.DeletePTYRow(ctx, userID, sessionID); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(closeErr)
}

// List returns every session id owned by userID. It never reveals the
// existence or count of sessions belonging to anyone else.
func (r *SessionRegistry) List(userID uuid.UUID) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []uuid.UUID
	for id, h := range r.sessions {
		if h.UserID == userID {
			out = append(out, id)
		}
	}
	return out
}

// ReclaimIdle closes every session whose last activity is at least
// idle old as of now, and returns their (userID, sessionID) pairs for
// the Reaper's audit log. It iterates a snapshot of keys and calls the
// public Close operation, which re-validates ownership itself (spec
// §4.8 "Safety": the Reaper holds no locks across its actions).
func (r *SessionRegistry) ReclaimIdle(ctx context.Context, now time.Time, idle time.Duration) []ReclaimedSession {
	r.mu.Lock()
	snapshot := make([]*SessionHandle, 0, len(r.sessions))
	for _, h := range r.sessions {
		snapshot = append(snapshot, h)
	}
	r.mu.Unlock()

	var reclaimed []ReclaimedSession
	for _, h := range snapshot {
		if now.Sub(h.LastActivity()) < idle {
			continue
		}
		userID, sessionID := h.UserID, h.ID
		if err := r.Close(ctx, userID, sessionID); err != nil {
			continue
		}
		sessionsReclaimedCount.Inc()
		reclaimed = append(reclaimed, ReclaimedSession{UserID: userID, SessionID: sessionID})
	}
	return reclaimed
}

// ReclaimedSession identifies one session the Reaper closed for being idle.
type ReclaimedSession struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
}
