package srv

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/benchkit/workbench/lib/apierrors"
	"github.com/benchkit/workbench/lib/sandbox"
	"github.com/benchkit/workbench/lib/store"
)

// fakeShell is an in-memory ShellProcess used so Session Registry tests
// never fork a real pty.
type fakeShell struct {
	mu         sync.Mutex
	written    bytes.Buffer
	cols, rows uint16
	closed     bool
}

func (f *fakeShell) Read(p []byte) (int, error) { return 0, nil }

func (f *fakeShell) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakeShell) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cols, f.rows = cols, rows
	return nil
}

func (f *fakeShell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeSessionStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]store.SessionRow
	ptyRows map[uuid.UUID]store.PTYRow
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		rows:    make(map[uuid.UUID]store.SessionRow),
		ptyRows: make(map[uuid.UUID]store.PTYRow),
	}
}

func (f *fakeSessionStore) UpsertSessionRow(_ context.Context, row store.SessionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[row.ID] = row
	return nil
}

func (f *fakeSessionStore) CloseSessionRow(_ context.Context, userID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeSessionStore) CreatePTYRow(_ context.Context, userID, id uuid.UUID, workspaceID *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ptyRows[id] = store.PTYRow{ID: id, UserID: userID, WorkspaceID: workspaceID}
	return nil
}

func (f *fakeSessionStore) DeletePTYRow(_ context.Context, userID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ptyRows, id)
	return nil
}

func (f *fakeSessionStore) hasPTYRow(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ptyRows[id]
	return ok
}

func newTestSessionRegistry(t *testing.T, clock clockwork.Clock) (*SessionRegistry, *fakeShell) {
	reg, shell, _ := newTestSessionRegistryWithStore(t, clock)
	return reg, shell
}

func newTestSessionRegistryWithStore(t *testing.T, clock clockwork.Clock) (*SessionRegistry, *fakeShell, *fakeSessionStore) {
	t.Helper()
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)

	shell := &fakeShell{}
	spawn := func(homeDir string, cols, rows uint16) (ShellProcess, error) {
		shell.mu.Lock()
		shell.cols, shell.rows = cols, rows
		shell.mu.Unlock()
		return shell, nil
	}

	st := newFakeSessionStore()
	reg := NewSessionRegistry(sb, spawn, st, clock)
	return reg, shell, st
}

func TestSessionOpenWriteClose(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, _ := newTestSessionRegistry(t, clock)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, reg.sandbox.EnsureRoot(userID))
	id, err := reg.Open(ctx, userID, uuid.Nil, ".", 80, 24)
	require.NoError(t, err)

	n, err := reg.Write(ctx, userID, id, []byte("ls\n"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, reg.Close(ctx, userID, id))

	_, err = reg.Write(ctx, userID, id, []byte("ls\n"))
	require.Error(t, err)
	require.Equal(t, apierrors.NotFound, apierrors.Classify(err))
}

// Cross-user access yields NotFound, never a distinct forbidden kind.
func TestSessionCrossUserAccessIsNotFound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, _ := newTestSessionRegistry(t, clock)
	ctx := context.Background()
	owner, intruder := uuid.New(), uuid.New()

	require.NoError(t, reg.sandbox.EnsureRoot(owner))
	id, err := reg.Open(ctx, owner, uuid.Nil, ".", 80, 24)
	require.NoError(t, err)

	_, err = reg.Write(ctx, intruder, id, []byte("x"))
	require.Error(t, err)
	require.Equal(t, apierrors.NotFound, apierrors.Classify(err))

	err = reg.Resize(ctx, intruder, id, 100, 40)
	require.Error(t, err)
	require.Equal(t, apierrors.NotFound, apierrors.Classify(err))

	err = reg.Close(ctx, intruder, id)
	require.Error(t, err)
	require.Equal(t, apierrors.NotFound, apierrors.Classify(err))
}

func TestSessionListIsOwnerScoped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, _ := newTestSessionRegistry(t, clock)
	ctx := context.Background()
	userA, userB := uuid.New(), uuid.New()

	require.NoError(t, reg.sandbox.EnsureRoot(userA))
	require.NoError(t, reg.sandbox.EnsureRoot(userB))

	idA, err := reg.Open(ctx, userA, uuid.Nil, ".", 80, 24)
	require.NoError(t, err)
	_, err = reg.Open(ctx, userB, uuid.Nil, ".", 80, 24)
	require.NoError(t, err)

	list := reg.List(userA)
	require.Equal(t, []uuid.UUID{idA}, list)
}

// Idle sessions are reclaimed once now - last_activity >= T_idle.
func TestReclaimIdleClosesStaleSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, shell := newTestSessionRegistry(t, clock)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, reg.sandbox.EnsureRoot(userID))
	id, err := reg.Open(ctx, userID, uuid.Nil, ".", 80, 24)
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)

	reclaimed := reg.ReclaimIdle(ctx, clock.Now(), 30*time.Minute)
	require.Len(t, reclaimed, 1)
	require.Equal(t, userID, reclaimed[0].UserID)
	require.Equal(t, id, reclaimed[0].SessionID)
	require.True(t, shell.closed)

	require.Empty(t, reg.List(userID))
}

// spec §3: a PTY-record is created on open and deleted on close.
func TestSessionOpenCreatesAndCloseDeletesPTYRow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, _, st := newTestSessionRegistryWithStore(t, clock)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, reg.sandbox.EnsureRoot(userID))
	id, err := reg.Open(ctx, userID, uuid.Nil, ".", 80, 24)
	require.NoError(t, err)
	require.True(t, st.hasPTYRow(id))

	require.NoError(t, reg.Close(ctx, userID, id))
	require.False(t, st.hasPTYRow(id))
}

// spec §3: idle reclamation deletes the PTY-record the same as an
// explicit close, since ReclaimIdle routes through Close.
func TestReclaimIdleDeletesPTYRow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, _, st := newTestSessionRegistryWithStore(t, clock)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, reg.sandbox.EnsureRoot(userID))
	id, err := reg.Open(ctx, userID, uuid.Nil, ".", 80, 24)
	require.NoError(t, err)
	require.True(t, st.hasPTYRow(id))

	clock.Advance(31 * time.Minute)
	reclaimed := reg.ReclaimIdle(ctx, clock.Now(), 30*time.Minute)
	require.Len(t, reclaimed, 1)
	require.False(t, st.hasPTYRow(id))
}

func TestReclaimIdleLeavesActiveSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, _ := newTestSessionRegistry(t, clock)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, reg.sandbox.EnsureRoot(userID))
	_, err := reg.Open(ctx, userID, uuid.Nil, ".", 80, 24)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	reclaimed := reg.ReclaimIdle(ctx, clock.Now(), 30*time.Minute)
	require.Empty(t, reclaimed)
	require.Len(t, reg.List(userID), 1)
}
