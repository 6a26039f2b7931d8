package srv

import (
	"context"
	"errors"
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

type fakeChild struct {
	waitC    chan struct{}
	waitErr  error
	killed   bool
	exitCode int
}

func newFakeChild() *fakeChild {
	return &fakeChild{waitC: make(chan struct{}), exitCode: 0}
}

func (c *fakeChild) Wait() error {
	<-c.waitC
	return c.waitErr
}

func (c *fakeChild) Kill() error {
	c.killed = true
	c.exitCode = -1
	c.finish()
	return nil
}

func (c *fakeChild) ExitCode() int { return c.exitCode }

func (c *fakeChild) finish() {
	select {
	case <-c.waitC:
	default:
		close(c.waitC)
	}
}

type fakeProcessStore struct {
	mu       sync.Mutex
	created  map[uuid.UUID]bool
	statuses map[uuid.UUID]store.ProcessStatus
}

func newFakeProcessStore() *fakeProcessStore {
	return &fakeProcessStore{created: make(map[uuid.UUID]bool), statuses: make(map[uuid.UUID]store.ProcessStatus)}
}

func (f *fakeProcessStore) CreateProcessRow(_ context.Context, userID, id, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[id] = true
	return nil
}

func (f *fakeProcessStore) CompleteProcessRow(_ context.Context, userID, id uuid.UUID, status store.ProcessStatus, exitCode *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

// spawnFixture is one (child, messages) pair a test spawn closure hands
// back for a single Spawn call, keeping multi-process tests from
// accidentally sharing one fake child across two registered processes.
type spawnFixture struct {
	child    *fakeChild
	messages chan Message
}

func newTestProcessRegistryMulti(t *testing.T) (*ProcessRegistry, []*spawnFixture, *fakeProcessStore) {
	t.Helper()
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)

	var mu sync.Mutex
	var fixtures []*spawnFixture
	spawn := func(workspaceDir string, command []string) (ChildProcess, <-chan Message, error) {
		f := &spawnFixture{child: newFakeChild(), messages: make(chan Message)}
		mu.Lock()
		fixtures = append(fixtures, f)
		mu.Unlock()
		return f.child, f.messages, nil
	}

	fs := newFakeProcessStore()
	reg := NewProcessRegistry(sb, spawn, fs, clockwork.NewFakeClock())
	return reg, fixtures, fs
}

func newTestProcessRegistry(t *testing.T, clock clockwork.Clock) (*ProcessRegistry, *fakeChild, chan Message, *fakeProcessStore) {
	t.Helper()
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)

	child := newFakeChild()
	messages := make(chan Message)
	spawn := func(workspaceDir string, command []string) (ChildProcess, <-chan Message, error) {
		return child, messages, nil
	}

	fs := newFakeProcessStore()
	reg := NewProcessRegistry(sb, spawn, fs, clock)
	return reg, child, messages, fs
}

func TestProcessSpawnMessagesAndCompletion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, child, messages, fs := newTestProcessRegistry(t, clock)
	ctx := context.Background()
	userID := uuid.New()
	require.NoError(t, reg.sandbox.EnsureRoot(userID))

	id, err := reg.Spawn(ctx, userID, uuid.Nil, ".", []string{"echo", "hi"})
	require.NoError(t, err)

	messages <- Message{Data: []byte("hi")}
	close(messages)
	child.finish()

	require.Eventually(t, func() bool {
		status, _, err := reg.Status(userID, id)
		return err == nil && status == store.ProcessCompleted
	}, time.Second, time.Millisecond)

	msgs, err := reg.Messages(userID, id, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("hi"), msgs[0].Data)

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.statuses[id] == store.ProcessCompleted
	}, time.Second, time.Millisecond)
}

func TestProcessInterruptMarksKilled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, child, messages, _ := newTestProcessRegistry(t, clock)
	ctx := context.Background()
	userID := uuid.New()
	require.NoError(t, reg.sandbox.EnsureRoot(userID))

	id, err := reg.Spawn(ctx, userID, uuid.Nil, ".", []string{"sleep", "100"})
	require.NoError(t, err)
	defer close(messages)

	require.NoError(t, reg.Interrupt(userID, id))
	require.True(t, child.killed)

	require.Eventually(t, func() bool {
		status, _, err := reg.Status(userID, id)
		return err == nil && status == store.ProcessKilled
	}, time.Second, time.Millisecond)
}

func TestProcessFailedStatus(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, child, messages, _ := newTestProcessRegistry(t, clock)
	ctx := context.Background()
	userID := uuid.New()
	require.NoError(t, reg.sandbox.EnsureRoot(userID))

	id, err := reg.Spawn(ctx, userID, uuid.Nil, ".", []string{"false"})
	require.NoError(t, err)

	child.waitErr = errors.New("exit status 1")
	close(messages)
	child.finish()

	require.Eventually(t, func() bool {
		status, _, err := reg.Status(userID, id)
		return err == nil && status == store.ProcessFailed
	}, time.Second, time.Millisecond)
}

// Cross-user access yields NotFound.
func TestProcessCrossUserAccessIsNotFound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, _, messages, _ := newTestProcessRegistry(t, clock)
	ctx := context.Background()
	owner, intruder := uuid.New(), uuid.New()
	require.NoError(t, reg.sandbox.EnsureRoot(owner))

	id, err := reg.Spawn(ctx, owner, uuid.Nil, ".", []string{"sleep", "100"})
	require.NoError(t, err)
	defer close(messages)

	_, _, err = reg.Status(intruder, id)
	require.Error(t, err)
	require.Equal(t, apierrors.NotFound, apierrors.Classify(err))

	err = reg.Interrupt(intruder, id)
	require.Error(t, err)
	require.Equal(t, apierrors.NotFound, apierrors.Classify(err))
}

func TestProcessListIsOwnerScoped(t *testing.T) {
	reg, fixtures, _ := newTestProcessRegistryMulti(t)
	ctx := context.Background()
	userA, userB := uuid.New(), uuid.New()
	require.NoError(t, reg.sandbox.EnsureRoot(userA))
	require.NoError(t, reg.sandbox.EnsureRoot(userB))

	idA, err := reg.Spawn(ctx, userA, uuid.Nil, ".", []string{"sleep", "100"})
	require.NoError(t, err)
	_, err = reg.Spawn(ctx, userB, uuid.Nil, ".", []string{"sleep", "100"})
	require.NoError(t, err)

	require.Equal(t, []uuid.UUID{idA}, reg.List(userA))

	for _, f := range fixtures {
		f.child.finish()
		close(f.messages)
	}
}
