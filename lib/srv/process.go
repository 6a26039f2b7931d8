package srv

import (
	"context"
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
	processesSpawnedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workbench_processes_spawned_total",
		Help: "Number of coding-agent processes spawned by the Process Registry.",
	})
	processesOrphanedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workbench_processes_orphans_reconciled_total",
		Help: "Number of terminated process handles dropped by orphan reconciliation.",
	})
)

func init() {
	_ = metrics.Register(processesSpawnedCount, processesOrphanedCount)
}

// Message is one structured event a coding-agent child process has
// produced, appended to a handle's durable-ordered message store
// (spec §4.7 "a durable-ordered buffer of structured events").
type Message struct {
	Seq int
	Data []byte
	At   time.Time
}

// ChildProcess is the capability a Process Registry entry drives: an
// already-spawned OS child, abstracted the same way ShellProcess
// abstracts a PTY, so ownership and lifecycle logic can be unit
// tested without forking a real process.
type ChildProcess interface {
	// Wait blocks until the child exits and returns its error, if any.
	Wait() error
	// Kill sends an interrupt/termination signal to the child.
	Kill() error
	// ExitCode returns the child's exit status once Wait has returned.
	ExitCode() int
}

// ProcessSpawner starts a coding-agent process rooted at workspaceDir
// and returns the running child plus the channel its structured output
// is delivered on. The channel is closed by the spawner's own
// implementation when the child's stdout is exhausted.
type ProcessSpawner func(workspaceDir string, command []string) (ChildProcess, <-chan Message, error)

// ProcessStore is the persistence the Process Registry snapshots
// through — satisfied by *store.Store.
type ProcessStore interface {
	CreateProcessRow(ctx context.Context, userID, id, sessionID uuid.UUID) error
	CompleteProcessRow(ctx context.Context, userID, id uuid.UUID, status store.ProcessStatus, exitCode *int) error
}

// ProcessHandle is the in-memory state the Process Registry owns for
// one spawned coding-agent process (spec §4.7).
type ProcessHandle struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Workspace string

	mu          sync.Mutex
	status      store.ProcessStatus
	exitCode    *int
	createdAt   time.Time
	completedAt *time.Time
	messages    []Message

	child        ChildProcess
	interruptC   chan struct{}
	interruptOne sync.Once
}

func (h *ProcessHandle) snapshot() (store.ProcessStatus, *int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.exitCode
}

func (h *ProcessHandle) appendMessage(m Message) {
	h.mu.Lock()
	m.Seq = len(h.messages)
	h.messages = append(h.messages, m)
	h.mu.Unlock()
}

func (h *ProcessHandle) messagesSince(seq int) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if seq >= len(h.messages) {
		return nil
	}
	out := make([]Message, len(h.messages)-seq)
	copy(out, h.messages[seq:])
	return out
}

// ProcessRegistry is the Process Registry from spec §4.7: parallel in
// shape to SessionRegistry, guarding its map with a single lock and
// re-validating ownership on every operation.
type ProcessRegistry struct {
	mu        sync.Mutex
	processes map[uuid.UUID]*ProcessHandle

	clock   clockwork.Clock
	sandbox *sandbox.Sandbox
	spawn   ProcessSpawner
	store   ProcessStore
}

// NewProcessRegistry builds a registry. clock defaults to the real clock.
func NewProcessRegistry(sb *sandbox.Sandbox, spawn ProcessSpawner, store ProcessStore, clock clockwork.Clock) *ProcessRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ProcessRegistry{
		processes: make(map[uuid.UUID]*ProcessHandle),
		clock:     clock,
		sandbox:   sb,
		spawn:     spawn,
		store:     store,
	}
}

// Spawn validates workspaceDir, starts the child, registers the
// handle, and launches the goroutines that drain its message channel
// and finalize its lifecycle on exit. sessionID associates the
// process with the interactive session it was launched from, or
// uuid.Nil if it was not launched from one.
func (r *ProcessRegistry) Spawn(ctx context.Context, userID, sessionID uuid.UUID, workspaceDir string, command []string) (uuid.UUID, error) {
	root, err := r.sandbox.Resolve(userID, workspaceDir)
	if err != nil {
		return uuid.Nil, trace.Wrap(err)
	}

	child, messages, err := r.spawn(root, command)
	if err != nil {
		return uuid.Nil, trace.Wrap(err)
	}

	h := &ProcessHandle{
		ID:         uuid.New(),
		UserID:     userID,
		Workspace:  root,
		status:     store.ProcessRunning,
		createdAt:  r.clock.Now(),
		child:      child,
		interruptC: make(chan struct{}),
	}

	r.mu.Lock()
	r.processes[h.ID] = h
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.CreateProcessRow(ctx, userID, h.ID, sessionID); err != nil {
			r.mu.Lock()
			delete(r.processes, h.ID)
			r.mu.Unlock()
			return uuid.Nil, trace.Wrap(err)
		}
	}

	go r.drain(h, messages)
	go r.await(ctx, h)
	processesSpawnedCount.Inc()

	return h.ID, nil
}

func (r *ProcessRegistry) drain(h *ProcessHandle, messages <-chan Message) {
	for m := range messages {
		h.appendMessage(m)
	}
}

// await blocks on the child's exit and finalizes the handle's
// lifecycle exactly once: flush (already continuous via drain),
// persist terminal status and completion time, the registry
// guaranteeing no dangling message store for a terminated process.
func (r *ProcessRegistry) await(ctx context.Context, h *ProcessHandle) {
	waitErr := h.child.Wait()

	h.mu.Lock()
	wasInterrupted := false
	select {
	case <-h.interruptC:
		wasInterrupted = true
	default:
	}

	status := store.ProcessCompleted
	switch {
	case wasInterrupted:
		status = store.ProcessKilled
	case waitErr != nil:
		status = store.ProcessFailed
	}
	code := h.child.ExitCode()
	now := r.clock.Now()
	h.status = status
	h.exitCode = &code
	h.completedAt = &now
	h.mu.Unlock()

	if r.store != nil {
		_ = r.store.CompleteProcessRow(ctx, h.UserID, h.ID, status, &code)
	}
}

func (r *ProcessRegistry) lookup(userID, processID uuid.UUID) (*ProcessHandle, error) {
	r.mu.Lock()
	h, ok := r.processes[processID]
	r.mu.Unlock()
	if !ok || h.UserID != userID {
		return nil, trace.NotFound("process not found")
	}
	return h, nil
}

// Interrupt requests early termination of the process owned by userID.
// Idempotent: a second call on an already-interrupted process is a no-op.
func (r *ProcessRegistry) Interrupt(userID, processID uuid.UUID) error {
	h, err := r.lookup(userID, processID)
	if err != nil {
		return trace.Wrap(err)
	}
	h.interruptOne.Do(func() {
		close(h.interruptC)
		_ = h.child.Kill()
	})
	return nil
}

// Status returns the process status and exit code (nil while running),
// scoped to userID.
func (r *ProcessRegistry) Status(userID, processID uuid.UUID) (store.ProcessStatus, *int, error) {
	h, err := r.lookup(userID, processID)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	status, code := h.snapshot()
	return status, code, nil
}

// Messages returns every message appended since seq (use 0 for the
// full history), scoped to userID.
func (r *ProcessRegistry) Messages(userID, processID uuid.UUID, seq int) ([]Message, error) {
	h, err := r.lookup(userID, processID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.messagesSince(seq), nil
}

// List returns every process id owned by userID.
func (r *ProcessRegistry) List(userID uuid.UUID) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []uuid.UUID
	for id, h := range r.processes {
		if h.UserID == userID {
			out = append(out, id)
		}
	}
	return out
}

// ReconcileOrphans removes registry entries whose OS handle has already
// terminated (status no longer running) and whose completion time is at
// least terminalAge before now, whether or not a caller has read their
// Status. The await goroutine already persists the terminal row, so
// this only drops the in-memory entry, completing spec §4.8's
// "identify... reconcile" action without re-deriving state.
func (r *ProcessRegistry) ReconcileOrphans(terminalAge time.Duration, now time.Time) []ReclaimedProcess {
	r.mu.Lock()
	snapshot := make([]*ProcessHandle, 0, len(r.processes))
	for _, h := range r.processes {
		snapshot = append(snapshot, h)
	}
	r.mu.Unlock()

	var reclaimed []ReclaimedProcess
	for _, h := range snapshot {
		h.mu.Lock()
		terminal := h.status != store.ProcessRunning
		completedAt := h.completedAt
		h.mu.Unlock()

		if !terminal || completedAt == nil || now.Sub(*completedAt) < terminalAge {
			continue
		}

		r.mu.Lock()
		delete(r.processes, h.ID)
		r.mu.Unlock()
		processesOrphanedCount.Inc()
		reclaimed = append(reclaimed, ReclaimedProcess{UserID: h.UserID, ProcessID: h.ID})
	}
	return reclaimed
}

// ReclaimedProcess identifies one process the Reaper dropped from memory.
type ReclaimedProcess struct {
	UserID    uuid.UUID
	ProcessID uuid.UUID
}
