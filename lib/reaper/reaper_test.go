package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/benchkit/workbench/lib/sandbox"
	"github.com/benchkit/workbench/lib/srv"
)

type fakeShell struct{}

func (fakeShell) Read(p []byte) (int, error)  { return 0, nil }
func (fakeShell) Write(p []byte) (int, error) { return len(p), nil }
func (fakeShell) Resize(cols, rows uint16) error { return nil }
func (fakeShell) Close() error                { return nil }

// Scenario 3 / P5: a session idle for >= T_idle is closed by a reaper
// sweep driven entirely by a virtual clock, with an audit event
// recorded for the reclamation.
func TestSweepReclaimsIdleSessionAndAudits(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)

	spawn := func(homeDir string, cols, rows uint16) (srv.ShellProcess, error) {
		return fakeShell{}, nil
	}

	sessions := srv.NewSessionRegistry(sb, spawn, nil, clock)
	userID := uuid.New()
	require.NoError(t, sb.EnsureRoot(userID))

	ctx := context.Background()
	id, err := sessions.Open(ctx, userID, uuid.Nil, ".", 80, 24)
	require.NoError(t, err)

	var audited []string
	r := New(Config{
		Clock:       clock,
		SessionIdle: 30 * time.Minute,
		Sessions:    sessions,
		Audit: func(ctx context.Context, u uuid.UUID, kind, rid, reason string) error {
			audited = append(audited, kind+":"+rid+":"+reason)
			return nil
		},
	})

	clock.Advance(31 * time.Minute)
	r.Sweep(ctx)

	require.Empty(t, sessions.List(userID))
	require.Len(t, audited, 1)
	require.Contains(t, audited[0], id.String())
	require.Contains(t, audited[0], "idle timeout")
}

func TestSweepLeavesActiveSessionsAlone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)

	spawn := func(homeDir string, cols, rows uint16) (srv.ShellProcess, error) {
		return fakeShell{}, nil
	}

	sessions := srv.NewSessionRegistry(sb, spawn, nil, clock)
	userID := uuid.New()
	require.NoError(t, sb.EnsureRoot(userID))

	ctx := context.Background()
	_, err = sessions.Open(ctx, userID, uuid.Nil, ".", 80, 24)
	require.NoError(t, err)

	r := New(Config{Clock: clock, SessionIdle: 30 * time.Minute, Sessions: sessions})

	clock.Advance(5 * time.Minute)
	r.Sweep(ctx)

	require.Len(t, sessions.List(userID), 1)
}
