// Package reaper is the Reaper: a periodic background sweep that
// reclaims idle shell sessions and reconciles orphaned coding-agent
// processes (spec §4.8), grounded on the teacher's
// SessionTracker.UpdateExpirationLoop ticker pattern in
// lib/srv/sessiontracker.go.
package reaper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/benchkit/workbench/lib/apierrors"
	"github.com/benchkit/workbench/lib/srv"
)

// Config configures a Reaper.
type Config struct {
	// Clock drives the sweep schedule and idle comparisons.
	Clock clockwork.Clock
	// Interval is the fixed wake period (default 5 minutes, spec §4.8).
	Interval time.Duration
	// SessionIdle is T_idle from spec §4.6.
	SessionIdle time.Duration
	// ProcessTerminalAge bounds how long a terminated process handle is
	// kept in memory before the registry drops it.
	ProcessTerminalAge time.Duration

	Sessions  *srv.SessionRegistry
	Processes *srv.ProcessRegistry

	// Audit records a structured audit_events row for each reclamation.
	Audit func(ctx context.Context, userID uuid.UUID, resourceKind, resourceID, reason string) error

	Log logrus.FieldLogger
}

func (c *Config) checkAndSetDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.SessionIdle <= 0 {
		c.SessionIdle = 30 * time.Minute
	}
	if c.ProcessTerminalAge <= 0 {
		c.ProcessTerminalAge = c.SessionIdle
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "reaper")
	}
}

// Reaper periodically sweeps the Session and Process Registries.
type Reaper struct {
	cfg Config
}

// New constructs a Reaper. The zero Config is valid: defaults match
// spec §4.8 and §4.6.
func New(cfg Config) *Reaper {
	cfg.checkAndSetDefaults()
	return &Reaper{cfg: cfg}
}

// Run blocks, sweeping on cfg.Interval until ctx is canceled. It holds
// no locks across sweeps; each action goes through the registries'
// public, ownership-revalidating operations (spec §4.8 "Safety").
func (r *Reaper) Run(ctx context.Context) error {
	ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep runs exactly one pass of the reclamation actions described in
// spec §4.8. Exported as a method (rather than inlined in Run) so
// tests can drive a deterministic single pass without waiting on a
// ticker.
func (r *Reaper) Sweep(ctx context.Context) {
	r.sweep(ctx)
}

func (r *Reaper) sweep(ctx context.Context) {
	now := r.cfg.Clock.Now()

	if r.cfg.Sessions != nil {
		for _, reclaimed := range r.cfg.Sessions.ReclaimIdle(ctx, now, r.cfg.SessionIdle) {
			r.audit(ctx, reclaimed.UserID, "session", reclaimed.SessionID.String(), "idle timeout")
		}
	}

	if r.cfg.Processes != nil {
		for _, reclaimed := range r.cfg.Processes.ReconcileOrphans(r.cfg.ProcessTerminalAge, now) {
			r.audit(ctx, reclaimed.UserID, "process", reclaimed.ProcessID.String(), "orphan reconciliation")
		}
	}
}

func (r *Reaper) audit(ctx context.Context, userID uuid.UUID, kind, id, reason string) {
	ev := apierrors.SecurityEvent{
		UserID:       userID.String(),
		ResourceKind: kind,
		ResourceID:   id,
		Reason:       reason,
	}
	apierrors.LogSecurityEvent(r.cfg.Log, ev)

	if r.cfg.Audit != nil {
		if err := r.cfg.Audit(ctx, userID, kind, id, reason); err != nil {
			r.cfg.Log.WithError(err).Warn("failed to persist reaper audit event")
		}
	}
}
