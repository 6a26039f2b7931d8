// Package service is the composition root: it wires the Config,
// Observability, Tenant Store, Secret Vault, Identity Verifier, Mode
// Selector, Path Sandbox, Session/Process Registries and Reaper into one
// running HTTP/WebSocket server, the same role the teacher's lib/service
// plays for tool/teleport's APIConfig/APIServer pair.
package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/benchkit/workbench/lib/auth"
	"github.com/benchkit/workbench/lib/config"
	"github.com/benchkit/workbench/lib/reaper"
	"github.com/benchkit/workbench/lib/sandbox"
	"github.com/benchkit/workbench/lib/srv"
	"github.com/benchkit/workbench/lib/store"
	"github.com/benchkit/workbench/lib/vault"
)

// Dependencies lets a caller substitute the pieces New would otherwise
// build from Config — store, spawners, clock — so tests can wire the
// full kernel with their own store connection, a fake clock and fake
// spawners instead of a forked PTY. Store is a concrete *store.Store,
// so the wired kernel always talks to a live Postgres database.
type Dependencies struct {
	Store          *store.Store
	ShellSpawner   srv.ShellSpawner
	ProcessSpawner srv.ProcessSpawner
	Clock          clockwork.Clock
	Log            logrus.FieldLogger
}

// Service is the fully wired isolation kernel plus its HTTP transport.
type Service struct {
	httprouter.Router

	cfg      *config.Config
	clock    clockwork.Clock
	log      logrus.FieldLogger
	selector *auth.Selector

	store     *store.Store
	sandbox   *sandbox.Sandbox
	vault     *vault.Vault
	sessions  *srv.SessionRegistry
	processes *srv.ProcessRegistry
	reaper    *reaper.Reaper
}

// New builds a Service from cfg, using deps to override any component a
// caller has already constructed (tests), and constructing the rest in
// the production shape.
func New(ctx context.Context, cfg *config.Config, deps Dependencies) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := deps.Log
	if log == nil {
		log = logrus.WithField(trace.Component, "service")
	}

	st := deps.Store
	if st == nil {
		if cfg.DatabaseURL == "" {
			return nil, trace.BadParameter("DATABASE_URL is required")
		}
		connected, err := store.New(ctx, store.Config{
			DatabaseURL: cfg.DatabaseURL,
			MaxConns:    int32(cfg.DBMaxConn),
			Timeout:     cfg.DBTimeout,
			Log:         log,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		st = connected
	}

	sb, err := sandbox.New(cfg.WorkspaceRoot)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var verifier *auth.Verifier
	if cfg.IsMultiTenant() {
		verifier, err = auth.New(auth.Config{Clock: clock, Key: cfg.TokenSecret})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	selector, err := auth.NewSelector(cfg.DeploymentMode, verifier)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var vlt *vault.Vault
	if len(cfg.SecretKey) > 0 {
		vlt, err = vault.New(cfg.SecretKey, st)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	shellSpawner := deps.ShellSpawner
	if shellSpawner == nil {
		shellSpawner = srv.SpawnShell
	}
	processSpawner := deps.ProcessSpawner
	if processSpawner == nil {
		processSpawner = srv.SpawnProcess
	}

	sessions := srv.NewSessionRegistry(sb, shellSpawner, st, clock)
	processes := srv.NewProcessRegistry(sb, processSpawner, st, clock)

	rp := reaper.New(reaper.Config{
		Clock:       clock,
		Interval:    cfg.ReaperInterval,
		SessionIdle: cfg.SessionIdle,
		Sessions:    sessions,
		Processes:   processes,
		Audit:       st.RecordAuditEvent,
		Log:         log,
	})

	svc := &Service{
		cfg:       cfg,
		clock:     clock,
		log:       log,
		selector:  selector,
		store:     st,
		sandbox:   sb,
		vault:     vlt,
		sessions:  sessions,
		processes: processes,
		reaper:    rp,
	}
	svc.Router = *httprouter.New()
	svc.Router.UseRawPath = true
	svc.registerRoutes()
	return svc, nil
}

// Run starts the Reaper sweep loop and blocks serving HTTP until ctx is
// canceled, mirroring the teacher's Run(ctx)-blocks-until-canceled
// process.Process convention.
func (s *Service) Run(ctx context.Context) error {
	go s.reaper.Run(ctx)

	httpSrv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived session/process streams
	}

	errC := make(chan error, 1)
	go func() {
		errC <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return trace.Wrap(httpSrv.Shutdown(shutdownCtx))
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return trace.Wrap(err)
	}
}

// Close releases the Tenant Store's connection pool.
func (s *Service) Close() {
	s.store.Close()
}
