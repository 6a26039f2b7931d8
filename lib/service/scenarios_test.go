package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/benchkit/workbench/lib/apierrors"
	"github.com/benchkit/workbench/lib/auth"
	"github.com/benchkit/workbench/lib/config"
	"github.com/benchkit/workbench/lib/srv"
	"github.com/benchkit/workbench/lib/store"
)

// testService connects the fully wired composition root to a real
// Postgres instance named by WORKBENCH_TEST_DATABASE_URL, the same
// gating convention store_test.go uses: the end-to-end scenarios in
// spec §8 exercise the Tenant Store's constraints directly, which a
// mocked driver cannot stand in for.
func testService(t *testing.T, mode config.Mode) (*Service, *fakeShell) {
	t.Helper()
	url := os.Getenv("WORKBENCH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("WORKBENCH_TEST_DATABASE_URL not set; skipping service scenario test")
	}

	ctx := context.Background()
	st, err := store.New(ctx, store.Config{DatabaseURL: url, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(st.Close)

	clock := clockwork.NewFakeClock()
	shell := &fakeShell{}
	shellSpawner := func(homeDir string, cols, rows uint16) (srv.ShellProcess, error) {
		return shell, nil
	}

	cfg := &config.Config{
		DeploymentMode: mode,
		DatabaseURL:    url,
		WorkspaceRoot:  t.TempDir(),
		SessionIdle:    30 * time.Minute,
		ReaperInterval: 5 * time.Minute,
		TokenSecret:    bytes.Repeat([]byte("a"), 32),
		SecretKey:      bytes.Repeat([]byte("k"), 32),
	}

	svc, err := New(ctx, cfg, Dependencies{
		Store:        st,
		ShellSpawner: shellSpawner,
		Clock:        clock,
	})
	require.NoError(t, err)
	return svc, shell
}

// fakeShell is an in-memory ShellProcess so scenario tests never fork a
// real pty, matching lib/srv/registry_test.go's fakeShell fixture.
type fakeShell struct {
	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func (f *fakeShell) Read(p []byte) (int, error) { return 0, nil }

func (f *fakeShell) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakeShell) Resize(cols, rows uint16) error { return nil }

func (f *fakeShell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func doJSON(t *testing.T, svc *Service, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)
	return rec
}

// Single-tenant mode over the wire: a project created without a
// credential belongs to the implicit principal and is listed back for it.
func TestScenarioSingleModeProjectRoundTrip(t *testing.T) {
	svc, _ := testService(t, config.ModeSingle)
	userID := uuid.New()

	rec := doJSON(t, svc, http.MethodPost, "/v1/projects", "", map[string]string{"name": "alpha"})
	require.Equal(t, http.StatusOK, rec.Code)
	var created store.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "alpha", created.Name)

	_ = userID // single mode always resolves to the implicit principal

	list := doJSON(t, svc, http.MethodGet, "/v1/projects", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var projects []*store.Project
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &projects))
	require.Len(t, projects, 1)
}

// Scenario 1: cross-tenant project invisibility over the wire. B sees
// neither A's project in a list nor a readable get — both fold to
// NotFound / empty (P3).
func TestScenarioCrossTenantProjectInvisibleMultiTenant(t *testing.T) {
	svc, _ := testService(t, config.ModeMulti)
	ctx := context.Background()

	userA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	userB := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	project, err := svc.store.CreateProject(ctx, userA, "alpha")
	require.NoError(t, err)

	verifier, err := auth.New(auth.Config{Clock: svc.clock, Key: svc.cfg.TokenSecret})
	require.NoError(t, err)
	tokenB, err := verifier.Sign(userB, "", svc.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	listRec := doJSON(t, svc, http.MethodGet, "/v1/projects", tokenB, nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	var projects []*store.Project
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &projects))
	require.Empty(t, projects)

	getRec := doJSON(t, svc, http.MethodGet, "/v1/projects/"+project.ID.String(), tokenB, nil)
	require.Equal(t, http.StatusNotFound, getRec.Code)
	var body apierrors.Response
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &body))
	require.Equal(t, apierrors.NotFound, body.Error)
}

// Scenario 2: session ownership under reuse. B's write to A's session
// is NotFound; A's own write to the same session succeeds.
func TestScenarioSessionOwnershipUnderReuse(t *testing.T) {
	svc, shell := testService(t, config.ModeMulti)
	ctx := context.Background()

	userA, userB := uuid.New(), uuid.New()
	project, err := svc.store.CreateProject(ctx, userA, "p")
	require.NoError(t, err)
	task, err := svc.store.CreateTask(ctx, userA, project.ID, "t")
	require.NoError(t, err)
	require.NoError(t, svc.sandbox.EnsureRoot(userA))
	ws, err := svc.store.CreateWorkspace(ctx, userA, task.ID, svc.sandbox.UserRoot(userA))
	require.NoError(t, err)

	sessionID, err := svc.sessions.Open(ctx, userA, ws.ID, ws.RootPath, 80, 24)
	require.NoError(t, err)

	_, err = svc.sessions.Write(ctx, userB, sessionID, []byte("ls\n"))
	require.Error(t, err)
	require.Equal(t, apierrors.NotFound, apierrors.Classify(err))

	n, err := svc.sessions.Write(ctx, userA, sessionID, []byte("ls\n"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "ls\n", shell.written.String())
}

// Scenario 3: idle reclamation. After advancing the virtual clock past
// SESSION_IDLE_SECS and sweeping, the session is gone.
func TestScenarioIdleReclamation(t *testing.T) {
	svc, _ := testService(t, config.ModeMulti)
	ctx := context.Background()

	userA := uuid.New()
	project, err := svc.store.CreateProject(ctx, userA, "p")
	require.NoError(t, err)
	task, err := svc.store.CreateTask(ctx, userA, project.ID, "t")
	require.NoError(t, err)
	require.NoError(t, svc.sandbox.EnsureRoot(userA))
	ws, err := svc.store.CreateWorkspace(ctx, userA, task.ID, svc.sandbox.UserRoot(userA))
	require.NoError(t, err)

	sessionID, err := svc.sessions.Open(ctx, userA, ws.ID, ws.RootPath, 80, 24)
	require.NoError(t, err)

	clock := svc.clock.(clockwork.FakeClock)
	clock.Advance(31 * time.Minute)
	svc.reaper.Sweep(ctx)

	_, err = svc.sessions.Write(ctx, userA, sessionID, []byte("x"))
	require.Error(t, err)
	require.Equal(t, apierrors.NotFound, apierrors.Classify(err))
	require.NotContains(t, svc.sessions.List(userA), sessionID)
}

// Scenario 4: a symlink inside the workspace pointing outside the root
// resolves to NotFound (B5).
func TestScenarioPathEscapeViaSymlink(t *testing.T) {
	svc, _ := testService(t, config.ModeMulti)

	userA := uuid.New()
	require.NoError(t, svc.sandbox.EnsureRoot(userA))
	root := svc.sandbox.UserRoot(userA)

	require.NoError(t, os.Symlink("/etc/passwd", root+"/link"))

	_, err := svc.sandbox.Resolve(userA, "link")
	require.Error(t, err)
	require.Equal(t, apierrors.NotFound, apierrors.Classify(err))
}

// Scenario 5: secret round-trip with confidentiality and nonce
// freshness, through the Service's vault wiring.
func TestScenarioSecretRoundTrip(t *testing.T) {
	svc, _ := testService(t, config.ModeMulti)
	require.NotNil(t, svc.vault)
	ctx := context.Background()

	userA := uuid.New()
	plaintext := []byte("refresh=abc")
	require.NoError(t, svc.vault.Put(ctx, userA, plaintext))

	raw, ok, err := svc.store.GetSecret(ctx, userA)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, plaintext, raw)

	got, ok, err := svc.vault.Get(ctx, userA)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, plaintext, got)

	require.NoError(t, svc.vault.Put(ctx, userA, plaintext))
	raw2, _, err := svc.store.GetSecret(ctx, userA)
	require.NoError(t, err)
	require.NotEqual(t, raw, raw2)
}

// Scenario 6: mode degradation. The same protected route succeeds with
// no Authorization header in single mode, and is rejected in multi
// mode.
func TestScenarioModeDegradation(t *testing.T) {
	single, _ := testService(t, config.ModeSingle)
	rec := doJSON(t, single, http.MethodGet, "/v1/projects", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	multi, _ := testService(t, config.ModeMulti)
	rec = doJSON(t, multi, http.MethodGet, "/v1/projects", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
