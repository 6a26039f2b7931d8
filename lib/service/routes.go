package service

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/benchkit/workbench/lib/principal"
)

// registerRoutes mounts every REST and WebSocket endpoint, grouped the
// same way the teacher groups apiserver.go's route registration: one
// resource per block, in CRUD order.
func (s *Service) registerRoutes() {
	s.POST("/v1/projects", s.withPrincipal(s.createProject))
	s.GET("/v1/projects", s.withPrincipal(s.listProjects))
	s.GET("/v1/projects/:id", s.withPrincipal(s.getProject))
	s.DELETE("/v1/projects/:id", s.withPrincipal(s.deleteProject))

	s.POST("/v1/projects/:id/tasks", s.withPrincipal(s.createTask))
	s.GET("/v1/projects/:id/tasks", s.withPrincipal(s.listTasks))
	s.GET("/v1/tasks/:id", s.withPrincipal(s.getTask))
	s.DELETE("/v1/tasks/:id", s.withPrincipal(s.deleteTask))

	s.POST("/v1/tasks/:id/workspaces", s.withPrincipal(s.createWorkspace))
	s.GET("/v1/tasks/:id/workspaces", s.withPrincipal(s.listWorkspaces))
	s.GET("/v1/workspaces/:id", s.withPrincipal(s.getWorkspace))
	s.DELETE("/v1/workspaces/:id", s.withPrincipal(s.deleteWorkspace))

	s.POST("/v1/repos", s.withPrincipal(s.createRepo))
	s.GET("/v1/repos", s.withPrincipal(s.listRepos))
	s.GET("/v1/repos/:id", s.withPrincipal(s.getRepo))
	s.DELETE("/v1/repos/:id", s.withPrincipal(s.deleteRepo))

	s.GET("/v1/config", s.withPrincipal(s.listUserConfig))
	s.GET("/v1/config/:key", s.withPrincipal(s.getUserConfig))
	s.PUT("/v1/config/:key", s.withPrincipal(s.putUserConfig))

	s.PUT("/v1/secret", s.withPrincipal(s.putSecret))
	s.GET("/v1/secret", s.withPrincipal(s.getSecret))

	s.GET("/v1/audit", s.withPrincipal(s.listAuditEvents))

	s.POST("/v1/sessions", s.withPrincipal(s.openSession))
	s.GET("/v1/sessions", s.withPrincipal(s.listSessions))
	s.PUT("/v1/sessions/:id/resize", s.withPrincipal(s.resizeSession))
	s.DELETE("/v1/sessions/:id", s.withPrincipal(s.closeSession))
	s.GET("/v1/sessions/:id/attach", s.attachSession)

	s.POST("/v1/processes", s.withPrincipal(s.spawnProcess))
	s.GET("/v1/processes", s.withPrincipal(s.listProcesses))
	s.GET("/v1/processes/:id", s.withPrincipal(s.getProcessStatus))
	s.POST("/v1/processes/:id/interrupt", s.withPrincipal(s.interruptProcess))
	s.GET("/v1/processes/:id/messages", s.withPrincipal(s.processMessages))
	s.GET("/v1/processes/:id/stream", s.streamProcess)
}

func pathUUID(ps httprouter.Params, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(ps.ByName(name))
	if err != nil {
		return uuid.Nil, trace.BadParameter("invalid %s", name)
	}
	return id, nil
}

// --- Projects ---

type createProjectRequest struct {
	Name string `json:"name"`
}

func (s *Service) createProject(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.CreateProject(r.Context(), p.UserID, req.Name)
}

func (s *Service) listProjects(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	return s.store.ListProjects(r.Context(), p.UserID)
}

func (s *Service) getProject(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.GetProject(r.Context(), p.UserID, id)
}

func (s *Service) deleteProject(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.store.DeleteProject(r.Context(), p.UserID, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("project deleted"), nil
}

// --- Tasks ---

type createTaskRequest struct {
	Title string `json:"title"`
}

func (s *Service) createTask(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	projectID, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.CreateTask(r.Context(), p.UserID, projectID, req.Title)
}

func (s *Service) listTasks(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	projectID, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.ListTasksByProject(r.Context(), p.UserID, projectID)
}

func (s *Service) getTask(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.GetTask(r.Context(), p.UserID, id)
}

func (s *Service) deleteTask(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.store.DeleteTask(r.Context(), p.UserID, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("task deleted"), nil
}

// --- Workspaces ---

type createWorkspaceRequest struct {
	// Path is a candidate location, absolute or relative to the
	// caller's sandbox root; it is resolved through the Path Sandbox
	// before being persisted (I2).
	Path string `json:"path"`
}

func (s *Service) createWorkspace(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	taskID, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req createWorkspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	if err := s.sandbox.EnsureRoot(p.UserID); err != nil {
		return nil, trace.Wrap(err)
	}
	root, err := s.sandbox.Resolve(p.UserID, req.Path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.CreateWorkspace(r.Context(), p.UserID, taskID, root)
}

func (s *Service) listWorkspaces(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	taskID, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.ListWorkspacesByTask(r.Context(), p.UserID, taskID)
}

func (s *Service) getWorkspace(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.GetWorkspace(r.Context(), p.UserID, id)
}

func (s *Service) deleteWorkspace(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.store.DeleteWorkspace(r.Context(), p.UserID, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("workspace deleted"), nil
}

// --- Repos ---

type createRepoRequest struct {
	Path string `json:"path"`
}

func (s *Service) createRepo(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	var req createRepoRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.sandbox.EnsureRoot(p.UserID); err != nil {
		return nil, trace.Wrap(err)
	}
	root, err := s.sandbox.Resolve(p.UserID, req.Path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.CreateRepo(r.Context(), p.UserID, root)
}

func (s *Service) listRepos(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	return s.store.ListRepos(r.Context(), p.UserID)
}

func (s *Service) getRepo(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.GetRepo(r.Context(), p.UserID, id)
}

func (s *Service) deleteRepo(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.store.DeleteRepo(r.Context(), p.UserID, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("repo deleted"), nil
}

// --- User config ---

type putUserConfigRequest struct {
	Value interface{} `json:"value"`
}

func (s *Service) putUserConfig(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	key := ps.ByName("key")
	var req putUserConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	raw, err := marshalJSON(req.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.UpsertUserConfig(r.Context(), p.UserID, key, raw)
}

func (s *Service) getUserConfig(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	return s.store.GetUserConfig(r.Context(), p.UserID, ps.ByName("key"))
}

func (s *Service) listUserConfig(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	return s.store.ListUserConfig(r.Context(), p.UserID)
}

// --- Secret vault ---

type putSecretRequest struct {
	Value string `json:"value"`
}

func (s *Service) putSecret(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	if s.vault == nil {
		return nil, trace.BadParameter("secret vault is not configured")
	}
	var req putSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.vault.Put(r.Context(), p.UserID, []byte(req.Value)); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("secret stored"), nil
}

func (s *Service) getSecret(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	if s.vault == nil {
		return nil, trace.BadParameter("secret vault is not configured")
	}
	plaintext, ok, err := s.vault.Get(r.Context(), p.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		return nil, trace.NotFound("secret not found")
	}
	return putSecretRequest{Value: string(plaintext)}, nil
}

// --- Audit ---

func (s *Service) listAuditEvents(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	return s.store.ListAuditEvents(r.Context(), p.UserID)
}
