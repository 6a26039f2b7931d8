package service

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/benchkit/workbench/lib/principal"
)

type sessionIDResponse struct {
	ID uuid.UUID `json:"id"`
}

type openSessionRequest struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Cols        uint16    `json:"cols"`
	Rows        uint16    `json:"rows"`
}

func (s *Service) openSession(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	ws, err := s.store.GetWorkspace(r.Context(), p.UserID, req.WorkspaceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := s.sessions.Open(r.Context(), p.UserID, ws.ID, ws.RootPath, req.Cols, req.Rows)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sessionIDResponse{ID: id}, nil
}

func (s *Service) listSessions(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	return map[string]interface{}{"sessions": s.sessions.List(p.UserID)}, nil
}

type resizeSessionRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (s *Service) resizeSession(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req resizeSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.sessions.Resize(r.Context(), p.UserID, id, req.Cols, req.Rows); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("session resized"), nil
}

func (s *Service) closeSession(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.sessions.Close(r.Context(), p.UserID, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("session closed"), nil
}

type processIDResponse struct {
	ID uuid.UUID `json:"id"`
}

type spawnProcessRequest struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	SessionID   uuid.UUID `json:"session_id"`
	Command     []string  `json:"command"`
}

func (s *Service) spawnProcess(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	var req spawnProcessRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	ws, err := s.store.GetWorkspace(r.Context(), p.UserID, req.WorkspaceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := s.processes.Spawn(r.Context(), p.UserID, req.SessionID, ws.RootPath, req.Command)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return processIDResponse{ID: id}, nil
}

func (s *Service) listProcesses(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	return map[string]interface{}{"processes": s.processes.List(p.UserID)}, nil
}

type processStatusResponse struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

func (s *Service) getProcessStatus(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status, exitCode, err := s.processes.Status(p.UserID, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return processStatusResponse{Status: string(status), ExitCode: exitCode}, nil
}

func (s *Service) interruptProcess(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.processes.Interrupt(p.UserID, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("process interrupted"), nil
}

type messageResponse struct {
	Seq  int    `json:"seq"`
	Data string `json:"data"`
}

func (s *Service) processMessages(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error) {
	id, err := pathUUID(ps, "id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	since := intQuery(r, "since", 0)
	msgs, err := s.processes.Messages(p.UserID, id, since)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]messageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = messageResponse{Seq: m.Seq, Data: string(m.Data)}
	}
	return out, nil
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
