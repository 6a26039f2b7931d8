package service

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/benchkit/workbench/lib/apierrors"
	"github.com/benchkit/workbench/lib/auth"
)

// upgrader has no origin restriction beyond the default same-origin
// check the workbench's own UI enforces at the proxy layer; the
// WebSocket credential is the bearer token in the query string, not
// the connection's origin (spec §4.1 "Out-of-band channel").
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// attachSession upgrades to a WebSocket and pumps bytes bidirectionally
// between the client and the shell owned by sessionID, the same duplex
// shape as lib/kube/proxy/streamproto.SessionStream's client/server
// relay, adapted to plain binary frames instead of a Kubernetes exec
// handshake.
func (s *Service) attachSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p, err := s.selector.Authenticate(auth.BearerFromWebSocketRequest(r))
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	id, err := pathUUID(ps, "id")
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade session attach")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			n, err := s.sessions.Read(ctx, p.UserID, id, buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		ty, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if ty != websocket.BinaryMessage && ty != websocket.TextMessage {
			continue
		}
		if _, err := s.sessions.Write(ctx, p.UserID, id, data); err != nil {
			break
		}
	}

	<-done
}

// streamProcess upgrades to a WebSocket and pushes a coding-agent
// process's messages as they are appended, polling the Process
// Registry's durable-ordered buffer at a fixed interval since the
// registry's public Messages API is a snapshot-since-seq read, not a
// subscription.
func (s *Service) streamProcess(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p, err := s.selector.Authenticate(auth.BearerFromWebSocketRequest(r))
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	id, err := pathUUID(ps, "id")
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade process stream")
		return
	}
	defer conn.Close()

	ticker := s.clock.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	seq := 0
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			msgs, err := s.processes.Messages(p.UserID, id, seq)
			if err != nil {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, err.Error()))
				return
			}
			for _, m := range msgs {
				if werr := conn.WriteMessage(websocket.BinaryMessage, m.Data); werr != nil {
					return
				}
				seq = m.Seq + 1
			}

			status, _, err := s.processes.Status(p.UserID, id)
			if err == nil && string(status) != "running" && len(msgs) == 0 {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "process terminal"))
				return
			}
		}
	}
}
