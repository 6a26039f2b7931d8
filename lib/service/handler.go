package service

import (
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/benchkit/workbench/lib/apierrors"
	"github.com/benchkit/workbench/lib/auth"
	"github.com/benchkit/workbench/lib/principal"
)

// authedHandle is the shape every protected REST handler implements: it
// receives the caller's already-verified Principal plus the usual
// httprouter arguments, and returns a JSON-able value or an error for
// the Error Mapper to collapse — the same split the teacher's
// HandlerWithAuthFunc draws between authentication and business logic
// in lib/auth/apiserver.go.
type authedHandle func(p principal.Principal, w http.ResponseWriter, r *http.Request, ps httprouter.Params) (interface{}, error)

// withPrincipal authenticates the request via the Mode Selector and
// dispatches to handle, writing the collapsed refusal body itself on
// failure so handle never runs against an unauthenticated request.
func (s *Service) withPrincipal(handle authedHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		p, err := s.selector.Authenticate(auth.BearerFromRequest(r))
		if err != nil {
			apierrors.WriteJSON(w, err)
			return
		}

		result, err := handle(p, w, r, ps)
		if err != nil {
			apierrors.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads and decodes r's body into v, classifying a malformed
// body as InvalidRequest rather than letting json's raw error leak past
// the Error Mapper.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

func message(msg string) map[string]interface{} {
	return map[string]interface{}{"message": msg}
}

func marshalJSON(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return json.RawMessage(data), nil
}
