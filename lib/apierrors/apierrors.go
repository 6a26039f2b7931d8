// Package apierrors is the Error Mapper: it collapses every isolation
// failure into the non-revealing taxonomy from spec §4.9, on top of
// github.com/gravitational/trace the same way the teacher's
// lib/auth/apiserver.go uses trace.WriteError to turn a typed error into
// an HTTP status and JSON body.
package apierrors

import (
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Kind is the external, non-revealing error classification from spec §4.9.
type Kind string

const (
	Unauthenticated Kind = "unauthenticated"
	InvalidRequest  Kind = "invalid_request"
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	Internal        Kind = "internal"
)

var statusByKind = map[Kind]int{
	Unauthenticated: http.StatusUnauthorized,
	InvalidRequest:  http.StatusBadRequest,
	NotFound:        http.StatusNotFound,
	Conflict:        http.StatusConflict,
	Internal:        http.StatusInternalServerError,
}

// ErrPathEscape, ErrCrossTenant and ErrExpiredToken are internal-only
// sentinels: they carry enough type information for logs and tests to
// discriminate the cause (spec §9 "internally the types remain
// distinct"), but they are never exposed past the Error Mapper.
var (
	ErrPathEscape   = trace.NotFound("path escapes user root")
	ErrCrossTenant  = trace.NotFound("resource not owned by principal")
	ErrExpiredToken = trace.AccessDenied("token has expired")
)

// SecurityEvent carries the decision-relevant fields that
// LogSecurityEvent records with security_event=true; they are never
// surfaced in the user-visible message (spec §7). It is passed
// explicitly, not attached to an error or context. The Reaper emits one
// per reclamation; refusals written through WriteJSON (path escape,
// cross-tenant access, bad claims) are not logged as security events.
type SecurityEvent struct {
	UserID       string
	ResourceKind string
	ResourceID   string
	Reason       string
}

// Response is the wire shape for a refusal: spec §6's
// { "error": "<kind>", "message": "<human readable>" }.
type Response struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

// Classify maps an arbitrary error — typically one already wrapped with
// trace.Wrap somewhere downstream — onto the external taxonomy. Anything
// not recognized as one of the security-relevant trace kinds folds to
// Internal, never leaking raw driver/library errors.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	switch {
	case trace.IsNotFound(err):
		// PathEscape, CrossTenant, and genuine absence are
		// indistinguishable from here on (spec §4.9 folding rule).
		return NotFound
	case trace.IsAccessDenied(err):
		return Unauthenticated
	case trace.IsBadParameter(err), trace.IsParseError(err):
		return InvalidRequest
	case trace.IsAlreadyExists(err):
		return Conflict
	default:
		return Internal
	}
}

// Message returns the human-readable, non-revealing message for an error.
// It never includes SecurityEvent fields.
func Message(kind Kind, err error) string {
	switch kind {
	case NotFound:
		return "not found"
	case Unauthenticated:
		return "authentication required"
	case InvalidRequest:
		return trace.UserMessage(err)
	case Conflict:
		return "resource already exists"
	default:
		return "internal error"
	}
}

// WriteJSON writes the collapsed JSON envelope for err to w, and returns
// the kind it classified to so callers can log or audit on it.
func WriteJSON(w http.ResponseWriter, err error) Kind {
	kind := Classify(err)
	status := statusByKind[kind]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Error:   kind,
		Message: Message(kind, err),
	})
	return kind
}

// LogSecurityEvent emits the structured audit entry required by spec §7
// for any refusal attributable to a security decision. The wire response
// produced by WriteJSON is unaffected — this is the only place the
// decision-relevant fields are recorded.
func LogSecurityEvent(log logrus.FieldLogger, ev SecurityEvent) {
	log.WithFields(logrus.Fields{
		"user_id":       ev.UserID,
		"resource_kind": ev.ResourceKind,
		"resource_id":   ev.ResourceID,
		"reason":        ev.Reason,
		"security_event": true,
	}).Warn("isolation kernel refused request")
}
