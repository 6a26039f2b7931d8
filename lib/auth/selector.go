package auth

import (
	"net/http"
	"strings"

	"github.com/gravitational/trace"

	"github.com/benchkit/workbench/lib/config"
	"github.com/benchkit/workbench/lib/principal"
)

// Selector is the Mode Selector (spec §4.2): it wires either an
// implicit, always-succeeding principal or a real Verifier into every
// protected route, chosen once at startup from config.Mode rather than
// branched on per request.
type Selector struct {
	mode     config.Mode
	verifier *Verifier
}

// NewSelector builds a Selector for mode. verifier may be nil when mode
// is config.ModeSingle — the isolation kernel must be absent, not
// merely bypassed, so Authenticate never consults verifier in that case.
func NewSelector(mode config.Mode, verifier *Verifier) (*Selector, error) {
	if mode == config.ModeMulti && verifier == nil {
		return nil, trace.BadParameter("multi-tenant mode requires a verifier")
	}
	return &Selector{mode: mode, verifier: verifier}, nil
}

// Authenticate extracts a Principal from an inbound bearer token. In
// single-tenant mode it always returns principal.Implicit, ignoring
// rawToken entirely — a stray or malformed Authorization header must
// never surface as an error, and it must never be consulted either.
func (s *Selector) Authenticate(rawToken string) (principal.Principal, error) {
	if s.mode == config.ModeSingle {
		return principal.Implicit, nil
	}
	return s.verifier.Verify(rawToken)
}

// BearerFromRequest extracts the token from an HTTP Authorization
// header (spec §6 "Inbound credential (HTTP)").
func BearerFromRequest(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// BearerFromWebSocketRequest extracts the token from the "token" query
// parameter used during a WebSocket upgrade, since the handshake
// cannot reliably carry an Authorization header through every
// intermediary (spec §4.1 "Out-of-band channel").
func BearerFromWebSocketRequest(r *http.Request) string {
	return r.URL.Query().Get("token")
}

// The context key and its WithPrincipal/FromContext helpers live in the
// principal package and are not duplicated here; handlers should import
// lib/principal directly once RequirePrincipal has attached one.

// RequirePrincipal is HTTP middleware that authenticates the request
// and attaches the resulting Principal to its context before calling
// next. On failure it writes the collapsed refusal body itself so
// handlers downstream never see an unauthenticated request.
func (s *Selector) RequirePrincipal(writeErr func(http.ResponseWriter, error), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.Authenticate(BearerFromRequest(r))
		if err != nil {
			writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(principal.WithPrincipal(r.Context(), p)))
	})
}

// RequirePrincipalWebSocket is the same contract as RequirePrincipal
// but reads the credential from the upgrade query parameter instead of
// the Authorization header (spec §4.1's interface variant, not a
// second verifier).
func (s *Selector) RequirePrincipalWebSocket(writeErr func(http.ResponseWriter, error), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.Authenticate(BearerFromWebSocketRequest(r))
		if err != nil {
			writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(principal.WithPrincipal(r.Context(), p)))
	})
}
