// Package principal defines the request-scoped identity that is threaded
// explicitly through every isolation-kernel operation. There is no
// thread-local or global lookup: callers pass a Principal value the same
// way the teacher passes an IdentityContext through lib/srv.
package principal

import (
	"context"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Principal is the identity derived from a verified credential. It is
// immutable for the life of a request and is never constructed except by
// the Identity Verifier (or the Mode Selector's implicit pass-through).
type Principal struct {
	// UserID identifies the tenant that owns every resource this request
	// may touch.
	UserID uuid.UUID
	// Email is optional identity metadata; never used for authorization
	// decisions.
	Email string
}

// Check validates the principal has a non-zero user id.
func (p Principal) Check() error {
	if p.UserID == uuid.Nil {
		return trace.BadParameter("principal missing user id")
	}
	return nil
}

// String implements fmt.Stringer without ever printing email, matching
// the teacher's convention of keeping PII out of default formatting.
func (p Principal) String() string {
	return p.UserID.String()
}

type contextKey struct{}

// WithPrincipal returns a context carrying p, replacing any principal
// already attached.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext extracts the Principal a request-scoped context carries.
// It returns false if no principal was ever attached — callers must treat
// that as Unauthenticated, never assume an implicit identity.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// Implicit is the single principal used in single-tenant deployments
// (spec §4.2, §9). It is defined once here and handed out only by the
// Mode Selector, never synthesized by a handler.
var Implicit = Principal{UserID: uuid.MustParse("00000000-0000-0000-0000-000000000001")}
