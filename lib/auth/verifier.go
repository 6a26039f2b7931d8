// Package auth is the Identity Verifier and Mode Selector: it turns a
// bearer string into a Principal, or classifies why it could not.
package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/benchkit/workbench/lib/principal"
)

// Config configures a Verifier. Unlike the teacher's lib/jwt, which
// signs with an RSA keypair for third-party application access, the
// workbench verifies only its own tokens against a single process-wide
// symmetric key, so HMAC-SHA256 is the right algorithm rather than RSA.
type Config struct {
	// Clock is used to evaluate token expiry. Defaults to the real clock.
	Clock clockwork.Clock

	// Key is the shared HMAC signing/verification secret (TOKEN_SECRET).
	Key []byte

	// Issuer is written into the "iss" claim of tokens this Verifier
	// signs. Verify does not check the "iss" claim.
	Issuer string
}

// CheckAndSetDefaults validates the values of a Config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if len(c.Key) < 32 {
		return trace.BadParameter("token secret must be at least 32 bytes")
	}
	if c.Issuer == "" {
		c.Issuer = "workbenchd"
	}
	return nil
}

// Verifier validates bearer tokens and extracts the Principal embedded
// within them (spec §4.1 Identity Verifier).
type Verifier struct {
	config Config
	shared jose.SigningKey
}

// New constructs a Verifier from the given Config.
func New(config Config) (*Verifier, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	signer := jose.SigningKey{
		Algorithm: jose.HS256,
		Key:       config.Key,
	}
	return &Verifier{config: config, shared: signer}, nil
}

// claims is the JWT payload shape the workbench signs and verifies.
// Unlike the teacher's Claims, it carries no roles or traits: the
// workbench's only authorization unit is the principal's UUID. Email
// is carried for display purposes only and never used in authorization
// decisions (spec §6 token shape, principal.Principal.Email).
type claims struct {
	jwt.Claims
	Email string `json:"email,omitempty"`
}

// Sign produces a bearer token for userID, expiring at expires. Mainly
// used by tests and by any out-of-band token-issuing path (e.g. a CLI
// login helper); the production request path only ever verifies.
func (v *Verifier) Sign(userID uuid.UUID, email string, expires time.Time) (string, error) {
	return v.signRaw(userID.String(), email, expires)
}

// signRaw signs a token with an arbitrary subject string rather than a
// uuid.UUID. It exists so tests can produce a structurally valid,
// correctly signed token with a malformed subject claim (spec B3)
// without hand-splicing compact serialization.
func (v *Verifier) signRaw(subject, email string, expires time.Time) (string, error) {
	signer, err := jose.NewSigner((&jose.SignerOptions{}).WithType("JWT").Key(v.shared))
	if err != nil {
		return "", trace.Wrap(err)
	}
	c := claims{
		Claims: jwt.Claims{
			Subject:  subject,
			Issuer:   v.config.Issuer,
			IssuedAt: jwt.NewNumericDate(v.config.Clock.Now()),
			Expiry:   jwt.NewNumericDate(expires),
		},
		Email: email,
	}
	token, err := jwt.Signed(signer).Claims(c).CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// Verify implements the Identity Verifier algorithm from spec §4.1:
// parse the compact token, check the HMAC signature, decode the
// payload, and validate sub/exp. Every failure classifies to
// Unauthenticated except a malformed subject, which classifies to
// InvalidRequest (spec B3) since the signature was valid but the
// claim shape was not.
func (v *Verifier) Verify(rawToken string) (principal.Principal, error) {
	if rawToken == "" {
		return principal.Principal{}, trace.AccessDenied("empty bearer token")
	}

	tok, err := jwt.ParseSigned(rawToken)
	if err != nil {
		return principal.Principal{}, trace.AccessDenied("malformed token")
	}

	var c claims
	if err := tok.Claims(v.config.Key, &c); err != nil {
		return principal.Principal{}, trace.AccessDenied("invalid token signature")
	}

	if c.Subject == "" {
		return principal.Principal{}, trace.AccessDenied("token missing subject claim")
	}

	now := v.config.Clock.Now()
	if c.Expiry == nil || !now.Before(c.Expiry.Time()) {
		return principal.Principal{}, trace.AccessDenied("token expired")
	}
	if c.IssuedAt != nil && c.IssuedAt.Time().After(now) {
		return principal.Principal{}, trace.AccessDenied("token not yet valid")
	}

	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		return principal.Principal{}, trace.BadParameter("subject claim is not a valid user id")
	}

	p := principal.Principal{UserID: userID, Email: c.Email}
	if err := p.Check(); err != nil {
		return principal.Principal{}, trace.Wrap(err)
	}
	return p, nil
}
