// Package token issues and validates capability tokens: signed, scoped,
// time-bounded credentials that let an agent request a class of actions.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
	platformstrings "agentgate/pkg/platform/strings"
)

// Validation failure modes. Expiry and signature are checked before scope so
// a caller can never learn scope layout from an expired or forged token.
var (
	ErrExpired         = dErrors.New(dErrors.CodeUnauthorized, "token has expired")
	ErrNotYetValid     = dErrors.New(dErrors.CodeUnauthorized, "token is not yet valid")
	ErrBadSignature    = dErrors.New(dErrors.CodeUnauthorized, "token signature is invalid")
	ErrRevoked         = dErrors.New(dErrors.CodeUnauthorized, "token has been revoked")
	ErrScopeNotGranted = dErrors.New(dErrors.CodeForbidden, "action is not covered by granted scopes")
)

// Claims is the JWT payload of a capability token.
type Claims struct {
	AgentID string   `json:"agent_id"`
	OrgID   string   `json:"org_id"`
	Scopes  []string `json:"scopes"`
	Type    string   `json:"type"`
	jwt.RegisteredClaims
}

// Identity is the validated subject of a token, handed to the gateway.
type Identity struct {
	TokenID id.TokenID
	AgentID id.AgentID
	OrgID   id.OrgID
	Scopes  []string
}

// RevocationChecker answers whether a token ID is on the revocation list and
// whether an agent-wide cutoff is in effect.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID id.TokenID) (bool, error)
	// AgentRevokedAt returns the cutoff for the agent, zero when none. Tokens
	// issued at or before the cutoff are revoked.
	AgentRevokedAt(ctx context.Context, agentID id.AgentID) (time.Time, error)
}

// Revoker extends the checker with list mutation for the issue/revoke surface.
type Revoker interface {
	RevocationChecker
	Revoke(ctx context.Context, tokenID id.TokenID, ttl time.Duration) error
	RevokeAgent(ctx context.Context, agentID id.AgentID, cutoff time.Time, ttl time.Duration) error
}

const claimTypeCapability = "capability_token"

// Codec signs and validates capability tokens. The signing key is loaded
// once at startup and injected here; nothing mutates it afterwards.
type Codec struct {
	signingKey  []byte
	issuer      string
	revocations RevocationChecker
	clock       func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock sets the time source for issuance and validation. Tests inject a
// fixed clock to exercise expiry boundaries.
func WithClock(clock func() time.Time) Option {
	return func(c *Codec) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithRevocations wires the revocation list checked during validation.
func WithRevocations(rc RevocationChecker) Option {
	return func(c *Codec) { c.revocations = rc }
}

// NewCodec constructs a capability token codec.
func NewCodec(signingKey, issuer string, opts ...Option) (*Codec, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("token signing key is required")
	}
	c := &Codec{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// newTokenID generates a unique token ID in cap-xxx format.
func newTokenID() id.TokenID {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return id.TokenID("cap-" + hex.EncodeToString(buf))
}

// Issue signs a new capability token for the agent. The returned string is
// the wire form handed to the agent; the Identity mirrors what a later
// Validate will produce.
func (c *Codec) Issue(agentID id.AgentID, orgID id.OrgID, scopes []string, ttl time.Duration) (*Identity, string, error) {
	if agentID.IsEmpty() {
		return nil, "", dErrors.New(dErrors.CodeInvalidInput, "agent_id is required")
	}
	if orgID.IsNil() {
		return nil, "", dErrors.New(dErrors.CodeInvalidInput, "org_id is required")
	}
	if ttl <= 0 {
		return nil, "", dErrors.New(dErrors.CodeInvalidInput, "ttl must be positive")
	}
	scopes = platformstrings.DedupeAndTrim(scopes)
	if len(scopes) == 0 {
		return nil, "", dErrors.New(dErrors.CodeInvalidInput, "at least one scope is required")
	}
	for _, scope := range scopes {
		if err := validateScope(scope); err != nil {
			return nil, "", err
		}
	}

	tokenID := newTokenID()
	now := c.clock()

	claims := Claims{
		AgentID: string(agentID),
		OrgID:   orgID.String(),
		Scopes:  scopes,
		Type:    claimTypeCapability,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        string(tokenID),
			Issuer:    c.issuer,
			Subject:   string(agentID),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "sign capability token")
	}

	identity := &Identity{
		TokenID: tokenID,
		AgentID: agentID,
		OrgID:   orgID,
		Scopes:  scopes,
	}
	return identity, signed, nil
}

// Validate parses the token, verifies signature and validity window, checks
// the revocation list, and finally checks that the granted scopes cover the
// requested action. HMAC verification inside jwt/v5 is constant-time.
func (c *Codec) Validate(ctx context.Context, tokenString, requiredAction string) (*Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return c.signingKey, nil
	}, jwt.WithTimeFunc(c.clock))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, ErrNotYetValid
		default:
			return nil, ErrBadSignature
		}
	}
	if !parsed.Valid || claims.Type != claimTypeCapability {
		return nil, ErrBadSignature
	}

	orgID, err := id.ParseOrgID(claims.OrgID)
	if err != nil {
		return nil, ErrBadSignature
	}
	tokenID := id.TokenID(claims.ID)

	if c.revocations != nil {
		revoked, err := c.revocations.IsRevoked(ctx, tokenID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "check token revocation")
		}
		if revoked {
			return nil, ErrRevoked
		}

		cutoff, err := c.revocations.AgentRevokedAt(ctx, id.AgentID(claims.AgentID))
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "check agent revocation")
		}
		if !cutoff.IsZero() && claims.IssuedAt != nil && !claims.IssuedAt.Time.After(cutoff) {
			return nil, ErrRevoked
		}
	}

	if !anyScopeAllows(claims.Scopes, requiredAction) {
		return nil, ErrScopeNotGranted
	}

	return &Identity{
		TokenID: tokenID,
		AgentID: id.AgentID(claims.AgentID),
		OrgID:   orgID,
		Scopes:  claims.Scopes,
	}, nil
}
