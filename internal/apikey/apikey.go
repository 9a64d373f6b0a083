// Package apikey manages operator API keys for the approval and audit
// surfaces. Secrets are bcrypt-hashed at rest; the plaintext is returned
// exactly once at issuance.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

var (
	ErrInvalidKey = dErrors.New(dErrors.CodeUnauthorized, "api key is invalid")
	ErrRevokedKey = dErrors.New(dErrors.CodeUnauthorized, "api key has been revoked")
)

const (
	secretPrefix = "agw_"
	// prefixLen is how many characters of the secret (including "agw_") are
	// stored in clear for lookup.
	prefixLen = 12
)

// Key is one operator API key. Hash holds the bcrypt digest of the full
// secret; Prefix is the indexed clear-text lookup handle.
type Key struct {
	ID        id.APIKeyID
	OrgID     id.OrgID
	Name      string
	Role      string
	Prefix    string
	Hash      string
	Revoked   bool
	CreatedAt time.Time
}

// Store persists operator API keys.
type Store interface {
	Create(ctx context.Context, key Key) error
	GetByPrefix(ctx context.Context, prefix string) (*Key, error)
	Revoke(ctx context.Context, keyID id.APIKeyID) error
}

// Service issues and verifies operator API keys.
type Service struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "api key store is required")
	}
	s := &Service{store: store, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue creates a key for an operator and returns the plaintext secret. The
// secret cannot be recovered later; callers must hand it off immediately.
func (s *Service) Issue(ctx context.Context, orgID id.OrgID, name, role string) (*Key, string, error) {
	if orgID.IsNil() {
		return nil, "", dErrors.New(dErrors.CodeInvalidInput, "org_id is required")
	}
	if name == "" {
		return nil, "", dErrors.New(dErrors.CodeInvalidInput, "key name is required")
	}
	if role == "" {
		return nil, "", dErrors.New(dErrors.CodeInvalidInput, "key role is required")
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "generate api key secret")
	}
	secret := secretPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "hash api key secret")
	}

	key := Key{
		ID:        id.NewAPIKeyID(),
		OrgID:     orgID,
		Name:      name,
		Role:      role,
		Prefix:    secret[:prefixLen],
		Hash:      string(hash),
		CreatedAt: s.clock().UTC(),
	}
	if err := s.store.Create(ctx, key); err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "store api key")
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "api key issued",
			"key_id", key.ID.String(), "org_id", orgID.String(), "role", role)
	}
	return &key, secret, nil
}

// Verify authenticates a presented secret and returns the matching key.
// Lookup misses and hash mismatches both report ErrInvalidKey so callers
// cannot probe which prefixes exist.
func (s *Service) Verify(ctx context.Context, secret string) (*Key, error) {
	if !strings.HasPrefix(secret, secretPrefix) || len(secret) < prefixLen {
		return nil, ErrInvalidKey
	}

	key, err := s.store.GetByPrefix(ctx, secret[:prefixLen])
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "look up api key")
	}

	if bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(secret)) != nil {
		return nil, ErrInvalidKey
	}
	if key.Revoked {
		return nil, ErrRevokedKey
	}
	return key, nil
}

// Revoke disables a key. Revocation is permanent.
func (s *Service) Revoke(ctx context.Context, keyID id.APIKeyID) error {
	if err := s.store.Revoke(ctx, keyID); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "api key revoked", "key_id", keyID.String())
	}
	return nil
}
