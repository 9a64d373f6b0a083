package token

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"agentgate/internal/token/revocation"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// =============================================================================
// Capability Token Codec Test Suite
// =============================================================================

type CodecSuite struct {
	suite.Suite
	codec   *Codec
	revoked *revocation.InMemoryList
	now     time.Time
	orgID   id.OrgID
}

func TestCodecSuite(t *testing.T) {
	suite.Run(t, new(CodecSuite))
}

func (s *CodecSuite) SetupTest() {
	s.now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s.orgID = id.OrgID(uuid.New())
	s.revoked = revocation.NewInMemoryList(revocation.WithClock(s.clock))

	var err error
	s.codec, err = NewCodec("test-signing-key", "agentgate-test",
		WithClock(s.clock),
		WithRevocations(s.revoked),
	)
	s.Require().NoError(err)
}

func (s *CodecSuite) clock() time.Time { return s.now }

// =============================================================================
// Issue Tests
// =============================================================================

func (s *CodecSuite) TestIssue() {
	s.Run("rejects non-positive ttl", func() {
		_, _, err := s.codec.Issue("agent-1", s.orgID, []string{"email:*"}, 0)
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

		_, _, err = s.codec.Issue("agent-1", s.orgID, []string{"email:*"}, -time.Second)
		s.Error(err)
	})

	s.Run("rejects malformed scope", func() {
		_, _, err := s.codec.Issue("agent-1", s.orgID, []string{"email"}, time.Hour)
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("rejects empty scope list", func() {
		_, _, err := s.codec.Issue("agent-1", s.orgID, nil, time.Hour)
		s.Error(err)
	})

	s.Run("issues a cap-prefixed token id", func() {
		identity, signed, err := s.codec.Issue("agent-1", s.orgID, []string{"email:*"}, time.Hour)
		s.NoError(err)
		s.NotEmpty(signed)
		s.Contains(string(identity.TokenID), "cap-")
	})
}

// =============================================================================
// Validate Tests
// =============================================================================

func (s *CodecSuite) TestValidate() {
	ctx := context.Background()

	s.Run("round-trip returns the original identity", func() {
		identity, signed, err := s.codec.Issue("agent-1", s.orgID, []string{"x:*"}, time.Hour)
		s.Require().NoError(err)

		got, err := s.codec.Validate(ctx, signed, "x:read")
		s.NoError(err)
		s.Equal(identity.AgentID, got.AgentID)
		s.Equal(identity.OrgID, got.OrgID)
		s.Equal(identity.TokenID, got.TokenID)
	})

	s.Run("expired token fails even with valid signature and scopes", func() {
		_, signed, err := s.codec.Issue("agent-1", s.orgID, []string{"x:*"}, time.Hour)
		s.Require().NoError(err)

		s.now = s.now.Add(2 * time.Hour)
		_, err = s.codec.Validate(ctx, signed, "x:read")
		s.ErrorIs(err, ErrExpired)
	})

	s.Run("token signed with a different key fails", func() {
		other, err := NewCodec("another-key", "agentgate-test", WithClock(s.clock))
		s.Require().NoError(err)
		_, signed, err := other.Issue("agent-1", s.orgID, []string{"x:*"}, time.Hour)
		s.Require().NoError(err)

		_, err = s.codec.Validate(ctx, signed, "x:read")
		s.ErrorIs(err, ErrBadSignature)
	})

	s.Run("garbage token fails as bad signature", func() {
		_, err := s.codec.Validate(ctx, "not-a-jwt", "x:read")
		s.ErrorIs(err, ErrBadSignature)
	})

	s.Run("revoked token fails", func() {
		identity, signed, err := s.codec.Issue("agent-1", s.orgID, []string{"x:*"}, time.Hour)
		s.Require().NoError(err)
		s.Require().NoError(s.revoked.Revoke(ctx, identity.TokenID, time.Hour))

		_, err = s.codec.Validate(ctx, signed, "x:read")
		s.ErrorIs(err, ErrRevoked)
	})

	s.Run("action outside granted scopes fails", func() {
		_, signed, err := s.codec.Issue("agent-1", s.orgID, []string{"email:*"}, time.Hour)
		s.Require().NoError(err)

		_, err = s.codec.Validate(ctx, signed, "payment:wire")
		s.ErrorIs(err, ErrScopeNotGranted)
	})

	s.Run("agent-wide revocation cuts off earlier tokens only", func() {
		_, before, err := s.codec.Issue("agent-1", s.orgID, []string{"x:*"}, time.Hour)
		s.Require().NoError(err)

		s.now = s.now.Add(time.Minute)
		s.Require().NoError(s.revoked.RevokeAgent(ctx, "agent-1", s.now, time.Hour))

		s.now = s.now.Add(time.Minute)
		_, after, err := s.codec.Issue("agent-1", s.orgID, []string{"x:*"}, time.Hour)
		s.Require().NoError(err)

		_, err = s.codec.Validate(ctx, before, "x:read")
		s.ErrorIs(err, ErrRevoked)
		_, err = s.codec.Validate(ctx, after, "x:read")
		s.NoError(err)
	})

	s.Run("dedupes scopes at issue", func() {
		identity, _, err := s.codec.Issue("agent-1", s.orgID, []string{" x:* ", "x:*", "y:read"}, time.Hour)
		s.Require().NoError(err)
		s.Equal([]string{"x:*", "y:read"}, identity.Scopes)
	})
}
