package revocation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	id "agentgate/pkg/domain"
)

// Redis key prefixes for revoked capability tokens and agent-wide cutoffs.
const (
	revokedKeyPrefix      = "crl:token:"
	agentRevokedKeyPrefix = "crl:agent:"
)

// RedisList is the Redis-backed revocation list shared by all gateway
// instances. Key expiry does the cleanup: entries vanish when the token
// would have expired on its own.
type RedisList struct {
	client *redis.Client
}

func NewRedisList(client *redis.Client) *RedisList {
	return &RedisList{client: client}
}

func (l *RedisList) Revoke(ctx context.Context, tokenID id.TokenID, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	if tokenID.IsEmpty() {
		return nil
	}
	// Key existence is the marker; the value is irrelevant.
	return l.client.Set(ctx, revokedKeyPrefix+string(tokenID), "1", ttl).Err()
}

func (l *RedisList) IsRevoked(ctx context.Context, tokenID id.TokenID) (bool, error) {
	if tokenID.IsEmpty() {
		return false, nil
	}
	_, err := l.client.Get(ctx, revokedKeyPrefix+string(tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RevokeAgent records a cutoff; tokens issued at or before it are revoked.
func (l *RedisList) RevokeAgent(ctx context.Context, agentID id.AgentID, cutoff time.Time, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	if agentID.IsEmpty() {
		return nil
	}
	value := strconv.FormatInt(cutoff.UnixNano(), 10)
	return l.client.Set(ctx, agentRevokedKeyPrefix+string(agentID), value, ttl).Err()
}

// AgentRevokedAt returns the agent's revocation cutoff, zero when none is in
// effect.
func (l *RedisList) AgentRevokedAt(ctx context.Context, agentID id.AgentID) (time.Time, error) {
	if agentID.IsEmpty() {
		return time.Time{}, nil
	}
	value, err := l.client.Get(ctx, agentRevokedKeyPrefix+string(agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse agent revocation cutoff: %w", err)
	}
	return time.Unix(0, nanos), nil
}
