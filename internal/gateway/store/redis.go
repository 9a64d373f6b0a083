package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentgate/internal/gateway"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

const pendingKeyPrefix = "pending:task:"

// RedisPendingStore holds escalated requests in Redis so they survive a
// process restart. GETDEL makes Take an atomic claim across processes.
type RedisPendingStore struct {
	client *redis.Client
}

func NewRedisPendingStore(client *redis.Client) *RedisPendingStore {
	return &RedisPendingStore{client: client}
}

func (s *RedisPendingStore) Put(ctx context.Context, action gateway.PendingAction, ttl time.Duration) error {
	encoded, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode pending action: %w", err)
	}
	if err := s.client.Set(ctx, pendingKeyPrefix+action.TaskID.String(), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("store pending action: %w", err)
	}
	return nil
}

func (s *RedisPendingStore) Take(ctx context.Context, taskID id.TaskID) (*gateway.PendingAction, error) {
	encoded, err := s.client.GetDel(ctx, pendingKeyPrefix+taskID.String()).Bytes()
	if err == redis.Nil {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "pending action for task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending action: %w", err)
	}

	var action gateway.PendingAction
	if err := json.Unmarshal(encoded, &action); err != nil {
		return nil, fmt.Errorf("decode pending action: %w", err)
	}
	return &action, nil
}
