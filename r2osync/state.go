package r2osync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const stateKeyPrefix = "R2OState:"

// StateBinding is what a pending OAuth state remembers about the dashboard user
// who started the handshake. The provider redirect carries no session headers.
type StateBinding struct {
	TenantId string `json:"tenant_id"`
	Username string `json:"username"`
}

type StateStore interface {
	Save(ctx context.Context, state string, binding StateBinding, ttl time.Duration) error
	// Take returns and forgets the binding; a state is redeemable once.
	Take(ctx context.Context, state string) (StateBinding, bool, error)
}

// RedisStateStore keeps bindings under R2OState:<state>.
type RedisStateStore struct {
	Client func() *redis.Client
}

func (s RedisStateStore) client() (*redis.Client, error) {
	var c *redis.Client
	if s.Client != nil {
		c = s.Client()
	}
	if c == nil {
		return nil, fmt.Errorf("redis not connected: %w", ErrServiceUnavailable)
	}
	return c, nil
}

func (s RedisStateStore) Save(ctx context.Context, state string, binding StateBinding, ttl time.Duration) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(binding)
	if err != nil {
		return err
	}
	return c.Set(ctx, stateKeyPrefix+state, raw, ttl).Err()
}

func (s RedisStateStore) Take(ctx context.Context, state string) (StateBinding, bool, error) {
	c, err := s.client()
	if err != nil {
		return StateBinding{}, false, err
	}
	raw, err := c.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StateBinding{}, false, nil
		}
		return StateBinding{}, false, err
	}
	var binding StateBinding
	if err := json.Unmarshal(raw, &binding); err != nil {
		return StateBinding{}, false, err
	}
	return binding, true, nil
}
