package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/retailassist/session-server-go/internal/model"
	redisclient "github.com/retailassist/session-server-go/internal/redis"
)

// retentionGrace keeps entries around past their expiry so a late lookup
// sees an expired session rather than a miss.
const retentionGrace = 24 * time.Hour

var dropIdentityScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis shares the registry between processes. Numbers inside session data
// come back as float64 after the JSON round trip.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

func (r *Redis) GetByToken(ctx context.Context, token string) (*model.Session, error) {
	raw, err := r.client.Get(ctx, redisclient.SessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var s model.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Data == nil {
		s.Data = model.Data{}
	}
	return &s, nil
}

func (r *Redis) GetByIdentity(ctx context.Context, identityKey string) (*model.Session, error) {
	token, err := r.client.Get(ctx, redisclient.IdentityKey(identityKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return r.GetByToken(ctx, token)
}

func (r *Redis) Put(ctx context.Context, s *model.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	ttl := s.ExpiresAt.Sub(r.now()) + retentionGrace
	if ttl <= 0 {
		ttl = time.Second
	}

	keys := s.Identity().Keys()
	if s.Status == model.SessionStatusActive {
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisclient.SessionKey(s.Token), raw, ttl)
			for _, key := range keys {
				pipe.Set(ctx, redisclient.IdentityKey(key), s.Token, ttl)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("put session: %w", err)
		}
		return nil
	}

	if err := r.client.Set(ctx, redisclient.SessionKey(s.Token), raw, ttl).Err(); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	for _, key := range keys {
		if err := dropIdentityScript.Run(ctx, r.client, []string{redisclient.IdentityKey(key)}, s.Token).Err(); err != nil {
			return fmt.Errorf("drop identity: %w", err)
		}
	}
	return nil
}

// Purge is a no-op: key TTLs reclaim memory on the Redis side.
func (r *Redis) Purge(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
