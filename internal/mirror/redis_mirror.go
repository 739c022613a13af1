package mirror

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"

	"pharmapos/backend/internal/domain"
)

type RedisCartMirror struct {
	client *redis.Client
}

func NewRedisCartMirror(addr string, password string, db int) *RedisCartMirror {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCartMirror{client: client}
}

func (m *RedisCartMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisCartMirror) Close() error {
	return m.client.Close()
}

func cartKey(terminalID string) string {
	return "pos:cart:" + terminalID
}

func (m *RedisCartMirror) Load(ctx context.Context, terminalID string) (domain.MirroredCart, bool, error) {
	val, err := m.client.Get(ctx, cartKey(terminalID)).Result()
	if err == redis.Nil {
		return domain.MirroredCart{}, false, nil
	}
	if err != nil {
		return domain.MirroredCart{}, false, err
	}

	var snapshot domain.MirroredCart
	if err := json.Unmarshal([]byte(val), &snapshot); err != nil {
		return domain.MirroredCart{}, false, err
	}
	return snapshot, true, nil
}

// Save writes the snapshot with no TTL. The mirror is wiped explicitly on
// sale confirmation or cart clear, not by expiry.
func (m *RedisCartMirror) Save(ctx context.Context, snapshot domain.MirroredCart) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, cartKey(snapshot.TerminalID), payload, 0).Err()
}

func (m *RedisCartMirror) Clear(ctx context.Context, terminalID string) error {
	return m.client.Del(ctx, cartKey(terminalID)).Err()
}
