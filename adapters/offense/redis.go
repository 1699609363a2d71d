package offense

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/elum-utils/aiocensor/models"
)

const defaultRedisPrefix = "aiocensor/offense/"

// RedisStore keeps offense records as JSON values in redis.
type RedisStore struct {
	Client *redis.Client
	prefix string
	// ttl bounds how long an idle record is kept. Zero keeps it forever.
	ttl time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("offense: redis client is nil")
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{Client: client, prefix: prefix, ttl: ttl}, nil
}

// NewRedisStoreFromURL dials redisURL and checks the connection.
func NewRedisStoreFromURL(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	return NewRedisStore(rdb, "", ttl)
}

func (s *RedisStore) key(k models.OffenseKey) string {
	return s.prefix + k.String()
}

func (s *RedisStore) Load(ctx context.Context, key models.OffenseKey) (models.OffenseRecord, bool, error) {
	raw, err := s.Client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return models.OffenseRecord{}, false, nil
	} else if err != nil {
		return models.OffenseRecord{}, false, err
	}
	var rec models.OffenseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.OffenseRecord{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) Save(ctx context.Context, rec models.OffenseRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, s.key(rec.Key()), raw, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key models.OffenseKey) error {
	return s.Client.Del(ctx, s.key(key)).Err()
}
