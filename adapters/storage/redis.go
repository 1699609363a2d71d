package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "aiocensor/"

// RedisAdapter keeps rules in a set and the blacklist in a hash of
// user id to reason.
type RedisAdapter struct {
	Client *redis.Client
	prefix string
}

// NewRedisAdapter wraps an existing client.
func NewRedisAdapter(client *redis.Client, prefix string) (*RedisAdapter, error) {
	if client == nil {
		return nil, errors.New("storage: redis client is nil")
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisAdapter{Client: client, prefix: prefix}, nil
}

// NewRedisAdapterFromURL dials redisURL and checks the connection.
func NewRedisAdapterFromURL(ctx context.Context, redisURL string) (*RedisAdapter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	return NewRedisAdapter(rdb, "")
}

func (r *RedisAdapter) rulesKey() string     { return r.prefix + "rules" }
func (r *RedisAdapter) blacklistKey() string { return r.prefix + "blacklist" }

func (r *RedisAdapter) AddRule(ctx context.Context, rule string) error {
	return r.Client.SAdd(ctx, r.rulesKey(), rule).Err()
}

func (r *RedisAdapter) RemoveRule(ctx context.Context, rule string) error {
	return r.Client.SRem(ctx, r.rulesKey(), rule).Err()
}

func (r *RedisAdapter) GetRules(ctx context.Context) ([]string, error) {
	out, err := r.Client.SMembers(ctx, r.rulesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (r *RedisAdapter) RuleExists(ctx context.Context, rule string) (bool, error) {
	return r.Client.SIsMember(ctx, r.rulesKey(), rule).Result()
}

func (r *RedisAdapter) AddBlacklist(ctx context.Context, userID, reason string) error {
	return r.Client.HSet(ctx, r.blacklistKey(), userID, reason).Err()
}

func (r *RedisAdapter) RemoveBlacklist(ctx context.Context, userID string) error {
	return r.Client.HDel(ctx, r.blacklistKey(), userID).Err()
}

func (r *RedisAdapter) GetBlacklist(ctx context.Context) ([]string, error) {
	out, err := r.Client.HKeys(ctx, r.blacklistKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// BlacklistReason returns the stored reason for userID.
func (r *RedisAdapter) BlacklistReason(ctx context.Context, userID string) (string, bool, error) {
	reason, err := r.Client.HGet(ctx, r.blacklistKey(), userID).Result()
	if err == redis.Nil {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return reason, true, nil
}
