package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"duochat/logger"
	"duochat/models"
)

const (
	presenceKeyPrefix = "presence:"
	onlineSetKey      = "online_users"
)

// RedisStore mirrors presence records into Redis in front of a durable
// store. Writes go to the durable store first; Redis failures are logged
// and reads fall back to the durable store.
type RedisStore struct {
	redis   *redis.Client
	durable Store
	log     *logger.Logger
	ttl     time.Duration
}

func NewRedisStore(client *redis.Client, durable Store, log *logger.Logger) *RedisStore {
	return &RedisStore{
		redis:   client,
		durable: durable,
		log:     log.With("component", "presence-redis"),
		ttl:     24 * time.Hour,
	}
}

// NewRedisClient parses url, selects db and checks the connection.
func NewRedisClient(ctx context.Context, url string, db int) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.DB = db

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (rs *RedisStore) SetPresence(ctx context.Context, identity string, online bool, at time.Time) error {
	if err := rs.durable.SetPresence(ctx, identity, online, at); err != nil {
		return err
	}

	rec := models.PresenceRecord{Identity: identity, Online: online, LastSeenAt: at.UTC()}
	if err := rs.cache(ctx, rec); err != nil {
		rs.log.Warn("Failed to mirror presence", "user", identity, "error", err)
	}
	return nil
}

func (rs *RedisStore) Presence(ctx context.Context, identity string) (models.PresenceRecord, error) {
	data, err := rs.redis.Get(ctx, presenceKeyPrefix+models.Fold(identity)).Result()
	if err == nil {
		var rec models.PresenceRecord
		if err := json.Unmarshal([]byte(data), &rec); err == nil {
			return rec, nil
		}
		rs.log.Warn("Corrupt presence record in redis", "user", identity)
	} else if err != redis.Nil {
		rs.log.Warn("Failed to read presence from redis", "user", identity, "error", err)
	}

	rec, err := rs.durable.Presence(ctx, identity)
	if err != nil {
		return rec, err
	}
	if err := rs.cache(ctx, rec); err != nil {
		rs.log.Debug("Failed to backfill presence", "user", identity, "error", err)
	}
	return rec, nil
}

// OnlineUsers lists folded identities currently marked online in Redis.
func (rs *RedisStore) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := rs.redis.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}
	return users, nil
}

func (rs *RedisStore) cache(ctx context.Context, rec models.PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal presence data: %w", err)
	}

	key := models.Fold(rec.Identity)
	pipe := rs.redis.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+key, data, rs.ttl)
	if rec.Online {
		pipe.SAdd(ctx, onlineSetKey, key)
	} else {
		pipe.SRem(ctx, onlineSetKey, key)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	return nil
}
