package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/chatverse/internal/store"
)

// UserRecords mirrors presence onto the persisted user record.
type UserRecords struct {
	Users store.Users
}

func (u UserRecords) SavePresence(ctx context.Context, rec Record) error {
	return u.Users.UpdatePresence(ctx, rec.ParticipantID, string(rec.Status), rec.LastSeen)
}

func (u UserRecords) LoadPresence(ctx context.Context, participantID string) (Record, error) {
	user, err := u.Users.FindUser(ctx, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, ErrNotKnown
	}
	if err != nil {
		return Record{}, err
	}
	status := Status(user.Status)
	if status == "" {
		status = Offline
	}
	return Record{ParticipantID: user.ID, Status: status, LastSeen: user.LastSeen}, nil
}

// NewRedisClient connects and pings the presence cache.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     50,
		MaxIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Msg("Redis connection established successfully")
	return rdb, nil
}

// RedisCache keeps the latest record per participant in a hash that expires
// after ttl without further transitions.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func presenceKey(participantID string) string {
	return "presence:" + participantID
}

func (c *RedisCache) SavePresence(ctx context.Context, rec Record) error {
	key := presenceKey(rec.ParticipantID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"status", string(rec.Status),
			"lastSeen", rec.LastSeen.UTC().Format(time.RFC3339Nano),
		)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}
	return nil
}

func (c *RedisCache) LoadPresence(ctx context.Context, participantID string) (Record, error) {
	fields, err := c.rdb.HGetAll(ctx, presenceKey(participantID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("load presence: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotKnown
	}

	rec := Record{ParticipantID: participantID, Status: Status(fields["status"])}
	if raw := fields["lastSeen"]; raw != "" {
		seen, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Record{}, fmt.Errorf("load presence: %w", err)
		}
		rec.LastSeen = seen
	}
	return rec, nil
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
