package typing

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"messaging-service/internal/models"
)

const keyPrefix = "messaging:typing:"

// RedisStore keeps one sorted set per conversation scored by expiry time, so
// expired members are trimmed on read.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore returns a Redis-backed Store.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Set(ctx context.Context, conversationID, accountID string, typing bool) (models.TypingEvent, error) {
	key := keyPrefix + conversationID
	ev := models.TypingEvent{ConversationID: conversationID, AccountID: accountID, Typing: typing}
	if !typing {
		return ev, s.rdb.ZRem(ctx, key, accountID).Err()
	}

	ev.ExpiresAt = time.Now().Add(s.ttl)
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ev.ExpiresAt.UnixMilli()), Member: accountID})
	pipe.Expire(ctx, key, s.ttl*2)
	_, err := pipe.Exec(ctx)
	return ev, err
}

func (s *RedisStore) Active(ctx context.Context, conversationID string) ([]models.TypingEvent, error) {
	key := keyPrefix + conversationID
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	if err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", now).Err(); err != nil {
		return nil, err
	}
	members, err := s.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.TypingEvent, 0, len(members))
	for _, m := range members {
		account, _ := m.Member.(string)
		out = append(out, models.TypingEvent{
			ConversationID: conversationID,
			AccountID:      account,
			Typing:         true,
			ExpiresAt:      time.UnixMilli(int64(m.Score)),
		})
	}
	sortEvents(out)
	return out, nil
}
