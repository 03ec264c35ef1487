package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"messaging-service/internal/models"
)

const accountCachePrefix = "messaging:account:"

// PrivacyReader reads only an account's privacy setting.
type PrivacyReader interface {
	GetPrivacy(ctx context.Context, id string) (models.Privacy, error)
}

// CachedIdentity serves account profiles from Redis and falls through to the
// wrapped repository on a miss. Only display fields are cached: the privacy
// setting is read from the wrapped repository on every call, and relationship
// edges are never cached, so the gate always decides on current data.
type CachedIdentity struct {
	next IdentityRepository
	rdb  *redis.Client
	ttl  time.Duration
	log  zerolog.Logger
}

// NewCachedIdentity wraps next with a Redis profile cache. Caching only pays
// off when next also implements PrivacyReader.
func NewCachedIdentity(next IdentityRepository, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedIdentity {
	return &CachedIdentity{next: next, rdb: rdb, ttl: ttl, log: log}
}

func (c *CachedIdentity) GetAccount(ctx context.Context, id string) (models.Account, error) {
	privacy, ok := c.next.(PrivacyReader)
	if !ok {
		return c.next.GetAccount(ctx, id)
	}

	key := accountCachePrefix + id
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var acc models.Account
		if jsonErr := json.Unmarshal(raw, &acc); jsonErr == nil {
			acc.AllowsMessagesFrom, err = privacy.GetPrivacy(ctx, id)
			if err != nil {
				return models.Account{}, err
			}
			return acc, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn().Err(err).Str("account_id", id).Msg("account cache read failed")
	}

	acc, err := c.next.GetAccount(ctx, id)
	if err != nil {
		return models.Account{}, err
	}
	profile := acc
	profile.AllowsMessagesFrom = ""
	if body, err := json.Marshal(profile); err == nil {
		if err := c.rdb.Set(ctx, key, body, c.ttl).Err(); err != nil {
			c.log.Warn().Err(err).Str("account_id", id).Msg("account cache write failed")
		}
	}
	return acc, nil
}

func (c *CachedIdentity) Follows(ctx context.Context, followerID, followeeID string) (bool, error) {
	return c.next.Follows(ctx, followerID, followeeID)
}

func (c *CachedIdentity) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	return c.next.IsBlocked(ctx, blockerID, blockedID)
}

func (c *CachedIdentity) Block(ctx context.Context, blockerID, blockedID string) error {
	return c.next.Block(ctx, blockerID, blockedID)
}
