package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/models"
)

type identityMock struct {
	mock.Mock
}

func (m *identityMock) GetAccount(ctx context.Context, id string) (models.Account, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.Account), args.Error(1)
}

func (m *identityMock) GetPrivacy(ctx context.Context, id string) (models.Privacy, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.Privacy), args.Error(1)
}

func (m *identityMock) Follows(ctx context.Context, followerID, followeeID string) (bool, error) {
	args := m.Called(ctx, followerID, followeeID)
	return args.Bool(0), args.Error(1)
}

func (m *identityMock) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	args := m.Called(ctx, blockerID, blockedID)
	return args.Bool(0), args.Error(1)
}

func (m *identityMock) Block(ctx context.Context, blockerID, blockedID string) error {
	return m.Called(ctx, blockerID, blockedID).Error(0)
}

// profileOnly hides GetPrivacy so the cache has no cheap privacy read.
type profileOnly struct {
	IdentityRepository
}

func newCache(t *testing.T, next IdentityRepository) (*CachedIdentity, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCachedIdentity(next, rdb, time.Minute, zerolog.Nop()), mr
}

func TestCachedIdentityServesProfileWithFreshPrivacy(t *testing.T) {
	ctx := context.Background()
	next := new(identityMock)
	cache, mr := newCache(t, next)

	next.On("GetAccount", mock.Anything, "u2").
		Return(models.Account{ID: "u2", DisplayName: "Two", AllowsMessagesFrom: models.PrivacyEveryone}, nil).Once()
	acc, err := cache.GetAccount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, models.PrivacyEveryone, acc.AllowsMessagesFrom)

	cached, err := mr.Get(accountCachePrefix + "u2")
	require.NoError(t, err)
	assert.NotContains(t, cached, "everyone")

	// The recipient switched to nobody after the profile was cached.
	next.On("GetPrivacy", mock.Anything, "u2").Return(models.PrivacyNobody, nil).Once()
	acc, err = cache.GetAccount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "Two", acc.DisplayName)
	assert.Equal(t, models.PrivacyNobody, acc.AllowsMessagesFrom)
	next.AssertExpectations(t)
}

func TestCachedIdentityWithoutPrivacyReaderPassesThrough(t *testing.T) {
	ctx := context.Background()
	next := new(identityMock)
	cache, mr := newCache(t, profileOnly{next})

	next.On("GetAccount", mock.Anything, "u2").
		Return(models.Account{ID: "u2", AllowsMessagesFrom: models.PrivacyFollowers}, nil).Twice()
	for i := 0; i < 2; i++ {
		acc, err := cache.GetAccount(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, models.PrivacyFollowers, acc.AllowsMessagesFrom)
	}
	assert.False(t, mr.Exists(accountCachePrefix+"u2"))
	next.AssertExpectations(t)
}

func TestCachedIdentityFallsThroughWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	next := new(identityMock)
	cache, mr := newCache(t, next)
	mr.Close()

	next.On("GetAccount", mock.Anything, "u2").Return(models.Account{ID: "u2", DisplayName: "Two"}, nil).Once()
	acc, err := cache.GetAccount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "Two", acc.DisplayName)
}

func TestCachedIdentityNeverCachesEdges(t *testing.T) {
	ctx := context.Background()
	next := new(identityMock)
	cache, _ := newCache(t, next)

	next.On("IsBlocked", mock.Anything, "u1", "u2").Return(false, nil).Once()
	next.On("IsBlocked", mock.Anything, "u1", "u2").Return(true, nil).Once()
	next.On("Block", mock.Anything, "u1", "u2").Return(nil).Once()

	blocked, err := cache.IsBlocked(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, blocked)
	require.NoError(t, cache.Block(ctx, "u1", "u2"))
	blocked, err = cache.IsBlocked(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.True(t, blocked)
	next.AssertExpectations(t)
}
