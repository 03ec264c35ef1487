// Package typing keeps ephemeral typing indicators. Nothing here is durable:
// entries expire on their own and lost updates are acceptable.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"messaging-service/internal/models"
)

// Store records who is typing in a conversation.
type Store interface {
	Set(ctx context.Context, conversationID, accountID string, typing bool) (models.TypingEvent, error)
	Active(ctx context.Context, conversationID string) ([]models.TypingEvent, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	convs map[string]map[string]time.Time
}

// NewMemoryStore returns a store whose entries live for ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, convs: make(map[string]map[string]time.Time)}
}

func (s *MemoryStore) Set(_ context.Context, conversationID, accountID string, typing bool) (models.TypingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := models.TypingEvent{ConversationID: conversationID, AccountID: accountID, Typing: typing}
	if !typing {
		delete(s.convs[conversationID], accountID)
		return ev, nil
	}
	if s.convs[conversationID] == nil {
		s.convs[conversationID] = make(map[string]time.Time)
	}
	ev.ExpiresAt = s.now().Add(s.ttl)
	s.convs[conversationID][accountID] = ev.ExpiresAt
	return ev, nil
}

func (s *MemoryStore) Active(_ context.Context, conversationID string) ([]models.TypingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []models.TypingEvent
	for account, exp := range s.convs[conversationID] {
		if !exp.After(now) {
			delete(s.convs[conversationID], account)
			continue
		}
		out = append(out, models.TypingEvent{ConversationID: conversationID, AccountID: account, Typing: true, ExpiresAt: exp})
	}
	sortEvents(out)
	return out, nil
}

func sortEvents(evs []models.TypingEvent) {
	sort.Slice(evs, func(i, j int) bool { return evs[i].AccountID < evs[j].AccountID })
}

// Limiter throttles typing updates per (conversation, account).
type Limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLimiter allows perSecond updates with a burst of one.
func NewLimiter(perSecond float64) *Limiter {
	return &Limiter{limit: rate.Limit(perSecond), burst: 1, buckets: make(map[string]*bucket)}
}

// Allow reports whether an update for key may go through.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) > 4096 {
			l.prune(now)
		}
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *Limiter) prune(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) > time.Minute {
			delete(l.buckets, k)
		}
	}
}
