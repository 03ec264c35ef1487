// Package memstore is an in-process implementation of the repository
// interfaces. It backs development mode and tests and honours the same
// conditional-create and field-update semantics as the Postgres store.
package memstore

import (
	"sync"
	"time"

	"messaging-service/internal/repositories"
)

// Store bundles the in-memory repositories.
type Store struct {
	Conversations *Conversations
	Messages      *Messages
	Requests      *Requests
	Identity      *Identity
}

// New returns an empty store.
func New() *Store {
	clock := &clock{}
	return &Store{
		Conversations: newConversations(clock),
		Messages:      newMessages(clock),
		Requests:      newRequests(clock),
		Identity:      NewIdentity(),
	}
}

var (
	_ repositories.ConversationRepository = (*Conversations)(nil)
	_ repositories.MessageRepository      = (*Messages)(nil)
	_ repositories.RequestRepository      = (*Requests)(nil)
	_ repositories.IdentityRepository     = (*Identity)(nil)
)

// clock hands out strictly increasing timestamps at microsecond precision,
// matching what Postgres stores.
type clock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := time.Now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
