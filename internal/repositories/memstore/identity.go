package memstore

import (
	"context"
	"sync"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

type edge struct{ from, to string }

// Identity is the in-memory IdentityRepository. Put and Follow seed it.
type Identity struct {
	mu       sync.RWMutex
	accounts map[string]models.Account
	follows  map[edge]bool
	blocks   map[edge]bool
}

// NewIdentity returns an empty identity store.
func NewIdentity() *Identity {
	return &Identity{
		accounts: make(map[string]models.Account),
		follows:  make(map[edge]bool),
		blocks:   make(map[edge]bool),
	}
}

// Put inserts or replaces an account.
func (s *Identity) Put(acc models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc.AllowsMessagesFrom == "" {
		acc.AllowsMessagesFrom = models.PrivacyEveryone
	}
	s.accounts[acc.ID] = acc
}

// Follow records that follower follows followee.
func (s *Identity) Follow(followerID, followeeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.follows[edge{followerID, followeeID}] = true
}

func (s *Identity) GetAccount(_ context.Context, id string) (models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return models.Account{}, repositories.ErrAccountNotFound
	}
	return acc, nil
}

func (s *Identity) Follows(_ context.Context, followerID, followeeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.follows[edge{followerID, followeeID}], nil
}

func (s *Identity) IsBlocked(_ context.Context, blockerID, blockedID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks[edge{blockerID, blockedID}], nil
}

func (s *Identity) Block(_ context.Context, blockerID, blockedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[edge{blockerID, blockedID}] = true
	return nil
}
