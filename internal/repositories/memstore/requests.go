package memstore

import (
	"context"
	"sort"
	"sync"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// Requests is the in-memory RequestRepository.
type Requests struct {
	mu    sync.Mutex
	clock *clock
	byID  map[string]models.MessageRequest
}

func newRequests(c *clock) *Requests {
	return &Requests{clock: c, byID: make(map[string]models.MessageRequest)}
}

func (s *Requests) CreateIfAbsent(_ context.Context, req models.MessageRequest) (models.MessageRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byID[req.ID]; ok {
		return existing, false, nil
	}
	now := s.clock.now()
	req.CreatedAt = now
	req.UpdatedAt = now
	req.IsRead = false
	s.byID[req.ID] = req
	return req, true, nil
}

func (s *Requests) Get(_ context.Context, id string) (models.MessageRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byID[id]
	if !ok {
		return models.MessageRequest{}, repositories.ErrRequestNotFound
	}
	return req, nil
}

func (s *Requests) Transition(_ context.Context, id string, from, to models.RequestState) (models.MessageRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byID[id]
	if !ok {
		return models.MessageRequest{}, false, repositories.ErrRequestNotFound
	}
	if req.State != from {
		return req, false, nil
	}
	req.State = to
	req.UpdatedAt = s.clock.now()
	s.byID[id] = req
	return req, true, nil
}

func (s *Requests) ListForRecipient(_ context.Context, recipientID string, state models.RequestState) ([]models.MessageRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MessageRequest
	for _, req := range s.byID {
		if req.RecipientID == recipientID && req.State == state {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Requests) MarkRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byID[id]
	if !ok {
		return repositories.ErrRequestNotFound
	}
	req.IsRead = true
	s.byID[id] = req
	return nil
}
