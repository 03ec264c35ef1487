package memstore

import (
	"context"
	"sync"

	"github.com/lib/pq"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// Conversations is the in-memory ConversationRepository.
type Conversations struct {
	mu     sync.RWMutex
	clock  *clock
	convs  map[string]models.Conversation
	states map[string]map[string]models.ParticipantState
}

func newConversations(c *clock) *Conversations {
	return &Conversations{
		clock:  c,
		convs:  make(map[string]models.Conversation),
		states: make(map[string]map[string]models.ParticipantState),
	}
}

func (s *Conversations) CreateIfAbsent(_ context.Context, conv models.Conversation, states []models.ParticipantState) (models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.convs[conv.ID]; ok {
		return existing.Clone(), false, nil
	}

	now := s.clock.now()
	stored := conv.Clone()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.LastMessageAt = epoch
	stored.LastMessagePreview = ""
	stored.LastSenderID = ""
	stored.Version = 1
	if stored.ParticipantNames == nil {
		stored.ParticipantNames = models.NameMap{}
	}
	s.convs[conv.ID] = stored

	rows := make(map[string]models.ParticipantState, len(states))
	for _, st := range states {
		if _, dup := rows[st.AccountID]; dup {
			continue
		}
		rows[st.AccountID] = models.ParticipantState{
			ConversationID: conv.ID,
			AccountID:      st.AccountID,
			Status:         st.Status,
			Version:        1,
		}
	}
	s.states[conv.ID] = rows
	return stored.Clone(), true, nil
}

func (s *Conversations) Get(_ context.Context, id string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return conv.Clone(), nil
}

func (s *Conversations) GetState(_ context.Context, conversationID, accountID string) (models.ParticipantState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[conversationID][accountID]
	if !ok {
		return models.ParticipantState{}, repositories.ErrParticipantNotFound
	}
	return cloneState(st), nil
}

func (s *Conversations) ListStates(_ context.Context, conversationID string) ([]models.ParticipantState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.states[conversationID]
	out := make([]models.ParticipantState, 0, len(rows))
	for _, st := range rows {
		out = append(out, cloneState(st))
	}
	sortStates(out)
	return out, nil
}

func (s *Conversations) ListForAccount(_ context.Context, accountID string) ([]models.ConversationView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConversationView
	for id, conv := range s.convs {
		if !conv.HasParticipant(accountID) {
			continue
		}
		st, ok := s.states[id][accountID]
		if !ok {
			continue
		}
		out = append(out, models.ConversationView{Conversation: conv.Clone(), State: cloneState(st)})
	}
	models.SortConversations(out)
	return out, nil
}

func (s *Conversations) RecordMessage(_ context.Context, conversationID string, msg models.Message) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	if !msg.CreatedAt.Before(conv.LastMessageAt) {
		conv.LastMessagePreview = msg.Preview()
		conv.LastSenderID = msg.SenderID
		conv.LastMessageAt = msg.CreatedAt
	}
	conv.UpdatedAt = s.clock.now()
	conv.Version++
	s.convs[conversationID] = conv
	return conv.Clone(), nil
}

func (s *Conversations) UpdateState(_ context.Context, conversationID, accountID string, patch repositories.StatePatch) (models.ParticipantState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[conversationID][accountID]
	if !ok {
		return models.ParticipantState{}, repositories.ErrParticipantNotFound
	}
	if patch.IsMuted != nil {
		st.IsMuted = *patch.IsMuted
	}
	if patch.IsPinned != nil {
		st.IsPinned = *patch.IsPinned
	}
	if patch.IsArchived != nil {
		st.IsArchived = *patch.IsArchived
	}
	if patch.IsDeleted != nil {
		st.IsDeleted = *patch.IsDeleted
	}
	if patch.Status != nil {
		st.Status = *patch.Status
	}
	if patch.UnreadCount != nil {
		st.UnreadCount = *patch.UnreadCount
	}
	st.UnreadCount += patch.UnreadDelta
	if st.UnreadCount < 0 {
		st.UnreadCount = 0
	}
	if patch.LastReadAt != nil {
		t := *patch.LastReadAt
		st.LastReadAt = &t
	}
	st.Version++
	s.states[conversationID][accountID] = st
	return cloneState(st), nil
}

func (s *Conversations) AddParticipants(_ context.Context, conversationID string, ids []string, names models.NameMap) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	conv = conv.Clone()
	for _, id := range ids {
		if !conv.HasParticipant(id) {
			conv.ParticipantIDs = append(conv.ParticipantIDs, id)
		}
	}
	for id, name := range names {
		conv.ParticipantNames[id] = name
	}
	conv.UpdatedAt = s.clock.now()
	conv.Version++
	s.convs[conversationID] = conv

	rows := s.states[conversationID]
	if rows == nil {
		rows = make(map[string]models.ParticipantState)
		s.states[conversationID] = rows
	}
	for _, id := range ids {
		st, ok := rows[id]
		if !ok {
			st = models.ParticipantState{ConversationID: conversationID, AccountID: id}
		}
		st.Status = models.StatusActive
		st.IsDeleted = false
		st.Version++
		rows[id] = st
	}
	return conv.Clone(), nil
}

func (s *Conversations) RemoveParticipant(_ context.Context, conversationID, accountID string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	if !conv.HasParticipant(accountID) {
		return conv.Clone(), nil
	}
	conv = conv.Clone()
	conv.ParticipantIDs = pq.StringArray(conv.OtherParticipants(accountID))
	delete(conv.ParticipantNames, accountID)
	if conv.CreatorID == accountID {
		conv.CreatorID = ""
		if len(conv.ParticipantIDs) > 0 {
			conv.CreatorID = conv.ParticipantIDs[0]
		}
	}
	conv.UpdatedAt = s.clock.now()
	conv.Version++
	s.convs[conversationID] = conv
	return conv.Clone(), nil
}

func (s *Conversations) UpdateGroup(_ context.Context, conversationID string, patch repositories.GroupPatch) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	if patch.Name != nil {
		conv.GroupName = *patch.Name
	}
	if patch.Avatar != nil {
		conv.GroupAvatar = *patch.Avatar
	}
	conv.UpdatedAt = s.clock.now()
	conv.Version++
	s.convs[conversationID] = conv
	return conv.Clone(), nil
}

// Count reports how many conversations exist.
func (s *Conversations) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}
