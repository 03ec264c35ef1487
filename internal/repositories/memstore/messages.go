package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

var epoch = time.Unix(0, 0).UTC()

// Messages is the in-memory MessageRepository.
type Messages struct {
	mu     sync.RWMutex
	clock  *clock
	byID   map[string]models.Message
	byConv map[string][]string
}

func newMessages(c *clock) *Messages {
	return &Messages{
		clock:  c,
		byID:   make(map[string]models.Message),
		byConv: make(map[string][]string),
	}
}

func (s *Messages) CreateIfAbsent(_ context.Context, msg models.Message) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byID[msg.ID]; ok {
		return existing.Clone(), false, nil
	}

	stored := msg.Clone()
	stored.CreatedAt = s.clock.now()
	stored.EditedAt = nil
	stored.IsDeleted = false
	stored.IsPinned = false
	stored.IsStarred = false
	stored.Pending = false
	stored.Reactions = models.Reactions{}
	stored.ReadBy = models.ReadReceipts{}
	if stored.Attachments == nil {
		stored.Attachments = models.Attachments{}
	}
	stored.Version = 1

	s.byID[msg.ID] = stored
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.ID)
	return stored.Clone(), true, nil
}

func (s *Messages) Get(_ context.Context, id string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return msg.Clone(), nil
}

func (s *Messages) List(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id].Clone())
	}
	models.SortMessages(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Messages) CountFrom(_ context.Context, conversationID, senderID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.byConv[conversationID] {
		m := s.byID[id]
		if m.SenderID == senderID && !m.IsDeleted {
			n++
		}
	}
	return n, nil
}

func (s *Messages) Update(_ context.Context, id string, patch repositories.MessagePatch) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	if patch.Tombstone {
		msg = msg.Tombstone()
	} else {
		if patch.Text != nil {
			msg.Text = *patch.Text
		}
		if patch.IsPinned != nil {
			msg.IsPinned = *patch.IsPinned
		}
		if patch.IsStarred != nil {
			msg.IsStarred = *patch.IsStarred
		}
	}
	if patch.EditedAt != nil {
		t := *patch.EditedAt
		msg.EditedAt = &t
	}
	msg.Version++
	s.byID[id] = msg
	return msg.Clone(), nil
}

func (s *Messages) SetReaction(_ context.Context, id, accountID, emoji string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	msg = msg.Clone()
	if emoji == "" {
		delete(msg.Reactions, accountID)
	} else {
		msg.Reactions[accountID] = emoji
	}
	msg.Version++
	s.byID[id] = msg
	return msg.Clone(), nil
}

func (s *Messages) MarkRead(_ context.Context, conversationID, readerID string, at time.Time) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []models.Message
	for _, id := range s.byConv[conversationID] {
		msg := s.byID[id]
		if msg.SenderID == readerID {
			continue
		}
		if _, seen := msg.ReadBy[readerID]; seen {
			continue
		}
		msg = msg.Clone()
		msg.ReadBy[readerID] = at
		msg.Version++
		s.byID[id] = msg
		changed = append(changed, msg.Clone())
	}
	models.SortMessages(changed)
	return changed, nil
}

func cloneState(st models.ParticipantState) models.ParticipantState {
	if st.LastReadAt != nil {
		t := *st.LastReadAt
		st.LastReadAt = &t
	}
	return st
}

func sortStates(states []models.ParticipantState) {
	sort.Slice(states, func(i, j int) bool { return states[i].AccountID < states[j].AccountID })
}
