package messaging

import (
	"context"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// ListConversations returns the caller's inbox in list order: pinned first,
// then by latest activity. Requests, hidden and deleted conversations are
// left out.
func (s *Service) ListConversations(ctx context.Context, callerID string) ([]models.ConversationView, error) {
	const op = "messaging.listConversations"
	if err := requireCaller(op, callerID); err != nil {
		return nil, err
	}
	views, err := s.Conversations.ListForAccount(ctx, callerID)
	if err != nil {
		return nil, fail(op, err)
	}
	out := views[:0]
	for _, v := range views {
		if v.InInbox() {
			out = append(out, v)
		}
	}
	models.SortConversations(out)
	return out, nil
}

// GetConversation returns one conversation as the caller sees it.
func (s *Service) GetConversation(ctx context.Context, callerID, conversationID string) (models.ConversationView, error) {
	const op = "messaging.getConversation"
	conv, err := s.participantConversation(ctx, op, callerID, conversationID)
	if err != nil {
		return models.ConversationView{}, err
	}
	st, err := s.stateOf(ctx, op, conv.ID, callerID)
	if err != nil {
		return models.ConversationView{}, err
	}
	return models.ConversationView{Conversation: conv, State: st}, nil
}

func (s *Service) SetMuted(ctx context.Context, callerID, conversationID string, muted bool) (models.ParticipantState, error) {
	return s.patchState(ctx, "messaging.setMuted", callerID, conversationID, repositories.StatePatch{IsMuted: &muted})
}

func (s *Service) SetPinned(ctx context.Context, callerID, conversationID string, pinned bool) (models.ParticipantState, error) {
	return s.patchState(ctx, "messaging.setPinned", callerID, conversationID, repositories.StatePatch{IsPinned: &pinned})
}

func (s *Service) SetArchived(ctx context.Context, callerID, conversationID string, archived bool) (models.ParticipantState, error) {
	return s.patchState(ctx, "messaging.setArchived", callerID, conversationID, repositories.StatePatch{IsArchived: &archived})
}

// DeleteForMe hides the conversation from the caller's lists. Other members
// are unaffected and a new message brings it back.
func (s *Service) DeleteForMe(ctx context.Context, callerID, conversationID string) (models.ParticipantState, error) {
	deleted := true
	zero := 0
	return s.patchState(ctx, "messaging.deleteForMe", callerID, conversationID, repositories.StatePatch{IsDeleted: &deleted, UnreadCount: &zero})
}

// Restore undoes DeleteForMe.
func (s *Service) Restore(ctx context.Context, callerID, conversationID string) (models.ParticipantState, error) {
	deleted := false
	return s.patchState(ctx, "messaging.restore", callerID, conversationID, repositories.StatePatch{IsDeleted: &deleted})
}

func (s *Service) patchState(ctx context.Context, op, callerID, conversationID string, patch repositories.StatePatch) (models.ParticipantState, error) {
	conv, err := s.participantConversation(ctx, op, callerID, conversationID)
	if err != nil {
		return models.ParticipantState{}, err
	}
	st, err := s.Conversations.UpdateState(ctx, conv.ID, callerID, patch)
	if err != nil {
		return models.ParticipantState{}, fail(op, err)
	}
	s.publishView(ctx, conv, st)
	return st, nil
}
