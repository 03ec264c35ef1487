package messaging

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"messaging-service/internal/errs"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/observability"
	"messaging-service/internal/repositories"
)

// RequestView pairs a request with the conversation it gates.
type RequestView struct {
	Request      models.MessageRequest `json:"request"`
	Conversation models.Conversation   `json:"conversation"`
}

// ListRequests returns the caller's pending incoming requests, newest first.
func (s *Service) ListRequests(ctx context.Context, callerID string) ([]RequestView, error) {
	const op = "messaging.listRequests"
	if err := requireCaller(op, callerID); err != nil {
		return nil, err
	}
	reqs, err := s.Requests.ListForRecipient(ctx, callerID, models.RequestPending)
	if err != nil {
		return nil, fail(op, err)
	}
	out := make([]RequestView, 0, len(reqs))
	for _, r := range reqs {
		conv, err := s.Conversations.Get(ctx, r.ConversationID)
		if errors.Is(err, repositories.ErrConversationNotFound) {
			continue
		}
		if err != nil {
			return nil, fail(op, err)
		}
		out = append(out, RequestView{Request: r, Conversation: conv})
	}
	return out, nil
}

// loadIncoming returns a request addressed to the caller and its
// conversation.
func (s *Service) loadIncoming(ctx context.Context, op, callerID, requestID string) (models.MessageRequest, models.Conversation, error) {
	if err := requireCaller(op, callerID); err != nil {
		return models.MessageRequest{}, models.Conversation{}, err
	}
	if requestID == "" {
		return models.MessageRequest{}, models.Conversation{}, errs.E(op, errs.InvalidInput, "request id is required")
	}
	req, err := s.Requests.Get(ctx, requestID)
	if errors.Is(err, repositories.ErrRequestNotFound) {
		return models.MessageRequest{}, models.Conversation{}, errs.Wrap(op, errs.InvalidInput, err)
	}
	if err != nil {
		return models.MessageRequest{}, models.Conversation{}, fail(op, err)
	}
	if req.RecipientID != callerID {
		return models.MessageRequest{}, models.Conversation{}, errs.E(op, errs.PermissionDenied, "only the recipient can answer a request")
	}
	conv, err := s.participantConversation(ctx, op, callerID, req.ConversationID)
	if err != nil {
		return models.MessageRequest{}, models.Conversation{}, err
	}
	return req, conv, nil
}

// Accept moves the request to accepted and surfaces the
// conversation in the caller's inbox with everything the sender wrote so far
// counted as unread. Accepting twice is a no-op.
func (s *Service) Accept(ctx context.Context, callerID, requestID string) (st models.ParticipantState, err error) {
	const op = "messaging.accept"
	ctx, span := observability.StartSpan(ctx, op, attribute.String("request_id", requestID))
	defer func() { observability.EndSpan(span, err) }()

	req, conv, err := s.loadIncoming(ctx, op, callerID, requestID)
	if err != nil {
		return models.ParticipantState{}, err
	}
	switch req.State {
	case models.RequestAccepted:
		return s.stateOf(ctx, op, conv.ID, callerID)
	case models.RequestDeclined, models.RequestBlocked:
		return models.ParticipantState{}, errs.E(op, errs.InvalidInput, "request was already "+string(req.State))
	}

	req, moved, err := s.Requests.Transition(ctx, req.ID, models.RequestPending, models.RequestAccepted)
	if err != nil {
		return models.ParticipantState{}, fail(op, err)
	}
	if !moved {
		if req.State == models.RequestAccepted {
			return s.stateOf(ctx, op, conv.ID, callerID)
		}
		return models.ParticipantState{}, errs.E(op, errs.InvalidInput, "request was already "+string(req.State))
	}

	unread, err := s.Messages.CountFrom(ctx, conv.ID, req.SenderID)
	if err != nil {
		return models.ParticipantState{}, fail(op, err)
	}
	active := models.StatusActive
	revive := false
	st, err = s.Conversations.UpdateState(ctx, conv.ID, callerID, repositories.StatePatch{
		Status:      &active,
		IsDeleted:   &revive,
		UnreadCount: &unread,
	})
	if err != nil {
		return models.ParticipantState{}, fail(op, err)
	}

	observability.IncRequestTransition(string(models.RequestAccepted))
	s.publishView(ctx, conv, st)
	s.Audit.Record(ctx, callerID, "request.accepted", conv.ID, req.SenderID, "message request accepted")
	s.Notifier.Notify(ctx, notify.Event{Type: notify.EventRequestAccepted, AccountID: req.SenderID, ActorID: callerID, ConversationID: conv.ID})
	return st, nil
}

// Decline moves the request to declined and hides the conversation for the
// caller. Later messages from the sender are refused.
func (s *Service) Decline(ctx context.Context, callerID, requestID string) (models.ParticipantState, error) {
	const op = "messaging.decline"
	req, conv, err := s.loadIncoming(ctx, op, callerID, requestID)
	if err != nil {
		return models.ParticipantState{}, err
	}
	if req.State.Terminal() {
		return s.stateOf(ctx, op, conv.ID, callerID)
	}
	if _, moved, err := s.Requests.Transition(ctx, req.ID, models.RequestPending, models.RequestDeclined); err != nil {
		return models.ParticipantState{}, fail(op, err)
	} else if !moved {
		return s.stateOf(ctx, op, conv.ID, callerID)
	}

	st, err := s.hide(ctx, op, conv, callerID)
	if err != nil {
		return models.ParticipantState{}, err
	}
	observability.IncRequestTransition(string(models.RequestDeclined))
	s.Audit.Record(ctx, callerID, "request.declined", conv.ID, req.SenderID, "message request declined")
	return st, nil
}

// Block records a block against the request's sender, settles a pending
// request as blocked and hides the conversation for the caller. The block
// edge is written even when the request was already answered.
func (s *Service) Block(ctx context.Context, callerID, requestID string) (models.ParticipantState, error) {
	const op = "messaging.block"
	req, conv, err := s.loadIncoming(ctx, op, callerID, requestID)
	if err != nil {
		return models.ParticipantState{}, err
	}
	if err := s.Identity.Block(ctx, callerID, req.SenderID); err != nil {
		return models.ParticipantState{}, fail(op, err)
	}

	if req.State == models.RequestPending {
		_, moved, err := s.Requests.Transition(ctx, req.ID, models.RequestPending, models.RequestBlocked)
		if err != nil {
			return models.ParticipantState{}, fail(op, err)
		}
		if moved {
			observability.IncRequestTransition(string(models.RequestBlocked))
		}
	}

	st, err := s.hide(ctx, op, conv, callerID)
	if err != nil {
		return models.ParticipantState{}, err
	}
	s.Audit.Record(ctx, callerID, "account.blocked", conv.ID, req.SenderID, "sender blocked from message request")
	return st, nil
}

func (s *Service) hide(ctx context.Context, op string, conv models.Conversation, accountID string) (models.ParticipantState, error) {
	hidden := models.StatusHidden
	st, err := s.Conversations.UpdateState(ctx, conv.ID, accountID, repositories.StatePatch{Status: &hidden})
	if err != nil {
		return models.ParticipantState{}, fail(op, err)
	}
	s.publishView(ctx, conv, st)
	return st, nil
}

func (s *Service) stateOf(ctx context.Context, op, conversationID, accountID string) (models.ParticipantState, error) {
	st, err := s.Conversations.GetState(ctx, conversationID, accountID)
	if err != nil {
		return models.ParticipantState{}, fail(op, err)
	}
	return st, nil
}
