package messaging

import (
	"context"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"messaging-service/internal/errs"
	"messaging-service/internal/gate"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

// CanMessage exposes the relationship gate to callers.
func (s *Service) CanMessage(ctx context.Context, callerID, recipientID string) (gate.Decision, error) {
	const op = "messaging.canMessage"
	if err := requireCaller(op, callerID); err != nil {
		return gate.Decision{}, err
	}
	if recipientID == "" {
		return gate.Decision{}, errs.E(op, errs.InvalidInput, "recipient id is required")
	}
	d, err := s.Gate.CanMessage(ctx, callerID, recipientID)
	if err != nil {
		return gate.Decision{}, fail(op, err)
	}
	observability.IncGateDecision(d.Allowed, string(d.Reason))
	return d, nil
}

// GetOrCreateDirect returns the id of the single direct conversation between
// caller and other, creating it on first use. The id is derived from the
// pair, so concurrent creators converge on one document. An existing
// conversation is returned as is, whatever its per-viewer state.
func (s *Service) GetOrCreateDirect(ctx context.Context, callerID, otherID string) (id string, err error) {
	const op = "messaging.getOrCreateDirect"
	ctx, span := observability.StartSpan(ctx, op, attribute.String("caller_id", callerID))
	defer func() { observability.EndSpan(span, err) }()

	conv, err := s.resolveDirect(ctx, op, callerID, otherID)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

func (s *Service) resolveDirect(ctx context.Context, op, callerID, otherID string) (models.Conversation, error) {
	if err := requireCaller(op, callerID); err != nil {
		return models.Conversation{}, err
	}
	if otherID == "" {
		return models.Conversation{}, errs.E(op, errs.InvalidInput, "recipient id is required")
	}

	d, err := s.CanMessage(ctx, callerID, otherID)
	if err != nil {
		return models.Conversation{}, err
	}
	switch d.Reason {
	case gate.ReasonSelfConversation:
		return models.Conversation{}, errs.E(op, errs.InvalidInput, "cannot start a conversation with yourself")
	case gate.ReasonBlocked:
		return models.Conversation{}, errs.E(op, errs.UserBlocked, "messaging between these accounts is blocked")
	}

	id := models.DirectConversationID(callerID, otherID)
	// The collapsed call outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.resolving.Do(id, func() (any, error) {
		return s.ensureDirect(shared, id, callerID, otherID)
	})
	if err != nil {
		return models.Conversation{}, fail(op, err)
	}
	return v.(models.Conversation).Clone(), nil
}

// ensureDirect creates the pair conversation if it is missing. Both members
// start hidden; the first delivered message decides where it surfaces.
func (s *Service) ensureDirect(ctx context.Context, id, a, b string) (models.Conversation, error) {
	conv, err := s.Conversations.Get(ctx, id)
	if err == nil {
		if !conv.IsPairOf(a, b) {
			return models.Conversation{}, errs.E("messaging.ensureDirect", errs.ConversationNotFound, "direct conversation id belongs to another pair")
		}
		return conv, nil
	}

	names := models.NameMap{}
	for _, accountID := range []string{a, b} {
		acc, err := s.Identity.GetAccount(ctx, accountID)
		if err != nil {
			return models.Conversation{}, err
		}
		names[accountID] = acc.Name()
	}

	ids := pq.StringArray{a, b}
	if b < a {
		ids = pq.StringArray{b, a}
	}
	conv, created, err := s.Conversations.CreateIfAbsent(ctx, models.Conversation{
		ID:               id,
		ParticipantIDs:   ids,
		ParticipantNames: names,
	}, []models.ParticipantState{
		{AccountID: ids[0], Status: models.StatusHidden},
		{AccountID: ids[1], Status: models.StatusHidden},
	})
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.IsPairOf(a, b) {
		return models.Conversation{}, errs.E("messaging.ensureDirect", errs.ConversationNotFound, "direct conversation id belongs to another pair")
	}
	if created {
		s.Logger.Debug().Str("conversation_id", id).Msg("direct conversation created")
	}
	return conv, nil
}
