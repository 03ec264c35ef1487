// Package messaging is the conversation core. It routes first contact
// through message requests, keeps direct conversations unique per pair and
// manages group membership. Every write is followed by a change on the feed.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"messaging-service/internal/errs"
	"messaging-service/internal/feed"
	"messaging-service/internal/gate"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/repositories"
	"messaging-service/internal/typing"
)

const maxTextRunes = 5000

// Gatekeeper answers whether sender may message recipient.
type Gatekeeper interface {
	CanMessage(ctx context.Context, senderID, recipientID string) (gate.Decision, error)
}

// ChangePublisher receives every change after it is durable.
type ChangePublisher interface {
	Publish(ctx context.Context, ch feed.Change)
}

// Notifier dispatches push notifications without reporting failures.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

// Auditor records state-changing actions.
type Auditor interface {
	Record(ctx context.Context, actorID, action, conversationID, targetID, text string)
}

// Deps are the collaborators of a Service. Feed, Notifier, Audit and Typing
// may be nil.
type Deps struct {
	Conversations repositories.ConversationRepository
	Messages      repositories.MessageRepository
	Requests      repositories.RequestRepository
	Identity      repositories.IdentityRepository
	Gate          Gatekeeper
	Feed          ChangePublisher
	Notifier      Notifier
	Audit         Auditor
	Typing        typing.Store
	TypingLimiter *typing.Limiter
	Logger        zerolog.Logger
	HistoryLimit  int
	Now           func() time.Time
}

// Service implements the messaging operations. It is safe for concurrent use.
type Service struct {
	Deps
	resolving singleflight.Group
}

func New(d Deps) *Service {
	if d.Feed == nil {
		d.Feed = nopPublisher{}
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Audit == nil {
		d.Audit = nopAuditor{}
	}
	if d.Typing == nil {
		d.Typing = typing.NewMemoryStore(5 * time.Second)
	}
	if d.TypingLimiter == nil {
		d.TypingLimiter = typing.NewLimiter(2)
	}
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = 200
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{Deps: d}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, feed.Change) {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, notify.Event) {}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, string, string, string, string, string) {}

// fail converts a store error into a typed error. Lookups that miss map to
// the matching not-found kind; anything else is treated as transient.
func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.Error
	switch {
	case errors.As(err, &typed):
		return err
	case errors.Is(err, repositories.ErrConversationNotFound):
		return errs.Wrap(op, errs.ConversationNotFound, err)
	case errors.Is(err, repositories.ErrMessageNotFound):
		return errs.Wrap(op, errs.MessageNotFound, err)
	case errors.Is(err, repositories.ErrRequestNotFound), errors.Is(err, repositories.ErrAccountNotFound):
		return errs.Wrap(op, errs.InvalidInput, err)
	case errors.Is(err, repositories.ErrParticipantNotFound):
		return errs.Wrap(op, errs.PermissionDenied, err)
	default:
		return errs.Wrap(op, errs.NetworkError, err)
	}
}

func requireCaller(op, callerID string) error {
	if callerID == "" {
		return errs.E(op, errs.NotAuthenticated, "no caller identity")
	}
	return nil
}

// participantConversation loads a conversation the caller currently belongs to.
func (s *Service) participantConversation(ctx context.Context, op, callerID, conversationID string) (models.Conversation, error) {
	if err := requireCaller(op, callerID); err != nil {
		return models.Conversation{}, err
	}
	if conversationID == "" {
		return models.Conversation{}, errs.E(op, errs.InvalidInput, "conversation id is required")
	}
	conv, err := s.Conversations.Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, fail(op, err)
	}
	if !conv.HasParticipant(callerID) {
		return models.Conversation{}, errs.E(op, errs.PermissionDenied, "not a participant of this conversation")
	}
	return conv, nil
}

func (s *Service) publishMessage(ctx context.Context, msg models.Message) {
	m := msg.Clone()
	s.Feed.Publish(ctx, feed.Change{Topic: feed.ConversationTopic(msg.ConversationID), Kind: feed.KindUpsert, Message: &m})
}

func (s *Service) publishView(ctx context.Context, conv models.Conversation, st models.ParticipantState) {
	view := models.ConversationView{Conversation: conv.Clone(), State: st}
	s.Feed.Publish(ctx, feed.Change{Topic: feed.AccountTopic(st.AccountID), Kind: feed.KindUpsert, View: &view})
}

func (s *Service) publishRemoval(ctx context.Context, conv models.Conversation, accountID string) {
	view := models.ConversationView{
		Conversation: conv.Clone(),
		State:        models.ParticipantState{ConversationID: conv.ID, AccountID: accountID},
	}
	s.Feed.Publish(ctx, feed.Change{Topic: feed.AccountTopic(accountID), Kind: feed.KindRemove, View: &view})
}

func (s *Service) publishTyping(ctx context.Context, ev models.TypingEvent) {
	s.Feed.Publish(ctx, feed.Change{Topic: feed.ConversationTopic(ev.ConversationID), Kind: feed.KindTyping, Typing: &ev})
}

// publishViews sends the current view to each listed participant. States
// already known to the caller are reused; the rest are read back.
func (s *Service) publishViews(ctx context.Context, conv models.Conversation, accountIDs []string, known map[string]models.ParticipantState) {
	for _, id := range accountIDs {
		st, ok := known[id]
		if !ok {
			var err error
			st, err = s.Conversations.GetState(ctx, conv.ID, id)
			if err != nil {
				s.Logger.Warn().Err(err).Str("conversation_id", conv.ID).Str("account_id", id).Msg("view publish skipped")
				continue
			}
		}
		s.publishView(ctx, conv, st)
	}
}

// ConversationViews returns every view of the account, including hidden and
// deleted ones. Used to seed live subscriptions.
func (s *Service) ConversationViews(ctx context.Context, accountID string) ([]models.ConversationView, error) {
	views, err := s.Conversations.ListForAccount(ctx, accountID)
	return views, fail("messaging.conversationViews", err)
}

// ThreadMessages returns the recent history of a conversation without an
// access check. Used to seed live subscriptions.
func (s *Service) ThreadMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	msgs, err := s.Messages.List(ctx, conversationID, s.HistoryLimit)
	return msgs, fail("messaging.threadMessages", err)
}

// TypingIn returns who is typing in a conversation right now.
func (s *Service) TypingIn(ctx context.Context, conversationID string) ([]models.TypingEvent, error) {
	evs, err := s.Typing.Active(ctx, conversationID)
	return evs, fail("messaging.typingIn", err)
}
