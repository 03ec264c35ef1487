// Package livesync keeps ordered, live-updating projections of conversation
// lists and message threads. A subscription loads its scope once, then merges
// every change the feed delivers for it.
package livesync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"messaging-service/internal/errs"
	"messaging-service/internal/feed"
	"messaging-service/internal/models"
)

// Kind names what a subscription watches.
type Kind string

const (
	KindConversations Kind = "conversations"
	KindRequests      Kind = "requests"
	KindMessages      Kind = "messages"
)

// Scope is the subject of one subscription.
type Scope struct {
	Kind           Kind
	AccountID      string
	ConversationID string
}

// Conversations watches an account's inbox.
func Conversations(accountID string) Scope {
	return Scope{Kind: KindConversations, AccountID: accountID}
}

// Requests watches an account's pending message requests.
func Requests(accountID string) Scope {
	return Scope{Kind: KindRequests, AccountID: accountID}
}

// Messages watches one conversation's thread and typing indicators.
func Messages(conversationID string) Scope {
	return Scope{Kind: KindMessages, ConversationID: conversationID}
}

// MemberMessages watches a thread on behalf of one participant. The
// subscription requires membership when it starts and ends itself once the
// account is removed from the conversation.
func MemberMessages(accountID, conversationID string) Scope {
	return Scope{Kind: KindMessages, AccountID: accountID, ConversationID: conversationID}
}

// member reports whether a thread scope is tied to a participant.
func (s Scope) member() bool {
	return s.Kind == KindMessages && s.AccountID != ""
}

func (s Scope) topic() string {
	if s.Kind == KindMessages {
		return feed.ConversationTopic(s.ConversationID)
	}
	return feed.AccountTopic(s.AccountID)
}

func (s Scope) validate() error {
	const op = "livesync.subscribe"
	switch s.Kind {
	case KindConversations, KindRequests:
		if s.AccountID == "" {
			return errs.E(op, errs.InvalidInput, string(s.Kind)+" scope needs an account id")
		}
	case KindMessages:
		if s.ConversationID == "" {
			return errs.E(op, errs.InvalidInput, "messages scope needs a conversation id")
		}
	default:
		return errs.E(op, errs.InvalidInput, "unknown scope "+string(s.Kind))
	}
	return nil
}

// Snapshot is the ordered state of a scope at one point in time.
type Snapshot struct {
	Scope         Scope                     `json:"-"`
	Conversations []models.ConversationView `json:"conversations,omitempty"`
	Messages      []models.Message          `json:"messages,omitempty"`
	Typing        []models.TypingEvent      `json:"typing,omitempty"`
}

// Source loads the initial contents of a scope.
type Source interface {
	ConversationViews(ctx context.Context, accountID string) ([]models.ConversationView, error)
	ThreadMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	TypingIn(ctx context.Context, conversationID string) ([]models.TypingEvent, error)
}

// Synchronizer hands out subscriptions. It is safe for concurrent use.
type Synchronizer struct {
	bus *feed.Bus
	src Source
	log zerolog.Logger
	now func() time.Time
}

func New(bus *feed.Bus, src Source, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{bus: bus, src: src, log: log, now: time.Now}
}

// Subscribe starts watching scope. onChange receives the initial snapshot
// and then one snapshot per batch of merged changes, never concurrently.
// The subscription ends on Unsubscribe, when ctx is done or, for a member
// thread, when the account leaves the conversation.
func (s *Synchronizer) Subscribe(ctx context.Context, scope Scope, onChange func(Snapshot)) (*Subscription, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	sub := newSubscription(s, scope, onChange)

	// Listen before loading so nothing written during the load is missed;
	// stale buffered changes lose the version comparison.
	sub.cancelFeed = s.bus.Subscribe(scope.topic(), sub.enqueue)
	if scope.member() {
		cancelThread := sub.cancelFeed
		cancelAccount := s.bus.Subscribe(feed.AccountTopic(scope.AccountID), sub.enqueueRemoval)
		sub.cancelFeed = func() {
			cancelThread()
			cancelAccount()
		}
	}

	if err := sub.load(ctx); err != nil {
		sub.cancelFeed()
		return nil, err
	}
	sub.start(ctx)
	s.log.Debug().Str("scope", string(scope.Kind)).Str("topic", scope.topic()).Msg("live subscription started")
	return sub, nil
}

// Echo shows msg in local thread subscriptions as a pending write.
func (s *Synchronizer) Echo(msg models.Message) {
	m := msg.Clone()
	m.Pending = true
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	s.bus.Deliver(feed.Change{Topic: feed.ConversationTopic(m.ConversationID), Kind: feed.KindUpsert, Message: &m})
}

// Retract withdraws a pending echo. Authoritative copies are unaffected.
func (s *Synchronizer) Retract(msg models.Message) {
	m := msg.Clone()
	m.Pending = true
	s.bus.Deliver(feed.Change{Topic: feed.ConversationTopic(m.ConversationID), Kind: feed.KindRemove, Message: &m})
}

// SendWithEcho echoes msg, runs send and reconciles the result. On failure
// the echo is retracted and the error returned.
func (s *Synchronizer) SendWithEcho(ctx context.Context, msg models.Message, send func(context.Context) (models.Message, error)) (models.Message, error) {
	s.Echo(msg)
	stored, err := send(ctx)
	if err != nil {
		s.Retract(msg)
		return models.Message{}, err
	}
	confirmed := stored.Clone()
	s.bus.Deliver(feed.Change{Topic: feed.ConversationTopic(stored.ConversationID), Kind: feed.KindUpsert, Message: &confirmed})
	return stored, nil
}
