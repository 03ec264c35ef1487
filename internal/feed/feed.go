// Package feed carries store changes to live subscribers. Publishers call
// Publish after a durable write; listeners receive every change on the topics
// they registered for.
package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"messaging-service/internal/models"
)

// Kind says how to merge a change.
type Kind string

const (
	KindUpsert Kind = "upsert"
	KindRemove Kind = "remove"
	KindTyping Kind = "typing"
)

// Change is one incremental update. Exactly one of View, Message and Typing
// is set.
type Change struct {
	Topic   string                   `json:"topic"`
	Kind    Kind                     `json:"kind"`
	View    *models.ConversationView `json:"view,omitempty"`
	Message *models.Message          `json:"message,omitempty"`
	Typing  *models.TypingEvent      `json:"typing,omitempty"`
	Origin  string                   `json:"origin,omitempty"`
}

// AccountTopic carries conversation views for one account.
func AccountTopic(accountID string) string { return "account:" + accountID }

// ConversationTopic carries messages and typing for one conversation.
func ConversationTopic(conversationID string) string { return "conversation:" + conversationID }

// Handler receives changes. It runs on the publisher's goroutine and must
// not block.
type Handler func(Change)

// Forwarder ships locally published changes to other instances.
type Forwarder interface {
	Forward(ctx context.Context, ch Change) error
}

// Bus is the in-process change feed.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]Handler
	next    uint64
	origin  string
	forward Forwarder
	log     zerolog.Logger
}

// NewBus returns a bus with a random origin id.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[uint64]Handler),
		origin: uuid.NewString(),
		log:    log,
	}
}

// Origin identifies this instance on the relay.
func (b *Bus) Origin() string { return b.origin }

// SetForwarder attaches a cross-instance relay.
func (b *Bus) SetForwarder(f Forwarder) {
	b.mu.Lock()
	b.forward = f
	b.mu.Unlock()
}

// Subscribe registers h for topic. The returned cancel is idempotent.
func (b *Bus) Subscribe(topic string, h Handler) (cancel func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers ch locally and forwards it to other instances.
func (b *Bus) Publish(ctx context.Context, ch Change) {
	if ch.Origin == "" {
		ch.Origin = b.origin
	}
	b.Deliver(ch)

	b.mu.RLock()
	f := b.forward
	b.mu.RUnlock()
	if f == nil {
		return
	}
	if err := f.Forward(ctx, ch); err != nil {
		b.log.Warn().Err(err).Str("topic", ch.Topic).Msg("feed forward failed")
	}
}

// Deliver hands ch to local listeners only.
func (b *Bus) Deliver(ch Change) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ch.Topic]))
	for _, h := range b.subs[ch.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ch)
	}
}

// Listeners reports how many handlers are registered for topic.
func (b *Bus) Listeners(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
