// Package notify tells accounts that something happened in a conversation.
// Dispatch is fire-and-forget: failures are logged and counted, never
// returned to the caller that triggered them.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"messaging-service/internal/observability"
)

// EventType names what happened.
type EventType string

const (
	EventMessage         EventType = "message"
	EventRequest         EventType = "message_request"
	EventRequestAccepted EventType = "message_request_accepted"
	EventGroupAdded      EventType = "group_added"
	EventReaction        EventType = "reaction"
)

// Event is the payload handed to the push pipeline.
type Event struct {
	Type           EventType `json:"type"`
	AccountID      string    `json:"account_id"`
	ActorID        string    `json:"actor_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher is the transport the dispatcher writes to.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Dispatcher publishes notification events in the background.
type Dispatcher struct {
	pub     Publisher
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher returns a dispatcher that gives each publish timeout to finish.
func NewDispatcher(pub Publisher, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{pub: pub, timeout: timeout, log: log}
}

// Notify queues ev and returns immediately. The caller's context only
// contributes values; its cancellation does not abort the publish.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	if d == nil || d.pub == nil || ev.AccountID == "" {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.pub.Publish(pubCtx, "notify."+string(ev.Type), ev); err != nil {
			observability.IncNotifyFailure(string(ev.Type))
			d.log.Warn().Err(err).
				Str("event_type", string(ev.Type)).
				Str("account_id", ev.AccountID).
				Str("conversation_id", ev.ConversationID).
				Msg("notification dispatch failed")
			return
		}
		observability.IncNotifySent(string(ev.Type))
	}()
}

// Wait blocks until queued notifications finish. Used at shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
