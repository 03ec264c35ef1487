package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"messaging-service/internal/logger"
	"messaging-service/internal/mocks"
)

func TestNotifyPublishesWithRoutingKey(t *testing.T) {
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "notify.message", mock.MatchedBy(func(ev Event) bool {
		return ev.AccountID == "u2" && ev.ConversationID == "c1" && !ev.OccurredAt.IsZero()
	})).Return(nil).Once()

	d := NewDispatcher(pub, time.Second, logger.Nop())
	d.Notify(context.Background(), Event{Type: EventMessage, AccountID: "u2", ActorID: "u1", ConversationID: "c1"})
	d.Wait()

	pub.AssertExpectations(t)
}

func TestNotifySwallowsFailures(t *testing.T) {
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "notify.message_request", mock.Anything).Return(errors.New("broker down")).Once()

	d := NewDispatcher(pub, time.Second, logger.Nop())
	assert.NotPanics(t, func() {
		d.Notify(context.Background(), Event{Type: EventRequest, AccountID: "u2"})
		d.Wait()
	})
	pub.AssertExpectations(t)
}

func TestNotifyIgnoresCanceledCaller(t *testing.T) {
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), "notify.message", mock.Anything).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDispatcher(pub, time.Second, logger.Nop())
	d.Notify(ctx, Event{Type: EventMessage, AccountID: "u2"})
	d.Wait()
	pub.AssertExpectations(t)
}

func TestNilDispatcherIsSafe(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() { d.Notify(context.Background(), Event{AccountID: "u1"}) })
}
