package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"messaging-service/internal/mocks"
)

func TestRecordPublishesEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "audit.messaging", mock.MatchedBy(func(env AuditEnvelope) bool {
		return env.RequestID == "req-1" &&
			env.UserID != nil && *env.UserID == "u2" &&
			env.Payload.Action == "request.accepted" &&
			env.Payload.ConversationID == "dm_u1_u2" &&
			env.Service == "messaging-service"
	})).Return(nil).Once()

	emitter := NewAuditEmitter(pub, "audit.messaging", "messaging-service", "test", zerolog.Nop())
	ctx := WithRequestID(context.Background(), "req-1")
	emitter.Record(ctx, "u2", "request.accepted", "dm_u1_u2", "u1", "accepted message request")

	pub.AssertExpectations(t)
}

func TestEmitSwallowsPublishError(t *testing.T) {
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "audit.messaging", mock.Anything).Return(errors.New("closed")).Once()

	emitter := NewAuditEmitter(pub, "audit.messaging", "messaging-service", "test", zerolog.Nop())
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "warn", "something", "", nil)
	})
	pub.AssertExpectations(t)
}

func TestNilEmitterIsSafe(t *testing.T) {
	var emitter *AuditEmitter
	assert.NotPanics(t, func() {
		emitter.Record(context.Background(), "u1", "group.rename", "grp_1", "", "")
	})
}
