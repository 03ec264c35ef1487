package messaging

import (
	"context"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/errs"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/repositories"
	"messaging-service/internal/repositories/memstore"
)

// hookedConversations lets a test run another operation at a chosen point
// inside a send. Hooks clear themselves once they have fired.
type hookedConversations struct {
	*memstore.Conversations
	mu              sync.Mutex
	beforeGet       func(ctx context.Context, conversationID, accountID string)
	beforeUpdate    func(ctx context.Context, accountID string, patch repositories.StatePatch)
	failOnCancelled bool
}

func (c *hookedConversations) GetState(ctx context.Context, conversationID, accountID string) (models.ParticipantState, error) {
	c.mu.Lock()
	hook := c.beforeGet
	c.beforeGet = nil
	c.mu.Unlock()
	if hook != nil {
		hook(ctx, conversationID, accountID)
	}
	return c.Conversations.GetState(ctx, conversationID, accountID)
}

func (c *hookedConversations) UpdateState(ctx context.Context, conversationID, accountID string, patch repositories.StatePatch) (models.ParticipantState, error) {
	c.mu.Lock()
	hook := c.beforeUpdate
	c.mu.Unlock()
	if hook != nil {
		hook(ctx, accountID, patch)
	}
	return c.Conversations.UpdateState(ctx, conversationID, accountID, patch)
}

func (c *hookedConversations) CreateIfAbsent(ctx context.Context, conv models.Conversation, states []models.ParticipantState) (models.Conversation, bool, error) {
	if c.failOnCancelled && ctx.Err() != nil {
		return models.Conversation{}, false, ctx.Err()
	}
	return c.Conversations.CreateIfAbsent(ctx, conv, states)
}

func hook(h *harness) *hookedConversations {
	hc := &hookedConversations{Conversations: h.store.Conversations}
	h.svc.Conversations = hc
	return hc
}

func TestDeclineWhileRoutingRefusesSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hc := hook(h)

	_, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "hi"})
	require.NoError(t, err)
	id := models.DirectConversationID("u1", "u2")
	reqID := models.RequestID(id, "u1")

	hc.beforeGet = func(ctx context.Context, _, accountID string) {
		require.Equal(t, "u2", accountID)
		_, err := h.svc.Decline(ctx, "u2", reqID)
		require.NoError(t, err)
	}
	_, err = h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "again"})
	assert.Equal(t, errs.MessagesNotAllowed, errs.KindOf(err))

	req, err := h.store.Requests.Get(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestDeclined, req.State)
	assert.Equal(t, models.StatusHidden, h.state(t, id, "u2").Status)

	thread, err := h.svc.ListMessages(ctx, "u1", id, 0)
	require.NoError(t, err)
	assert.Len(t, thread, 1)
}

func TestDeclineBeforeRecipientWriteKeepsConversationHidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hc := hook(h)

	_, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "hi"})
	require.NoError(t, err)
	id := models.DirectConversationID("u1", "u2")
	reqID := models.RequestID(id, "u1")

	// Decline commits after the request was read as pending but before the
	// recipient is moved to the request list.
	hc.beforeUpdate = func(ctx context.Context, accountID string, patch repositories.StatePatch) {
		if accountID != "u2" || patch.Status == nil || *patch.Status != models.StatusRequest {
			return
		}
		hc.mu.Lock()
		hc.beforeUpdate = nil
		hc.mu.Unlock()
		_, err := h.svc.Decline(ctx, "u2", reqID)
		require.NoError(t, err)
	}
	_, err = h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "racing"})
	require.NoError(t, err)

	req, err := h.store.Requests.Get(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestDeclined, req.State)
	assert.Equal(t, models.StatusHidden, h.state(t, id, "u2").Status)

	reqs, err := h.svc.ListRequests(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, reqs)
	assert.Len(t, h.notify.ofType(notify.EventRequest), 1)

	_, err = h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "after"})
	assert.Equal(t, errs.MessagesNotAllowed, errs.KindOf(err))
}

func TestAcceptBeforeRecipientWriteSurfacesInInbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hc := hook(h)

	_, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "hi"})
	require.NoError(t, err)
	id := models.DirectConversationID("u1", "u2")
	reqID := models.RequestID(id, "u1")

	hc.beforeUpdate = func(ctx context.Context, accountID string, patch repositories.StatePatch) {
		if accountID != "u2" || patch.Status == nil || *patch.Status != models.StatusRequest {
			return
		}
		hc.mu.Lock()
		hc.beforeUpdate = nil
		hc.mu.Unlock()
		_, err := h.svc.Accept(ctx, "u2", reqID)
		require.NoError(t, err)
	}
	_, err = h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "racing"})
	require.NoError(t, err)

	st := h.state(t, id, "u2")
	assert.Equal(t, models.StatusActive, st.Status)
	assert.Equal(t, 2, st.UnreadCount)
}

func TestDirectIDsDoNotCollideAcrossPairs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"a_b", "c", "a", "b_c"} {
		h.store.Identity.Put(models.Account{ID: id})
	}

	first, err := h.svc.SendDirect(ctx, "a_b", "c", Draft{Text: "one"})
	require.NoError(t, err)
	second, err := h.svc.SendDirect(ctx, "a", "b_c", Draft{Text: "two"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ConversationID, second.ConversationID)

	thread, err := h.svc.ListMessages(ctx, "a", second.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, "two", thread[0].Text)

	_, err = h.svc.ListMessages(ctx, "a", first.ConversationID, 0)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
}

func TestResolveRejectsConversationOfAnotherPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := models.DirectConversationID("u1", "u2")
	_, _, err := h.store.Conversations.CreateIfAbsent(ctx, models.Conversation{
		ID:             id,
		ParticipantIDs: pq.StringArray{"u1", "u3"},
	}, []models.ParticipantState{{AccountID: "u1"}, {AccountID: "u3"}})
	require.NoError(t, err)

	_, err = h.svc.GetOrCreateDirect(ctx, "u1", "u2")
	assert.Equal(t, errs.ConversationNotFound, errs.KindOf(err))
}

func TestGetOrCreateDirectSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	hc := hook(h)
	hc.failOnCancelled = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id, err := h.svc.GetOrCreateDirect(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, models.DirectConversationID("u1", "u2"), id)
}
