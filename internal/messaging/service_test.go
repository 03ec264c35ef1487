package messaging

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/errs"
	"messaging-service/internal/feed"
	"messaging-service/internal/gate"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/repositories/memstore"
)

type recordedFeed struct {
	mu      sync.Mutex
	changes []feed.Change
}

func (r *recordedFeed) Publish(_ context.Context, ch feed.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ch)
}

func (r *recordedFeed) onTopic(topic string) []feed.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []feed.Change
	for _, ch := range r.changes {
		if ch.Topic == topic {
			out = append(out, ch)
		}
	}
	return out
}

type recordedNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordedNotifier) Notify(_ context.Context, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordedNotifier) ofType(t notify.EventType) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	svc    *Service
	store  *memstore.Store
	feed   *recordedFeed
	notify *recordedNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		store.Identity.Put(models.Account{ID: id, DisplayName: "User " + id})
	}
	h := &harness{store: store, feed: &recordedFeed{}, notify: &recordedNotifier{}}
	h.svc = New(Deps{
		Conversations: store.Conversations,
		Messages:      store.Messages,
		Requests:      store.Requests,
		Identity:      store.Identity,
		Gate:          gate.New(store.Identity),
		Feed:          h.feed,
		Notifier:      h.notify,
		Logger:        zerolog.Nop(),
	})
	return h
}

func (h *harness) mutual(a, b string) {
	h.store.Identity.Follow(a, b)
	h.store.Identity.Follow(b, a)
}

func (h *harness) state(t *testing.T, convID, accountID string) models.ParticipantState {
	t.Helper()
	st, err := h.store.Conversations.GetState(context.Background(), convID, accountID)
	require.NoError(t, err)
	return st
}

func TestGetOrCreateDirectConcurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ids := make(chan string, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		caller, other := "u1", "u2"
		if i%2 == 1 {
			caller, other = other, caller
		}
		go func() {
			defer wg.Done()
			id, err := h.svc.GetOrCreateDirect(ctx, caller, other)
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		assert.Equal(t, models.DirectConversationID("u1", "u2"), id)
	}
	assert.Equal(t, 1, h.store.Conversations.Count())
}

func TestGetOrCreateDirectLeavesExistingStateAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mutual("u1", "u2")

	_, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "hey"})
	require.NoError(t, err)
	id := models.DirectConversationID("u1", "u2")
	_, err = h.svc.DeleteForMe(ctx, "u1", id)
	require.NoError(t, err)

	got, err := h.svc.GetOrCreateDirect(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.True(t, h.state(t, id, "u1").IsDeleted)
}

func TestGetOrCreateDirectRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.GetOrCreateDirect(ctx, "u1", "u1")
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))

	_, err = h.svc.GetOrCreateDirect(ctx, "", "u2")
	assert.Equal(t, errs.NotAuthenticated, errs.KindOf(err))

	require.NoError(t, h.store.Identity.Block(ctx, "u2", "u1"))
	_, err = h.svc.GetOrCreateDirect(ctx, "u1", "u2")
	assert.Equal(t, errs.UserBlocked, errs.KindOf(err))
	assert.Equal(t, 0, h.store.Conversations.Count())
}

func TestSendDirectMutualDeliversToInbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mutual("u1", "u2")

	msg, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "hello"})
	require.NoError(t, err)
	assert.False(t, msg.CreatedAt.IsZero())

	id := models.DirectConversationID("u1", "u2")
	recipient := h.state(t, id, "u2")
	assert.Equal(t, models.StatusActive, recipient.Status)
	assert.Equal(t, 1, recipient.UnreadCount)
	assert.Equal(t, 0, h.state(t, id, "u1").UnreadCount)

	inbox, err := h.svc.ListConversations(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "hello", inbox[0].LastMessagePreview)

	assert.Len(t, h.notify.ofType(notify.EventMessage), 1)
	assert.NotEmpty(t, h.feed.onTopic(feed.ConversationTopic(id)))
	assert.NotEmpty(t, h.feed.onTopic(feed.AccountTopic("u2")))
}

func TestSendDirectOneWayFollowBecomesRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.Identity.Put(models.Account{ID: "u2", AllowsMessagesFrom: models.PrivacyFollowers})
	h.store.Identity.Follow("u1", "u2")

	_, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "hi"})
	require.NoError(t, err)

	id := models.DirectConversationID("u1", "u2")
	req, err := h.store.Requests.Get(ctx, models.RequestID(id, "u1"))
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.State)

	st := h.state(t, id, "u2")
	assert.Equal(t, models.StatusRequest, st.Status)
	assert.Equal(t, 0, st.UnreadCount)

	inbox, err := h.svc.ListConversations(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestColdStartMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.Identity.Put(models.Account{ID: "u2", AllowsMessagesFrom: models.PrivacyFollowers})
	h.store.Identity.Follow("u2", "u1")

	msg, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "Hi, would love to connect"})
	require.NoError(t, err)

	id := models.DirectConversationID("u1", "u2")
	thread, err := h.svc.ListMessages(ctx, "u1", id, 0)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, msg.ID, thread[0].ID)

	senderInbox, err := h.svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, senderInbox, 1)

	recipientInbox, err := h.svc.ListConversations(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, recipientInbox)

	reqs, err := h.svc.ListRequests(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "u1", reqs[0].Request.SenderID)
	assert.Equal(t, 0, h.state(t, id, "u2").UnreadCount)
	assert.Len(t, h.notify.ofType(notify.EventRequest), 1)
}

func TestSendDirectGateFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Identity.Put(models.Account{ID: "u2", AllowsMessagesFrom: models.PrivacyFollowers})
	_, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "hi"})
	assert.Equal(t, errs.FollowRequired, errs.KindOf(err))

	h.store.Identity.Put(models.Account{ID: "u3", AllowsMessagesFrom: models.PrivacyNobody})
	_, err = h.svc.SendDirect(ctx, "u1", "u3", Draft{Text: "hi"})
	assert.Equal(t, errs.MessagesNotAllowed, errs.KindOf(err))

	_, err = h.svc.SendDirect(ctx, "u1", "u4", Draft{Text: "   "})
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
	assert.False(t, errs.Retryable(err))
}

func TestAcceptIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "one"})
	require.NoError(t, err)
	_, err = h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "two"})
	require.NoError(t, err)
	id := models.DirectConversationID("u1", "u2")

	reqID := models.RequestID(id, "u1")

	_, err = h.svc.Accept(ctx, "u1", reqID)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
	_, err = h.svc.Accept(ctx, "u2", models.RequestID(id, "u2"))
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))

	first, err := h.svc.Accept(ctx, "u2", reqID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, first.Status)
	assert.Equal(t, 2, first.UnreadCount)

	second, err := h.svc.Accept(ctx, "u2", reqID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.UnreadCount, second.UnreadCount)

	thread, err := h.svc.ListMessages(ctx, "u2", id, 0)
	require.NoError(t, err)
	assert.Len(t, thread, 2)
	assert.Equal(t, 1, h.store.Conversations.Count())
	assert.Len(t, h.notify.ofType(notify.EventRequestAccepted), 1)

	_, err = h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "three"})
	require.NoError(t, err)
	assert.Equal(t, 3, h.state(t, id, "u2").UnreadCount)
}

func TestDeclineStopsFurtherMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "hi"})
	require.NoError(t, err)
	id := models.DirectConversationID("u1", "u2")

	reqID := models.RequestID(id, "u1")

	st, err := h.svc.Decline(ctx, "u2", reqID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHidden, st.Status)

	_, err = h.svc.Decline(ctx, "u2", reqID)
	require.NoError(t, err)

	_, err = h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "again"})
	assert.Equal(t, errs.MessagesNotAllowed, errs.KindOf(err))

	_, err = h.svc.Accept(ctx, "u2", reqID)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
}

func TestBlockAppliesBothWays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "hi"})
	require.NoError(t, err)
	id := models.DirectConversationID("u1", "u2")

	_, err = h.svc.Block(ctx, "u2", models.RequestID(id, "u1"))
	require.NoError(t, err)

	req, err := h.store.Requests.Get(ctx, models.RequestID(id, "u1"))
	require.NoError(t, err)
	assert.Equal(t, models.RequestBlocked, req.State)

	_, err = h.svc.Send(ctx, "u2", id, Draft{Text: "reply"})
	assert.Equal(t, errs.UserBlocked, errs.KindOf(err))
	_, err = h.svc.Send(ctx, "u1", id, Draft{Text: "again"})
	assert.Equal(t, errs.MessagesNotAllowed, errs.KindOf(err))
}

func TestReplySettlesIncomingRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "hi"})
	require.NoError(t, err)
	id := models.DirectConversationID("u1", "u2")

	_, err = h.svc.Send(ctx, "u2", id, Draft{Text: "hello back"})
	require.NoError(t, err)

	req, err := h.store.Requests.Get(ctx, models.RequestID(id, "u1"))
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, req.State)
	assert.Equal(t, models.StatusActive, h.state(t, id, "u1").Status)
	assert.Equal(t, models.StatusActive, h.state(t, id, "u2").Status)
}

func TestSendWithClientIDIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mutual("u1", "u2")

	first, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{ID: "m-1", Text: "once"})
	require.NoError(t, err)
	again, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{ID: "m-1", Text: "once"})
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, again.CreatedAt)
	id := models.DirectConversationID("u1", "u2")
	assert.Equal(t, 1, h.state(t, id, "u2").UnreadCount)

	h.mutual("u3", "u2")
	_, err = h.svc.SendDirect(ctx, "u3", "u2", Draft{ID: "m-1", Text: "stolen"})
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
}

func TestReplyMustStayInConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mutual("u1", "u2")
	h.mutual("u1", "u3")

	other, err := h.svc.SendDirect(ctx, "u1", "u3", Draft{Text: "elsewhere"})
	require.NoError(t, err)
	_, err = h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "reply", ReplyToMessageID: other.ID})
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))

	parent, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "parent"})
	require.NoError(t, err)
	reply, err := h.svc.SendDirect(ctx, "u2", "u1", Draft{Text: "child", ReplyToMessageID: parent.ID})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, reply.ReplyToMessageID)
}

func TestEditAndDeleteRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mutual("u1", "u2")

	msg, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "tpyo"})
	require.NoError(t, err)
	id := msg.ConversationID

	_, err = h.svc.Edit(ctx, "u2", msg.ID, "not mine")
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))

	_, err = h.svc.Edit(ctx, "u1", msg.ID, "typo")
	require.NoError(t, err)
	thread, err := h.svc.ListMessages(ctx, "u2", id, 0)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, "typo", thread[0].Text)
	assert.NotNil(t, thread[0].EditedAt)
	assert.Equal(t, msg.CreatedAt, thread[0].CreatedAt)

	_, err = h.svc.Delete(ctx, "u1", msg.ID)
	require.NoError(t, err)
	_, err = h.svc.Delete(ctx, "u1", msg.ID)
	require.NoError(t, err)

	thread, err = h.svc.ListMessages(ctx, "u2", id, 0)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.True(t, thread[0].IsDeleted)
	assert.Empty(t, thread[0].Text)
	assert.Equal(t, msg.CreatedAt, thread[0].CreatedAt)

	conv, err := h.store.Conversations.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, conv.LastMessagePreview)
}

func TestReactionReplaces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mutual("u1", "u2")

	msg, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "nice"})
	require.NoError(t, err)

	_, err = h.svc.React(ctx, "u2", msg.ID, "👍")
	require.NoError(t, err)
	got, err := h.svc.React(ctx, "u2", msg.ID, "❤️")
	require.NoError(t, err)
	assert.Equal(t, "❤️", got.Reactions["u2"])
	assert.Len(t, got.Reactions, 1)

	got, err = h.svc.React(ctx, "u2", msg.ID, "")
	require.NoError(t, err)
	assert.Empty(t, got.Reactions)

	_, err = h.svc.React(ctx, "u3", msg.ID, "👍")
	assert.Equal(t, errs.MessageNotFound, errs.KindOf(err))
	assert.Len(t, h.notify.ofType(notify.EventReaction), 2)
}

func TestMarkReadClearsUnread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mutual("u1", "u2")

	msg, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "read me"})
	require.NoError(t, err)

	st, err := h.svc.MarkRead(ctx, "u2", msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 0, st.UnreadCount)
	assert.NotNil(t, st.LastReadAt)

	got, err := h.store.Messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ReadBy, "u2")
}

func TestConversationFlags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mutual("u1", "u2")
	h.mutual("u1", "u3")

	a, err := h.svc.SendDirect(ctx, "u2", "u1", Draft{Text: "first"})
	require.NoError(t, err)
	_, err = h.svc.SendDirect(ctx, "u3", "u1", Draft{Text: "second"})
	require.NoError(t, err)

	_, err = h.svc.SetPinned(ctx, "u1", a.ConversationID, true)
	require.NoError(t, err)
	inbox, err := h.svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, a.ConversationID, inbox[0].ID)

	st, err := h.svc.SetMuted(ctx, "u1", a.ConversationID, true)
	require.NoError(t, err)
	assert.True(t, st.IsMuted)
	assert.True(t, st.IsPinned)

	_, err = h.svc.DeleteForMe(ctx, "u1", a.ConversationID)
	require.NoError(t, err)
	inbox, err = h.svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, inbox, 1)

	_, err = h.svc.SendDirect(ctx, "u2", "u1", Draft{Text: "back"})
	require.NoError(t, err)
	inbox, err = h.svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, inbox, 2)

	_, err = h.svc.SetArchived(ctx, "u4", a.ConversationID, true)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
}

func TestSetTypingPublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mutual("u1", "u2")
	msg, err := h.svc.SendDirect(ctx, "u1", "u2", Draft{Text: "hi"})
	require.NoError(t, err)

	require.NoError(t, h.svc.SetTyping(ctx, "u2", msg.ConversationID, true))
	active, err := h.svc.TypingIn(ctx, msg.ConversationID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "u2", active[0].AccountID)

	var typing int
	for _, ch := range h.feed.onTopic(feed.ConversationTopic(msg.ConversationID)) {
		if ch.Kind == feed.KindTyping {
			typing++
		}
	}
	assert.Equal(t, 1, typing)

	err = h.svc.SetTyping(ctx, "u3", msg.ConversationID, true)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
}
