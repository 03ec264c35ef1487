package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/errs"
	"messaging-service/internal/feed"
	"messaging-service/internal/models"
)

type fakeSource struct {
	views  []models.ConversationView
	msgs   []models.Message
	typing []models.TypingEvent
	err    error
}

func (f *fakeSource) ConversationViews(context.Context, string) ([]models.ConversationView, error) {
	return f.views, f.err
}

func (f *fakeSource) ThreadMessages(context.Context, string) ([]models.Message, error) {
	return f.msgs, f.err
}

func (f *fakeSource) TypingIn(context.Context, string) ([]models.TypingEvent, error) {
	return f.typing, f.err
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}
	}
	return r.snaps[len(r.snaps)-1]
}

func (r *recorder) waitFor(t *testing.T, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(r.last()) }, time.Second, 5*time.Millisecond)
	return r.last()
}

func (r *recorder) seen(cond func(Snapshot) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.snaps {
		if cond(s) {
			return true
		}
	}
	return false
}

func message(id, conv string, at time.Time, version int64) models.Message {
	return models.Message{ID: id, ConversationID: conv, SenderID: "u1", Text: id, CreatedAt: at, Version: version}
}

func messageIDs(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func view(id, account string, convVersion, stateVersion int64, status models.ParticipantStatus, at time.Time) models.ConversationView {
	return models.ConversationView{
		Conversation: models.Conversation{ID: id, ParticipantIDs: []string{account, "other"}, LastMessageAt: at, Version: convVersion},
		State:        models.ParticipantState{ConversationID: id, AccountID: account, Status: status, Version: stateVersion},
	}
}

func newSync(src Source) (*Synchronizer, *feed.Bus) {
	bus := feed.NewBus(zerolog.Nop())
	return New(bus, src, zerolog.Nop()), bus
}

func publishMessage(bus *feed.Bus, m models.Message) {
	bus.Publish(context.Background(), feed.Change{Topic: feed.ConversationTopic(m.ConversationID), Kind: feed.KindUpsert, Message: &m})
}

func publishView(bus *feed.Bus, v models.ConversationView) {
	bus.Publish(context.Background(), feed.Change{Topic: feed.AccountTopic(v.State.AccountID), Kind: feed.KindUpsert, View: &v})
}

func TestSubscribeRejectsBadScope(t *testing.T) {
	s, _ := newSync(&fakeSource{})
	_, err := s.Subscribe(context.Background(), Scope{Kind: KindMessages}, nil)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
}

func TestSubscribeLoadFailureUnregisters(t *testing.T) {
	s, bus := newSync(&fakeSource{err: errors.New("store down")})
	_, err := s.Subscribe(context.Background(), Messages("c1"), nil)
	require.Error(t, err)
	assert.Equal(t, 0, bus.Listeners(feed.ConversationTopic("c1")))
}

func TestThreadOrderIndependentOfArrival(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{msgs: []models.Message{message("m3", "c1", base.Add(3*time.Second), 1)}}
	s, bus := newSync(src)

	rec := &recorder{}
	sub, err := s.Subscribe(context.Background(), Messages("c1"), rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	publishMessage(bus, message("m2", "c1", base.Add(2*time.Second), 1))
	publishMessage(bus, message("m1", "c1", base.Add(time.Second), 1))
	publishMessage(bus, message("m2b", "c1", base.Add(2*time.Second), 1))
	publishMessage(bus, message("x", "other", base, 1))

	snap := rec.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 4 })
	assert.Equal(t, []string{"m1", "m2", "m2b", "m3"}, messageIDs(snap.Messages))
}

func TestStaleMessageUpdateIgnored(t *testing.T) {
	at := time.Now()
	s, bus := newSync(&fakeSource{msgs: []models.Message{message("m1", "c1", at, 1)}})
	rec := &recorder{}
	sub, err := s.Subscribe(context.Background(), Messages("c1"), rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	edited := message("m1", "c1", at, 3)
	edited.Text = "edited"
	publishMessage(bus, edited)
	stale := message("m1", "c1", at, 2)
	stale.Text = "older"
	publishMessage(bus, stale)
	publishMessage(bus, message("m2", "c1", at.Add(time.Second), 1))

	snap := rec.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 2 })
	assert.Equal(t, "edited", snap.Messages[0].Text)
}

func TestEchoReconciledByAuthoritativeMessage(t *testing.T) {
	s, _ := newSync(&fakeSource{})
	rec := &recorder{}
	sub, err := s.Subscribe(context.Background(), Messages("c1"), rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	draft := models.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Text: "hi"}
	stored, err := s.SendWithEcho(context.Background(), draft, func(context.Context) (models.Message, error) {
		snap := rec.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 1 })
		assert.True(t, snap.Messages[0].Pending)

		out := draft
		out.CreatedAt = time.Now().Add(time.Minute)
		out.Version = 1
		return out, nil
	})
	require.NoError(t, err)
	assert.False(t, stored.Pending)

	snap := rec.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 1 && !s.Messages[0].Pending })
	assert.Equal(t, stored.CreatedAt, snap.Messages[0].CreatedAt)

	s.Echo(draft)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, sub.Snapshot().Messages[0].Pending)
}

func TestEchoRetractedOnFailure(t *testing.T) {
	s, _ := newSync(&fakeSource{})
	rec := &recorder{}
	sub, err := s.Subscribe(context.Background(), Messages("c1"), rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = s.SendWithEcho(context.Background(), models.Message{ID: "m1", ConversationID: "c1", Text: "x"}, func(context.Context) (models.Message, error) {
		rec.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 1 })
		return models.Message{}, errs.E("send", errs.NetworkError, "offline")
	})
	assert.Equal(t, errs.NetworkError, errs.KindOf(err))
	rec.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 0 })
}

func TestConversationScopesFilterAndOrder(t *testing.T) {
	base := time.Now()
	src := &fakeSource{views: []models.ConversationView{
		view("old", "u1", 1, 1, models.StatusActive, base.Add(-time.Hour)),
		view("new", "u1", 1, 1, models.StatusActive, base),
		view("req", "u1", 1, 1, models.StatusRequest, base),
		view("hidden", "u1", 1, 1, models.StatusHidden, base),
	}}
	s, bus := newSync(src)

	inbox, requests := &recorder{}, &recorder{}
	a, err := s.Subscribe(context.Background(), Conversations("u1"), inbox.record)
	require.NoError(t, err)
	defer a.Unsubscribe()
	b, err := s.Subscribe(context.Background(), Requests("u1"), requests.record)
	require.NoError(t, err)
	defer b.Unsubscribe()

	snap := inbox.waitFor(t, func(s Snapshot) bool { return len(s.Conversations) == 2 })
	assert.Equal(t, "new", snap.Conversations[0].ID)
	snap = requests.waitFor(t, func(s Snapshot) bool { return len(s.Conversations) == 1 })
	assert.Equal(t, "req", snap.Conversations[0].ID)

	pinned := view("old", "u1", 1, 2, models.StatusActive, base.Add(-time.Hour))
	pinned.State.IsPinned = true
	publishView(bus, pinned)
	accepted := view("req", "u1", 1, 2, models.StatusActive, base)
	publishView(bus, accepted)

	snap = inbox.waitFor(t, func(s Snapshot) bool { return len(s.Conversations) == 3 })
	assert.Equal(t, "old", snap.Conversations[0].ID)
	requests.waitFor(t, func(s Snapshot) bool { return len(s.Conversations) == 0 })

	publishView(bus, view("old", "u1", 1, 1, models.StatusActive, base.Add(-time.Hour)))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, a.Snapshot().Conversations[0].State.IsPinned)
}

func TestRemovalTombstoneBlocksLateUpsert(t *testing.T) {
	src := &fakeSource{views: []models.ConversationView{view("g1", "u1", 2, 1, models.StatusActive, time.Now())}}
	s, bus := newSync(src)
	rec := &recorder{}
	sub, err := s.Subscribe(context.Background(), Conversations("u1"), rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	rec.waitFor(t, func(s Snapshot) bool { return len(s.Conversations) == 1 })

	removal := view("g1", "u1", 3, 0, models.StatusActive, time.Now())
	bus.Publish(context.Background(), feed.Change{Topic: feed.AccountTopic("u1"), Kind: feed.KindRemove, View: &removal})
	rec.waitFor(t, func(s Snapshot) bool { return len(s.Conversations) == 0 })

	publishView(bus, view("g1", "u1", 2, 1, models.StatusActive, time.Now()))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sub.Snapshot().Conversations)

	publishView(bus, view("g1", "u1", 4, 2, models.StatusActive, time.Now()))
	rec.waitFor(t, func(s Snapshot) bool { return len(s.Conversations) == 1 })
}

func TestUnsubscribeIsIdempotentAndIndependent(t *testing.T) {
	s, bus := newSync(&fakeSource{})
	first, second := &recorder{}, &recorder{}
	a, err := s.Subscribe(context.Background(), Messages("c1"), first.record)
	require.NoError(t, err)
	b, err := s.Subscribe(context.Background(), Messages("c1"), second.record)
	require.NoError(t, err)
	defer b.Unsubscribe()

	require.Eventually(t, func() bool { return first.count() > 0 }, time.Second, 5*time.Millisecond)
	a.Unsubscribe()
	a.Unsubscribe()
	after := first.count()

	publishMessage(bus, message("m1", "c1", time.Now(), 1))
	second.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, first.count())
	assert.Equal(t, 1, bus.Listeners(feed.ConversationTopic("c1")))

	select {
	case <-a.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestContextCancelEndsSubscription(t *testing.T) {
	s, bus := newSync(&fakeSource{})
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.Subscribe(ctx, Messages("c1"), nil)
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}
	assert.Equal(t, 0, bus.Listeners(feed.ConversationTopic("c1")))
}

func TestTypingExpires(t *testing.T) {
	s, bus := newSync(&fakeSource{})
	rec := &recorder{}
	sub, err := s.Subscribe(context.Background(), Messages("c1"), rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ev := models.TypingEvent{ConversationID: "c1", AccountID: "u2", Typing: true, ExpiresAt: time.Now().Add(100 * time.Millisecond)}
	bus.Publish(context.Background(), feed.Change{Topic: feed.ConversationTopic("c1"), Kind: feed.KindTyping, Typing: &ev})

	require.Eventually(t, func() bool {
		return rec.seen(func(s Snapshot) bool { return len(s.Typing) == 1 })
	}, time.Second, 5*time.Millisecond)
	rec.waitFor(t, func(s Snapshot) bool { return len(s.Typing) == 0 })
}

func TestConcurrentViewHalvesBothSurvive(t *testing.T) {
	base := time.Now()
	src := &fakeSource{views: []models.ConversationView{view("c1", "u2", 1, 1, models.StatusActive, base)}}

	// A pin read the conversation at v1 and wrote state v3; an incoming
	// message moved the conversation to v2 and wrote state v2. The sums tie.
	incoming := view("c1", "u2", 2, 2, models.StatusActive, base.Add(time.Second))
	incoming.LastMessagePreview = "second"
	incoming.State.UnreadCount = 2
	pinned := view("c1", "u2", 1, 3, models.StatusActive, base)
	pinned.State.IsPinned = true
	pinned.State.UnreadCount = 2

	for name, order := range map[string][]models.ConversationView{
		"message first": {incoming, pinned},
		"pin first":     {pinned, incoming},
	} {
		t.Run(name, func(t *testing.T) {
			s, bus := newSync(src)
			rec := &recorder{}
			sub, err := s.Subscribe(context.Background(), Conversations("u2"), rec.record)
			require.NoError(t, err)
			defer sub.Unsubscribe()

			for _, v := range order {
				publishView(bus, v)
			}
			snap := rec.waitFor(t, func(s Snapshot) bool {
				return len(s.Conversations) == 1 && s.Conversations[0].State.IsPinned && s.Conversations[0].LastMessagePreview == "second"
			})
			assert.Equal(t, 2, snap.Conversations[0].State.UnreadCount)
			assert.EqualValues(t, 2, snap.Conversations[0].Version)
			assert.EqualValues(t, 3, snap.Conversations[0].State.Version)
		})
	}
}

func TestUnsubscribeFromCallback(t *testing.T) {
	s, bus := newSync(&fakeSource{})
	rec := &recorder{}
	var sub *Subscription
	// sub is assigned before the first message is published, and only a
	// snapshot carrying messages reads it.
	sub, err := s.Subscribe(context.Background(), Messages("c1"), func(snap Snapshot) {
		rec.record(snap)
		if len(snap.Messages) > 0 {
			sub.Unsubscribe()
		}
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() > 0 }, time.Second, 5*time.Millisecond)

	publishMessage(bus, message("m1", "c1", time.Now(), 1))
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}
	after := rec.count()

	publishMessage(bus, message("m2", "c1", time.Now(), 1))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, rec.count())
	assert.Equal(t, 0, bus.Listeners(feed.ConversationTopic("c1")))
}

func TestMemberThreadEndsOnRemoval(t *testing.T) {
	src := &fakeSource{views: []models.ConversationView{view("c1", "u3", 1, 1, models.StatusActive, time.Now())}}
	s, bus := newSync(src)
	rec := &recorder{}
	sub, err := s.Subscribe(context.Background(), MemberMessages("u3", "c1"), rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.Eventually(t, func() bool { return rec.count() > 0 }, time.Second, 5*time.Millisecond)

	// An unrelated removal on the account topic leaves the thread alone.
	other := view("c2", "u3", 2, 1, models.StatusActive, time.Now())
	bus.Publish(context.Background(), feed.Change{Topic: feed.AccountTopic("u3"), Kind: feed.KindRemove, View: &other})
	publishMessage(bus, message("m1", "c1", time.Now(), 1))
	rec.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 1 })

	removal := view("c1", "u3", 2, 0, models.StatusActive, time.Now())
	bus.Publish(context.Background(), feed.Change{Topic: feed.AccountTopic("u3"), Kind: feed.KindRemove, View: &removal})
	publishMessage(bus, message("m2", "c1", time.Now(), 1))

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("thread subscription outlived membership")
	}
	assert.True(t, sub.Revoked())
	assert.False(t, rec.seen(func(s Snapshot) bool { return len(s.Messages) == 2 }))
	assert.Equal(t, 0, bus.Listeners(feed.AccountTopic("u3")))
	assert.Equal(t, 0, bus.Listeners(feed.ConversationTopic("c1")))
}

func TestMemberThreadRequiresMembership(t *testing.T) {
	src := &fakeSource{views: []models.ConversationView{view("c2", "u3", 1, 1, models.StatusActive, time.Now())}}
	s, bus := newSync(src)

	_, err := s.Subscribe(context.Background(), MemberMessages("u3", "c1"), nil)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
	assert.Equal(t, 0, bus.Listeners(feed.AccountTopic("u3")))
	assert.Equal(t, 0, bus.Listeners(feed.ConversationTopic("c1")))

	plain, err := s.Subscribe(context.Background(), Messages("c1"), nil)
	require.NoError(t, err)
	plain.Unsubscribe()
	assert.False(t, plain.Revoked())
}
