package livesync

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"messaging-service/internal/errs"
	"messaging-service/internal/feed"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

type viewEntry struct {
	view    models.ConversationView
	removed bool
}

// Subscription is one live cursor over a scope.
type Subscription struct {
	owner    *Synchronizer
	scope    Scope
	onChange func(Snapshot)

	cancelFeed func()

	qmu   sync.Mutex
	queue []feed.Change
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once

	// onChange runs only on the run goroutine.
	stopped atomic.Bool
	revoked atomic.Bool

	pmu    sync.RWMutex
	views  map[string]viewEntry
	msgs   map[string]models.Message
	typing map[string]models.TypingEvent
	timers map[string]*time.Timer
}

func newSubscription(s *Synchronizer, scope Scope, onChange func(Snapshot)) *Subscription {
	if onChange == nil {
		onChange = func(Snapshot) {}
	}
	return &Subscription{
		owner:    s,
		scope:    scope,
		onChange: onChange,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		views:    make(map[string]viewEntry),
		msgs:     make(map[string]models.Message),
		typing:   make(map[string]models.TypingEvent),
		timers:   make(map[string]*time.Timer),
	}
}

// Scope returns what the subscription watches.
func (sub *Subscription) Scope() Scope { return sub.scope }

// Unsubscribe stops the subscription. A delivery already under way, including
// one whose callback calls Unsubscribe, is left to finish; no later one
// starts. It is safe to call more than once.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.cancelFeed()
		sub.stopped.Store(true)
		close(sub.done)

		sub.pmu.Lock()
		for _, t := range sub.timers {
			t.Stop()
		}
		sub.pmu.Unlock()
		observability.DecLiveSubscriptions(string(sub.scope.Kind))
	})
}

// Revoked reports whether a member thread ended because the account was
// removed from the conversation.
func (sub *Subscription) Revoked() bool { return sub.revoked.Load() }

// Done is closed once the subscription has stopped.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

func (sub *Subscription) enqueue(ch feed.Change) {
	sub.qmu.Lock()
	sub.queue = append(sub.queue, ch)
	sub.qmu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// enqueueRemoval passes on only the removal of the watching account from the
// watched conversation.
func (sub *Subscription) enqueueRemoval(ch feed.Change) {
	if ch.Kind != feed.KindRemove || ch.View == nil || ch.View.ID != sub.scope.ConversationID {
		return
	}
	sub.enqueue(ch)
}

func (sub *Subscription) drain() []feed.Change {
	sub.qmu.Lock()
	defer sub.qmu.Unlock()
	out := sub.queue
	sub.queue = nil
	return out
}

func (sub *Subscription) load(ctx context.Context) error {
	src := sub.owner.src
	switch sub.scope.Kind {
	case KindMessages:
		if sub.scope.member() {
			if err := sub.checkMember(ctx); err != nil {
				return err
			}
		}
		msgs, err := src.ThreadMessages(ctx, sub.scope.ConversationID)
		if err != nil {
			return err
		}
		typing, err := src.TypingIn(ctx, sub.scope.ConversationID)
		if err != nil {
			return err
		}
		sub.pmu.Lock()
		for _, m := range msgs {
			sub.mergeMessage(m)
		}
		for _, ev := range typing {
			sub.mergeTyping(ev)
		}
		sub.pmu.Unlock()
	default:
		views, err := src.ConversationViews(ctx, sub.scope.AccountID)
		if err != nil {
			return err
		}
		sub.pmu.Lock()
		for _, v := range views {
			sub.mergeView(v)
		}
		sub.pmu.Unlock()
	}
	return nil
}

// checkMember closes the gap between an access check made before Subscribe
// and the feed registration: a removal in between is not on the feed.
func (sub *Subscription) checkMember(ctx context.Context) error {
	views, err := sub.owner.src.ConversationViews(ctx, sub.scope.AccountID)
	if err != nil {
		return err
	}
	for _, v := range views {
		if v.ID == sub.scope.ConversationID && v.HasParticipant(sub.scope.AccountID) {
			return nil
		}
	}
	return errs.E("livesync.subscribe", errs.PermissionDenied, "not a participant of this conversation")
}

func (sub *Subscription) start(ctx context.Context) {
	observability.IncLiveSubscriptions(string(sub.scope.Kind))
	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()
}

func (sub *Subscription) run() {
	sub.emit()
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}

		changed, revoked := false, false
		sub.pmu.Lock()
		for _, ch := range sub.drain() {
			// Changes queued behind the removal are never shown.
			if sub.scope.Kind == KindMessages && ch.View != nil {
				revoked = true
				break
			}
			if sub.apply(ch) {
				changed = true
			}
		}
		if !revoked && sub.pruneTyping() {
			changed = true
		}
		sub.pmu.Unlock()

		if revoked {
			sub.revoked.Store(true)
			sub.owner.log.Debug().Str("conversation_id", sub.scope.ConversationID).Str("account_id", sub.scope.AccountID).Msg("live thread revoked")
			sub.Unsubscribe()
			return
		}
		if changed {
			sub.emit()
		}
	}
}

func (sub *Subscription) emit() {
	if sub.stopped.Load() {
		return
	}
	sub.onChange(sub.Snapshot())
}

// Snapshot returns the current ordered state.
func (sub *Subscription) Snapshot() Snapshot {
	sub.pmu.RLock()
	defer sub.pmu.RUnlock()

	snap := Snapshot{Scope: sub.scope}
	switch sub.scope.Kind {
	case KindMessages:
		snap.Messages = make([]models.Message, 0, len(sub.msgs))
		for _, m := range sub.msgs {
			snap.Messages = append(snap.Messages, m.Clone())
		}
		models.SortMessages(snap.Messages)

		now := sub.owner.now()
		for _, ev := range sub.typing {
			if ev.ExpiresAt.After(now) {
				snap.Typing = append(snap.Typing, ev)
			}
		}
		sortTyping(snap.Typing)
	default:
		snap.Conversations = make([]models.ConversationView, 0, len(sub.views))
		for _, e := range sub.views {
			if e.removed || !sub.visible(e.view) {
				continue
			}
			v := e.view
			v.Conversation = v.Conversation.Clone()
			snap.Conversations = append(snap.Conversations, v)
		}
		models.SortConversations(snap.Conversations)
	}
	return snap
}

func (sub *Subscription) visible(v models.ConversationView) bool {
	if sub.scope.Kind == KindRequests {
		return v.InRequests()
	}
	return v.InInbox()
}

// apply merges one change. Callers hold pmu.
func (sub *Subscription) apply(ch feed.Change) bool {
	switch {
	case ch.View != nil:
		if ch.Kind == feed.KindRemove {
			return sub.removeView(*ch.View)
		}
		return sub.mergeView(*ch.View)
	case ch.Message != nil:
		if ch.Kind == feed.KindRemove {
			return sub.retractMessage(*ch.Message)
		}
		return sub.mergeMessage(*ch.Message)
	case ch.Typing != nil:
		return sub.mergeTyping(*ch.Typing)
	}
	return false
}

func (sub *Subscription) mergeView(v models.ConversationView) bool {
	cur, ok := sub.views[v.ID]
	if !ok {
		sub.views[v.ID] = viewEntry{view: v}
		return true
	}
	// Only a newer conversation document, such as a re-add, revives a
	// removed entry.
	if cur.removed && v.Conversation.Version <= cur.view.Conversation.Version {
		return false
	}
	merged, changed := cur.view.Merge(v)
	if !changed {
		return false
	}
	sub.views[v.ID] = viewEntry{view: merged}
	return true
}

// removeView keeps a tombstone so an older upsert arriving late cannot
// bring the conversation back.
func (sub *Subscription) removeView(v models.ConversationView) bool {
	cur, ok := sub.views[v.ID]
	if ok && cur.removed {
		return false
	}
	tomb := v
	if ok {
		tomb, _ = cur.view.Merge(v)
	}
	sub.views[v.ID] = viewEntry{view: tomb, removed: true}
	return ok && sub.visible(cur.view)
}

func (sub *Subscription) mergeMessage(m models.Message) bool {
	if m.ConversationID != sub.scope.ConversationID {
		return false
	}
	cur, ok := sub.msgs[m.ID]
	switch {
	case !ok:
	case m.Pending && !cur.Pending:
		return false
	case cur.Pending && !m.Pending:
	case cur.Version >= m.Version:
		return false
	}
	sub.msgs[m.ID] = m.Clone()
	return true
}

func (sub *Subscription) retractMessage(m models.Message) bool {
	cur, ok := sub.msgs[m.ID]
	if !ok || !cur.Pending {
		return false
	}
	delete(sub.msgs, m.ID)
	return true
}

func (sub *Subscription) mergeTyping(ev models.TypingEvent) bool {
	if ev.ConversationID != sub.scope.ConversationID {
		return false
	}
	if t, ok := sub.timers[ev.AccountID]; ok {
		t.Stop()
		delete(sub.timers, ev.AccountID)
	}
	_, had := sub.typing[ev.AccountID]
	if !ev.Typing {
		delete(sub.typing, ev.AccountID)
		return had
	}
	sub.typing[ev.AccountID] = ev
	wait := ev.ExpiresAt.Sub(sub.owner.now())
	if wait < 0 {
		wait = 0
	}
	sub.timers[ev.AccountID] = time.AfterFunc(wait+time.Millisecond, func() {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	})
	return true
}

func (sub *Subscription) pruneTyping() bool {
	now := sub.owner.now()
	pruned := false
	for id, ev := range sub.typing {
		if !ev.ExpiresAt.After(now) {
			delete(sub.typing, id)
			delete(sub.timers, id)
			pruned = true
		}
	}
	return pruned
}

func sortTyping(evs []models.TypingEvent) {
	sort.Slice(evs, func(i, j int) bool { return evs[i].AccountID < evs[j].AccountID })
}
