package messaging

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"messaging-service/internal/errs"
	"messaging-service/internal/gate"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/observability"
	"messaging-service/internal/repositories"
)

// Draft is an outgoing message. ID is optional; supplying one makes a retry
// of the same send return the stored message instead of writing twice.
type Draft struct {
	ID               string              `json:"id"`
	Text             string              `json:"text"`
	Attachments      []models.Attachment `json:"attachments"`
	ReplyToMessageID string              `json:"reply_to_message_id"`
}

type deliveryPath string

const (
	pathDirect  deliveryPath = "direct"
	pathRequest deliveryPath = "request"
	pathGroup   deliveryPath = "group"
)

func validateText(op, text string, attachments int) error {
	if strings.TrimSpace(text) == "" && attachments == 0 {
		return errs.E(op, errs.InvalidInput, "message must have text or an attachment")
	}
	if utf8.RuneCountInString(text) > maxTextRunes {
		return errs.E(op, errs.InvalidInput, "message text is too long")
	}
	return nil
}

func validateDraft(op string, d Draft) error {
	if err := validateText(op, d.Text, len(d.Attachments)); err != nil {
		return err
	}
	for _, a := range d.Attachments {
		if a.Ref == "" {
			return errs.E(op, errs.InvalidInput, "attachment reference is required")
		}
	}
	return nil
}

// SendDirect resolves the pair conversation and sends draft into it.
func (s *Service) SendDirect(ctx context.Context, senderID, recipientID string, draft Draft) (msg models.Message, err error) {
	const op = "messaging.sendDirect"
	ctx, span := observability.StartSpan(ctx, op, attribute.String("sender_id", senderID))
	defer func() { observability.EndSpan(span, err) }()

	if err := validateDraft(op, draft); err != nil {
		return models.Message{}, err
	}
	conv, err := s.resolveDirect(ctx, op, senderID, recipientID)
	if err != nil {
		return models.Message{}, err
	}
	return s.sendDirectIn(ctx, op, conv, senderID, recipientID, draft)
}

// Send writes draft into an existing conversation. It returns once the
// message is durable, carrying the server-assigned creation time.
func (s *Service) Send(ctx context.Context, senderID, conversationID string, draft Draft) (msg models.Message, err error) {
	const op = "messaging.send"
	ctx, span := observability.StartSpan(ctx, op, attribute.String("conversation_id", conversationID))
	defer func() { observability.EndSpan(span, err) }()

	if err := validateDraft(op, draft); err != nil {
		return models.Message{}, err
	}
	conv, err := s.participantConversation(ctx, op, senderID, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if conv.IsGroup {
		return s.sendGroup(ctx, op, conv, senderID, draft)
	}
	others := conv.OtherParticipants(senderID)
	if len(others) != 1 {
		return models.Message{}, errs.E(op, errs.InvalidInput, "direct conversation has no recipient")
	}
	return s.sendDirectIn(ctx, op, conv, senderID, others[0], draft)
}

// route decides whether a direct message is delivered to the inbox or held
// as a request. It returns the reverse request that the send implicitly
// accepts, if any.
func (s *Service) route(ctx context.Context, op string, conv models.Conversation, senderID, recipientID string) (deliveryPath, *models.MessageRequest, error) {
	outgoing, err := s.Requests.Get(ctx, models.RequestID(conv.ID, senderID))
	hasOutgoing := err == nil
	if err != nil && !errors.Is(err, repositories.ErrRequestNotFound) {
		return "", nil, fail(op, err)
	}
	if hasOutgoing && outgoing.State.Rejected() {
		return "", nil, errs.E(op, errs.MessagesNotAllowed, "this account is not accepting your messages")
	}

	d, err := s.CanMessage(ctx, senderID, recipientID)
	if err != nil {
		return "", nil, err
	}
	if d.Reason == gate.ReasonBlocked {
		return "", nil, errs.E(op, errs.UserBlocked, "messaging between these accounts is blocked")
	}

	var reverse *models.MessageRequest
	incoming, err := s.Requests.Get(ctx, models.RequestID(conv.ID, recipientID))
	switch {
	case err == nil && incoming.State == models.RequestPending:
		reverse = &incoming
	case err != nil && !errors.Is(err, repositories.ErrRequestNotFound):
		return "", nil, fail(op, err)
	}

	recipientState, err := s.Conversations.GetState(ctx, conv.ID, recipientID)
	if err != nil {
		return "", nil, fail(op, err)
	}

	trusted := d.Mutual ||
		(hasOutgoing && outgoing.State == models.RequestAccepted) ||
		recipientState.Status == models.StatusActive ||
		reverse != nil
	if trusted {
		return pathDirect, reverse, nil
	}

	if !d.Allowed {
		switch d.Reason {
		case gate.ReasonFollowRequired:
			return "", nil, errs.E(op, errs.FollowRequired, "this account only accepts messages from people it follows or who follow it")
		case gate.ReasonSelfConversation:
			return "", nil, errs.E(op, errs.InvalidInput, "cannot message yourself")
		default:
			return "", nil, errs.E(op, errs.MessagesNotAllowed, "this account is not accepting messages")
		}
	}
	return pathRequest, nil, nil
}

func (s *Service) sendDirectIn(ctx context.Context, op string, conv models.Conversation, senderID, recipientID string, draft Draft) (models.Message, error) {
	path, reverse, err := s.route(ctx, op, conv, senderID, recipientID)
	if err != nil {
		return models.Message{}, err
	}

	// The request is claimed before the message is written so a decline
	// that landed after routing refuses this send instead of racing it.
	var newRequest bool
	if path == pathRequest {
		req, created, err := s.Requests.CreateIfAbsent(ctx, models.MessageRequest{
			ID:             models.RequestID(conv.ID, senderID),
			ConversationID: conv.ID,
			SenderID:       senderID,
			RecipientID:    recipientID,
			State:          models.RequestPending,
		})
		if err != nil {
			return models.Message{}, fail(op, err)
		}
		switch {
		case req.State.Rejected():
			return models.Message{}, errs.E(op, errs.MessagesNotAllowed, "this account is not accepting your messages")
		case req.State == models.RequestAccepted:
			path = pathDirect
		}
		newRequest = created
	}

	msg, created, err := s.store(ctx, op, conv, senderID, draft)
	if err != nil || !created {
		return msg, err
	}

	conv, err = s.Conversations.RecordMessage(ctx, conv.ID, msg)
	if err != nil {
		return models.Message{}, fail(op, err)
	}

	states := make(map[string]models.ParticipantState, 2)
	active := models.StatusActive
	revive := false

	senderPatch := repositories.StatePatch{Status: &active, IsDeleted: &revive}
	if states[senderID], err = s.Conversations.UpdateState(ctx, conv.ID, senderID, senderPatch); err != nil {
		return models.Message{}, fail(op, err)
	}

	var recipientPatch repositories.StatePatch
	switch path {
	case pathDirect:
		recipientPatch = repositories.StatePatch{Status: &active, IsDeleted: &revive, UnreadDelta: 1}
	case pathRequest:
		request := models.StatusRequest
		recipientPatch = repositories.StatePatch{Status: &request, IsDeleted: &revive}
	}
	if states[recipientID], err = s.Conversations.UpdateState(ctx, conv.ID, recipientID, recipientPatch); err != nil {
		return models.Message{}, fail(op, err)
	}
	if path == pathRequest {
		if states[recipientID], err = s.reconcileRequest(ctx, op, conv.ID, senderID, states[recipientID]); err != nil {
			return models.Message{}, err
		}
	}

	if path == pathDirect {
		// A send that is now trusted settles any request still pending in
		// either direction.
		if reverse != nil {
			s.settleRequest(ctx, *reverse, senderID, "implicit accept by reply")
		}
		if outgoing, err := s.Requests.Get(ctx, models.RequestID(conv.ID, senderID)); err == nil && outgoing.State == models.RequestPending {
			s.settleRequest(ctx, outgoing, senderID, "implicit accept by trust")
		}
	}

	s.publishMessage(ctx, msg)
	s.publishViews(ctx, conv, []string{senderID, recipientID}, states)
	observability.IncMessageSent(string(path))

	switch {
	case path == pathDirect && !states[recipientID].IsMuted:
		s.Notifier.Notify(ctx, notify.Event{Type: notify.EventMessage, AccountID: recipientID, ActorID: senderID, ConversationID: conv.ID, MessageID: msg.ID})
	case path == pathRequest && newRequest && states[recipientID].Status == models.StatusRequest:
		s.Notifier.Notify(ctx, notify.Event{Type: notify.EventRequest, AccountID: recipientID, ActorID: senderID, ConversationID: conv.ID, MessageID: msg.ID})
	}
	return msg, nil
}

// reconcileRequest re-reads the request after the recipient was moved to the
// request list. An answer that committed in between wins: a decline or block
// hides the conversation again and an accept surfaces it in the inbox, so the
// final state matches a send that finished before the answer.
func (s *Service) reconcileRequest(ctx context.Context, op, conversationID, senderID string, st models.ParticipantState) (models.ParticipantState, error) {
	req, err := s.Requests.Get(ctx, models.RequestID(conversationID, senderID))
	if err != nil {
		return models.ParticipantState{}, fail(op, err)
	}
	var patch repositories.StatePatch
	switch {
	case req.State.Rejected():
		hidden := models.StatusHidden
		patch.Status = &hidden
	case req.State == models.RequestAccepted:
		unread, err := s.Messages.CountFrom(ctx, conversationID, senderID)
		if err != nil {
			return models.ParticipantState{}, fail(op, err)
		}
		active := models.StatusActive
		patch = repositories.StatePatch{Status: &active, UnreadCount: &unread}
	default:
		return st, nil
	}
	st, err = s.Conversations.UpdateState(ctx, conversationID, st.AccountID, patch)
	if err != nil {
		return models.ParticipantState{}, fail(op, err)
	}
	return st, nil
}

// settleRequest moves a pending request to accepted as a side effect of a
// send. Failures are logged; the message itself is already stored.
func (s *Service) settleRequest(ctx context.Context, req models.MessageRequest, actorID, reason string) {
	_, moved, err := s.Requests.Transition(ctx, req.ID, models.RequestPending, models.RequestAccepted)
	if err != nil {
		s.Logger.Warn().Err(err).Str("request_id", req.ID).Msg("implicit request accept failed")
		return
	}
	if moved {
		observability.IncRequestTransition(string(models.RequestAccepted))
		s.Audit.Record(ctx, actorID, "request.accepted", req.ConversationID, req.SenderID, reason)
	}
}

func (s *Service) sendGroup(ctx context.Context, op string, conv models.Conversation, senderID string, draft Draft) (models.Message, error) {
	msg, created, err := s.store(ctx, op, conv, senderID, draft)
	if err != nil || !created {
		return msg, err
	}

	conv, err = s.Conversations.RecordMessage(ctx, conv.ID, msg)
	if err != nil {
		return models.Message{}, fail(op, err)
	}

	revive := false
	states := make(map[string]models.ParticipantState, len(conv.ParticipantIDs))
	for _, id := range conv.ParticipantIDs {
		patch := repositories.StatePatch{IsDeleted: &revive}
		if id != senderID {
			patch.UnreadDelta = 1
		}
		st, err := s.Conversations.UpdateState(ctx, conv.ID, id, patch)
		if err != nil {
			return models.Message{}, fail(op, err)
		}
		states[id] = st
	}

	s.publishMessage(ctx, msg)
	s.publishViews(ctx, conv, conv.ParticipantIDs, states)
	observability.IncMessageSent(string(pathGroup))

	for _, id := range conv.OtherParticipants(senderID) {
		if states[id].IsMuted {
			continue
		}
		s.Notifier.Notify(ctx, notify.Event{Type: notify.EventMessage, AccountID: id, ActorID: senderID, ConversationID: conv.ID, MessageID: msg.ID})
	}
	return msg, nil
}

// store writes the message document. created is false when a message with
// the same id already exists from the same sender in the same conversation;
// the stored copy is returned and no side effects are repeated.
func (s *Service) store(ctx context.Context, op string, conv models.Conversation, senderID string, draft Draft) (models.Message, bool, error) {
	if draft.ReplyToMessageID != "" {
		parent, err := s.Messages.Get(ctx, draft.ReplyToMessageID)
		if err != nil && !errors.Is(err, repositories.ErrMessageNotFound) {
			return models.Message{}, false, fail(op, err)
		}
		if err != nil || parent.ConversationID != conv.ID {
			return models.Message{}, false, errs.E(op, errs.InvalidInput, "reply target is not in this conversation")
		}
	}

	id := draft.ID
	if id == "" {
		id = uuid.NewString()
	}
	msg, created, err := s.Messages.CreateIfAbsent(ctx, models.Message{
		ID:               id,
		ConversationID:   conv.ID,
		SenderID:         senderID,
		Text:             draft.Text,
		Attachments:      models.Attachments(draft.Attachments),
		ReplyToMessageID: draft.ReplyToMessageID,
	})
	if err != nil {
		return models.Message{}, false, fail(op, err)
	}
	if !created && (msg.ConversationID != conv.ID || msg.SenderID != senderID) {
		return models.Message{}, false, errs.E(op, errs.InvalidInput, "message id already in use")
	}
	return msg, created, nil
}

// appendSystem writes a service-generated line into a conversation. It does
// not count as unread.
func (s *Service) appendSystem(ctx context.Context, op string, conv models.Conversation, text string) (models.Conversation, error) {
	msg, _, err := s.Messages.CreateIfAbsent(ctx, models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       models.SystemSenderID,
		Text:           text,
	})
	if err != nil {
		return conv, fail(op, err)
	}
	updated, err := s.Conversations.RecordMessage(ctx, conv.ID, msg)
	if err != nil {
		return conv, fail(op, err)
	}
	s.publishMessage(ctx, msg)
	observability.IncMessageSent("system")
	return updated, nil
}

// ListMessages returns up to limit of the newest messages in thread order.
func (s *Service) ListMessages(ctx context.Context, callerID, conversationID string, limit int) ([]models.Message, error) {
	const op = "messaging.listMessages"
	if _, err := s.participantConversation(ctx, op, callerID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.HistoryLimit {
		limit = s.HistoryLimit
	}
	msgs, err := s.Messages.List(ctx, conversationID, limit)
	if err != nil {
		return nil, fail(op, err)
	}
	return msgs, nil
}

// messageForParticipant loads a message the caller can see.
func (s *Service) messageForParticipant(ctx context.Context, op, callerID, messageID string) (models.Message, models.Conversation, error) {
	if err := requireCaller(op, callerID); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	msg, err := s.Messages.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, models.Conversation{}, fail(op, err)
	}
	conv, err := s.participantConversation(ctx, op, callerID, msg.ConversationID)
	if err != nil {
		if errs.KindOf(err) == errs.PermissionDenied {
			return models.Message{}, models.Conversation{}, errs.E(op, errs.MessageNotFound, "message not found")
		}
		return models.Message{}, models.Conversation{}, err
	}
	return msg, conv, nil
}

// Edit replaces the text of the caller's own message and stamps editedAt.
// Position in the thread never changes.
func (s *Service) Edit(ctx context.Context, callerID, messageID, text string) (models.Message, error) {
	const op = "messaging.edit"
	msg, conv, err := s.messageForParticipant(ctx, op, callerID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != callerID {
		return models.Message{}, errs.E(op, errs.PermissionDenied, "only the sender can edit a message")
	}
	if msg.IsDeleted {
		return models.Message{}, errs.E(op, errs.InvalidInput, "deleted messages cannot be edited")
	}
	if err := validateText(op, text, len(msg.Attachments)); err != nil {
		return models.Message{}, err
	}

	now := s.Now()
	updated, err := s.Messages.Update(ctx, messageID, repositories.MessagePatch{Text: &text, EditedAt: &now})
	if err != nil {
		return models.Message{}, fail(op, err)
	}
	s.publishMessage(ctx, updated)
	s.refreshPreview(ctx, conv, updated)
	return updated, nil
}

// Delete tombstones the caller's own message. Deleting twice is a no-op.
func (s *Service) Delete(ctx context.Context, callerID, messageID string) (models.Message, error) {
	const op = "messaging.delete"
	msg, conv, err := s.messageForParticipant(ctx, op, callerID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != callerID {
		return models.Message{}, errs.E(op, errs.PermissionDenied, "only the sender can delete a message")
	}
	if msg.IsDeleted {
		return msg, nil
	}

	updated, err := s.Messages.Update(ctx, messageID, repositories.MessagePatch{Tombstone: true})
	if err != nil {
		return models.Message{}, fail(op, err)
	}
	s.publishMessage(ctx, updated)

	s.refreshPreview(ctx, conv, updated)
	return updated, nil
}

// refreshPreview rewrites the list preview when it still shows msg.
func (s *Service) refreshPreview(ctx context.Context, conv models.Conversation, msg models.Message) {
	if conv.LastSenderID != msg.SenderID || !conv.LastMessageAt.Equal(msg.CreatedAt) {
		return
	}
	updated, err := s.Conversations.RecordMessage(ctx, conv.ID, msg)
	if err != nil {
		s.Logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("preview refresh failed")
		return
	}
	s.publishViews(ctx, updated, updated.ParticipantIDs, nil)
}

// React sets the caller's single reaction on a message, replacing any
// earlier one. An empty emoji removes it.
func (s *Service) React(ctx context.Context, callerID, messageID, emoji string) (models.Message, error) {
	const op = "messaging.react"
	msg, conv, err := s.messageForParticipant(ctx, op, callerID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.IsDeleted {
		return models.Message{}, errs.E(op, errs.InvalidInput, "deleted messages cannot be reacted to")
	}
	emoji = strings.TrimSpace(emoji)
	if utf8.RuneCountInString(emoji) > 8 {
		return models.Message{}, errs.E(op, errs.InvalidInput, "reaction must be a single emoji")
	}

	updated, err := s.Messages.SetReaction(ctx, messageID, callerID, emoji)
	if err != nil {
		return models.Message{}, fail(op, err)
	}
	s.publishMessage(ctx, updated)
	if emoji != "" && msg.SenderID != callerID && msg.SenderID != models.SystemSenderID {
		s.Notifier.Notify(ctx, notify.Event{Type: notify.EventReaction, AccountID: msg.SenderID, ActorID: callerID, ConversationID: conv.ID, MessageID: msg.ID})
	}
	return updated, nil
}

// SetMessagePinned pins or unpins a message for everyone in the conversation.
func (s *Service) SetMessagePinned(ctx context.Context, callerID, messageID string, pinned bool) (models.Message, error) {
	return s.flagMessage(ctx, "messaging.setMessagePinned", callerID, messageID, repositories.MessagePatch{IsPinned: &pinned})
}

// SetMessageStarred stars or unstars a message.
func (s *Service) SetMessageStarred(ctx context.Context, callerID, messageID string, starred bool) (models.Message, error) {
	return s.flagMessage(ctx, "messaging.setMessageStarred", callerID, messageID, repositories.MessagePatch{IsStarred: &starred})
}

func (s *Service) flagMessage(ctx context.Context, op, callerID, messageID string, patch repositories.MessagePatch) (models.Message, error) {
	msg, _, err := s.messageForParticipant(ctx, op, callerID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.IsDeleted {
		return models.Message{}, errs.E(op, errs.InvalidInput, "message is deleted")
	}
	updated, err := s.Messages.Update(ctx, messageID, patch)
	if err != nil {
		return models.Message{}, fail(op, err)
	}
	s.publishMessage(ctx, updated)
	return updated, nil
}

// MarkRead clears the caller's unread count, stamps read receipts on
// messages from others and marks an incoming request as seen.
func (s *Service) MarkRead(ctx context.Context, callerID, conversationID string) (models.ParticipantState, error) {
	const op = "messaging.markRead"
	conv, err := s.participantConversation(ctx, op, callerID, conversationID)
	if err != nil {
		return models.ParticipantState{}, err
	}

	now := s.Now()
	changed, err := s.Messages.MarkRead(ctx, conv.ID, callerID, now)
	if err != nil {
		return models.ParticipantState{}, fail(op, err)
	}
	zero := 0
	st, err := s.Conversations.UpdateState(ctx, conv.ID, callerID, repositories.StatePatch{UnreadCount: &zero, LastReadAt: &now})
	if err != nil {
		return models.ParticipantState{}, fail(op, err)
	}

	if !conv.IsGroup {
		for _, other := range conv.OtherParticipants(callerID) {
			err := s.Requests.MarkRead(ctx, models.RequestID(conv.ID, other))
			if err != nil && !errors.Is(err, repositories.ErrRequestNotFound) {
				s.Logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("request read flag not updated")
			}
		}
	}

	for _, m := range changed {
		s.publishMessage(ctx, m)
	}
	s.publishView(ctx, conv, st)
	return st, nil
}

// SetTyping records a typing indicator. Updates over the rate limit and
// store failures are dropped silently.
func (s *Service) SetTyping(ctx context.Context, callerID, conversationID string, isTyping bool) error {
	const op = "messaging.setTyping"
	if _, err := s.participantConversation(ctx, op, callerID, conversationID); err != nil {
		return err
	}
	if isTyping && !s.TypingLimiter.Allow(conversationID+"/"+callerID) {
		return nil
	}

	ev, err := s.Typing.Set(ctx, conversationID, callerID, isTyping)
	if err != nil {
		s.Logger.Debug().Err(err).Str("conversation_id", conversationID).Msg("typing update dropped")
		return nil
	}
	s.publishTyping(ctx, ev)
	return nil
}
