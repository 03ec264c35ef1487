package messaging

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"messaging-service/internal/errs"
	"messaging-service/internal/gate"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/observability"
	"messaging-service/internal/repositories"
)

const (
	groupPrefix      = "grp_"
	maxGroupNameRune = 100
)

// CreateGroup forms a group of the caller and participantIDs. names may
// carry display names for the members; missing ones are looked up.
func (s *Service) CreateGroup(ctx context.Context, callerID string, participantIDs []string, names map[string]string, groupName string) (id string, err error) {
	const op = "messaging.createGroup"
	ctx, span := observability.StartSpan(ctx, op, attribute.String("creator_id", callerID))
	defer func() { observability.EndSpan(span, err) }()

	if err := requireCaller(op, callerID); err != nil {
		return "", err
	}
	groupName, err = cleanGroupName(op, groupName)
	if err != nil {
		return "", err
	}
	others := distinctOthers(callerID, participantIDs)
	if len(others) < 2 {
		return "", errs.E(op, errs.InvalidInput, "a group needs at least two other participants")
	}

	members := append([]string{callerID}, others...)
	resolved, err := s.memberNames(ctx, op, callerID, members, names)
	if err != nil {
		return "", err
	}

	now := s.Now()
	states := make([]models.ParticipantState, 0, len(members))
	for _, m := range members {
		states = append(states, models.ParticipantState{AccountID: m, Status: models.StatusActive})
	}
	conv, _, err := s.Conversations.CreateIfAbsent(ctx, models.Conversation{
		ID:               groupPrefix + uuid.NewString(),
		ParticipantIDs:   pq.StringArray(members),
		ParticipantNames: resolved,
		IsGroup:          true,
		GroupName:        groupName,
		CreatorID:        callerID,
		CreatedAt:        now,
	}, states)
	if err != nil {
		return "", fail(op, err)
	}

	conv, err = s.appendSystem(ctx, op, conv, fmt.Sprintf("%s created the group %q", resolved[callerID], groupName))
	if err != nil {
		return "", err
	}
	s.publishViews(ctx, conv, conv.ParticipantIDs, nil)
	s.Audit.Record(ctx, callerID, "group.created", conv.ID, "", groupName)
	for _, m := range others {
		s.Notifier.Notify(ctx, notify.Event{Type: notify.EventGroupAdded, AccountID: m, ActorID: callerID, ConversationID: conv.ID})
	}
	return conv.ID, nil
}

// AddParticipants adds accounts to a group the caller belongs to. Accounts
// already in the group are skipped.
func (s *Service) AddParticipants(ctx context.Context, callerID, conversationID string, participantIDs []string, names map[string]string) (models.Conversation, error) {
	const op = "messaging.addParticipants"
	conv, err := s.groupFor(ctx, op, callerID, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}

	var added []string
	for _, id := range distinctOthers(callerID, participantIDs) {
		if !conv.HasParticipant(id) {
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		return conv, nil
	}
	resolved, err := s.memberNames(ctx, op, callerID, added, names)
	if err != nil {
		return models.Conversation{}, err
	}

	conv, err = s.Conversations.AddParticipants(ctx, conv.ID, added, resolved)
	if err != nil {
		return models.Conversation{}, fail(op, err)
	}
	labels := make([]string, 0, len(added))
	for _, id := range added {
		labels = append(labels, resolved[id])
	}
	conv, err = s.appendSystem(ctx, op, conv, fmt.Sprintf("%s added %s", conv.ParticipantNames[callerID], strings.Join(labels, ", ")))
	if err != nil {
		return models.Conversation{}, err
	}

	s.publishViews(ctx, conv, conv.ParticipantIDs, nil)
	for _, id := range added {
		s.Audit.Record(ctx, callerID, "group.participant_added", conv.ID, id, "")
		s.Notifier.Notify(ctx, notify.Event{Type: notify.EventGroupAdded, AccountID: id, ActorID: callerID, ConversationID: conv.ID})
	}
	return conv, nil
}

// RemoveParticipant removes accountID from the group. Members may remove
// themselves; removing someone else takes the creator.
func (s *Service) RemoveParticipant(ctx context.Context, callerID, conversationID, accountID string) (models.Conversation, error) {
	const op = "messaging.removeParticipant"
	conv, err := s.groupFor(ctx, op, callerID, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if accountID != callerID && conv.CreatorID != callerID {
		return models.Conversation{}, errs.E(op, errs.PermissionDenied, "only the group creator can remove members")
	}
	if !conv.HasParticipant(accountID) {
		return models.Conversation{}, errs.E(op, errs.InvalidInput, "account is not a member of this group")
	}
	return s.dropMember(ctx, op, conv, callerID, accountID)
}

// Leave removes the caller from the group. The conversation and its history
// are kept even when nobody is left.
func (s *Service) Leave(ctx context.Context, callerID, conversationID string) (models.Conversation, error) {
	const op = "messaging.leave"
	conv, err := s.groupFor(ctx, op, callerID, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	return s.dropMember(ctx, op, conv, callerID, callerID)
}

func (s *Service) dropMember(ctx context.Context, op string, conv models.Conversation, callerID, accountID string) (models.Conversation, error) {
	label := conv.ParticipantNames[accountID]
	if label == "" {
		label = accountID
	}
	before := conv

	conv, err := s.Conversations.RemoveParticipant(ctx, conv.ID, accountID)
	if err != nil {
		return models.Conversation{}, fail(op, err)
	}

	text := label + " left the group"
	action := "group.left"
	if accountID != callerID {
		text = fmt.Sprintf("%s removed %s", before.ParticipantNames[callerID], label)
		action = "group.participant_removed"
	}
	conv, err = s.appendSystem(ctx, op, conv, text)
	if err != nil {
		return models.Conversation{}, err
	}

	s.publishRemoval(ctx, conv, accountID)
	s.publishViews(ctx, conv, conv.ParticipantIDs, nil)
	s.Audit.Record(ctx, callerID, action, conv.ID, accountID, "")
	if conv.CreatorID != before.CreatorID {
		s.Logger.Info().Str("conversation_id", conv.ID).Str("creator_id", conv.CreatorID).Msg("group ownership transferred")
	}
	return conv, nil
}

// Rename changes the group name. Only the creator may rename.
func (s *Service) Rename(ctx context.Context, callerID, conversationID, name string) (models.Conversation, error) {
	const op = "messaging.rename"
	conv, err := s.groupFor(ctx, op, callerID, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if conv.CreatorID != callerID {
		return models.Conversation{}, errs.E(op, errs.PermissionDenied, "only the group creator can rename the group")
	}
	name, err = cleanGroupName(op, name)
	if err != nil {
		return models.Conversation{}, err
	}
	if name == conv.GroupName {
		return conv, nil
	}

	conv, err = s.Conversations.UpdateGroup(ctx, conv.ID, repositories.GroupPatch{Name: &name})
	if err != nil {
		return models.Conversation{}, fail(op, err)
	}
	conv, err = s.appendSystem(ctx, op, conv, fmt.Sprintf("%s renamed the group to %q", conv.ParticipantNames[callerID], name))
	if err != nil {
		return models.Conversation{}, err
	}
	s.publishViews(ctx, conv, conv.ParticipantIDs, nil)
	s.Audit.Record(ctx, callerID, "group.renamed", conv.ID, "", name)
	return conv, nil
}

// UpdateAvatar sets the group picture reference. Any member may change it.
func (s *Service) UpdateAvatar(ctx context.Context, callerID, conversationID, avatarRef string) (models.Conversation, error) {
	const op = "messaging.updateAvatar"
	conv, err := s.groupFor(ctx, op, callerID, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	avatarRef = strings.TrimSpace(avatarRef)
	conv, err = s.Conversations.UpdateGroup(ctx, conv.ID, repositories.GroupPatch{Avatar: &avatarRef})
	if err != nil {
		return models.Conversation{}, fail(op, err)
	}
	s.publishViews(ctx, conv, conv.ParticipantIDs, nil)
	s.Audit.Record(ctx, callerID, "group.avatar_updated", conv.ID, "", avatarRef)
	return conv, nil
}

func (s *Service) groupFor(ctx context.Context, op, callerID, conversationID string) (models.Conversation, error) {
	conv, err := s.participantConversation(ctx, op, callerID, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.IsGroup {
		return models.Conversation{}, errs.E(op, errs.InvalidInput, "not a group conversation")
	}
	return conv, nil
}

// memberNames resolves a display name for every id and refuses accounts
// that have a block with the caller in either direction.
func (s *Service) memberNames(ctx context.Context, op, callerID string, ids []string, given map[string]string) (models.NameMap, error) {
	out := make(models.NameMap, len(ids))
	for _, id := range ids {
		if id != callerID {
			d, err := s.CanMessage(ctx, callerID, id)
			if err != nil {
				return nil, err
			}
			if d.Reason == gate.ReasonBlocked {
				return nil, errs.E(op, errs.UserBlocked, "cannot add an account with a block in place")
			}
		}
		if name := strings.TrimSpace(given[id]); name != "" {
			out[id] = name
			continue
		}
		acc, err := s.Identity.GetAccount(ctx, id)
		if err != nil {
			return nil, fail(op, err)
		}
		out[id] = acc.Name()
	}
	return out, nil
}

func cleanGroupName(op, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errs.E(op, errs.InvalidInput, "group name is required")
	}
	if utf8.RuneCountInString(name) > maxGroupNameRune {
		return "", errs.E(op, errs.InvalidInput, "group name is too long")
	}
	return name, nil
}

func distinctOthers(callerID string, ids []string) []string {
	seen := map[string]bool{callerID: true}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
