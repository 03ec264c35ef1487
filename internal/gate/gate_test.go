package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
	"messaging-service/internal/repositories/memstore"
)

func newIdentity(privacy models.Privacy) *memstore.Identity {
	id := memstore.NewIdentity()
	id.Put(models.Account{ID: "sender", DisplayName: "Sender"})
	id.Put(models.Account{ID: "recipient", DisplayName: "Recipient", AllowsMessagesFrom: privacy})
	return id
}

func TestCanMessage(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		privacy models.Privacy
		setup   func(*memstore.Identity)
		want    Decision
	}{
		{
			name:    "everyone without follows",
			privacy: models.PrivacyEveryone,
			want:    Decision{Allowed: true},
		},
		{
			name:    "mutual follow",
			privacy: models.PrivacyFollowers,
			setup: func(id *memstore.Identity) {
				id.Follow("sender", "recipient")
				id.Follow("recipient", "sender")
			},
			want: Decision{Allowed: true, Mutual: true},
		},
		{
			name:    "followers with one-way follow",
			privacy: models.PrivacyFollowers,
			setup:   func(id *memstore.Identity) { id.Follow("recipient", "sender") },
			want:    Decision{Allowed: true},
		},
		{
			name:    "followers without any edge",
			privacy: models.PrivacyFollowers,
			want:    Decision{Reason: ReasonFollowRequired},
		},
		{
			name:    "nobody",
			privacy: models.PrivacyNobody,
			setup: func(id *memstore.Identity) {
				id.Follow("sender", "recipient")
				id.Follow("recipient", "sender")
			},
			want: Decision{Reason: ReasonPrivacy},
		},
		{
			name:    "recipient blocked sender",
			privacy: models.PrivacyEveryone,
			setup:   func(id *memstore.Identity) { _ = id.Block(ctx, "recipient", "sender") },
			want:    Decision{Reason: ReasonBlocked},
		},
		{
			name:    "sender blocked recipient",
			privacy: models.PrivacyEveryone,
			setup:   func(id *memstore.Identity) { _ = id.Block(ctx, "sender", "recipient") },
			want:    Decision{Reason: ReasonBlocked},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			identity := newIdentity(tc.privacy)
			if tc.setup != nil {
				tc.setup(identity)
			}
			got, err := New(identity).CanMessage(ctx, "sender", "recipient")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCanMessageSelf(t *testing.T) {
	got, err := New(memstore.NewIdentity()).CanMessage(context.Background(), "u1", "u1")
	require.NoError(t, err)
	assert.Equal(t, Decision{Reason: ReasonSelfConversation}, got)
}

func TestCanMessageUnknownRecipient(t *testing.T) {
	_, err := New(memstore.NewIdentity()).CanMessage(context.Background(), "u1", "ghost")
	assert.True(t, errors.Is(err, repositories.ErrAccountNotFound))
}
