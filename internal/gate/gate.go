// Package gate decides whether one account may message another.
package gate

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonSelfConversation Reason = "selfConversation"
	ReasonBlocked          Reason = "blocked"
	ReasonPrivacy          Reason = "privacy"
	ReasonFollowRequired   Reason = "followRequired"
)

// Decision is the outcome of CanMessage. Mutual means the two accounts follow
// each other, so delivery may skip the request path.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Mutual  bool   `json:"mutual"`
}

// Gate reads identity data and never writes it.
type Gate struct {
	identity repositories.IdentityRepository
}

func New(identity repositories.IdentityRepository) *Gate {
	return &Gate{identity: identity}
}

type relationship struct {
	recipient       models.Account
	senderBlocked   bool
	recipientBlocks bool
	senderFollows   bool
	recipientFollow bool
}

// CanMessage evaluates block edges, the recipient's privacy setting and the
// follow graph. Lookups run in parallel.
func (g *Gate) CanMessage(ctx context.Context, senderID, recipientID string) (Decision, error) {
	if senderID == recipientID {
		return Decision{Reason: ReasonSelfConversation}, nil
	}

	var rel relationship
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		acc, err := g.identity.GetAccount(egCtx, recipientID)
		if err != nil {
			return fmt.Errorf("load recipient %s: %w", recipientID, err)
		}
		rel.recipient = acc
		return nil
	})
	eg.Go(func() (err error) {
		rel.senderBlocked, err = g.identity.IsBlocked(egCtx, senderID, recipientID)
		return err
	})
	eg.Go(func() (err error) {
		rel.recipientBlocks, err = g.identity.IsBlocked(egCtx, recipientID, senderID)
		return err
	})
	eg.Go(func() (err error) {
		rel.senderFollows, err = g.identity.Follows(egCtx, senderID, recipientID)
		return err
	})
	eg.Go(func() (err error) {
		rel.recipientFollow, err = g.identity.Follows(egCtx, recipientID, senderID)
		return err
	})
	if err := eg.Wait(); err != nil {
		return Decision{}, err
	}

	return decide(rel), nil
}

func decide(rel relationship) Decision {
	if rel.senderBlocked || rel.recipientBlocks {
		return Decision{Reason: ReasonBlocked}
	}
	mutual := rel.senderFollows && rel.recipientFollow

	switch rel.recipient.AllowsMessagesFrom {
	case models.PrivacyNobody:
		return Decision{Reason: ReasonPrivacy}
	case models.PrivacyFollowers:
		if rel.senderFollows || rel.recipientFollow {
			return Decision{Allowed: true, Mutual: mutual}
		}
		return Decision{Reason: ReasonFollowRequired}
	default:
		return Decision{Allowed: true, Mutual: mutual}
	}
}
