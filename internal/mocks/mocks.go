package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"messaging-service/internal/models"
)

type IdentityRepositoryMock struct {
	mock.Mock
}

func (m *IdentityRepositoryMock) GetAccount(ctx context.Context, id string) (models.Account, error) {
	args := m.Called(ctx, id)
	var acc models.Account
	if val := args.Get(0); val != nil {
		acc = val.(models.Account)
	}
	return acc, args.Error(1)
}

func (m *IdentityRepositoryMock) Follows(ctx context.Context, followerID, followeeID string) (bool, error) {
	args := m.Called(ctx, followerID, followeeID)
	return args.Bool(0), args.Error(1)
}

func (m *IdentityRepositoryMock) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	args := m.Called(ctx, blockerID, blockedID)
	return args.Bool(0), args.Error(1)
}

func (m *IdentityRepositoryMock) Block(ctx context.Context, blockerID, blockedID string) error {
	args := m.Called(ctx, blockerID, blockedID)
	return args.Error(0)
}

type UploaderMock struct {
	mock.Mock
}

func (m *UploaderMock) Upload(ctx context.Context, accountID, contentType string, body io.Reader, size int64) (models.Attachment, error) {
	args := m.Called(ctx, accountID, contentType, body, size)
	var att models.Attachment
	if val := args.Get(0); val != nil {
		att = val.(models.Attachment)
	}
	return att, args.Error(1)
}

// PublisherMock stands in for rabbitmq.Publisher. Events are recorded with
// their routing key so tests can match on either.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	return m.Called(ctx, routingKey, event).Error(0)
}

func (m *PublisherMock) PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	return m.Called(ctx, routingKey, event, headers).Error(0)
}

func (m *PublisherMock) Close() error {
	return m.Called().Error(0)
}
