package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockChatRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (Message, bool, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Bool(1), args.Error(2)
}

func (m *MockChatRepository) GetMessages(ctx context.Context, key string, after, before, limit int) ([]Message, error) {
	args := m.Called(ctx, key, after, before, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockChatRepository) UpsertSenderSummary(ctx context.Context, ownerId, counterpartId, text string, at time.Time) (ConversationSummary, error) {
	args := m.Called(ctx, ownerId, counterpartId, text, at)
	return args.Get(0).(ConversationSummary), args.Error(1)
}

func (m *MockChatRepository) UpsertReceiverSummary(ctx context.Context, ownerId, counterpartId, text string, at time.Time) (ConversationSummary, error) {
	args := m.Called(ctx, ownerId, counterpartId, text, at)
	return args.Get(0).(ConversationSummary), args.Error(1)
}

func (m *MockChatRepository) ClearUnread(ctx context.Context, ownerId, counterpartId string) (ConversationSummary, bool, error) {
	args := m.Called(ctx, ownerId, counterpartId)
	return args.Get(0).(ConversationSummary), args.Bool(1), args.Error(2)
}

func (m *MockChatRepository) ListSummaries(ctx context.Context, ownerId string) ([]ConversationSummary, error) {
	args := m.Called(ctx, ownerId)
	if summaries, ok := args.Get(0).([]ConversationSummary); ok {
		return summaries, args.Error(1)
	}
	return nil, args.Error(1)
}
