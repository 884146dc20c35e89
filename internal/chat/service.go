package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/teris-io/shortid"
	"github.com/tutorlink/chat-service/internal/database"
	"github.com/tutorlink/chat-service/internal/types"
)

// InboxUpdate is a freshly projected summary row addressed to its owner.
// The feed routes it to the owner's connected clients.
type InboxUpdate struct {
	OwnerId string
	Summary types.ConversationSummary
}

type SendResult struct {
	Message types.Message
	// Duplicate is set when the message id had already been appended. No
	// projection ran and Inbox is empty: retrying a send that landed must
	// not double-count unread.
	Duplicate bool
	Inbox     []InboxUpdate
}

// Service implements the messaging core: the append-only message log, the
// summary projection and unread accounting. It is the only component that
// mutates unread counts.
type Service struct {
	log *log.Logger
	db  database.ChatRepository
}

func NewService(logger *log.Logger, db database.ChatRepository) *Service {
	return &Service{
		log: logger,
		db:  db,
	}
}

// Now is the server-assigned message timestamp. Client clocks are never
// trusted for ordering.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// Send appends the message and projects both participants' summary rows.
// messageId may be empty, in which case one is minted; callers retrying a
// failed send reuse the id from the first attempt, which makes the whole
// operation idempotent.
func (s *Service) Send(ctx context.Context, senderId, recipientId, text, messageId string) (SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SendResult{}, fmt.Errorf("%w: empty message text", ErrInvalidInput)
	}

	key, err := ResolveKey(senderId, recipientId)
	if err != nil {
		return SendResult{}, err
	}

	if messageId == "" {
		messageId, err = shortid.Generate()
		if err != nil {
			return SendResult{}, fmt.Errorf("generate message id: %w", err)
		}
	}

	msg, inserted, err := s.db.AppendMessage(ctx, database.AppendMessageParams{
		ConversationKey: key.String(),
		MessageId:       messageId,
		SenderId:        senderId,
		Text:            text,
		CreatedAt:       Now(),
	})
	if err != nil {
		return SendResult{}, transient("append message", err)
	}

	if !inserted {
		s.log.Printf("duplicate append of message %q in %q, skipping projection", messageId, key)
		return SendResult{
			Message:   messageFromRecord(msg),
			Duplicate: true,
		}, nil
	}

	// projection failures are reported, never swallowed: the caller retries
	// the whole send and the duplicate append above gates re-projection
	senderSum, err := s.db.UpsertSenderSummary(ctx, senderId, recipientId, msg.Text, msg.CreatedAt)
	if err != nil {
		return SendResult{}, transient("project sender summary", err)
	}

	receiverSum, err := s.db.UpsertReceiverSummary(ctx, recipientId, senderId, msg.Text, msg.CreatedAt)
	if err != nil {
		return SendResult{}, transient("project receiver summary", err)
	}

	return SendResult{
		Message: messageFromRecord(msg),
		Inbox: []InboxUpdate{
			{OwnerId: senderId, Summary: summaryFromRecord(senderSum)},
			{OwnerId: recipientId, Summary: summaryFromRecord(receiverSum)},
		},
	}, nil
}

// Open marks the conversation read from the owner's side. A conversation
// the owner has no summary row for yet is a no-op and returns nil.
func (s *Service) Open(ctx context.Context, ownerId, counterpartId string) (*InboxUpdate, error) {
	if _, err := ResolveKey(ownerId, counterpartId); err != nil {
		return nil, err
	}

	summary, found, err := s.db.ClearUnread(ctx, ownerId, counterpartId)
	if err != nil {
		return nil, transient("clear unread", err)
	}
	if !found {
		return nil, nil
	}

	return &InboxUpdate{OwnerId: ownerId, Summary: summaryFromRecord(summary)}, nil
}

// History returns the most recent messages between userId and counterpartId
// within the optional seq window, ascending by seq.
func (s *Service) History(ctx context.Context, userId, counterpartId string, after, before, limit int) ([]types.Message, error) {
	key, err := ResolveKey(userId, counterpartId)
	if err != nil {
		return nil, err
	}

	records, err := s.db.GetMessages(ctx, key.String(), after, before, limit)
	if err != nil {
		return nil, transient("read messages", err)
	}

	messages := make([]types.Message, len(records))
	for i, rec := range records {
		messages[i] = messageFromRecord(rec)
	}

	return messages, nil
}

// Inbox lists the owner's conversation summaries, most recent first.
func (s *Service) Inbox(ctx context.Context, ownerId string) ([]types.ConversationSummary, error) {
	if ownerId == "" {
		return nil, fmt.Errorf("%w: empty owner id", ErrInvalidInput)
	}

	records, err := s.db.ListSummaries(ctx, ownerId)
	if err != nil {
		return nil, transient("list summaries", err)
	}

	summaries := make([]types.ConversationSummary, len(records))
	for i, rec := range records {
		summaries[i] = summaryFromRecord(rec)
	}

	return summaries, nil
}

func messageFromRecord(rec database.Message) types.Message {
	return types.Message{
		MessageId:       rec.MessageId,
		ConversationKey: rec.ConversationKey,
		SenderId:        rec.SenderId,
		Text:            rec.Text,
		Seq:             rec.Seq,
		SentAt:          rec.CreatedAt,
	}
}

func summaryFromRecord(rec database.ConversationSummary) types.ConversationSummary {
	return types.ConversationSummary{
		CounterpartId:   rec.CounterpartId,
		LastMessageText: rec.LastMessageText,
		LastMessageAt:   rec.LastMessageAt,
		UnreadCount:     rec.UnreadCount,
	}
}
