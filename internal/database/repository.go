package database

import (
	"context"
	"time"
)

// ChatRepository is the durable store for the message log and the
// per-viewer conversation summaries. Implementations must assign message
// ordering on the server side (monotonic seq per conversation key) and
// must make the unread increment atomic in the store, never a
// read-modify-write in the caller.
type ChatRepository interface {
	Ping() error
	// AppendMessage inserts the message and assigns its seq. Appending an
	// id that already exists for the key is not an error: the stored
	// message is returned with inserted=false so callers can retry sends
	// without duplicating anything.
	AppendMessage(ctx context.Context, params AppendMessageParams) (Message, bool, error)
	// GetMessages returns messages for the key ascending by seq. after and
	// before bound the seq range when > 0; limit defaults when <= 0. An
	// unknown key reads as empty.
	GetMessages(ctx context.Context, key string, after, before, limit int) ([]Message, error)
	// UpsertSenderSummary writes the sender's inbox row for counterpart:
	// last message fields replaced, unread forced to zero.
	UpsertSenderSummary(ctx context.Context, ownerId, counterpartId, text string, at time.Time) (ConversationSummary, error)
	// UpsertReceiverSummary writes the receiver's inbox row for
	// counterpart: last message fields replaced, unread incremented by one.
	UpsertReceiverSummary(ctx context.Context, ownerId, counterpartId, text string, at time.Time) (ConversationSummary, error)
	// ClearUnread zeroes the owner's unread count for counterpart. A
	// missing row is a successful no-op and returns found=false.
	ClearUnread(ctx context.Context, ownerId, counterpartId string) (ConversationSummary, bool, error)
	// ListSummaries returns the owner's inbox rows ordered by last message
	// time descending, counterpart id ascending on ties.
	ListSummaries(ctx context.Context, ownerId string) ([]ConversationSummary, error)
}
