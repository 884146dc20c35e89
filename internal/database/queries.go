package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const summaryColumns = "owner_id, counterpart_id, last_message, last_message_at, unread_count, updated_at"

// AppendMessage allocates the next seq for the conversation and inserts the
// message in one transaction. The UPDATE on the conversation row takes a
// row lock, so concurrent appends for the same key are serialized by the
// store and both succeed with distinct seqs. A duplicate (key, message_id)
// rolls back the seq allocation and returns the previously stored message.
func (db *PgChatRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (Message, bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO conversations (key, seq) VALUES ($1, 0) ON CONFLICT (key) DO NOTHING",
		params.ConversationKey,
	)
	if err != nil {
		return Message{}, false, err
	}

	var seq int
	err = tx.QueryRowContext(ctx,
		"UPDATE conversations SET seq = seq + 1 WHERE key = $1 RETURNING seq",
		params.ConversationKey,
	).Scan(&seq)
	if err != nil {
		return Message{}, false, err
	}

	msg := Message{
		MessageId:       params.MessageId,
		ConversationKey: params.ConversationKey,
		SenderId:        params.SenderId,
		Text:            params.Text,
		Seq:             seq,
		CreatedAt:       params.CreatedAt,
	}

	err = tx.QueryRowContext(ctx,
		"INSERT INTO messages (message_id, conversation_key, sender_id, content, seq, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) "+
			"ON CONFLICT (conversation_key, message_id) DO NOTHING RETURNING id",
		params.MessageId,
		params.ConversationKey,
		params.SenderId,
		params.Text,
		seq,
		params.CreatedAt,
	).Scan(&msg.Id)

	if errors.Is(err, sql.ErrNoRows) {
		// retried send: the message already landed, don't consume the seq
		tx.Rollback()
		err = nil

		existing, getErr := db.getMessageById(ctx, params.ConversationKey, params.MessageId)
		if getErr != nil {
			return Message{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, false, err
	}

	return msg, true, nil
}

func (db *PgChatRepository) getMessageById(ctx context.Context, key, messageId string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, message_id, conversation_key, sender_id, content, seq, created_at FROM messages "+
			"WHERE conversation_key = $1 AND message_id = $2 LIMIT 1",
		key,
		messageId,
	)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.MessageId,
		&msg.ConversationKey,
		&msg.SenderId,
		&msg.Text,
		&msg.Seq,
		&msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("get message %q: %w", messageId, err)
	}

	return msg, nil
}

// GetMessages returns the most recent messages in the seq window, ascending
// by seq. An unknown key yields an empty slice.
func (db *PgChatRepository) GetMessages(ctx context.Context, key string, after, before, limit int) ([]Message, error) {
	var upper, lower int = 1<<31 - 1, 0
	if before > 0 {
		upper = before - 1
	}

	if after > 0 {
		lower = after + 1
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, message_id, conversation_key, sender_id, content, seq, created_at FROM messages "+
			"WHERE conversation_key = $1 AND seq BETWEEN $2 AND $3 ORDER BY seq DESC LIMIT $4",
		key,
		lower,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.Id, &msg.MessageId, &msg.ConversationKey, &msg.SenderId, &msg.Text, &msg.Seq, &msg.CreatedAt); err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// query walks backwards from the newest message, callers want ascending
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (db *PgChatRepository) UpsertSenderSummary(ctx context.Context, ownerId, counterpartId, text string, at time.Time) (ConversationSummary, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO conversation_summaries ("+summaryColumns+") "+
			"VALUES ($1, $2, $3, $4, 0, $5) "+
			"ON CONFLICT (owner_id, counterpart_id) DO UPDATE SET "+
			"last_message = EXCLUDED.last_message, last_message_at = EXCLUDED.last_message_at, "+
			"unread_count = 0, updated_at = EXCLUDED.updated_at "+
			"RETURNING "+summaryColumns,
		ownerId,
		counterpartId,
		text,
		at,
		time.Now().UTC(),
	)

	return scanSummary(row)
}

// UpsertReceiverSummary bumps the unread count inside the statement itself.
// Two rapid sends to the same receiver both land: the increment composes in
// the store instead of racing through a cached value.
func (db *PgChatRepository) UpsertReceiverSummary(ctx context.Context, ownerId, counterpartId, text string, at time.Time) (ConversationSummary, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO conversation_summaries ("+summaryColumns+") "+
			"VALUES ($1, $2, $3, $4, 1, $5) "+
			"ON CONFLICT (owner_id, counterpart_id) DO UPDATE SET "+
			"last_message = EXCLUDED.last_message, last_message_at = EXCLUDED.last_message_at, "+
			"unread_count = conversation_summaries.unread_count + 1, updated_at = EXCLUDED.updated_at "+
			"RETURNING "+summaryColumns,
		ownerId,
		counterpartId,
		text,
		at,
		time.Now().UTC(),
	)

	return scanSummary(row)
}

func (db *PgChatRepository) ClearUnread(ctx context.Context, ownerId, counterpartId string) (ConversationSummary, bool, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE conversation_summaries SET unread_count = 0, updated_at = $3 "+
			"WHERE owner_id = $1 AND counterpart_id = $2 "+
			"RETURNING "+summaryColumns,
		ownerId,
		counterpartId,
		time.Now().UTC(),
	)

	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		// no row yet: nothing was unread, the row appears on the next send
		return ConversationSummary{}, false, nil
	}
	if err != nil {
		return ConversationSummary{}, false, err
	}

	return summary, true, nil
}

func (db *PgChatRepository) ListSummaries(ctx context.Context, ownerId string) ([]ConversationSummary, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+summaryColumns+" FROM conversation_summaries "+
			"WHERE owner_id = $1 ORDER BY last_message_at DESC, counterpart_id ASC",
		ownerId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries = make([]ConversationSummary, 0)
	for rows.Next() {
		var s ConversationSummary
		if err = rows.Scan(&s.OwnerId, &s.CounterpartId, &s.LastMessageText, &s.LastMessageAt, &s.UnreadCount, &s.UpdatedAt); err != nil {
			return nil, err
		}

		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summaries, nil
}

func scanSummary(row *sql.Row) (ConversationSummary, error) {
	var s ConversationSummary
	err := row.Scan(
		&s.OwnerId,
		&s.CounterpartId,
		&s.LastMessageText,
		&s.LastMessageAt,
		&s.UnreadCount,
		&s.UpdatedAt,
	)

	return s, err
}
