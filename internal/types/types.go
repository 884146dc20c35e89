package types

import (
	"time"
)

// User is the identity handed to us by the identity provider. The id is
// opaque and stable; everything else is display metadata.
type User struct {
	Id          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

type Message struct {
	MessageId       string    `json:"message_id"`
	ConversationKey string    `json:"conversation_key"`
	SenderId        string    `json:"sender_id"`
	Text            string    `json:"text"`
	Seq             int       `json:"seq"`
	SentAt          time.Time `json:"sent_at"`
}

// ConversationSummary is one inbox row: the viewer's denormalized snapshot
// of a conversation with a single counterpart.
type ConversationSummary struct {
	CounterpartId   string    `json:"counterpart_id"`
	CounterpartName string    `json:"counterpart_name,omitempty"`
	LastMessageText string    `json:"last_message_text"`
	LastMessageAt   time.Time `json:"last_message_at"`
	UnreadCount     int       `json:"unread_count"`
}
