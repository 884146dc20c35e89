package database

import "time"

type Message struct {
	Id              int64
	MessageId       string
	ConversationKey string
	SenderId        string
	Text            string
	Seq             int
	CreatedAt       time.Time
}

type ConversationSummary struct {
	OwnerId         string
	CounterpartId   string
	LastMessageText string
	LastMessageAt   time.Time
	UnreadCount     int
	UpdatedAt       time.Time
}

type AppendMessageParams struct {
	ConversationKey string
	MessageId       string
	SenderId        string
	Text            string
	CreatedAt       time.Time
}
