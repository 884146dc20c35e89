package feed

import (
	"net/http"
	"time"

	"github.com/tutorlink/chat-service/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the envelope for everything a connected client sends.
// Exactly one of the operation fields is set.
type ClientMessage struct {
	BaseMessage
	Publish *Publish `json:"publish,omitempty"`
	Join    *Join    `json:"join,omitempty"`
	Leave   *Leave   `json:"leave,omitempty"`
	Read    *Read    `json:"read,omitempty"`
	UserId  string   `json:"-"`
	client  *Client  `json:"-"`
}

// GetUserId returns the acting user's id, falling back to the client's
// authenticated user when the message hasn't been stamped yet.
func (cm *ClientMessage) GetUserId() string {
	if cm.UserId != "" {
		return cm.UserId
	}
	if cm.client != nil {
		return cm.client.user.Id
	}
	return ""
}

// Publish sends a message to the counterpart identified by With. MessageId
// is optional: clients set it when retrying so the send stays idempotent.
type Publish struct {
	With      string `json:"with"`
	Text      string `json:"text"`
	MessageId string `json:"message_id,omitempty"`
}

// Join attaches the client to the conversation with the counterpart,
// delivering a snapshot followed by live messages.
type Join struct {
	With string `json:"with"`
}

type Leave struct {
	With string `json:"with"`
}

// Read marks the conversation with the counterpart as read.
type Read struct {
	With string `json:"with"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	SkipClient   *Client        `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	// Inbox carries the subscriber's own updated summary row.
	Inbox *types.ConversationSummary `json:"inbox,omitempty"`
}

// ConversationSnapshot is the join response payload: the current tail of
// the log, ascending, before any incremental updates.
type ConversationSnapshot struct {
	Key      string          `json:"key"`
	With     string          `json:"with"`
	Messages []types.Message `json:"messages"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func ErrConversationNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "conversation not found",
		},
	}
}

func ErrNotPermitted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "not a participant",
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
