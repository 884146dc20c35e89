package feed

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tutorlink/chat-service/internal/chat"
	"github.com/tutorlink/chat-service/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// Client is one websocket session for an authenticated user. A user may
// hold several sessions at once; each gets its own Client.
type Client struct {
	id            string
	conn          *websocket.Conn
	feed          *Server
	log           *log.Logger
	user          types.User
	send          chan *ServerMessage
	conversations map[chat.Key]*Conversation
	convLock      sync.RWMutex
	stop          chan struct{}
}

func NewClient(user types.User, conn *websocket.Conn, feed *Server, l *log.Logger) *Client {
	return &Client{
		id:            uuid.NewString(),
		conn:          conn,
		feed:          feed,
		log:           l,
		user:          user,
		send:          make(chan *ServerMessage, 256),
		conversations: make(map[chat.Key]*Conversation),
		stop:          make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		switch {
		case msg.Join != nil:
			c.joinConversation(&msg)
		case msg.Leave != nil:
			c.leaveConversation(&msg)
		case msg.Publish != nil:
			c.publish(&msg)
		case msg.Read != nil:
			c.markRead(&msg)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Client) cleanup() {
	c.feed.deRegisterChan <- c
	c.leaveAllConversations()
	c.stopClient()
}

func (c *Client) joinConversation(msg *ClientMessage) {
	select {
	case c.feed.joinChan <- msg:
	default:
		c.log.Printf("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveConversation(msg *ClientMessage) {
	key, err := chat.ResolveKey(c.user.Id, msg.Leave.With)
	if err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	conv := c.getConversation(key)
	if conv == nil {
		c.queueMessage(ErrConversationNotFound(msg.Id))
		return
	}

	select {
	case conv.leaveChan <- msg:
	default:
		c.log.Printf("leave channel full for conversation %q", key)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// publish routes the send through the conversation goroutine when the
// client is joined, otherwise through the hub which loads it on demand.
func (c *Client) publish(msg *ClientMessage) {
	key, err := chat.ResolveKey(c.user.Id, msg.Publish.With)
	if err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	req := &postRequest{
		key:       key,
		senderId:  c.user.Id,
		recipient: msg.Publish.With,
		text:      msg.Publish.Text,
		messageId: msg.Publish.MessageId,
		client:    c,
		msgId:     msg.Id,
	}

	if conv := c.getConversation(key); conv != nil {
		select {
		case conv.postChan <- req:
		default:
			c.log.Printf("post channel full for conversation %q", key)
			c.queueMessage(ErrServiceUnavailable(msg.Id))
		}
		return
	}

	select {
	case c.feed.postChan <- req:
	default:
		c.log.Printf("postChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) markRead(msg *ClientMessage) {
	key, err := chat.ResolveKey(c.user.Id, msg.Read.With)
	if err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	conv := c.getConversation(key)
	if conv == nil {
		c.queueMessage(ErrConversationNotFound(msg.Id))
		return
	}

	select {
	case conv.readChan <- msg:
	default:
		c.log.Printf("read channel full for conversation %q", key)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveAllConversations() {
	c.convLock.RLock()
	defer c.convLock.RUnlock()

	for key, conv := range c.conversations {
		other, _ := key.Other(c.user.Id)
		conv.leaveChan <- &ClientMessage{
			Leave:  &Leave{With: other},
			client: c,
		}
	}
}

func (c *Client) addConversation(conv *Conversation) {
	c.convLock.Lock()
	defer c.convLock.Unlock()

	c.conversations[conv.key] = conv
}

func (c *Client) delConversation(key chat.Key) {
	c.convLock.Lock()
	defer c.convLock.Unlock()

	delete(c.conversations, key)
}

func (c *Client) getConversation(key chat.Key) *Conversation {
	c.convLock.RLock()
	defer c.convLock.RUnlock()

	if conv, ok := c.conversations[key]; ok {
		return conv
	}

	return nil
}
