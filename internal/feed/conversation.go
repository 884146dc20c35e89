package feed

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tutorlink/chat-service/internal/chat"
)

const (
	idleConversationTimeout = 30 * time.Second
	snapshotLimit           = 50
	sendTimeout             = 10 * time.Second
)

// Conversation serializes all feed activity for one conversation key: the
// snapshot on join, posts, and the resulting broadcasts. Because every post
// funnels through this goroutine, subscribers observe messages in exactly
// the order the store assigned.
type Conversation struct {
	key        chat.Key
	srv        *Server
	joinChan   chan *ClientMessage
	leaveChan  chan *ClientMessage
	postChan   chan *postRequest
	readChan   chan *ClientMessage
	clients    map[*Client]struct{}
	userMap    map[string]map[*Client]struct{}
	clientLock sync.RWMutex
	log        *log.Logger
	// killTimer unloads the conversation once no clients remain attached
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}
}

func (c *Conversation) start() {
	c.log.Printf("starting conversation %q", c.key)
	c.killTimer = time.NewTimer(idleConversationTimeout)

	for {
		select {
		case join := <-c.joinChan:
			c.handleJoin(join)
		case leaveMsg := <-c.leaveChan:
			c.handleLeave(leaveMsg)
		case req := <-c.postChan:
			c.handlePost(req)
		case readMsg := <-c.readChan:
			c.handleRead(readMsg)
		case <-c.killTimer.C:
			c.handleTimeout()
		case <-c.exit:
			c.handleExit()
			return
		}
	}
}

func (c *Conversation) handleJoin(join *ClientMessage) {
	// stop the kill timer since we have a new client
	c.killTimer.Stop()

	cl := join.client
	other, ok := c.key.Other(cl.user.Id)
	if !ok {
		cl.queueMessage(ErrNotPermitted(join.Id))
		c.resetTimerIfEmpty()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	messages, err := c.srv.chat.History(ctx, cl.user.Id, other, 0, 0, snapshotLimit)
	if err != nil {
		c.log.Println("snapshot:", err)
		cl.queueMessage(ErrInternalError(join.Id))
		c.resetTimerIfEmpty()
		return
	}

	// opening the conversation marks it read for the joiner
	update, err := c.srv.chat.Open(ctx, cl.user.Id, other)
	if err != nil {
		c.log.Println("clear unread on join:", err)
	} else if update != nil {
		c.srv.PublishInbox(*update)
	}

	c.addClient(cl)

	cl.queueMessage(NoErrOK(join.Id, ConversationSnapshot{
		Key:      c.key.String(),
		With:     other,
		Messages: messages,
	}))
}

func (c *Conversation) handleLeave(leaveMsg *ClientMessage) {
	c.removeClient(leaveMsg.client)

	// leaves generated during connection teardown carry no user id and
	// get no ack
	if leaveMsg.UserId != "" {
		leaveMsg.client.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}
}

func (c *Conversation) handlePost(req *postRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	result, err := c.srv.chat.Send(ctx, req.senderId, req.recipient, req.text, req.messageId)

	if req.reply != nil {
		req.reply <- postReply{result: result, err: err}
	} else if req.client != nil {
		req.client.queueMessage(postAck(req.msgId, err))
	}

	if err != nil {
		c.log.Printf("send in %q: %v", c.key, err)
		return
	}

	if result.Duplicate {
		return
	}

	c.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: result.Message.SentAt,
		},
		Message: &result.Message,
	})
	c.srv.stats.Incr(metricMessagesSent)

	for _, update := range result.Inbox {
		c.srv.PublishInbox(update)
	}
}

func (c *Conversation) handleRead(msg *ClientMessage) {
	other, ok := c.key.Other(msg.GetUserId())
	if !ok {
		msg.client.queueMessage(ErrNotPermitted(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	update, err := c.srv.chat.Open(ctx, msg.GetUserId(), other)
	if err != nil {
		c.log.Println("clear unread:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	// let the reader's other sessions zero their badge too
	if update != nil {
		c.srv.PublishInbox(*update)
	}
}

func (c *Conversation) handleTimeout() {
	c.log.Printf("conversation %q timed out", c.key)
	select {
	case c.srv.unloadChan <- unloadRequest{key: c.key}:
	default:
		// hub is busy, try again next cycle
		c.killTimer.Reset(idleConversationTimeout)
	}
}

func (c *Conversation) handleExit() {
	c.log.Printf("conversation %q is exiting", c.key)

	c.clientLock.Lock()
	for cl := range c.clients {
		cl.delConversation(c.key)
	}
	c.clientLock.Unlock()

	// answer any posts still queued so callers don't hang
	for {
		select {
		case req := <-c.postChan:
			req.fail(ErrFeedBusy)
		default:
			close(c.done)
			return
		}
	}
}

func (c *Conversation) addClient(cl *Client) {
	c.clientLock.Lock()
	defer c.clientLock.Unlock()

	c.clients[cl] = struct{}{}
	if c.userMap[cl.user.Id] == nil {
		c.userMap[cl.user.Id] = make(map[*Client]struct{})
	}
	c.userMap[cl.user.Id][cl] = struct{}{}

	cl.addConversation(c)
}

func (c *Conversation) removeClient(cl *Client) {
	c.clientLock.Lock()
	defer c.clientLock.Unlock()

	if _, ok := c.clients[cl]; !ok {
		c.log.Printf("client %s not attached to conversation %q", cl.id, c.key)
		return
	}

	delete(c.clients, cl)
	cl.delConversation(c.key)

	if userClients, ok := c.userMap[cl.user.Id]; ok {
		delete(userClients, cl)
		if len(userClients) == 0 {
			delete(c.userMap, cl.user.Id)
		}
	}

	if len(c.clients) == 0 {
		c.log.Printf("no clients in %q, starting kill timer", c.key)
		c.killTimer.Reset(idleConversationTimeout)
	}
}

func (c *Conversation) resetTimerIfEmpty() {
	c.clientLock.RLock()
	defer c.clientLock.RUnlock()

	if len(c.clients) == 0 {
		c.killTimer.Reset(idleConversationTimeout)
	}
}

func (c *Conversation) broadcast(msg *ServerMessage) {
	c.clientLock.RLock()
	defer c.clientLock.RUnlock()

	for client := range c.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}

func postAck(msgId int, err error) *ServerMessage {
	switch {
	case err == nil:
		return NoErrAccepted(msgId)
	case errors.Is(err, chat.ErrInvalidInput):
		return ErrInvalidMessage(msgId)
	case errors.Is(err, chat.ErrPermissionDenied):
		return ErrNotPermitted(msgId)
	case chat.IsTransient(err) || errors.Is(err, ErrFeedBusy):
		return ErrServiceUnavailable(msgId)
	default:
		return ErrInternalError(msgId)
	}
}
