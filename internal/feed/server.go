package feed

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/tutorlink/chat-service/internal/chat"
	"github.com/tutorlink/chat-service/internal/stats"
)

const (
	metricConnectedClients    = "ConnectedClients"
	metricActiveConversations = "ActiveConversations"
	metricMessagesSent        = "MessagesSent"
	metricInboxUpdates        = "InboxUpdates"
	metricDroppedInboxUpdates = "DroppedInboxUpdates"
)

// ErrFeedBusy means the hub or a conversation could not accept the request
// right now. The operation is safe to retry.
var ErrFeedBusy = errors.New("feed busy")

type unloadRequest struct {
	key chat.Key
}

type postRequest struct {
	key       chat.Key
	senderId  string
	recipient string
	text      string
	messageId string
	// reply is used by HTTP callers waiting for the result. Websocket
	// publishes leave it nil and get their ack via client/msgId instead.
	reply  chan postReply
	client *Client
	msgId  int
}

type postReply struct {
	result chat.SendResult
	err    error
}

// Server is the live feed hub. It owns the connected clients, routes inbox
// updates to their owners and runs one goroutine per active conversation.
type Server struct {
	log   *log.Logger
	chat  *chat.Service
	stats stats.StatsProvider

	clients     map[*Client]struct{}
	userClients map[string]map[*Client]struct{}
	clientsLock sync.Mutex

	conversations map[chat.Key]*Conversation

	joinChan       chan *ClientMessage
	postChan       chan *postRequest
	inboxChan      chan chat.InboxUpdate
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	unloadChan     chan unloadRequest
	stop           chan struct{}
	done           chan struct{}
}

func NewServer(logger *log.Logger, chatSvc *chat.Service, sp stats.StatsProvider) (*Server, error) {
	s := &Server{
		log:            logger,
		chat:           chatSvc,
		stats:          sp,
		clients:        make(map[*Client]struct{}),
		userClients:    make(map[string]map[*Client]struct{}),
		conversations:  make(map[chat.Key]*Conversation),
		joinChan:       make(chan *ClientMessage, 256),
		postChan:       make(chan *postRequest, 256),
		inboxChan:      make(chan chat.InboxUpdate, 256),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		unloadChan:     make(chan unloadRequest, 64),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, name := range []string{
		metricConnectedClients,
		metricActiveConversations,
		metricMessagesSent,
		metricInboxUpdates,
		metricDroppedInboxUpdates,
	} {
		sp.RegisterMetric(name)
	}

	return s, nil
}

func (s *Server) Run() {
	for {
		select {
		case joinMsg := <-s.joinChan:
			key, err := chat.ResolveKey(joinMsg.GetUserId(), joinMsg.Join.With)
			if err != nil {
				joinMsg.client.queueMessage(ErrInvalidMessage(joinMsg.Id))
				continue
			}

			conv := s.loadConversation(key)
			select {
			case conv.joinChan <- joinMsg:
			default:
				s.log.Printf("join channel full on conversation %q", key)
				joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
			}
		case req := <-s.postChan:
			conv := s.loadConversation(req.key)
			select {
			case conv.postChan <- req:
			default:
				s.log.Printf("post channel full on conversation %q", req.key)
				req.fail(ErrFeedBusy)
			}
		case update := <-s.inboxChan:
			s.deliverInbox(update)
		case client := <-s.RegisterChan:
			s.log.Printf("adding connection %s for user %q", client.id, client.user.Id)
			s.addClient(client)
			s.stats.Incr(metricConnectedClients)
		case client := <-s.deRegisterChan:
			s.log.Printf("removing connection %s for user %q", client.id, client.user.Id)
			s.removeClient(client)
			s.stats.Decr(metricConnectedClients)
		case req := <-s.unloadChan:
			if conv, ok := s.conversations[req.key]; ok {
				delete(s.conversations, req.key)
				close(conv.exit)
				<-conv.done
				s.stats.Decr(metricActiveConversations)
			}
		case <-s.stop:
			s.log.Println("shutting down conversations")
			for key, conv := range s.conversations {
				delete(s.conversations, key)
				close(conv.exit)
				<-conv.done
			}

			close(s.done)
			return
		}
	}
}

// Post routes a send through the conversation's goroutine so broadcast
// order matches append order. Used by the HTTP send path; websocket
// publishes arrive over the same channels from client.Read.
func (s *Server) Post(ctx context.Context, senderId, recipientId, text, messageId string) (chat.SendResult, error) {
	key, err := chat.ResolveKey(senderId, recipientId)
	if err != nil {
		return chat.SendResult{}, err
	}

	req := &postRequest{
		key:       key,
		senderId:  senderId,
		recipient: recipientId,
		text:      text,
		messageId: messageId,
		reply:     make(chan postReply, 1),
	}

	select {
	case s.postChan <- req:
	case <-ctx.Done():
		return chat.SendResult{}, ctx.Err()
	}

	select {
	case reply := <-req.reply:
		return reply.result, reply.err
	case <-ctx.Done():
		return chat.SendResult{}, ctx.Err()
	}
}

// PublishInbox hands an inbox update to the hub for delivery to the
// owner's connected clients. Never blocks; the update is dropped when the
// hub is overloaded and the client re-syncs from its next snapshot.
func (s *Server) PublishInbox(update chat.InboxUpdate) {
	select {
	case s.inboxChan <- update:
	default:
		s.log.Printf("inbox channel full, dropping update for %q", update.OwnerId)
		s.stats.Incr(metricDroppedInboxUpdates)
	}
}

func (s *Server) RegisterClient(c *Client) {
	s.RegisterChan <- c
}

func (s *Server) deliverInbox(update chat.InboxUpdate) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()

	for client := range s.userClients[update.OwnerId] {
		summary := update.Summary
		client.queueMessage(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				Inbox: &summary,
			},
		})
	}

	s.stats.Incr(metricInboxUpdates)
}

func (s *Server) loadConversation(key chat.Key) *Conversation {
	if conv, ok := s.conversations[key]; ok {
		return conv
	}

	conv := &Conversation{
		key:       key,
		srv:       s,
		joinChan:  make(chan *ClientMessage, 256),
		leaveChan: make(chan *ClientMessage, 256),
		postChan:  make(chan *postRequest, 256),
		readChan:  make(chan *ClientMessage, 256),
		clients:   make(map[*Client]struct{}),
		userMap:   make(map[string]map[*Client]struct{}),
		log:       s.log,
		exit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.conversations[key] = conv
	go conv.start()
	s.stats.Incr(metricActiveConversations)

	return conv
}

func (s *Server) addClient(c *Client) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()

	s.clients[c] = struct{}{}
	if s.userClients[c.user.Id] == nil {
		s.userClients[c.user.Id] = make(map[*Client]struct{})
	}
	s.userClients[c.user.Id][c] = struct{}{}
}

func (s *Server) removeClient(c *Client) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()

	delete(s.clients, c)
	if userClients, ok := s.userClients[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(s.userClients, c.user.Id)
		}
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Println("received shutdown signal")

	s.clientsLock.Lock()
	for c := range s.clients {
		c.stopClient()
	}
	s.clientsLock.Unlock()

	close(s.stop)

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (req *postRequest) fail(err error) {
	if req.reply != nil {
		req.reply <- postReply{err: err}
		return
	}
	if req.client != nil {
		req.client.queueMessage(ErrServiceUnavailable(req.msgId))
	}
}
