package feed

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/tutorlink/chat-service/internal/chat"
	"github.com/tutorlink/chat-service/internal/database"
	"github.com/tutorlink/chat-service/internal/stats"
	"github.com/tutorlink/chat-service/internal/testutil"
	"github.com/tutorlink/chat-service/internal/types"
)

func newTestConversation(t *testing.T, srv *Server) *Conversation {
	t.Helper()

	key, err := chat.ResolveKey("alice", "bob")
	assert.NoError(t, err, "expected no error resolving key")

	conv := &Conversation{
		key:       key,
		srv:       srv,
		joinChan:  make(chan *ClientMessage, 256),
		leaveChan: make(chan *ClientMessage, 256),
		postChan:  make(chan *postRequest, 256),
		readChan:  make(chan *ClientMessage, 256),
		clients:   make(map[*Client]struct{}),
		userMap:   make(map[string]map[*Client]struct{}),
		log:       testutil.TestLogger(t),
		killTimer: time.NewTimer(idleConversationTimeout),
		exit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	conv.killTimer.Stop()

	return conv
}

func newTestClient(id, userId string) *Client {
	return &Client{
		id:            id,
		user:          types.User{Id: userId},
		send:          make(chan *ServerMessage, 256),
		conversations: make(map[chat.Key]*Conversation),
	}
}

func Test_conversation_addClient_removeClient(t *testing.T) {
	conv := newTestConversation(t, newTestFeedServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{}))

	c := newTestClient("session-1", "alice")
	conv.addClient(c)

	assert.Contains(t, conv.clients, c, "expected client to be added")
	assert.Contains(t, conv.userMap["alice"], c, "expected userMap entry for user")
	assert.Contains(t, c.conversations, conv.key, "expected conversation to be added to client")

	conv.removeClient(c)
	assert.NotContains(t, conv.clients, c, "expected client to be removed")
	assert.NotContains(t, conv.userMap, "alice", "expected userMap entry to be removed")
	assert.NotContains(t, c.conversations, conv.key, "expected conversation to be removed from client")
	assert.True(t, conv.killTimer.Stop(), "expected kill timer to be started after last client left")
}

func Test_handleJoin(t *testing.T) {
	t.Run("delivers snapshot and clears unread", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		srv := newTestFeedServer(t, db, &stats.MockStatsUpdater{})
		conv := newTestConversation(t, srv)
		c := newTestClient("session-1", "alice")

		now := Now()
		db.On("GetMessages", mock.Anything, "alice_bob", 0, 0, snapshotLimit).Return([]database.Message{
			{MessageId: "m1", ConversationKey: "alice_bob", SenderId: "bob", Text: "hi", Seq: 1, CreatedAt: now},
		}, nil).Once()
		db.On("ClearUnread", mock.Anything, "alice", "bob").
			Return(database.ConversationSummary{OwnerId: "alice", CounterpartId: "bob", LastMessageText: "hi", UnreadCount: 0}, true, nil).Once()

		conv.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Join:        &Join{With: "bob"},
			UserId:      "alice",
			client:      c,
		})

		assert.Contains(t, conv.clients, c, "expected client to be added to conversation")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected response message")
			assert.Equal(t, 1, msg.Id, "expected response id to match join id")
			assert.Equal(t, http.StatusOK, msg.Response.ResponseCode, "expected response code 200")

			snapshot, ok := msg.Response.Data.(ConversationSnapshot)
			assert.True(t, ok, "expected snapshot payload")
			assert.Equal(t, "alice_bob", snapshot.Key, "expected snapshot key to match")
			assert.Equal(t, "bob", snapshot.With, "expected snapshot counterpart to match")
			assert.Len(t, snapshot.Messages, 1, "expected one message in snapshot")
		default:
			t.Error("expected client to receive snapshot response")
		}

		select {
		case update := <-srv.inboxChan:
			assert.Equal(t, "alice", update.OwnerId, "expected cleared summary to be published for the joiner")
			assert.Equal(t, 0, update.Summary.UnreadCount, "expected unread count of zero")
		default:
			t.Error("expected inbox update after unread was cleared on join")
		}
	})

	t.Run("rejects non-participant", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		conv := newTestConversation(t, newTestFeedServer(t, db, &stats.MockStatsUpdater{}))
		c := newTestClient("session-1", "carol")

		conv.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Join:        &Join{With: "bob"},
			UserId:      "carol",
			client:      c,
		})

		assert.NotContains(t, conv.clients, c, "expected client to not be added")
		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected response message")
			assert.Equal(t, http.StatusForbidden, msg.Response.ResponseCode, "expected response code 403")
		default:
			t.Error("expected client to receive error response")
		}
		assert.True(t, conv.killTimer.Stop(), "expected kill timer to be restarted after rejected join")
	})

	t.Run("snapshot failure", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		conv := newTestConversation(t, newTestFeedServer(t, db, &stats.MockStatsUpdater{}))
		c := newTestClient("session-1", "alice")

		db.On("GetMessages", mock.Anything, "alice_bob", 0, 0, snapshotLimit).
			Return(nil, errors.New("db error")).Once()

		conv.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Join:        &Join{With: "bob"},
			UserId:      "alice",
			client:      c,
		})

		assert.NotContains(t, conv.clients, c, "expected client to not be added after failed join")
		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected response message")
			assert.Equal(t, http.StatusInternalServerError, msg.Response.ResponseCode, "expected response code 500")
		default:
			t.Error("expected client to receive error response")
		}
	})
}

func Test_conversation_handleLeave(t *testing.T) {
	t.Run("user leave gets ack", func(t *testing.T) {
		conv := newTestConversation(t, newTestFeedServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{}))
		c := newTestClient("session-1", "alice")
		conv.addClient(c)

		conv.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 2, Timestamp: Now()},
			Leave:       &Leave{With: "bob"},
			UserId:      "alice",
			client:      c,
		})

		assert.NotContains(t, conv.clients, c, "expected client to be removed")
		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected response message")
			assert.Equal(t, 2, msg.Id, "expected response id to match leave id")
			assert.Equal(t, http.StatusOK, msg.Response.ResponseCode, "expected response code 200")
		default:
			t.Error("expected client to receive leave ack")
		}
	})

	t.Run("teardown leave gets no ack", func(t *testing.T) {
		conv := newTestConversation(t, newTestFeedServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{}))
		c := newTestClient("session-1", "alice")
		conv.addClient(c)

		conv.handleLeave(&ClientMessage{
			Leave:  &Leave{With: "bob"},
			client: c,
		})

		assert.NotContains(t, conv.clients, c, "expected client to be removed")
		select {
		case <-c.send:
			t.Error("expected no ack for teardown leave")
		default:
		}
	})
}

func Test_handlePost(t *testing.T) {
	t.Run("broadcasts fresh message and publishes inbox updates", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		sp := &stats.MockStatsUpdater{}
		srv := newTestFeedServer(t, db, sp)
		conv := newTestConversation(t, srv)

		sender := newTestClient("session-1", "alice")
		receiver := newTestClient("session-2", "bob")
		conv.addClient(sender)
		conv.addClient(receiver)

		now := Now()
		record := database.Message{
			Id:              1,
			MessageId:       "m1",
			ConversationKey: "alice_bob",
			SenderId:        "alice",
			Text:            "hello",
			Seq:             1,
			CreatedAt:       now,
		}
		db.On("AppendMessage", mock.Anything, mock.Anything).Return(record, true, nil).Once()
		db.On("UpsertSenderSummary", mock.Anything, "alice", "bob", "hello", now).
			Return(database.ConversationSummary{OwnerId: "alice", CounterpartId: "bob", LastMessageText: "hello"}, nil).Once()
		db.On("UpsertReceiverSummary", mock.Anything, "bob", "alice", "hello", now).
			Return(database.ConversationSummary{OwnerId: "bob", CounterpartId: "alice", LastMessageText: "hello", UnreadCount: 1}, nil).Once()

		conv.handlePost(&postRequest{
			key:       conv.key,
			senderId:  "alice",
			recipient: "bob",
			text:      "hello",
			messageId: "m1",
			client:    sender,
			msgId:     3,
		})

		// sender gets an accepted ack first, then the broadcast
		select {
		case msg := <-sender.send:
			assert.NotNil(t, msg.Response, "expected ack to be a response")
			assert.Equal(t, 3, msg.Id, "expected ack id to match request id")
			assert.Equal(t, http.StatusAccepted, msg.Response.ResponseCode, "expected accepted ack")
		default:
			t.Error("expected sender to receive ack")
		}

		for _, c := range []*Client{sender, receiver} {
			select {
			case msg := <-c.send:
				assert.NotNil(t, msg.Message, "expected broadcast message")
				assert.Equal(t, "m1", msg.Message.MessageId, "expected message id to match")
				assert.Equal(t, 1, msg.Message.Seq, "expected seq to match")
				assert.Equal(t, "alice", msg.Message.SenderId, "expected sender to match")
			default:
				t.Errorf("expected session %s to receive broadcast", c.id)
			}
		}

		assert.Equal(t, 1, sp.Counts[metricMessagesSent], "expected sent message metric to be incremented")
		assert.Len(t, srv.inboxChan, 2, "expected inbox updates for both participants")
	})

	t.Run("duplicate send is acked but not rebroadcast", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		srv := newTestFeedServer(t, db, &stats.MockStatsUpdater{})
		conv := newTestConversation(t, srv)

		sender := newTestClient("session-1", "alice")
		conv.addClient(sender)

		record := database.Message{MessageId: "m1", ConversationKey: "alice_bob", SenderId: "alice", Text: "hello", Seq: 1, CreatedAt: Now()}
		db.On("AppendMessage", mock.Anything, mock.Anything).Return(record, false, nil).Once()

		conv.handlePost(&postRequest{
			key:       conv.key,
			senderId:  "alice",
			recipient: "bob",
			text:      "hello",
			messageId: "m1",
			client:    sender,
			msgId:     4,
		})

		select {
		case msg := <-sender.send:
			assert.NotNil(t, msg.Response, "expected ack to be a response")
			assert.Equal(t, http.StatusAccepted, msg.Response.ResponseCode, "expected accepted ack for duplicate")
		default:
			t.Error("expected sender to receive ack")
		}

		select {
		case <-sender.send:
			t.Error("expected no broadcast for duplicate send")
		default:
		}
		assert.Empty(t, srv.inboxChan, "expected no inbox updates for duplicate send")
	})

	t.Run("replies to waiting caller", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		srv := newTestFeedServer(t, db, &stats.MockStatsUpdater{})
		conv := newTestConversation(t, srv)

		now := Now()
		record := database.Message{MessageId: "m1", ConversationKey: "alice_bob", SenderId: "alice", Text: "hello", Seq: 1, CreatedAt: now}
		db.On("AppendMessage", mock.Anything, mock.Anything).Return(record, true, nil).Once()
		db.On("UpsertSenderSummary", mock.Anything, "alice", "bob", "hello", now).
			Return(database.ConversationSummary{OwnerId: "alice", CounterpartId: "bob"}, nil).Once()
		db.On("UpsertReceiverSummary", mock.Anything, "bob", "alice", "hello", now).
			Return(database.ConversationSummary{OwnerId: "bob", CounterpartId: "alice", UnreadCount: 1}, nil).Once()

		reply := make(chan postReply, 1)
		conv.handlePost(&postRequest{
			key:       conv.key,
			senderId:  "alice",
			recipient: "bob",
			text:      "hello",
			messageId: "m1",
			reply:     reply,
		})

		select {
		case r := <-reply:
			assert.NoError(t, r.err, "expected no error in reply")
			assert.Equal(t, "m1", r.result.Message.MessageId, "expected message id to match")
		default:
			t.Error("expected caller to receive reply")
		}
	})

	t.Run("store failure is acked as unavailable", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		srv := newTestFeedServer(t, db, &stats.MockStatsUpdater{})
		conv := newTestConversation(t, srv)

		sender := newTestClient("session-1", "alice")
		conv.addClient(sender)

		db.On("AppendMessage", mock.Anything, mock.Anything).
			Return(database.Message{}, false, errors.New("db error")).Once()

		conv.handlePost(&postRequest{
			key:       conv.key,
			senderId:  "alice",
			recipient: "bob",
			text:      "hello",
			client:    sender,
			msgId:     5,
		})

		select {
		case msg := <-sender.send:
			assert.NotNil(t, msg.Response, "expected ack to be a response")
			assert.Equal(t, http.StatusServiceUnavailable, msg.Response.ResponseCode, "expected unavailable for store failure")
		default:
			t.Error("expected sender to receive error ack")
		}
	})
}

func Test_conversation_handleRead(t *testing.T) {
	t.Run("clears unread and acks", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		srv := newTestFeedServer(t, db, &stats.MockStatsUpdater{})
		conv := newTestConversation(t, srv)
		c := newTestClient("session-1", "alice")

		db.On("ClearUnread", mock.Anything, "alice", "bob").
			Return(database.ConversationSummary{OwnerId: "alice", CounterpartId: "bob", UnreadCount: 0}, true, nil).Once()

		conv.handleRead(&ClientMessage{
			BaseMessage: BaseMessage{Id: 6, Timestamp: Now()},
			Read:        &Read{With: "bob"},
			UserId:      "alice",
			client:      c,
		})

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected response message")
			assert.Equal(t, 6, msg.Id, "expected response id to match read id")
			assert.Equal(t, http.StatusOK, msg.Response.ResponseCode, "expected response code 200")
		default:
			t.Error("expected client to receive read ack")
		}

		select {
		case update := <-srv.inboxChan:
			assert.Equal(t, "alice", update.OwnerId, "expected cleared summary to go to the reader")
			assert.Equal(t, 0, update.Summary.UnreadCount, "expected unread count of zero")
		default:
			t.Error("expected inbox update after clearing unread")
		}
	})

	t.Run("store failure", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		conv := newTestConversation(t, newTestFeedServer(t, db, &stats.MockStatsUpdater{}))
		c := newTestClient("session-1", "alice")

		db.On("ClearUnread", mock.Anything, "alice", "bob").
			Return(database.ConversationSummary{}, false, errors.New("db error")).Once()

		conv.handleRead(&ClientMessage{
			BaseMessage: BaseMessage{Id: 6, Timestamp: Now()},
			Read:        &Read{With: "bob"},
			UserId:      "alice",
			client:      c,
		})

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Response, "expected response message")
			assert.Equal(t, http.StatusInternalServerError, msg.Response.ResponseCode, "expected response code 500")
		default:
			t.Error("expected client to receive error response")
		}
	})
}

func Test_handleTimeout(t *testing.T) {
	t.Run("requests unload from hub", func(t *testing.T) {
		srv := newTestFeedServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		conv := newTestConversation(t, srv)

		conv.handleTimeout()
		select {
		case req := <-srv.unloadChan:
			assert.Equal(t, conv.key, req.key, "expected unload request for conversation key")
		default:
			t.Error("expected unload request to be sent")
		}
	})

	t.Run("retries when unload channel is full", func(t *testing.T) {
		srv := newTestFeedServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		conv := newTestConversation(t, srv)

		srv.unloadChan = make(chan unloadRequest, 1)
		srv.unloadChan <- unloadRequest{key: "other_pair"}

		conv.handleTimeout()
		assert.True(t, conv.killTimer.Stop(), "expected kill timer to be restarted after failed unload")
	})
}

func Test_handleExit(t *testing.T) {
	srv := newTestFeedServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
	conv := newTestConversation(t, srv)

	c := newTestClient("session-1", "alice")
	conv.addClient(c)

	reply := make(chan postReply, 1)
	conv.postChan <- &postRequest{key: conv.key, senderId: "alice", recipient: "bob", text: "hello", reply: reply}

	conv.handleExit()

	assert.NotContains(t, c.conversations, conv.key, "expected conversation to be detached from client")

	select {
	case r := <-reply:
		assert.ErrorIs(t, r.err, ErrFeedBusy, "expected queued post to be failed")
	default:
		t.Error("expected queued post to receive a reply")
	}

	select {
	case <-conv.done:
	default:
		t.Error("expected done channel to be closed")
	}
}

func Test_postAck(t *testing.T) {
	tcases := []struct {
		name string
		err  error
		code int
	}{
		{name: "no error", err: nil, code: http.StatusAccepted},
		{name: "invalid input", err: chat.ErrInvalidInput, code: http.StatusBadRequest},
		{name: "permission denied", err: chat.ErrPermissionDenied, code: http.StatusForbidden},
		{name: "feed busy", err: ErrFeedBusy, code: http.StatusServiceUnavailable},
		{name: "unknown error", err: errors.New("boom"), code: http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg := postAck(1, tc.err)
			assert.NotNil(t, msg.Response, "expected response message")
			assert.Equal(t, tc.code, msg.Response.ResponseCode, "expected response code to match")
		})
	}
}
