package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/tutorlink/chat-service/internal/chat"
	"github.com/tutorlink/chat-service/internal/feed"
	"github.com/tutorlink/chat-service/internal/identity"
	"github.com/tutorlink/chat-service/internal/profile"
)

const (
	usersCollection  = "users"
	displayNameField = "display_name"
)

type SendMessageRequest struct {
	To        string `json:"to"`
	Text      string `json:"text"`
	MessageId string `json:"message_id,omitempty"`
}

type MarkReadRequest struct {
	With string `json:"with"`
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.CurrentUser(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.To == "" || req.Text == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, err := s.profiles.GetRecord(r.Context(), usersCollection, req.To); err != nil {
		var errResp *ApiError
		if errors.Is(err, profile.ErrRecordNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	result, err := s.feed.Post(r.Context(), user.Id, req.To, req.Text, req.MessageId)
	if err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, chat.ErrInvalidInput):
			errResp = NewBadRequestError()
		case errors.Is(err, chat.ErrPermissionDenied):
			errResp = NewForbiddenError()
		case chat.IsTransient(err) || errors.Is(err, feed.ErrFeedBusy):
			s.log.Println("send message:", err)
			errResp = NewServiceUnavailableError(err)
		default:
			s.log.Println("send message:", err)
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// a retried send that already landed is reported as a plain 200
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}

	s.writeJson(w, status, result.Message)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.CurrentUser(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	with := r.URL.Query().Get("with")
	if with == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var before, after, limit int
	var err error

	beforeStr := r.URL.Query().Get("before")
	if beforeStr != "" {
		before, err = strconv.Atoi(beforeStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	afterStr := r.URL.Query().Get("after")
	if afterStr != "" {
		after, err = strconv.Atoi(afterStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	limitStr := r.URL.Query().Get("limit")
	if limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.chat.History(r.Context(), user.Id, with, after, before, limit)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, chat.ErrInvalidInput) {
			errResp = NewBadRequestError()
		} else {
			s.log.Println("get messages:", err)
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *Server) getConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.CurrentUser(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	summaries, err := s.chat.Inbox(r.Context(), user.Id)
	if err != nil {
		s.log.Println("list conversations:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// decorate each row with the counterpart's display name; a missing
	// profile record leaves the name empty rather than failing the listing
	for i := range summaries {
		rec, err := s.profiles.GetRecord(r.Context(), usersCollection, summaries[i].CounterpartId)
		if err != nil {
			if !errors.Is(err, profile.ErrRecordNotFound) {
				s.log.Println("get profile record:", err)
			}
			continue
		}

		if name, ok := rec.Fields[displayNameField].(string); ok {
			summaries[i].CounterpartName = name
		}
	}

	s.writeJson(w, http.StatusOK, summaries)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.CurrentUser(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.With == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	update, err := s.chat.Open(r.Context(), user.Id, req.With)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, chat.ErrInvalidInput) {
			errResp = NewBadRequestError()
		} else {
			s.log.Println("mark read:", err)
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if update != nil {
		s.feed.PublishInbox(*update)
		s.writeJson(w, http.StatusOK, update.Summary)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.CurrentUser(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rec, err := s.profiles.GetRecord(r.Context(), usersCollection, user.Id)
	if err == nil {
		if name, ok := rec.Fields[displayNameField].(string); ok && name != "" {
			user.DisplayName = name
		}
	} else if !errors.Is(err, profile.ErrRecordNotFound) {
		s.log.Println("get profile record:", err)
	}

	s.writeJson(w, http.StatusOK, user)
}

func (s *Server) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired one
	http.SetCookie(w, identity.ExpiredCookie())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.CurrentUser(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := feed.NewClient(user, conn, s.feed, s.log)

	s.feed.RegisterClient(client)
	go client.Write()
	go client.Read()
}
