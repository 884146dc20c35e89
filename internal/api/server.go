package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/tutorlink/chat-service/internal/chat"
	"github.com/tutorlink/chat-service/internal/config"
	"github.com/tutorlink/chat-service/internal/database"
	"github.com/tutorlink/chat-service/internal/feed"
	"github.com/tutorlink/chat-service/internal/identity"
	"github.com/tutorlink/chat-service/internal/profile"
)

type Server struct {
	log            *log.Logger
	db             database.ChatRepository
	chat           *chat.Service
	feed           *feed.Server
	profiles       profile.Store
	verifier       *identity.Verifier
	mux            *http.Server
	allowedOrigins []string
}

func NewServer(mux *http.ServeMux, logger *log.Logger, db database.ChatRepository, chatSvc *chat.Service,
	feedSrv *feed.Server, profiles profile.Store, verifier *identity.Verifier, cfg *config.Config) *Server {
	s := &Server{
		log:            logger,
		db:             db,
		chat:           chatSvc,
		feed:           feedSrv,
		profiles:       profiles,
		verifier:       verifier,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/messages", s.authMiddleware(s.sendMessage))
	mux.HandleFunc("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("GET /api/conversations", s.authMiddleware(s.getConversations))
	mux.HandleFunc("POST /api/conversations/read", s.authMiddleware(s.markRead))
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *Server) Start() error {
	s.log.Printf("Starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Println("Shutting down server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.log.Println("Server shutdown complete")
	return nil
}
