package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/tutorlink/chat-service/internal/api"
	"github.com/tutorlink/chat-service/internal/chat"
	"github.com/tutorlink/chat-service/internal/config"
	"github.com/tutorlink/chat-service/internal/database"
	"github.com/tutorlink/chat-service/internal/feed"
	"github.com/tutorlink/chat-service/internal/identity"
	"github.com/tutorlink/chat-service/internal/profile"
	"github.com/tutorlink/chat-service/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
)

func main() {
	env := config.Env()
	flag.StringVar(&addr, "addr", env.GetString("addr"), "server address")
	flag.StringVar(&dsn, "dsn", env.GetString("dsn"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", env.GetString("signing_key"), "base64 encoded token signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	if len(allowedOrigins) == 0 && env.GetString("allowed_origins") != "" {
		allowedOrigins = strings.Split(env.GetString("allowed_origins"), ",")
	}

	logger := log.New(os.Stderr, "[chat-service] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config: ", err)
	}

	db, err := database.Open(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open: ", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Fatal("db close: ", err)
		}
	}()

	if err := database.Migrate(db); err != nil {
		logger.Fatal("migrate: ", err)
	}

	chatRepo := database.NewPgChatRepository(db)
	profiles := profile.NewPgStore(db)
	verifier := identity.NewVerifier(cfg.SigningKey)

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatSvc := chat.NewService(logger, chatRepo)

	feedServer, err := feed.NewServer(logger, chatSvc, statsUpdater)
	if err != nil {
		logger.Fatal("new feed server: ", err)
	}

	srv := api.NewServer(mux, logger, chatRepo, chatSvc, feedServer, profiles, verifier, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go feedServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down feed server...")
	if err := feedServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("feed server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
