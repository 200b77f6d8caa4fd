package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/donorchat/internal/chat"
	"github.com/npezzotti/donorchat/internal/config"
	"github.com/npezzotti/donorchat/internal/server"
)

type DonorChatApp struct {
	log            *log.Logger
	engine         *chat.Engine
	cs             *server.ChatServer
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

func NewDonorChatApp(mux *http.ServeMux, logger *log.Logger, engine *chat.Engine, cs *server.ChatServer, cfg *config.Config) *DonorChatApp {
	s := &DonorChatApp{
		log:            logger,
		engine:         engine,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("POST /api/auth/refresh", s.authMiddleware(s.refresh))
	mux.HandleFunc("POST /api/auth/logout", s.logout)
	mux.Handle("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("POST /api/rooms/direct", s.authMiddleware(s.openDirectRoom))
	mux.Handle("GET /api/rooms/{id}", s.authMiddleware(s.getRoom))
	mux.Handle("PATCH /api/rooms/{id}", s.authMiddleware(s.updateRoom))
	mux.Handle("POST /api/rooms/{id}/participants", s.authMiddleware(s.addParticipant))
	mux.Handle("POST /api/rooms/{id}/leave", s.authMiddleware(s.leaveRoom))
	mux.Handle("POST /api/rooms/{id}/read", s.authMiddleware(s.markRead))
	mux.Handle("POST /api/rooms/{id}/attachments", s.authMiddleware(s.uploadAttachment))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("DELETE /api/messages/{id}", s.authMiddleware(s.deleteMessage))
	mux.Handle("GET /api/unread", s.authMiddleware(s.getUnread))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	// attachments are served from the blob directory when it is exposed
	// under a local path
	if cfg.BlobDir != "" && strings.HasPrefix(cfg.BlobBaseURL, "/") {
		prefix := strings.TrimSuffix(cfg.BlobBaseURL, "/") + "/"
		mux.Handle("GET "+prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(cfg.BlobDir))))
	}

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	if logger != nil {
		h = handlers.CombinedLoggingHandler(logger.Writer(), h)
	}
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *DonorChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *DonorChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *DonorChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
