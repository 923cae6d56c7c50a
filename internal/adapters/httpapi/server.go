// Package httpapi exposes the relay over HTTP and a websocket stream.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bnema/paychat/internal/application"
	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const DefaultPingInterval = 25 * time.Second

// Relay is the server-side service the handlers drive.
type Relay interface {
	CreateSession(ctx context.Context, wallet string) (ports.SessionInfo, error)
	PostUserMessage(ctx context.Context, req ports.SendRequest) (ports.SendResult, error)
	PostAgentReply(ctx context.Context, agent, conversationID, body string, mentions []string) (ports.WireMessage, error)
	Messages(ctx context.Context, conversationID string) ([]ports.WireMessage, error)
	Subscribe(ctx context.Context, conversationID string) (<-chan []ports.WireMessage, func(), error)
	Heartbeat(ctx context.Context, pool domain.PoolID, agent string) error
	Pools(ctx context.Context) ([]application.PoolStatus, error)
	UpdateScore(ctx context.Context, update application.ScoreUpdate) (application.ScoreResult, error)
	Score(ctx context.Context, wallet string) (int, error)
}

var _ Relay = (*application.RelayService)(nil)

type Options struct {
	PingInterval time.Duration
	Logger       *slog.Logger
}

type Server struct {
	relay        Relay
	pingInterval time.Duration
	logger       *slog.Logger
}

func NewRouter(relay Relay, opts Options) http.Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{relay: relay, pingInterval: opts.PingInterval, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.createSession)
		r.Post("/sessions/{sessionID}/conversations/{conversationID}/messages", s.sendMessage)
		r.Get("/conversations/{conversationID}/messages", s.listMessages)
		r.Get("/conversations/{conversationID}/stream", s.stream)
		r.Post("/agents/{agent}/conversations/{conversationID}/replies", s.agentReply)
		r.Post("/pools/{poolID}/agents/{agent}/heartbeat", s.heartbeat)
		r.Get("/pools", s.listPools)
		r.Post("/scoring/update", s.updateScore)
		r.Get("/scores/{wallet}", s.score)
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request",
				slog.String("request_id", chimw.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("elapsed", time.Since(start)))
		})
	}
}
