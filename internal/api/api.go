package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/you/mailq/internal/domain"
)

// MessageService is the core the boundary drives.
type MessageService interface {
	Enqueue(ctx context.Context, owner string, msg *domain.Message) (*domain.Job, error)
	FindAndCancel(ctx context.Context, owner string, f domain.Filter) error
	CancelOne(ctx context.Context, owner, id string) error
	Status(ctx context.Context, owner, id string) (*domain.Job, error)
}

// Queue is the connection-manager surface the health and admin endpoints
// consume.
type Queue interface {
	CheckReachable(ctx context.Context) bool
	CheckConnection(ctx context.Context) bool
	Pause(ctx context.Context) <-chan error
	Resume(ctx context.Context) <-chan error
}

// Server wires the delivery API handlers together.
type Server struct {
	svc   MessageService
	queue Queue
	log   *zap.Logger
}

func NewServer(svc MessageService, queue Queue, log *zap.Logger) *Server {
	return &Server{svc: svc, queue: queue, log: log}
}

// Router assembles all routes.
func (s *Server) Router() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)
	rtr.Use(s.requestLogger)

	rtr.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Get("/health", s.health)
		rtr.Get("/ready", s.ready)

		rtr.Group(func(rtr chi.Router) {
			rtr.Use(s.authorizedParty)

			rtr.Post("/messages", s.enqueueMessage)
			rtr.Get("/messages/status/{msgId}", s.messageStatus)
			rtr.Delete("/messages/cancel", s.cancelMessages)
			rtr.Delete("/messages/cancel/{msgId}", s.cancelMessage)
		})

		rtr.Put("/admin/pause", s.pause)
		rtr.Put("/admin/resume", s.resume)
	})

	rtr.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Page Not Found")
	})
	return rtr
}
