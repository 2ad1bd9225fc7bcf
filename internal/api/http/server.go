package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appDispute "github.com/p2p-escrow/trade-engine/internal/application/dispute"
	"github.com/p2p-escrow/trade-engine/internal/application/fanout"
	"github.com/p2p-escrow/trade-engine/internal/application/lifecycle"
)

// HealthFunc reports whether the backing stores are reachable.
type HealthFunc func(ctx context.Context) error

// Server holds dependencies for HTTP handlers.
type Server struct {
	tradeSvc   *lifecycle.Service
	disputeSvc *appDispute.Service
	fanoutSvc  *fanout.Service
	metrics    http.Handler
	health     HealthFunc
	logger     zerolog.Logger
}

// NewServer builds the HTTP layer. metrics and health may be nil.
func NewServer(
	tradeSvc *lifecycle.Service,
	disputeSvc *appDispute.Service,
	fanoutSvc *fanout.Service,
	metrics http.Handler,
	health HealthFunc,
	logger zerolog.Logger,
) *Server {
	return &Server{
		tradeSvc:   tradeSvc,
		disputeSvc: disputeSvc,
		fanoutSvc:  fanoutSvc,
		metrics:    metrics,
		health:     health,
		logger:     logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireIdentity)

		// Streams stay open past the request timeout.
		r.Get("/notifications/sse", s.notificationSSE)
		r.Get("/notifications/ws", s.notificationWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/trades", func(r chi.Router) {
				r.Post("/", s.createTrade)
				r.Get("/", s.listTrades)
				r.Get("/{tradeId}", s.getTrade)
				r.Get("/{tradeId}/history", s.tradeHistory)
				r.Get("/{tradeId}/actions", s.allowedActions)
				r.Post("/{tradeId}/transitions", s.requestTransition)
				r.Post("/{tradeId}/receipt", s.attachReceipt)
				r.Post("/{tradeId}/messages", s.postMessage)
				r.Get("/{tradeId}/messages", s.listMessages)
				r.Get("/{tradeId}/dispute", s.getTradeDispute)
			})

			r.Route("/disputes", func(r chi.Router) {
				r.Get("/", s.listDisputes)
				r.Get("/{disputeId}", s.getDispute)
				r.Post("/{disputeId}/resolve", s.resolveDispute)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.listNotifications)
				r.Get("/counts", s.notificationCounts)
				r.Post("/clear", s.clearNotifications)
				r.Delete("/{notificationId}", s.dismissNotification)
			})
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
