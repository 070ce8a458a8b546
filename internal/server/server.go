package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/rouse/internal/handler"
	"github.com/dukerupert/rouse/internal/middleware"
	ws "github.com/dukerupert/rouse/internal/websocket"
)

// Snapshotter exposes current metric values.
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[string]int64, error)
}

type Deps struct {
	Alarms    handler.AlarmService
	NextRing  handler.NextRinger
	Sync      handler.Puller
	Router    handler.Ringer
	Sound     handler.Previewer
	Notes     handler.Tapper
	PushStore handler.PushSubscriptions
	VAPIDKey  string
	Hub       *ws.Hub
	Metrics   Snapshotter
	Logger    *slog.Logger
}

type Server struct {
	alarmH      *handler.AlarmHandler
	ringingH    *handler.RingingHandler
	pushH       *handler.PushHandler
	hub         *ws.Hub
	metrics     Snapshotter
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		alarmH:      handler.NewAlarmHandler(d.Alarms, d.NextRing, d.Sync, logger.With("component", "alarms")),
		ringingH:    handler.NewRingingHandler(d.Router, d.Sound, d.Notes, logger.With("component", "ringing")),
		hub:         d.Hub,
		metrics:     d.Metrics,
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
	if d.PushStore != nil {
		s.pushH = handler.NewPushHandler(d.PushStore, d.VAPIDKey, logger.With("component", "push"))
	}
	return s
}

func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /api/metrics", s.metricsHandler)

	// Alarms
	mux.HandleFunc("GET /api/alarms", s.alarmH.List)
	mux.HandleFunc("POST /api/alarms", s.alarmH.Create)
	mux.HandleFunc("GET /api/alarms/{id}", s.alarmH.Get)
	mux.HandleFunc("PUT /api/alarms/{id}", s.alarmH.Update)
	mux.HandleFunc("DELETE /api/alarms/{id}", s.alarmH.Delete)
	mux.HandleFunc("POST /api/alarms/{id}/toggle", s.alarmH.Toggle)
	mux.HandleFunc("POST /api/sync/pull", s.rateLimitedHandler(s.alarmH.Pull, 6))

	// Ringing and missions
	mux.HandleFunc("GET /api/ringing", s.ringingH.Get)
	mux.HandleFunc("POST /api/ringing/dismiss", s.ringingH.Dismiss)
	mux.HandleFunc("GET /api/mission", s.ringingH.Mission)
	mux.HandleFunc("POST /api/mission/answer", s.rateLimitedHandler(s.ringingH.Answer, 30))
	mux.HandleFunc("POST /api/mission/location", s.ringingH.Location)
	mux.HandleFunc("POST /api/sounds/preview", s.ringingH.Preview)
	mux.HandleFunc("DELETE /api/sounds/preview", s.ringingH.StopPreview)
	mux.HandleFunc("POST /api/notifications/{id}/tap", s.ringingH.Tap)

	if s.pushH != nil {
		mux.HandleFunc("POST /api/push/subscribe", s.rateLimitedHandler(s.pushH.Subscribe, 10))
		mux.HandleFunc("GET /api/push/subscriptions", s.pushH.ListSubscriptions)
		mux.HandleFunc("DELETE /api/push/subscriptions/{id}", s.pushH.Unsubscribe)
		mux.HandleFunc("GET /api/push/vapid-key", s.pushH.VAPIDKey)
	}

	if s.hub != nil {
		mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))
	}

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	out := map[string]int64{}
	if s.metrics != nil {
		snap, err := s.metrics.Snapshot(r.Context())
		if err != nil {
			s.logger.Error("collect metrics", "error", err)
			http.Error(w, "failed to collect metrics", http.StatusInternalServerError)
			return
		}
		out = snap
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc, perMinute int) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return r.URL.Path + "|" + middleware.RealIP(r)
	}
	return middleware.RateLimit(s.rateLimiter, keyFunc, perMinute, time.Minute)(h).ServeHTTP
}
