package server

import (
	"context"
	"e2e_paste/internal/config"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/model"
	"e2e_paste/internal/utils/log"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type (
	UserRepository interface {
		GetByEmail(ctx context.Context, email string) (*model.Account, error)
		Create(ctx context.Context, account *model.Account) (primitive.ObjectID, error)
	}

	StreamRepository interface {
		Append(ctx context.Context, stream string, event model.NewStreamEvent) (model.StreamEvent, error)
		Read(ctx context.Context, stream, lastID string) ([]model.StreamEvent, error)
		Delete(ctx context.Context, stream string, ids ...string) (int64, error)
		Reset(ctx context.Context, stream string) error
		Devices(ctx context.Context, stream string) ([]model.Device, error)
	}

	HttpServer struct {
		cfg      config.ServerConfig
		userRepo UserRepository
		streams  StreamRepository
		limiter  *rateLimiterStore
		metrics  *metrics
		upgrader websocket.Upgrader
		now      func() time.Time
	}
)

func NewHttpServer(cfg config.ServerConfig, userRepo UserRepository, streams StreamRepository) *HttpServer {
	s := &HttpServer{
		cfg:      cfg,
		userRepo: userRepo,
		streams:  streams,
		metrics:  newMetrics(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // token auth, not origin, guards the socket
			},
		},
		now: time.Now,
	}
	if cfg.Limits.Enabled {
		s.limiter = newRateLimiterStore(rate.Limit(cfg.Limits.RequestsPerSecond), cfg.Limits.Burst)
	}
	return s
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.metrics.middleware)
	r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/login", s.HandleLogin()).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.HandleLogout()).Methods(http.MethodPost)

	protected := api.NewRoute().Subrouter()
	protected.Use(s.authMiddleware, s.rateLimitMiddleware)
	protected.HandleFunc("/auth/authenticate", s.HandleAuthenticate()).Methods(http.MethodPost)
	protected.HandleFunc("/event", s.HandleAddEvent()).Methods(http.MethodPost)
	protected.HandleFunc("/event", s.HandleReadEvents()).Methods(http.MethodGet)
	protected.HandleFunc("/event", s.HandleDeleteEvents()).Methods(http.MethodDelete)
	protected.HandleFunc("/event/reset", s.HandleResetStream()).Methods(http.MethodDelete)
	protected.HandleFunc("/event/ws", s.HandleEventsWS()).Methods(http.MethodGet)
	protected.HandleFunc("/device", s.HandleGetDevices()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", s.cfg.Address))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", zap.Error(err))
	}
}

func (s *HttpServer) HandleAddEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := authorizedUser(r)

		var in model.NewStreamEvent
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid event body", http.StatusBadRequest)
			return
		}

		event, err := s.streams.Append(r.Context(), user.Email, in)
		switch {
		case errors.Is(err, errs.ErrInvalidPayload):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, errs.ErrDeviceExists):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			log.Error("Append event failed", zap.String("stream", user.Email), zap.Error(err))
			http.Error(w, "append event failed", http.StatusInternalServerError)
			return
		}

		s.metrics.eventsAppended.WithLabelValues(string(event.Kind)).Inc()
		log.Debug("event appended",
			zap.String("stream", user.Email),
			zap.String("id", event.Id),
			zap.String("kind", string(event.Kind)))
		writeJSON(w, http.StatusOK, event)
	}
}

// HandleReadEvents long-polls: it answers as soon as events after lastId
// exist, or with [] once the read block time passes.
func (s *HttpServer) HandleReadEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := authorizedUser(r)
		lastID := r.URL.Query().Get("lastId")

		events, err := s.streams.Read(r.Context(), user.Email, lastID)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			log.Error("Read events failed", zap.String("stream", user.Email), zap.Error(err))
			http.Error(w, "read events failed", http.StatusInternalServerError)
			return
		}

		s.metrics.eventsDelivered.Add(float64(len(events)))
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, events)
	}
}

func (s *HttpServer) HandleDeleteEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := authorizedUser(r)
		ids := r.URL.Query()["id"]
		if len(ids) == 0 {
			http.Error(w, "at least one id is required", http.StatusBadRequest)
			return
		}

		n, err := s.streams.Delete(r.Context(), user.Email, ids...)
		if err != nil {
			log.Error("Delete events failed", zap.String("stream", user.Email), zap.Error(err))
			http.Error(w, "delete events failed", http.StatusInternalServerError)
			return
		}

		s.metrics.eventsDeleted.Add(float64(n))
		writeJSON(w, http.StatusOK, map[string]int64{"Deleted": n})
	}
}

func (s *HttpServer) HandleResetStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := authorizedUser(r)
		if err := s.streams.Reset(r.Context(), user.Email); err != nil {
			log.Error("Reset stream failed", zap.String("stream", user.Email), zap.Error(err))
			http.Error(w, "reset stream failed", http.StatusInternalServerError)
			return
		}
		log.Info("stream reset", zap.String("stream", user.Email))
		w.WriteHeader(http.StatusOK)
	}
}

func (s *HttpServer) HandleGetDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := authorizedUser(r)
		devices, err := s.streams.Devices(r.Context(), user.Email)
		if err != nil {
			log.Error("Get devices failed", zap.String("stream", user.Email), zap.Error(err))
			http.Error(w, "get devices failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, devices)
	}
}
