package server

import (
	"context"
	"e2e_paste/internal/model"
	"e2e_paste/internal/utils/log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

// HandleEventsWS pushes every batch after lastId as a JSON array message,
// in the order a GET /api/event loop would return them.
func (s *HttpServer) HandleEventsWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := authorizedUser(r)
		lastID := r.URL.Query().Get("lastId")

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("Failed to upgrade", zap.Error(err))
			return
		}
		defer conn.Close()

		s.metrics.wsConnections.Inc()
		defer s.metrics.wsConnections.Dec()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go s.drainWS(conn, cancel)

		log.Debug("push connection opened", zap.String("stream", user.Email), zap.String("lastId", lastID))
		for ctx.Err() == nil {
			events, err := s.streams.Read(ctx, user.Email, lastID)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("Read events failed", zap.String("stream", user.Email), zap.Error(err))
				}
				return
			}
			if len(events) == 0 {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(events); err != nil {
				log.Debug("push connection closed", zap.Error(err))
				return
			}
			s.metrics.eventsDelivered.Add(float64(len(events)))
			lastID = model.LastID(events)
		}
	}
}

// drainWS reads until the peer goes away. The client never sends data
// frames, but reading is needed to process close and ping frames.
func (s *HttpServer) drainWS(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
