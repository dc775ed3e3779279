package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	eventsAppended  *prometheus.CounterVec
	eventsDelivered prometheus.Counter
	eventsDeleted   prometheus.Counter
	wsConnections   prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mypaste_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		eventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mypaste_events_appended_total",
			Help: "Stream events appended by kind",
		}, []string{"kind"}),
		eventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "mypaste_events_delivered_total",
			Help: "Stream events returned to readers",
		}),
		eventsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mypaste_events_deleted_total",
			Help: "Stream events removed on request",
		}),
		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mypaste_ws_connections",
			Help: "Open websocket push connections",
		}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader reach the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}
