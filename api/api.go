// Package api exposes the read-only HTTP surface: measurement queries,
// aggregate statistics, liveness, and Prometheus metrics.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aqstream/aqstream/internal/ingest/jsoncodec"
	"github.com/aqstream/aqstream/internal/ingest/logging"
	"github.com/aqstream/aqstream/store"
)

// Server serves the query API over one measurement store.
type Server struct {
	store  store.MeasurementStore
	logger logging.ServiceLogger
	loc    *time.Location
	router chi.Router
}

// New builds the server. Query-time civil timestamps are interpreted in loc.
func New(st store.MeasurementStore, logger logging.ServiceLogger, loc *time.Location) *Server {
	if loc == nil {
		loc = time.UTC
	}
	s := &Server{store: st, logger: logger, loc: loc}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/measurements", s.handleMeasurements)
		r.Get("/measurements/stats", s.handleStats)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// measurementJSON is the wire shape of one measurement. Nil readings render
// as JSON null rather than zero, so absent is distinguishable from measured
// zero.
type measurementJSON struct {
	ID        int64    `json:"id"`
	DeviceID  string   `json:"device_id"`
	Channel   string   `json:"sensor_channel"`
	PM25      *float64 `json:"pm25"`
	PM10      *float64 `json:"pm10"`
	Temp      *float64 `json:"temp"`
	RH        *float64 `json:"rh"`
	DOY       *int     `json:"doy,omitempty"`
	W         *float64 `json:"w,omitempty"`
	Timestamp string   `json:"timestamp"`
	CreatedAt string   `json:"created_at"`
}

func toJSON(m *store.Measurement, loc *time.Location) measurementJSON {
	return measurementJSON{
		ID:        m.ID,
		DeviceID:  m.DeviceID,
		Channel:   string(m.Channel),
		PM25:      m.PM25,
		PM10:      m.PM10,
		Temp:      m.Temperature,
		RH:        m.Humidity,
		DOY:       m.DayOfYear,
		W:         m.Wind,
		Timestamp: m.Timestamp.In(loc).Format("2006-01-02T15:04:05"),
		CreatedAt: m.CreatedAt.In(loc).Format(time.RFC3339),
	}
}

func (s *Server) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	measurements, err := s.store.Range(r.Context(), q)
	if err != nil {
		s.logger.Error("measurement query failed", err, nil)
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]measurementJSON, len(measurements))
	for i, m := range measurements {
		out[i] = toJSON(m, s.loc)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":        len(out),
		"measurements": out,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.store.Stats(r.Context(), q)
	if err != nil {
		s.logger.Error("stats query failed", err, nil)
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

var queryTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02",
	time.RFC3339,
}

func (s *Server) parseQuery(r *http.Request) (store.RangeQuery, error) {
	var q store.RangeQuery
	vals := r.URL.Query()

	if devices := vals.Get("device"); devices != "" {
		q.Devices = splitCSV(devices)
	}
	for _, c := range splitCSV(vals.Get("channel")) {
		q.Channels = append(q.Channels, store.SensorChannel(c))
	}

	var err error
	if q.From, err = s.parseTime(vals.Get("from")); err != nil {
		return q, err
	}
	if q.To, err = s.parseTime(vals.Get("to")); err != nil {
		return q, err
	}

	if v := vals.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, &badParamError{"limit", v}
		}
		q.Limit = n
	}
	if v := vals.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, &badParamError{"offset", v}
		}
		q.Offset = n
	}
	return q, nil
}

func (s *Server) parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range queryTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, s.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &badParamError{"time", v}
}

type badParamError struct {
	param string
	value string
}

func (e *badParamError) Error() string {
	return "invalid " + e.param + " value: " + e.value
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.logger.Error("failed to encode response", err, nil)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
