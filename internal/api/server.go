package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"solar-microgrid-monitor/internal/db"
	"solar-microgrid-monitor/internal/diagnostics"
	"solar-microgrid-monitor/internal/forecast"
	"solar-microgrid-monitor/internal/metrics"
	"solar-microgrid-monitor/internal/models"
	"solar-microgrid-monitor/internal/monitor"
	"solar-microgrid-monitor/internal/parser"
	"solar-microgrid-monitor/internal/report"
)

const maxBodyBytes = 10 << 20

// VerdictCache is the cache the server writes through and reads recent anomalies from
type VerdictCache interface {
	monitor.Cache
	RecentAnomalies(ctx context.Context, count int64) ([]models.Verdict, error)
}

// Options wires the server's collaborators. Only DB is required; the
// endpoints backed by a missing collaborator answer 503.
type Options struct {
	DB           *db.Database
	Engine       monitor.Diagnoser
	Cache        VerdictCache
	Alerts       monitor.Alerts
	Forecasters  map[string]forecast.Predictor // keyed by kind, e.g. "load", "solar"
	HistoryLimit int
	Logger       *slog.Logger
}

// Server represents the API server
type Server struct {
	db           *db.Database
	engine       monitor.Diagnoser
	pipeline     *monitor.Pipeline
	cache        VerdictCache
	forecasters  map[string]forecast.Predictor
	historyLimit int
	log          *slog.Logger
	router       *mux.Router
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	s := &Server{
		db:           opts.DB,
		engine:       opts.Engine,
		cache:        opts.Cache,
		forecasters:  opts.Forecasters,
		historyLimit: opts.HistoryLimit,
		log:          opts.Logger,
		router:       mux.NewRouter(),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.historyLimit <= 0 {
		s.historyLimit = 500
	}

	p := &monitor.Pipeline{Engine: opts.Engine, Log: s.log}
	if opts.DB != nil {
		p.Store = opts.DB
	}
	if opts.Cache != nil {
		p.Cache = opts.Cache
	}
	if opts.Alerts != nil {
		p.Alerts = opts.Alerts
	}
	s.pipeline = p

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Diagnostics
	s.router.HandleFunc("/api/v1/diagnose", s.handleDiagnose).Methods("POST")
	s.router.HandleFunc("/api/v1/diagnose/history", s.handleDiagnoseHistory).Methods("GET")
	s.router.HandleFunc("/api/v1/verdicts", s.handleQueryVerdicts).Methods("GET")
	s.router.HandleFunc("/api/v1/anomalies", s.handleAnomalies).Methods("GET")
	s.router.HandleFunc("/api/v1/anomalies/recent", s.handleRecentAnomalies).Methods("GET")

	// Readings
	s.router.HandleFunc("/api/v1/readings", s.handleQueryReadings).Methods("GET")
	s.router.HandleFunc("/api/v1/readings", s.handleCreateReading).Methods("POST")
	s.router.HandleFunc("/api/v1/readings/batch", s.handleBatchReadings).Methods("POST")

	// Forecasts
	s.router.HandleFunc("/api/v1/forecast/load", s.handleForecastLoad).Methods("POST")
	s.router.HandleFunc("/api/v1/forecast/{kind}/tomorrow", s.handleForecastTomorrow).Methods("GET")

	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")

	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.Middleware)
	s.router.Use(jsonMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(s.router)
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http_request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int    `json:"total,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
	QueryMs int64  `json:"query_ms,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// respondScoringError maps engine failures: a broken model bundle makes the
// service unavailable, anything else is internal.
func respondScoringError(w http.ResponseWriter, err error) {
	if diagnostics.IsConfigError(err) {
		respondError(w, http.StatusServiceUnavailable, "model unavailable: "+err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

// respondDecodeError names the record that lacks a timestamp; other decode
// failures get the generic message.
func respondDecodeError(w http.ResponseWriter, err error, generic string) {
	if errors.Is(err, parser.ErrMissingTimestamp) {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	respondError(w, http.StatusBadRequest, generic)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":       "healthy",
		"model_loaded": s.engine != nil,
		"cache":        s.cache != nil,
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.engine == nil {
		respondError(w, http.StatusServiceUnavailable, "model unavailable")
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	recs, err := parser.DecodeJSON(body)
	if err != nil {
		respondDecodeError(w, err, "invalid JSON: expected an array of records or {\"data\": [...]}")
		return
	}

	m := &meta{Total: len(recs)}
	var verdicts []models.Verdict
	if persist, _ := strconv.ParseBool(r.URL.Query().Get("persist")); persist && len(recs) > 0 {
		res, err := s.pipeline.ProcessBatch(r.Context(), recs)
		if err != nil {
			respondScoringError(w, err)
			return
		}
		verdicts, m.RunID = res.Verdicts, res.RunID
	} else {
		verdicts, err = s.engine.DiagnoseBatch(r.Context(), recs)
		if err != nil {
			respondScoringError(w, err)
			return
		}
	}

	m.QueryMs = time.Since(start).Milliseconds()
	respondWithMeta(w, report.Rows(verdicts), m)
}

func (s *Server) handleDiagnoseHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.engine == nil {
		respondError(w, http.StatusServiceUnavailable, "model unavailable")
		return
	}

	limit := queryInt(r, "limit", s.historyLimit)
	recs, err := s.db.LatestReadings(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	verdicts, err := s.engine.DiagnoseBatch(r.Context(), recs)
	if err != nil {
		respondScoringError(w, err)
		return
	}

	respondWithMeta(w, report.Rows(verdicts), &meta{
		Total:   len(verdicts),
		Limit:   limit,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleQueryVerdicts(w http.ResponseWriter, r *http.Request) {
	anomaliesOnly, _ := strconv.ParseBool(r.URL.Query().Get("anomalies"))
	s.queryVerdicts(w, r, models.VerdictQuery{
		RunID:         r.URL.Query().Get("run_id"),
		Severity:      r.URL.Query().Get("severity"),
		AnomaliesOnly: anomaliesOnly,
	})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	s.queryVerdicts(w, r, models.VerdictQuery{
		RunID:         r.URL.Query().Get("run_id"),
		Severity:      r.URL.Query().Get("severity"),
		AnomaliesOnly: true,
	})
}

func (s *Server) queryVerdicts(w http.ResponseWriter, r *http.Request, q models.VerdictQuery) {
	start := time.Now()
	q.Limit = queryInt(r, "limit", 100)
	q.Offset = queryInt(r, "offset", 0)

	results, err := s.db.QueryVerdicts(q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []models.StoredVerdict{}
	}

	respondWithMeta(w, results, &meta{
		Total:   len(results),
		Limit:   q.Limit,
		Offset:  q.Offset,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleRecentAnomalies(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		respondError(w, http.StatusServiceUnavailable, "cache not configured")
		return
	}

	recent, err := s.cache.RecentAnomalies(r.Context(), int64(queryInt(r, "count", 50)))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, recent)
}

func (s *Server) handleQueryReadings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	q := models.ReadingQuery{
		StartTime: r.URL.Query().Get("start_time"),
		EndTime:   r.URL.Query().Get("end_time"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}

	results, err := s.db.QueryReadings(q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []models.Reading{}
	}

	respondWithMeta(w, results, &meta{
		Total:   len(results),
		Limit:   q.Limit,
		Offset:  q.Offset,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleCreateReading(w http.ResponseWriter, r *http.Request) {
	var rec models.SensorRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if errs := parser.ValidateReading(&rec); len(errs) > 0 {
		respondError(w, http.StatusBadRequest, errs[0])
		return
	}

	id, err := s.db.InsertReading(rec)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, models.Reading{ID: id, Record: rec, CreatedAt: time.Now().UTC()})
}

func (s *Server) handleBatchReadings(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	recs, err := parser.DecodeJSON(body)
	if err != nil {
		respondDecodeError(w, err, "invalid JSON array")
		return
	}
	if len(recs) == 0 {
		respondError(w, http.StatusBadRequest, "empty array")
		return
	}

	count, err := s.db.InsertReadingBatch(recs)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]int64{"inserted": count})
}

func (s *Server) handleForecastLoad(w http.ResponseWriter, r *http.Request) {
	model, ok := s.forecasters["load"]
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "load model unavailable")
		return
	}

	var req struct {
		Data map[string]float64 `json:"data"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Data == nil {
		respondError(w, http.StatusBadRequest, "missing 'data' field")
		return
	}

	respondJSON(w, http.StatusOK, map[string][]float64{
		"predictions": forecast.HourlyProfile(model, req.Data),
	})
}

func (s *Server) handleForecastTomorrow(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]
	model, ok := s.forecasters[kind]
	if !ok {
		respondError(w, http.StatusNotFound, "no forecast model for "+kind)
		return
	}

	from, err := s.forecastOrigin(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, forecast.NextDay(model, from))
}

// forecastOrigin is the explicit ?from= time, else the newest stored
// reading, else now rounded down to the half hour.
func (s *Server) forecastOrigin(r *http.Request) (time.Time, error) {
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := parser.ParseTimestamp(v)
		if err != nil {
			return time.Time{}, errors.New("invalid 'from' timestamp")
		}
		return t, nil
	}

	if latest, err := s.db.LatestReadings(1); err == nil && len(latest) == 1 {
		if t, err := parser.ParseTimestamp(latest[0].Timestamp); err == nil {
			return t, nil
		}
	}
	return time.Now().UTC().Truncate(30 * time.Minute), nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
