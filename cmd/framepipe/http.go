package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"framepipe/internal/auth"
	authmw "framepipe/internal/middleware"
	"framepipe/internal/pipeline"
	"framepipe/internal/store"
	"framepipe/internal/ws"
)

// healthChecker is implemented by engines that can check their backend
type healthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// monitor holds what the monitoring API reports on. store, recorder and
// engine may be nil.
type monitor struct {
	pipeline *pipeline.Pipeline
	hub      *ws.DetectionHub
	store    *store.Store
	recorder *store.Recorder
	engine   healthChecker
	auth     *auth.Authenticator
	logger   *zap.SugaredLogger
}

type healthResponse struct {
	Status           string `json:"status"`
	RunID            string `json:"run_id"`
	PipelineRunning  bool   `json:"pipeline_running"`
	InferenceHealthy *bool  `json:"inference_healthy,omitempty"`
}

type statsResponse struct {
	Pipeline pipeline.Stats       `json:"pipeline"`
	Hub      ws.HubStats          `json:"hub"`
	Recorder *store.RecorderStats `json:"recorder,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type runResponse struct {
	*store.RunRecord
	ResultCount int `json:"result_count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// newHTTPHandler mounts the monitoring endpoints on a goa muxer
func newHTTPHandler(m *monitor, debug bool) http.Handler {
	mux := goahttp.NewMuxer()
	protect := authmw.AuthMiddleware(m.auth)

	mux.Handle(http.MethodGet, "/health", m.handleHealth)
	mux.Handle(http.MethodPost, "/api/login", m.handleLogin)
	mux.Handle(http.MethodGet, "/api/stats", protect(http.HandlerFunc(m.handleStats)).ServeHTTP)
	mux.Handle(http.MethodGet, "/ws/detections", protect(ws.NewHandler(m.hub)).ServeHTTP)
	if m.store != nil {
		mux.Handle(http.MethodGet, "/api/results", protect(http.HandlerFunc(m.handleResults)).ServeHTTP)
		mux.Handle(http.MethodGet, "/api/results/{id}", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.handleResult(w, r, mux.Vars(r)["id"])
		})).ServeHTTP)
		mux.Handle(http.MethodGet, "/api/runs/{id}", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.handleRun(w, r, mux.Vars(r)["id"])
		})).ServeHTTP)
	}

	stdLogger := zap.NewStdLog(m.logger.Desugar().Named("http"))
	var handler http.Handler = mux
	if debug {
		handler = httpmdlwr.Debug(mux, stdLogger.Writer())(handler)
	}
	handler = httpmdlwr.Log(middleware.NewLogger(stdLogger))(handler)
	handler = httpmdlwr.RequestID()(handler)
	return handler
}

func (m *monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		RunID:           m.pipeline.RunID(),
		PipelineRunning: m.pipeline.Stats().Running,
	}
	if m.engine != nil {
		healthy := m.engine.IsHealthy(r.Context())
		resp.InferenceHealthy = &healthy
		if !healthy {
			resp.Status = "degraded"
		}
	}
	if !resp.PipelineRunning {
		resp.Status = "stopped"
	}
	m.encode(r.Context(), w, http.StatusOK, resp)
}

func (m *monitor) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Pipeline: m.pipeline.Stats(),
		Hub:      m.hub.Stats(),
	}
	if m.recorder != nil {
		stats := m.recorder.Stats()
		resp.Recorder = &stats
	}
	m.encode(r.Context(), w, http.StatusOK, resp)
}

func (m *monitor) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		m.encode(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	token, expiresAt, err := m.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		m.encode(r.Context(), w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, auth.ErrInvalidCredentials):
		m.encode(r.Context(), w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case err != nil:
		m.logger.Errorw("Login failed", "user", req.Username, "error", err)
		m.encode(r.Context(), w, http.StatusInternalServerError, errorResponse{Error: "login failed"})
	default:
		m.encode(r.Context(), w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
	}
}

func (m *monitor) handleResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runID := q.Get("run_id")
	if runID == "" {
		runID = m.pipeline.RunID()
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			m.encode(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	var since *time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			m.encode(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid since, expected RFC 3339"})
			return
		}
		since = &t
	}

	results, err := m.store.ListResults(r.Context(), runID, since, limit)
	if err != nil {
		m.logger.Errorw("Listing results failed", "run_id", runID, "error", err)
		m.encode(r.Context(), w, http.StatusInternalServerError, errorResponse{Error: "listing results failed"})
		return
	}
	if results == nil {
		results = []*store.ResultRecord{}
	}
	m.encode(r.Context(), w, http.StatusOK, results)
}

func (m *monitor) handleResult(w http.ResponseWriter, r *http.Request, id string) {
	result, err := m.store.GetResult(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		m.encode(r.Context(), w, http.StatusNotFound, errorResponse{Error: "result not found"})
		return
	}
	if err != nil {
		m.logger.Errorw("Loading result failed", "result_id", id, "error", err)
		m.encode(r.Context(), w, http.StatusInternalServerError, errorResponse{Error: "loading result failed"})
		return
	}
	m.encode(r.Context(), w, http.StatusOK, result)
}

func (m *monitor) handleRun(w http.ResponseWriter, r *http.Request, id string) {
	run, err := m.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		m.encode(r.Context(), w, http.StatusNotFound, errorResponse{Error: "run not found"})
		return
	}
	if err != nil {
		m.logger.Errorw("Loading run failed", "run_id", id, "error", err)
		m.encode(r.Context(), w, http.StatusInternalServerError, errorResponse{Error: "loading run failed"})
		return
	}

	count, err := m.store.CountResults(r.Context(), id)
	if err != nil {
		m.logger.Errorw("Counting results failed", "run_id", id, "error", err)
		m.encode(r.Context(), w, http.StatusInternalServerError, errorResponse{Error: "loading run failed"})
		return
	}
	m.encode(r.Context(), w, http.StatusOK, runResponse{RunRecord: run, ResultCount: count})
}

func (m *monitor) encode(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := goahttp.ResponseEncoder(ctx, w).Encode(v); err != nil {
		id, _ := ctx.Value(middleware.RequestIDKey).(string)
		m.logger.Errorw("Encoding response failed", "request_id", id, "error", err)
	}
}

// startHTTPServer serves handler on addr until ctx is done
func startHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan<- error, logger *zap.SugaredLogger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Desugar()),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Infow("HTTP server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Infow("Shutting down HTTP server", "addr", addr)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warnw("HTTP shutdown failed", "error", err)
		}
	}()
}
