package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/raysh454/kansoku/internal/app"
	"github.com/raysh454/kansoku/internal/joblist"
	"github.com/raysh454/kansoku/internal/jobs"
	"github.com/raysh454/kansoku/internal/logging"
)

const defaultHistory = 10

// Server is the HTTP + WebSocket API surface for kansoku.
type Server struct {
	cfg          Config
	orchestrator *app.Orchestrator
	router       chi.Router
	upgrader     websocket.Upgrader
	logger       logging.Logger
}

// NewServer wraps an existing orchestrator.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("server: orchestrator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	s := &Server{
		cfg:          cfg,
		orchestrator: cfg.Orchestrator,
		router:       chi.NewRouter(),
		logger:       logger.With(logging.Field{Key: "component", Value: "server"}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	// CORS preflight
	r.Options("/jobs", s.optionsHandler("GET, POST"))
	r.Options("/jobs/{ref}", s.optionsHandler("DELETE"))
	r.Options("/jobs/{ref}/history", s.optionsHandler("GET"))
	r.Options("/runs", s.optionsHandler("GET, POST"))
	r.Options("/runs/{runID}", s.optionsHandler("GET, DELETE"))
	r.Options("/ws/runs", s.optionsHandler("GET"))

	r.Get("/jobs", s.handleListJobs)
	r.Post("/jobs", s.handleAddJob)
	r.Delete("/jobs/{ref}", s.handleDeleteJob)
	r.Get("/jobs/{ref}/history", s.handleJobHistory)

	r.Post("/runs", s.handleStartRun)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{runID}", s.handleGetRun)
	r.Delete("/runs/{runID}", s.handleCancelRun)

	r.Get("/ws/runs", s.handleRunWS)

	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}

	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}

	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
		if bodyBytes, err := io.ReadAll(r.Body); err == nil {
			fields = append(fields, logging.Field{Key: "body_bytes", Value: len(bodyBytes)})
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	s.logger.Debug("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrJobNotFound), errors.Is(err, app.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, joblist.ErrDuplicateJob):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// --- Jobs ---

// handleListJobs godoc
// @Summary List jobs
// @Tags jobs
// @Produce json
// @Success 200 {array} JobView
// @Failure 500 {object} ErrorResponse
// @Router /jobs [get]
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	all, err := s.orchestrator.LoadJobs()
	if err != nil {
		s.logger.Warn("listing jobs", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, statusFor(err), err.Error())
		return
	}
	out := make([]JobView, 0, len(all))
	for _, j := range all {
		out = append(out, newJobView(j))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAddJob godoc
// @Summary Add a job
// @Description The body is a job declaration as it would appear in the job file.
// @Tags jobs
// @Accept json
// @Produce json
// @Success 201 {object} JobView
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /jobs [post]
func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var decl jobs.Declaration
	if err := json.NewDecoder(r.Body).Decode(&decl); err != nil || len(decl) == 0 {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	job, err := s.orchestrator.AddJob(decl)
	if err != nil {
		s.logger.Warn("adding job", logging.Field{Key: "error", Value: err.Error()})
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, newJobView(job))
}

// handleDeleteJob godoc
// @Summary Delete a job and its cached data
// @Tags jobs
// @Param ref path string true "Index number, GUID or location"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /jobs/{ref} [delete]
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if err := s.orchestrator.DeleteJob(r.Context(), ref); err != nil {
		s.logger.Warn("deleting job", logging.Field{Key: "ref", Value: ref}, logging.Field{Key: "error", Value: err.Error()})
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleJobHistory godoc
// @Summary Stored versions of a job
// @Tags jobs
// @Produce json
// @Param ref path string true "Index number, GUID or location"
// @Param limit query int false "Number of versions (default 10)"
// @Success 200 {object} HistoryResponse
// @Failure 404 {object} ErrorResponse
// @Router /jobs/{ref}/history [get]
func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	limit := defaultHistory
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if v, err := strconv.Atoi(ls); err == nil && v > 0 {
			limit = v
		}
	}

	job, versions, err := s.orchestrator.History(r.Context(), ref, limit)
	if err != nil {
		s.logger.Warn("job history", logging.Field{Key: "ref", Value: ref}, logging.Field{Key: "error", Value: err.Error()})
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp := HistoryResponse{Job: newJobView(job), Versions: make([]HistoryEntry, 0, len(versions))}
	for i, v := range versions {
		resp.Versions = append(resp.Versions, HistoryEntry{Version: i, Data: string(v)})
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Runs ---

// handleStartRun godoc
// @Summary Start a run in the background
// @Tags runs
// @Accept json
// @Produce json
// @Param request body StartRunRequest false "Jobs to run, all when empty"
// @Success 202 {object} app.RunRecord
// @Failure 404 {object} ErrorResponse
// @Router /runs [post]
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body StartRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	// The run outlives the request.
	rec, err := s.orchestrator.StartRun(context.Background(), body.Jobs)
	if err != nil {
		s.logger.Warn("starting run", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, statusFor(err), err.Error())
		return
	}
	go drain(rec.Events)
	s.logger.Info("started run", logging.Field{Key: "run_id", Value: rec.ID}, logging.Field{Key: "jobs", Value: rec.Jobs})
	writeJSON(w, http.StatusAccepted, s.orchestrator.GetRun(rec.ID))
}

// drain consumes the events of a run nobody streams.
func drain(events <-chan app.RunEvent) {
	for range events {
	}
}

// handleListRuns godoc
// @Summary List runs, newest first
// @Tags runs
// @Produce json
// @Success 200 {array} app.RunRecord
// @Router /runs [get]
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.ListRuns())
}

// handleGetRun godoc
// @Summary Get a run
// @Tags runs
// @Produce json
// @Param runID path string true "Run ID"
// @Success 200 {object} app.RunRecord
// @Failure 404 {object} ErrorResponse
// @Router /runs/{runID} [get]
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	rec := s.orchestrator.GetRun(id)
	if rec == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCancelRun godoc
// @Summary Cancel a run
// @Tags runs
// @Param runID path string true "Run ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /runs/{runID} [delete]
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	if err := s.orchestrator.CancelRun(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("canceled run", logging.Field{Key: "run_id", Value: id})
	w.WriteHeader(http.StatusNoContent)
}

// handleRunWS starts a run and streams its events over a websocket. The
// jobs query parameter is a comma-separated list of job references.
func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	var refs []string
	if q := r.URL.Query().Get("jobs"); q != "" {
		refs = strings.Split(q, ",")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	rec, err := s.orchestrator.StartRun(r.Context(), refs)
	if err != nil {
		s.logger.Warn("starting run", logging.Field{Key: "error", Value: err.Error()})
		_ = conn.WriteJSON(ErrorResponse{Error: err.Error()})
		return
	}

	s.logger.Info("started run", logging.Field{Key: "run_id", Value: rec.ID})
	_ = conn.WriteJSON(s.orchestrator.GetRun(rec.ID))

	for ev := range rec.Events {
		if err := conn.WriteJSON(ev); err != nil {
			// client went away
			_ = s.orchestrator.CancelRun(rec.ID)
			drain(rec.Events)
			return
		}
	}
}
