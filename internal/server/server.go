package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/simcalib/internal/config"
	"github.com/cwbudde/simcalib/internal/store"
)

// maxConfigSize limits the body of a job submission.
const maxConfigSize = 4 << 20

// Server represents the HTTP server
type Server struct {
	jobManager   *JobManager
	store        store.Store
	addr         string
	server       *http.Server
	pingInterval time.Duration

	// ctx is the parent of every job context; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new HTTP server. runStore may be nil, in which case
// finished jobs are only kept in memory and the /runs endpoints report
// 503.
func NewServer(addr string, runStore store.Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		jobManager:   NewJobManager(),
		store:        runStore,
		addr:         addr,
		pingInterval: 30 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleRunsWithID)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown cancels all unfinished jobs and gracefully shuts down the
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server", "running_jobs", len(s.jobManager.GetRunningJobs()))
	s.jobManager.CancelAll()
	s.cancel()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"runningJobs": len(s.jobManager.GetRunningJobs()),
	})
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	jobID, sub, ok := splitID(r.URL.Path, "/api/v1/jobs/")
	if !ok {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	switch {
	case (sub == "" || sub == "status") && r.Method == http.MethodGet:
		s.handleGetJobStatus(w, r, jobID)
	case sub == "" && r.Method == http.MethodDelete, sub == "cancel" && r.Method == http.MethodPost:
		s.handleCancelJob(w, r, jobID)
	case sub == "stream" && r.Method == http.MethodGet:
		s.handleJobStream(w, r, jobID)
	case sub == "history" && r.Method == http.MethodGet:
		s.handleJobHistory(w, r, jobID)
	case sub == "" || sub == "status" || sub == "cancel" || sub == "stream" || sub == "history":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/jobs. The body is a calibration
// config in JSON or YAML.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}

	cfg, err := config.Parse(body)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := s.jobManager.CreateJob(cfg)
	slog.Info("Job created", "job_id", job.ID, "config", cfg.Summary())

	go runJob(s.ctx, s.jobManager, s.store, job.ID)

	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	eps := float64(0)
	if elapsed.Seconds() > 0 {
		eps = float64(job.Evaluations) / elapsed.Seconds()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job":                   job,
		"elapsed":               elapsed.Seconds(),
		"evaluationsPerSecond":  eps,
		"residualNormReduction": reduction(job),
	})
}

// handleCancelJob handles DELETE /api/v1/jobs/:id and POST .../cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if !s.jobManager.Cancel(jobID) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleJobHistory handles GET /api/v1/jobs/:id/history
func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request, jobID string) {
	history, exists := s.jobManager.History(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, history.Snapshot())
}

// handleRuns handles GET /api/v1/runs
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no run store configured")
		return
	}
	runs, err := s.store.ListRuns()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleRunsWithID handles /api/v1/runs/:id/*
func (s *Server) handleRunsWithID(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no run store configured")
		return
	}
	runID, sub, ok := splitID(r.URL.Path, "/api/v1/runs/")
	if !ok {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		record, err := s.store.LoadRun(runID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case sub == "" && r.Method == http.MethodDelete:
		if err := s.store.DeleteRun(runID); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case sub == "history" && r.Method == http.MethodGet:
		history, err := s.store.LoadHistory(runID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	case sub == "trace" && r.Method == http.MethodGet:
		s.handleRunTrace(w, runID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) handleRunTrace(w http.ResponseWriter, runID string) {
	fs, ok := s.store.(interface{ BaseDir() string })
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	reader, err := store.NewTraceReader(fs.BaseDir(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// splitID parses "<prefix><id>[/<sub>]".
func splitID(path, prefix string) (id, sub string, ok bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", "", false
	}
	id, sub, _ = strings.Cut(rest, "/")
	return id, sub, true
}
