// Package api serves the JSON HTTP interface of the edge unit: teaching,
// jogging, alignment, runs and run history.
package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/aoi.edge/internal/alignment"
	"github.com/banshee-data/aoi.edge/internal/config"
	"github.com/banshee-data/aoi.edge/internal/history"
	"github.com/banshee-data/aoi.edge/internal/httputil"
	"github.com/banshee-data/aoi.edge/internal/motion"
	"github.com/banshee-data/aoi.edge/internal/orchestrator"
	"github.com/banshee-data/aoi.edge/internal/program"
	"github.com/banshee-data/aoi.edge/internal/transform"
	"github.com/banshee-data/aoi.edge/internal/upload"
	"github.com/banshee-data/aoi.edge/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Deps are the collaborators a Server drives. Mode is reported by
// /api/health ("simulation" or "hardware").
type Deps struct {
	Mode         string
	Config       *config.MachineConfig
	Guard        *motion.Guard
	Workspace    *program.Workspace
	Programs     *program.Store
	Session      *alignment.Session
	Orchestrator *orchestrator.Orchestrator
	History      *history.Store
}

type Server struct {
	mode      string
	cfg       atomic.Pointer[config.MachineConfig]
	guard     *motion.Guard
	workspace *program.Workspace
	programs  *program.Store
	session   *alignment.Session
	orch      *orchestrator.Orchestrator
	history   *history.Store
}

func NewServer(d Deps) *Server {
	s := &Server{
		mode:      d.Mode,
		guard:     d.Guard,
		workspace: d.Workspace,
		programs:  d.Programs,
		session:   d.Session,
		orch:      d.Orchestrator,
		history:   d.History,
	}
	cfg := d.Config
	if cfg == nil {
		cfg = config.DefaultMachineConfig()
	}
	s.cfg.Store(cfg)
	return s
}

// SetConfig swaps in a reloaded machine config. Tokens, alignment
// tolerance and scan geometry follow it immediately.
func (s *Server) SetConfig(cfg *config.MachineConfig) {
	if cfg != nil {
		s.cfg.Store(cfg)
	}
}

func (s *Server) config() *config.MachineConfig {
	return s.cfg.Load()
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
// Status polling is frequent, so successful polls are not logged.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		if lrw.statusCode < 300 && strings.HasSuffix(r.URL.Path, "/status") {
			return
		}
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/program/", s.handleProgram)
	mux.HandleFunc("/api/scan/preview", s.handleScanPreview)
	mux.HandleFunc("/api/motion/", s.handleMotion)
	mux.HandleFunc("/api/alignment/", s.handleAlignment)
	mux.HandleFunc("/api/orchestrator/", s.handleOrchestrator)
	mux.HandleFunc("/api/history/images/", s.handleImage)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "ok",
		"mode":    s.mode,
		"version": version.Version,
	})
}

// writeError maps err to a status code and reason code. Errors that are
// not recognised are reported as internal errors.
func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= 500 {
		log.Printf("[api] %s: %v", code, err)
	}
	httputil.WriteJSONError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, alignment.ErrInsufficientRefs):
		return http.StatusUnprocessableEntity, "insufficient_refs"
	case errors.Is(err, transform.ErrInsufficientCorrespondences):
		return http.StatusUnprocessableEntity, "insufficient_correspondences"
	case errors.Is(err, transform.ErrDegenerateReferences):
		return http.StatusUnprocessableEntity, "degenerate_references"
	case errors.Is(err, transform.ErrResidualExceedsTolerance):
		return http.StatusUnprocessableEntity, "residual_exceeds_tolerance"
	case errors.Is(err, transform.ErrSingularTransform):
		return http.StatusUnprocessableEntity, "singular_transform"
	case errors.Is(err, alignment.ErrAlreadyRunning), errors.Is(err, orchestrator.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, motion.ErrBusy):
		return http.StatusConflict, "motion_busy"
	case errors.Is(err, alignment.ErrInvalidState), errors.Is(err, history.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, motion.ErrFault):
		return http.StatusBadGateway, "motion_fault"
	case errors.Is(err, motion.ErrTimeout):
		return http.StatusGatewayTimeout, "communication_timeout"
	case errors.Is(err, history.ErrRunNotFound):
		return http.StatusNotFound, "run_not_found"
	case errors.Is(err, history.ErrPointNotFound):
		return http.StatusNotFound, "point_not_found"
	case errors.Is(err, program.ErrNotFound):
		return http.StatusNotFound, "program_not_found"
	case errors.Is(err, history.ErrInvalidResult):
		return http.StatusBadRequest, "invalid_result"
	case errors.Is(err, orchestrator.ErrNoPoints),
		errors.Is(err, program.ErrInvalidRefIndex),
		errors.Is(err, program.ErrInvalidProgram),
		errors.Is(err, program.ErrInvalidName),
		errors.Is(err, motion.ErrInvalidAxis):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, history.ErrUploadDisabled):
		return http.StatusServiceUnavailable, "upload_disabled"
	case errors.Is(err, upload.ErrRejected):
		return http.StatusBadGateway, "upload_failed"
	}
	return http.StatusInternalServerError, "internal_error"
}

// pathSegments splits what follows prefix into its non-empty segments.
func pathSegments(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
