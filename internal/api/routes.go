package api

import (
	"net/http"
	"strconv"
	"strings"

	"treemirror/internal/logging"
	"treemirror/internal/metrics"
)

type RouteOptions struct {
	StaticDir string
	// LogBuffer backs /debug/logs. Nil disables the endpoint.
	LogBuffer *logging.LogBuffer
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Watches  int    `json:"watches"`
	Roots    int    `json:"roots"`
}

func RegisterRoutes(mux *http.ServeMux, server *Server, options RouteOptions) {
	logger := server.logger
	token := server.options.AuthToken

	mux.Handle("/ws", server)
	mux.Handle("/healthz", loggingMiddleware(logger, restHandler("", server.handleHealth)))
	mux.Handle("/metrics", loggingMiddleware(logger, restHandler("", metricsHandler(server.options.Metrics))))
	if options.LogBuffer != nil {
		mux.Handle("/debug/logs", loggingMiddleware(logger, restHandler(token, logsHandler(options.LogBuffer))))
	}
	if strings.TrimSpace(options.StaticDir) != "" {
		mux.Handle("/", NewStaticHandler(options.StaticDir))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	roots := 0
	if s.options.Roots != nil {
		roots = len(s.options.Roots.Roots())
	}
	status := "ok"
	s.mutex.Lock()
	if s.closed {
		status = "shutting_down"
	}
	s.mutex.Unlock()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   status,
		Sessions: s.ActiveSessions(),
		Watches:  s.ActiveWatches(),
		Roots:    roots,
	})
	return nil
}

func metricsHandler(registry *metrics.Registry) apiHandler {
	return func(w http.ResponseWriter, r *http.Request) *apiError {
		if r.Method != http.MethodGet {
			return methodNotAllowed(w, "GET")
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		if err := registry.WritePrometheus(w); err != nil {
			return &apiError{Status: http.StatusInternalServerError, Message: "failed to render metrics"}
		}
		return nil
	}
}

func logsHandler(buffer *logging.LogBuffer) apiHandler {
	return func(w http.ResponseWriter, r *http.Request) *apiError {
		if r.Method != http.MethodGet {
			return methodNotAllowed(w, "GET")
		}
		query := r.URL.Query()
		level := logging.LevelDebug
		if raw := query.Get("level"); raw != "" {
			parsed, ok := logging.ParseLevel(raw)
			if !ok {
				return &apiError{Status: http.StatusBadRequest, Message: "invalid level"}
			}
			level = parsed
		}
		limit := 0
		if raw := query.Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				return &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
			}
			limit = parsed
		}
		writeJSON(w, http.StatusOK, buffer.Filter(level, limit))
		return nil
	}
}
