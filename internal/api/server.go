// Package api exposes the session manager over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"hls-grabber/internal/model"
	"hls-grabber/internal/session"
	"hls-grabber/internal/task"
)

// Sessions is the part of task.Manager the API serves.
type Sessions interface {
	Start(rawURL, outputDir string) (*task.Record, error)
	Get(id string) (*task.Record, error)
	List() ([]task.Record, error)
	Segments(id string) ([]model.Segment, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Delete(id string, purge bool) error
	Subscribe(id string) (<-chan session.Event, func(), error)
}

type Server struct {
	sessions   Sessions
	outputRoot string
	logger     *zap.Logger
	router     *mux.Router
}

// NewServer builds the router. outputRoot is used when a start request
// names no output directory.
func NewServer(sessions Sessions, outputRoot string, logger *zap.Logger) *Server {
	s := &Server{
		sessions:   sessions,
		outputRoot: outputRoot,
		logger:     logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			s.logger.Error("write healthz response", zap.Error(err))
		}
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	// GETs
	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/sessions", s.handleList)
	get.HandleFunc("/sessions/{id}", s.handleGet)
	get.HandleFunc("/sessions/{id}/segments", s.handleSegments)
	get.HandleFunc("/sessions/{id}/events", s.handleEvents)

	// POSTs
	post := api.Methods("POST").Subrouter()
	post.HandleFunc("/sessions", s.handleStart)
	post.HandleFunc("/sessions/{id}/pause", s.control(s.sessions.Pause))
	post.HandleFunc("/sessions/{id}/resume", s.control(s.sessions.Resume))
	post.HandleFunc("/sessions/{id}/cancel", s.control(s.sessions.Cancel))

	// DELETEs
	api.HandleFunc("/sessions/{id}", s.handleDelete).Methods("DELETE")

	return r
}

type rwLogger struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *rwLogger) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *rwLogger) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// websocket upgrades need the raw writer to hijack
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := &rwLogger{ResponseWriter: w}
		next.ServeHTTP(rw, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int("bytes", rw.bytes),
			zap.Duration("elapsed", time.Since(start)))
	})
}
