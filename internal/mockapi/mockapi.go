// Package mockapi serves a small in-memory REST API used by the examples
// and CLI tests.
//
// Routes:
//
//	GET  /1/users/show.json?screen_name=x      user object
//	GET  /1/statuses/home_timeline.json        list of statuses
//	GET  /1/friends/ids.json                   empty list
//	POST /1/statuses/update.json (status=x)    created status
//	POST /1/statuses/destroy/{id}.json         deleted status, or a 404 JSON error
//	GET  /1/users/profile_image/{name}         302 redirect
//	GET  /1/broken.json                        500 with a text body
//
// Unknown paths answer with a 404 JSON error carrying the request path.
package mockapi

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server is a mock REST API. Statuses created through update can be
// destroyed once.
type Server struct {
	mu       sync.Mutex
	nextID   int64
	statuses map[string]string
	latency  time.Duration
	logger   *slog.Logger
	mux      *http.ServeMux
}

// Option configures a [Server].
type Option func(*Server)

// WithLatency adds up to d of random latency to every response.
func WithLatency(d time.Duration) Option {
	return func(s *Server) {
		s.latency = d
	}
}

// WithLogger sets the logger for request events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a mock API server handler.
func New(opts ...Option) *Server {
	s := &Server{
		nextID:   30489217779896320,
		statuses: make(map[string]string),
		logger:   slog.Default(),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /1/users/show.json", s.showUser)
	s.mux.HandleFunc("GET /1/statuses/home_timeline.json", s.homeTimeline)
	s.mux.HandleFunc("GET /1/friends/ids.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	})
	s.mux.HandleFunc("POST /1/statuses/update.json", s.update)
	s.mux.HandleFunc("POST /1/statuses/destroy/{file}", s.destroy)
	s.mux.HandleFunc("GET /1/users/profile_image/{name}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/images/"+r.PathValue("name")+".png", http.StatusFound)
	})
	s.mux.HandleFunc("GET /1/broken.json", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusInternalServerError)
	})
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", r.URL.Path)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.latency > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(s.latency))))
	}
	s.logger.Debug("mock request", "method", r.Method, "path", r.URL.Path)
	s.mux.ServeHTTP(w, r)
}

func (s *Server) showUser(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("screen_name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "screen_name is required", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id_str":      "7",
		"screen_name": name,
	})
}

func (s *Server) homeTimeline(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := make([]map[string]any, 0, len(s.statuses)+1)
	list = append(list, map[string]any{"id_str": "1", "text": "hello world"})
	for id, text := range s.statuses {
		list = append(list, map[string]any{"id_str": id, "text": text})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, list)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	text := r.PostFormValue("status")
	if text == "" {
		writeError(w, http.StatusForbidden, "Status is missing", r.URL.Path)
		return
	}

	s.mu.Lock()
	s.nextID++
	id := strconv.FormatInt(s.nextID, 10)
	s.statuses[id] = text
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"id_str": id, "text": text})
}

func (s *Server) destroy(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(r.PathValue("file"), ".json")
	if !ok {
		writeError(w, http.StatusNotFound, "Not found", r.URL.Path)
		return
	}

	s.mu.Lock()
	text, exists := s.statuses[id]
	delete(s.statuses, id)
	s.mu.Unlock()

	if !exists {
		writeError(w, http.StatusNotFound, "No status found with that ID.", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id_str": id, "text": text})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, path string) {
	writeJSON(w, status, map[string]string{"error": msg, "request": path})
}
