// Package server serves the mirrored content over HTTP. It only reads from the
// mirror, and never waits for a refresh to finish.
package server

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/docmirror/pkg/errors"
	"github.com/sidkik/docmirror/pkg/metrics"
	"github.com/sidkik/docmirror/pkg/mirror"
	"github.com/sidkik/docmirror/pkg/sync"
)

// Server is the HTTP frontend for a mirror.
type Server struct {
	coordinator *sync.Coordinator
	trigger     func()
	router      *mux.Router
}

// DirEntry is an element of a directory listing.
type DirEntry struct {
	Name    string    `json:"name"`
	Dir     bool      `json:"dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Status is the response of the status endpoint.
type Status struct {
	Repository string     `json:"repository"`
	State      string     `json:"state"`
	LastSync   *time.Time `json:"lastSync,omitempty"`
}

// New creates a Server. `trigger`, if non-nil, is called to request an
// immediate sync check.
func New(coordinator *sync.Coordinator, trigger func()) *Server {
	s := &Server{
		coordinator: coordinator,
		trigger:     trigger,
		router:      mux.NewRouter(),
	}

	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/sync", s.handleSync).Methods("POST")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	content := s.router.PathPrefix("/content").Subrouter()
	content.Use(recordContentRequests)
	content.HandleFunc("", s.handleContent).Methods("GET", "HEAD")
	content.HandleFunc("/{path:.*}", s.handleContent).Methods("GET", "HEAD")
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on `addr` until `ctx` is cancelled, and then gives in-flight
// requests up to `grace` to finish.
func (s *Server) Run(ctx context.Context, addr string, grace time.Duration) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.WithField("address", addr).Info("Serving mirrored content")
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return errors.WithContext(err, "listen")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.WithContext(err, "shutdown")
	}
	return nil
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	m := s.coordinator.Mirror()
	rel := mux.Vars(r)["path"]

	entries, isDir, err := m.ListDir(rel)
	if err != nil {
		writeError(w, rel, err)
		return
	}

	if isDir {
		listing := []DirEntry{}
		for _, entry := range entries {
			listing = append(listing, DirEntry{
				Name:    entry.Name(),
				Dir:     entry.IsDir(),
				Size:    entry.Size(),
				ModTime: entry.ModTime().UTC(),
			})
		}
		writeJSON(w, http.StatusOK, listing)
		return
	}

	f, ok, err := m.Open(rel)
	if err != nil {
		writeError(w, rel, err)
		return
	}

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	if contentType := mime.TypeByExtension(path.Ext(rel)); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}

	if r.Method == "HEAD" {
		return
	}

	if _, err := io.Copy(w, f); err != nil {
		log.WithError(err).WithField("path", rel).Debug("Failed to send file")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Repository: s.coordinator.Repository().String(),
		State:      s.coordinator.State().String(),
	}
	if lastSync, ok := s.coordinator.LastSync(); ok {
		status.LastSync = &lastSync
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		http.Error(w, "sync scheduler isn't running", http.StatusServiceUnavailable)
		return
	}
	s.trigger()
	w.WriteHeader(http.StatusAccepted)
}

func writeError(w http.ResponseWriter, rel string, err error) {
	if err == mirror.ErrPathTraversal {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.WithError(err).WithField("path", rel).Error("Failed to read mirror")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func recordContentRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordContentRequest(strconv.Itoa(rec.status))
	})
}
