package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"refframe/internal/mosaic"
	"refframe/internal/pipeline"
	"refframe/internal/storage"
	"refframe/internal/web"
)

const defaultRunLimit = 100

// Pipeline is the part of *pipeline.Pipeline the HTTP API drives.
type Pipeline interface {
	Submit(job pipeline.Job) (string, error)
	Cancel(id string) bool
	Subscribe() (<-chan pipeline.Result, func())
	SubscribeProgress() (<-chan pipeline.Progress, func())
}

// Store is the read side of the run store.
type Store interface {
	RecentRuns(limit int) ([]storage.RunRecord, error)
	Run(id string) (storage.RunRecord, error)
	RunMeta(id string) (map[string]any, error)
	LoadReference(outputPath string) (*storage.ReferenceRecord, error)
}

// Server exposes runs over HTTP and streams their results and progress.
type Server struct {
	addr     string
	store    Store
	pipeline Pipeline
	defaults mosaic.Options
	hub      *web.Hub
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. defaults fill any option a submitted run leaves out.
func NewServer(addr string, store Store, pipe Pipeline, defaults mosaic.Options, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		defaults: defaults,
		hub:      web.NewHub(log),
		log:      log,
	}
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.runBackground(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleCancel).Methods("DELETE")
	r.HandleFunc("/runs/{id}/reference.png", s.handleReference).Methods("GET")
	r.HandleFunc("/stream", s.handleRunStream).Methods("GET")
	r.Handle("/ws/progress", s.hub).Methods("GET")
}

// runBackground starts the websocket hub and the progress relay.
func (s *Server) runBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.forwardProgress(ctx)
}

// forwardProgress relays pipeline progress to websocket clients.
func (s *Server) forwardProgress(ctx context.Context) {
	ch, unsubscribe := s.pipeline.SubscribeProgress()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case pr, ok := <-ch:
			if !ok {
				return
			}
			if err := s.hub.Broadcast(pr); err != nil {
				s.log.Warn("progress broadcast failed", "error", err)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type runDetail struct {
	storage.RunRecord
	Meta map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Run(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	detail := runDetail{RunRecord: rec}
	meta, err := s.store.RunMeta(id)
	switch {
	case err == nil:
		detail.Meta = meta
	case !errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	job := pipeline.Job{Options: s.defaults.Clone()}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if job.TracePath == "" {
		writeError(w, http.StatusBadRequest, errors.New("trace is required"))
		return
	}
	if err := job.Options.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.pipeline.Submit(job)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("run submitted", "id", id, "trace", job.TracePath, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.pipeline.Cancel(id) {
		writeError(w, http.StatusNotFound, errors.New("run is not queued or running"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Run(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	output := rec.OutputPath
	if output == "" {
		// derived by the runner; only the result meta knows it
		if meta, err := s.store.RunMeta(id); err == nil {
			output, _ = meta["output"].(string)
		}
	}
	ref, err := s.store.LoadReference(output)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(ref.PNG)))
	w.Write(ref.PNG)
}

// ResultEvent is the wire form of a pipeline result.
type ResultEvent struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Trace  string         `json:"trace"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// NewResultEvent flattens res for clients.
func NewResultEvent(res pipeline.Result) ResultEvent {
	ev := ResultEvent{
		ID:     res.Job.ID,
		Status: res.Status,
		Trace:  res.Job.TracePath,
		Output: res.Job.Output,
		Meta:   res.Meta,
	}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(NewResultEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
