package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/internal/store"
	"github.com/RezaEskandarii/hpcfire/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	PageSize = 15
)

// Authenticator verifies client credentials presented with basic auth.
type Authenticator interface {
	Authenticate(ctx context.Context, client, token string) error
}

// HttpRouteHandler serves health, metrics and read-only job status.
type HttpRouteHandler struct {
	jobStore store.JobStore
	auth     Authenticator
	Addr     string
}

func NewRouteHandler(jobStore store.JobStore, auth Authenticator, addr string) *HttpRouteHandler {
	return &HttpRouteHandler{
		jobStore: jobStore,
		auth:     auth,
		Addr:     addr,
	}
}

// Handler returns the route table. Everything except /healthz sits behind
// authentication when an Authenticator is configured.
func (handler *HttpRouteHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handler.handleHealth)
	mux.Handle("GET /metrics", authMiddleware(handler.auth, promhttp.Handler().ServeHTTP))
	mux.HandleFunc("GET /api/jobs/counts", authMiddleware(handler.auth, handler.handleCounts))
	mux.HandleFunc("GET /api/jobs", authMiddleware(handler.auth, handler.handleJobs))
	mux.HandleFunc("GET /api/jobs/{id}", authMiddleware(handler.auth, handler.handleJob))
	mux.HandleFunc("GET /api/jobs/{id}/events", authMiddleware(handler.auth, handler.handleEvents))
	return mux
}

// Serve listens on Addr until ctx is done.
func (handler *HttpRouteHandler) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              handler.Addr,
		Handler:           handler.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	printBanner(handler.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (handler *HttpRouteHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (handler *HttpRouteHandler) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := handler.jobStore.CountAllJobsGroupedByState(r.Context())
	if err != nil {
		log.Printf("failed to count jobs: %v", err)
		http.Error(w, "Failed to count jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (handler *HttpRouteHandler) handleJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := types.JobFilter{IDContains: strings.TrimSpace(query.Get("id"))}
	if statusParam := strings.TrimSpace(query.Get("state")); statusParam != "" {
		st := state.JobState(strings.ToUpper(statusParam))
		if !st.IsValid() {
			http.Error(w, "Invalid state", http.StatusBadRequest)
			return
		}
		filter.States = []state.JobState{st}
	}

	jobs, err := handler.jobStore.List(r.Context(), filter)
	if err != nil {
		log.Printf("failed to fetch jobs: %v", err)
		http.Error(w, "Failed to fetch jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, types.Paginate(jobs, getPageNumber(r), PageSize))
}

func (handler *HttpRouteHandler) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := handler.jobStore.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (handler *HttpRouteHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := handler.jobStore.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, custom_errors.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	log.Printf("failed to read job: %v", err)
	http.Error(w, "Failed to read job", http.StatusInternalServerError)
}
