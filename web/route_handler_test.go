package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/internal/store/memory"
	"github.com/RezaEskandarii/hpcfire/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAuth struct{ client, token string }

func (a staticAuth) Authenticate(ctx context.Context, client, token string) error {
	if client == a.client && token == a.token {
		return nil
	}
	return custom_errors.ErrUnauthorized
}

func newTestHandler(t *testing.T, auth Authenticator, jobs int) (http.Handler, *memory.MemoryJobStore) {
	t.Helper()
	s := memory.NewMemoryJobStore()
	for i := 0; i < jobs; i++ {
		_, err := s.Create(context.Background(), types.JobSpec{Exec: types.ExecSpec{Command: "true"}})
		require.NoError(t, err)
	}
	return NewRouteHandler(s, auth, ":0").Handler(), s
}

func get(t *testing.T, h http.Handler, path string, setup ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, f := range setup {
		f(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h, _ := newTestHandler(t, staticAuth{"a", "b"}, 0)
	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCounts(t *testing.T) {
	h, _ := newTestHandler(t, nil, 3)
	rec := get(t, h, "/api/jobs/counts")
	require.Equal(t, http.StatusOK, rec.Code)

	var counts map[state.JobState]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, 3, counts[state.StateCreated])
	assert.Equal(t, 0, counts[state.StateRunning])
}

func TestJobsArePaginated(t *testing.T) {
	h, _ := newTestHandler(t, nil, PageSize+2)

	rec := get(t, h, "/api/jobs?page=2&state=created")
	require.Equal(t, http.StatusOK, rec.Code)
	var page types.PaginationResult[types.Job]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Items, 2)
	assert.Equal(t, PageSize+2, page.TotalItems)
	assert.True(t, page.HasPreviousPage)
	assert.False(t, page.HasNextPage)

	rec = get(t, h, "/api/jobs?state=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobAndEvents(t *testing.T) {
	h, s := newTestHandler(t, nil, 0)
	_, err := s.Create(context.Background(), types.JobSpec{ID: "job-1", Exec: types.ExecSpec{Command: "true"}})
	require.NoError(t, err)

	rec := get(t, h, "/api/jobs/job-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var job types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, state.StateCreated, job.State)

	rec = get(t, h, "/api/jobs/job-1/events")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []types.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/jobs/nope").Code)
}

func TestBasicAuth(t *testing.T) {
	h, _ := newTestHandler(t, staticAuth{"ops", "secret"}, 1)

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/jobs").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", func(r *http.Request) { r.SetBasicAuth("ops", "wrong") }).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/jobs", func(r *http.Request) { r.SetBasicAuth("ops", "secret") }).Code)
}

func TestMetrics(t *testing.T) {
	h, _ := newTestHandler(t, nil, 0)
	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
