package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongvtdan/apillis-mfg-sub009/datasource"
	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

type recorded struct {
	method string
	path   string
	query  string
	body   string
	apikey string
}

type stubPostgREST struct {
	mu       sync.Mutex
	requests []recorded
	status   int
	response string
	delay    time.Duration
}

func (s *stubPostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, recorded{
		method: r.Method,
		path:   r.URL.Path,
		query:  r.URL.RawQuery,
		body:   string(body),
		apikey: r.Header.Get("apikey"),
	})
	status, response, delay := s.status, s.response, s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(response))
}

func (s *stubPostgREST) last() recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func newStub(t *testing.T, status int, response string) (*stubPostgREST, *Source) {
	t.Helper()
	stub := &stubPostgREST{status: status, response: response}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	src, err := New(Config{URL: srv.URL, APIKey: "anon-key"})
	require.NoError(t, err)
	return stub, src
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{URL: "http://x"}.Validate())
	assert.NoError(t, Config{URL: "http://x", APIKey: "k"}.Validate())
}

func TestSource_Fetch(t *testing.T) {
	stub, src := newStub(t, http.StatusOK, `[{"id":"p1","status":"active"}]`)

	rows, err := src.Fetch(context.Background(), datasource.Request{
		Entity:  "projects",
		Filters: map[string]any{"status": "active", "priority": 2},
		Columns: []string{"id", "status"},
		Page:    &datasource.Pagination{Offset: 20, Limit: 10},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "active", rows[0]["status"])

	req := stub.last()
	assert.Equal(t, http.MethodGet, req.method)
	assert.Equal(t, "/rest/v1/projects", req.path)
	assert.Contains(t, req.query, "status=eq.active")
	assert.Contains(t, req.query, "priority=eq.2")
	assert.Contains(t, req.query, "select=")
	assert.Equal(t, "anon-key", req.apikey)
}

func TestSource_FetchError(t *testing.T) {
	_, src := newStub(t, http.StatusInternalServerError, `{"code":"XX000","message":"boom"}`)

	_, err := src.Fetch(context.Background(), datasource.Request{Entity: "projects"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.True(t, errors.Is(err, errors.ErrFetchFailed))
}

func TestSource_FetchRequiresEntity(t *testing.T) {
	_, src := newStub(t, http.StatusOK, `[]`)

	_, err := src.Fetch(context.Background(), datasource.Request{})
	assert.True(t, errors.IsInvalid(err))
}

func TestSource_FetchContextCancelled(t *testing.T) {
	stub, src := newStub(t, http.StatusOK, `[]`)
	stub.delay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := src.Fetch(ctx, datasource.Request{Entity: "projects"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSource_MutateUpdate(t *testing.T) {
	stub, src := newStub(t, http.StatusOK, `[{"id":"p1","status":"completed"}]`)

	row, err := src.Mutate(context.Background(), datasource.Mutation{
		Kind:    datasource.Update,
		Entity:  "projects",
		ID:      "p1",
		Payload: datasource.Row{"status": "completed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", row["status"])

	req := stub.last()
	assert.Equal(t, http.MethodPatch, req.method)
	assert.Contains(t, req.query, "id=eq.p1")

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.body), &sent))
	assert.Equal(t, "completed", sent["status"])
}

func TestSource_MutateCreate(t *testing.T) {
	stub, src := newStub(t, http.StatusCreated, `[{"id":"c1","name":"Acme"}]`)

	row, err := src.Mutate(context.Background(), datasource.Mutation{
		Kind:    datasource.Create,
		Entity:  "contacts",
		Payload: datasource.Row{"name": "Acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", row["id"])
	assert.Equal(t, http.MethodPost, stub.last().method)
}

func TestSource_MutateDeleteEmptyRepresentation(t *testing.T) {
	stub, src := newStub(t, http.StatusOK, `[]`)

	row, err := src.Mutate(context.Background(), datasource.Mutation{
		Kind:   datasource.Delete,
		Entity: "documents",
		ID:     "d1",
	})
	require.NoError(t, err)
	assert.Equal(t, datasource.Row{"id": "d1"}, row)
	assert.Equal(t, http.MethodDelete, stub.last().method)
}

func TestSource_MutateInvalid(t *testing.T) {
	_, src := newStub(t, http.StatusOK, `[]`)

	_, err := src.Mutate(context.Background(), datasource.Mutation{Kind: datasource.Update, Entity: "projects"})
	assert.True(t, errors.IsInvalid(err))
}
