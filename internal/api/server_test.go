package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	ready    bool
	inFlight int
	live     int
}

func (f fakeStatus) Ready() bool      { return f.ready }
func (f fakeStatus) InFlight() int    { return f.inFlight }
func (f fakeStatus) LiveWorkers() int { return f.live }

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(fakeStatus{}, nil), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(fakeStatus{ready: true, inFlight: 1, live: 2}, nil), "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready","in_flight":1,"live_workers":2}`, rec.Body.String())

	rec = serve(t, NewServer(fakeStatus{}, nil), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, NewServer(nil, nil), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := NewServer(fakeStatus{ready: true}, nil)
	_ = serve(t, s, "/healthz")
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_NotFound(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(fakeStatus{}, nil), "/v1/jobs")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
