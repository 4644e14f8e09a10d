package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timeledger/internal/engine"
	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/ledger"
	"github.com/roach88/timeledger/internal/metrics"
	"github.com/roach88/timeledger/internal/normalize"
	"github.com/roach88/timeledger/internal/tracker"
)

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *tracker.Tracker) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 10, 12, 18, 0, 0, 0, time.UTC)).MustWait(context.Background())

	settings := tracker.DefaultSettings()
	settings.SkewWindow = 0
	tr := tracker.New(ledger.NewMemStore(), settings,
		tracker.WithClock(clock),
		tracker.WithIDGenerator(engine.NewSequenceGenerator("s")),
	)
	srv := httptest.NewServer(New(tr, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, tr
}

func post(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestPostEvent_Single(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := post(t, srv, `{"subject_id":"alice","source":"USER_LOGIN","timestamp":"2026-10-12T09:00:00Z","origin_id":"laptop"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	res := decode[tracker.IngestResult](t, resp)
	assert.True(t, res.Accepted)
	assert.Equal(t, "s-1", res.SessionID)
}

func TestPostEvent_Validation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"unknown source", `{"subject_id":"alice","source":"USER_SLEEP","timestamp":"2026-10-12T09:00:00Z"}`},
		{"missing subject", `{"source":"USER_LOGIN","timestamp":"2026-10-12T09:00:00Z"}`},
		{"malformed json", `{"subject_id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[errorBody](t, resp)
			assert.Equal(t, string(ir.ErrCodeValidation), body.Code)
		})
	}
}

func TestPostEvents_Batch(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := post(t, srv, `[
		{"subject_id":"alice","source":"USER_LOGOUT","timestamp":"2026-10-12T17:00:00Z","origin_id":"laptop"},
		{"subject_id":"","source":"USER_LOGIN","timestamp":"2026-10-12T08:00:00Z"},
		{"subject_id":"alice","source":"USER_LOGIN","timestamp":"2026-10-12T09:00:00Z","origin_id":"laptop"}
	]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	results := decode[[]eventResult](t, resp)
	require.Len(t, results, 3)
	assert.Equal(t, "close", results[0].Transition)
	assert.NotEmpty(t, results[1].Error)
	assert.Equal(t, "open", results[2].Transition)
}

func TestGetBuckets(t *testing.T) {
	srv, _ := newTestServer(t)
	post(t, srv, `[
		{"subject_id":"alice","source":"USER_LOGIN","timestamp":"2026-10-12T09:00:00Z","origin_id":"laptop"},
		{"subject_id":"alice","source":"USER_LOGOUT","timestamp":"2026-10-12T17:00:00Z","origin_id":"laptop"}
	]`)

	resp := get(t, srv, "/v1/subjects/alice/buckets?category=attendance&granularity=day&from=2026-10-12&to=2026-10-14")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buckets := decode[[]ir.AggregateBucket](t, resp)
	require.Len(t, buckets, 2)
	assert.Equal(t, 8*time.Hour, buckets[0].TotalDuration)
	assert.Equal(t, 1, buckets[0].SessionCount)
	assert.Zero(t, buckets[1].TotalDuration)
}

func TestGetBuckets_BadParams(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, q := range []string{
		"",
		"?from=2026-10-12",
		"?from=2026-10-12&to=2026-10-11",
		"?from=yesterday&to=2026-10-13",
		"?from=2026-10-12&to=2026-10-13&category=sleep",
		"?from=2026-10-12&to=2026-10-13&granularity=month",
	} {
		resp := get(t, srv, "/v1/subjects/alice/buckets"+q)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestGetSessions(t *testing.T) {
	srv, _ := newTestServer(t)
	post(t, srv, `[
		{"subject_id":"alice","source":"USER_LOGIN","timestamp":"2026-10-12T09:00:00Z","origin_id":"laptop"},
		{"subject_id":"alice","source":"MACHINE_ACTIVE","timestamp":"2026-10-12T09:05:00Z","origin_id":"laptop"}
	]`)

	resp := get(t, srv, "/v1/subjects/alice/sessions?category=ATTENDANCE&state=OPEN")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decode[[]ir.Session](t, resp)
	require.Len(t, sessions, 1)
	assert.Equal(t, ir.CategoryAttendance, sessions[0].Category)

	resp = get(t, srv, "/v1/subjects/bob/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]ir.Session](t, resp))

	resp = get(t, srv, "/v1/subjects/alice/sessions?state=SLEEPING")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTimelog(t *testing.T) {
	srv, _ := newTestServer(t)
	post(t, srv, `[
		{"subject_id":"alice","source":"USER_LOGIN","timestamp":"2026-10-12T09:00:00Z","origin_id":"laptop"},
		{"subject_id":"alice","source":"USER_LOGOUT","timestamp":"2026-10-12T11:15:00Z","origin_id":"laptop"}
	]`)

	resp := get(t, srv, "/v1/subjects/alice/timelog?from=2026-10-12&to=2026-10-13")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rows := decode[[]map[string]any](t, resp)
	require.Len(t, rows, 1)
	assert.Equal(t, "09:00", rows[0]["login_time"])
	assert.Equal(t, 2.25, rows[0]["active_hours"])
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down, _ := newTestServer(t, WithHealthCheck(func(context.Context) error { return errors.New("db gone") }))
	resp = get(t, down, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	srv, _ := newTestServer(t, WithGatherer(reg), WithRecorder(m))

	post(t, srv, `{"subject_id":"alice","source":"USER_LOGIN","timestamp":"2026-10-12T09:00:00Z","origin_id":"laptop"}`)

	resp := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := new(strings.Builder)
	_, err := io.Copy(body, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `timeledger_http_requests_total{code="202",route="/v1/events"} 1`)
}

func TestStatusFor(t *testing.T) {
	key := ir.SessionKey{SubjectID: "alice", Category: ir.CategoryAttendance, OriginID: "laptop"}
	tests := []struct {
		err  error
		want int
	}{
		{ir.NewValidationError("source", "bad"), http.StatusBadRequest},
		{ir.NewConsistencyViolation(key, "two open", nil), http.StatusConflict},
		{ir.NewStoreUnavailable("commit", errors.New("io")), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

type failingService struct {
	Service
	err error
}

func (f failingService) Ingest(context.Context, normalize.RawEvent) (tracker.IngestResult, error) {
	return tracker.IngestResult{}, f.err
}

func TestPostEvent_StoreUnavailable(t *testing.T) {
	srv := httptest.NewServer(New(failingService{err: ir.NewStoreUnavailable("commit", errors.New("locked"))}).Handler())
	t.Cleanup(srv.Close)

	resp := post(t, srv, `{"subject_id":"alice","source":"USER_LOGIN","timestamp":"2026-10-12T09:00:00Z"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, string(ir.ErrCodeStoreUnavailable), decode[errorBody](t, resp).Code)
}
