package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/job"
	"AgentMarket/internal/observability/metrics"
	"AgentMarket/internal/protocol"
	"AgentMarket/internal/registry"
)

type fakeRequester struct {
	tool    string
	task    protocol.TaskType
	payload map[string]any
	err     error
}

func (f *fakeRequester) RequestQuote(_ context.Context, tool string, task protocol.TaskType, payload map[string]any) (string, error) {
	f.tool, f.task, f.payload = tool, task, payload
	return "corr-1", f.err
}

func (f *fakeRequester) RequestTask(_ context.Context, task protocol.TaskType, payload map[string]any) (string, string, error) {
	f.task, f.payload = task, payload
	if f.err != nil {
		return "", "", f.err
	}
	return "tool-discovered", "corr-2", nil
}

type storeCanceller struct{ store job.Store }

func (c storeCanceller) Cancel(ctx context.Context, jobID, reason string) error {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return job.ErrInvalidTransition
	}
	return c.store.Update(ctx, jobID, job.Patch{Status: job.Ptr(job.StatusCancelled), AppendNote: reason})
}

func newTestServer(t *testing.T) (*Server, *job.MemoryStore, *fakeRequester) {
	t.Helper()
	store := job.NewMemoryStore()
	ctx := context.Background()
	for _, j := range []*job.Job{
		{ID: "job_1", Task: protocol.TaskGetWeather, Status: job.StatusPaid, ClientAddress: "client", ToolAddress: "tool"},
		{ID: "job_2", Task: protocol.TaskTranslateText, Status: job.StatusInProgress, ClientAddress: "client", ToolAddress: "tool"},
		{ID: "job_3", Task: protocol.TaskGetWeather, Status: job.StatusFailed, ClientAddress: "other", ToolAddress: "tool"},
	} {
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}
	req := &fakeRequester{}
	srv := NewServer(Options{
		Role:      "client",
		Address:   "client",
		AuthToken: "secret",
		Store:     store,
		Requester: req,
		Canceller: storeCanceller{store: store},
		Registry: registry.NewStaticRegistry(
			registry.Agent{Address: "tool", Capabilities: []string{"get_weather"}},
			registry.Agent{Address: "translator", Capabilities: []string{"translate_text"}},
		),
		Metrics: metrics.New(),
	})
	return srv, store, req
}

func do(t *testing.T, h http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"role":"client"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "agentmarket_http_requests_total") {
		t.Fatalf("metrics output missing http counter:\n%s", rec.Body.String())
	}
}

func TestListJobsFilters(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	cases := []struct {
		name   string
		target string
		want   int
	}{
		{"all", "/api/v1/jobs", 3},
		{"status", "/api/v1/jobs?status=paid,failed", 2},
		{"participant", "/api/v1/jobs?participant=client&role=client", 2},
		{"task", "/api/v1/jobs?task=GET_WEATHER", 2},
		{"limit", "/api/v1/jobs?limit=1", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tc.target, "", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
			}
			var jobs []job.Job
			if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(jobs) != tc.want {
				t.Fatalf("got %d jobs, want %d", len(jobs), tc.want)
			}
		})
	}

	rec := do(t, h, http.MethodGet, "/api/v1/jobs?status=bogus", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status should be rejected, got %d", rec.Code)
	}
}

func TestJobDetailAndStats(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/jobs/job_2", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var got job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "job_2" || got.Status != job.StatusInProgress {
		t.Fatalf("unexpected job %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/jobs/missing", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/jobs/stats", "", "")
	var stats job.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 3 || stats.ByStatus[job.StatusPaid] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCreateRequestRequiresToken(t *testing.T) {
	srv, _, req := newTestServer(t)
	h := srv.Handler()
	body := `{"task":"get_weather","payload":{"location":"Paris"}}`

	if rec := do(t, h, http.MethodPost, "/api/v1/requests", body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/requests", body, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/requests", body, "secret")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Tool != "tool-discovered" || resp.CorrelationID != "corr-2" || req.payload["location"] != "Paris" {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/requests", `{"task":"translate_text","tool":"translator","payload":{"text":"hi"}}`, "secret")
	if rec.Code != http.StatusAccepted || req.tool != "translator" || req.task != protocol.TaskTranslateText {
		t.Fatalf("direct request not routed: %d %+v", rec.Code, req)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/requests", `{"task":"mine_bitcoin"}`, "secret")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown task should be rejected, got %d", rec.Code)
	}

	req.err = xerrors.New(xerrors.CodeNotFound, "no reachable agent for task")
	rec = do(t, h, http.MethodPost, "/api/v1/requests", body, "secret")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no agent, got %d", rec.Code)
	}
}

func TestFailLogsBySeverity(t *testing.T) {
	srv, _, req := newTestServer(t)
	var buf bytes.Buffer
	srv.log = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	h := srv.Handler()
	body := `{"task":"get_weather","payload":{"location":"Paris"}}`

	req.err = xerrors.New(xerrors.CodeNotFound, "no reachable agent for task")
	if rec := do(t, h, http.MethodPost, "/api/v1/requests", body, "secret"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if buf.Len() != 0 {
		t.Fatalf("client errors without alert must not be logged: %s", buf.String())
	}

	cases := []struct {
		err    error
		status int
		level  string
	}{
		{xerrors.New(xerrors.CodeTransportFailure, "broker down", xerrors.WithMetadata("recipient", "tool")), http.StatusBadGateway, "ERROR"},
		{xerrors.New(xerrors.CodeTimeout, "quote timed out"), http.StatusGatewayTimeout, "WARN"},
	}
	for _, tc := range cases {
		buf.Reset()
		req.err = tc.err
		if rec := do(t, h, http.MethodPost, "/api/v1/requests", body, "secret"); rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("decode log %q: %v", buf.String(), err)
		}
		if entry["level"] != tc.level || entry["alert"] != true {
			t.Fatalf("%v: unexpected log entry %v", tc.err, entry)
		}
	}
	req.err = xerrors.New(xerrors.CodeTransportFailure, "broker down", xerrors.WithMetadata("recipient", "tool"))
	buf.Reset()
	do(t, h, http.MethodPost, "/api/v1/requests", body, "secret")
	if !strings.Contains(buf.String(), `"recipient":"tool"`) {
		t.Fatalf("error metadata must be logged: %s", buf.String())
	}
}

func TestCancelJob(t *testing.T) {
	srv, store, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/jobs/job_2/cancel", `{"reason":"operator"}`, "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got, _ := store.Get(context.Background(), "job_2")
	if got.Status != job.StatusCancelled {
		t.Fatalf("job not cancelled: %s", got.Status)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/jobs/job_1/cancel", "", "secret")
	if rec.Code != http.StatusConflict {
		t.Fatalf("terminal job cancel should conflict, got %d", rec.Code)
	}
}

func TestAgentsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/agents?task=get_weather", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Agents []registry.Agent `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Agents) != 1 || body.Agents[0].Address != "tool" || !body.Agents[0].Reachable {
		t.Fatalf("unexpected agents %+v", body.Agents)
	}
}
