package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestRequestTaskRequiresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/requests" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var req TaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Task != "get_weather" {
			t.Errorf("unexpected body: %+v %v", req, err)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(TaskAccepted{Tool: "tool_1", CorrelationID: "corr-1"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	if _, err := client.RequestTask(context.Background(), TaskRequest{Task: "get_weather"}); err == nil {
		t.Fatal("expected error without token")
	}

	client.SetAccessToken("token")
	accepted, err := client.RequestTask(context.Background(), TaskRequest{Task: "get_weather", Payload: map[string]any{"location": "London"}})
	if err != nil {
		t.Fatalf("request task: %v", err)
	}
	if accepted.Tool != "tool_1" || accepted.CorrelationID != "corr-1" {
		t.Fatalf("unexpected response: %+v", accepted)
	}
}

func TestListJobsEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "paid,failed" || q.Get("limit") != "5" || q.Get("role") != "client" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Job{{ID: "job_1", Status: "paid"}})
	}))
	defer srv.Close()

	jobs, err := newTestClient(t, srv).ListJobs(context.Background(), ListOptions{
		Statuses: []string{"paid", "failed"},
		Role:     "client",
		Limit:    5,
	})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || !jobs[0].Terminal() {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestGetJobError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"作业不存在","code":"NOT_FOUND"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).GetJob(context.Background(), "job_404")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Code != "NOT_FOUND" || apiErr.Message != "作业不存在" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitForJobPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"missing"}`))
		case 2:
			_ = json.NewEncoder(w).Encode(Job{ID: "job_1", Status: "completed"})
		default:
			_ = json.NewEncoder(w).Encode(Job{ID: "job_1", Status: "paid", PaymentTxHash: "0xabc"})
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := newTestClient(t, srv).WaitForJob(ctx, "job_1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if j.Status != "paid" || j.PaymentTxHash != "0xabc" {
		t.Fatalf("unexpected job: %+v", j)
	}
}

func TestAgents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents" || r.URL.Query().Get("task") != "translate_text" {
			t.Errorf("unexpected request: %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"agents":[{"address":"tool_1","capabilities":["translate_text"],"price":3,"reachable":true}]}`))
	}))
	defer srv.Close()

	agents, err := newTestClient(t, srv).Agents(context.Background(), "translate_text")
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 1 || agents[0].Price != 3 || !agents[0].Reachable {
		t.Fatalf("unexpected agents: %+v", agents)
	}
}
