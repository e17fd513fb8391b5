package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"AgentMarket/internal/protocol"
)

func TestStaticRegistryFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	content := `agents:
  - address: tool-github
    name: GitHub tool
    capabilities: [create_github_issue]
    price: 5000000000000000000
    bond: 1000000000000000000
  - address: tool-translator
    capabilities: [translate_text]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg, err := LoadStaticRegistry(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	agents, err := reg.Discover(context.Background(), protocol.TaskCreateGitHubIssue)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(agents) != 1 || agents[0].Address != "tool-github" || !agents[0].Reachable {
		t.Fatalf("unexpected agents %+v", agents)
	}
	if agents[0].Price != 5_000_000_000_000_000_000 {
		t.Fatalf("unexpected price %d", agents[0].Price)
	}
	all, _ := reg.Discover(context.Background(), "")
	if len(all) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(all))
	}
}

func TestStaticRegistryRejectsMissingAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  - name: nameless\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadStaticRegistry(path); err == nil {
		t.Fatal("expected error for agent without address")
	}
}

func TestHTTPRegistryFiltersUnreachable(t *testing.T) {
	alive := httptest.NewServer(http.NotFoundHandler())
	defer alive.Close()
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	var gotTask string
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTask = r.URL.Query().Get("task")
		_ = json.NewEncoder(w).Encode(agentsResponse{Agents: []Agent{
			{Address: "alive", Capabilities: []string{"translate_text"}, Endpoint: alive.URL},
			{Address: "dead", Capabilities: []string{"translate_text"}, Endpoint: deadURL},
			{Address: "remote", Capabilities: []string{"translate_text"}},
			{Address: "other", Capabilities: []string{"get_weather"}},
		}})
	}))
	defer directory.Close()

	reg := NewHTTPRegistry(HTTPConfig{BaseURL: directory.URL})
	agents, err := reg.Discover(context.Background(), protocol.TaskTranslateText)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if gotTask != "translate_text" {
		t.Fatalf("task query = %q", gotTask)
	}
	if len(agents) != 2 || agents[0].Address != "alive" || agents[1].Address != "remote" {
		t.Fatalf("unexpected agents %+v", agents)
	}
	for _, a := range agents {
		if !a.Reachable {
			t.Fatalf("agent %s should be marked reachable", a.Address)
		}
	}
}

func TestHTTPRegistryUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	if _, err := NewHTTPRegistry(HTTPConfig{BaseURL: server.URL}).Discover(context.Background(), protocol.TaskGetWeather); err == nil {
		t.Fatal("expected error")
	}
}
