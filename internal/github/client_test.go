package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseIssueURL(t *testing.T) {
	cases := []struct {
		in     string
		owner  string
		repo   string
		number int
		ok     bool
	}{
		{"https://github.com/acme/widgets/issues/42", "acme", "widgets", 42, true},
		{"https://api.github.com/repos/acme/widgets/issues/7", "acme", "widgets", 7, true},
		{"https://github.com/acme/widgets/pull/42", "", "", 0, false},
		{"https://github.com/acme/widgets/issues/abc", "", "", 0, false},
		{"not a url", "", "", 0, false},
	}
	for _, tc := range cases {
		owner, repo, number, err := ParseIssueURL(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("ParseIssueURL(%q) error = %v, want ok=%v", tc.in, err, tc.ok)
		}
		if tc.ok && (owner != tc.owner || repo != tc.repo || number != tc.number) {
			t.Fatalf("ParseIssueURL(%q) = %s/%s#%d", tc.in, owner, repo, number)
		}
	}
}

func TestClientCreateAndGetIssue(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widgets/issues":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Issue{
				Number:        1,
				Title:         body["title"].(string),
				State:         "open",
				HTMLURL:       "https://github.com/acme/widgets/issues/1",
				URL:           server.URL + "/repos/acme/widgets/issues/1",
				RepositoryURL: server.URL + "/repos/acme/widgets",
			})
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/widgets/issues/1":
			_ = json.NewEncoder(w).Encode(Issue{Number: 1, Title: "Bug", State: "open", RepositoryURL: server.URL + "/repos/acme/widgets"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Token: "secret"})
	issue, err := client.CreateIssue(context.Background(), "acme/widgets", "Bug", "body", []string{"x"})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if issue.HTMLURL != "https://github.com/acme/widgets/issues/1" {
		t.Fatalf("unexpected issue %+v", issue)
	}

	fetched, err := client.GetIssueByURL(context.Background(), issue.HTMLURL)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if fetched.RepositoryURL != client.RepositoryURL("acme/widgets") {
		t.Fatalf("unexpected repository url %s", fetched.RepositoryURL)
	}

	_, err = client.GetIssueByURL(context.Background(), "https://github.com/acme/widgets/issues/999")
	if !errors.Is(err, ErrIssueNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := client.CreateIssue(context.Background(), "invalid", "t", "", nil); err == nil {
		t.Fatal("expected error for malformed repo")
	}
}
