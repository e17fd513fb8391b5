package verifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AgentMarket/internal/github"
	"AgentMarket/internal/protocol"
	"AgentMarket/internal/signature"
)

var toolKey = []byte("tool-secret")

func signedReceipt(t *testing.T, jobID, output string) protocol.Receipt {
	t.Helper()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sig, err := signature.HMAC{}.Sign(signature.ReceiptMessage(jobID, output, ts), toolKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return protocol.Receipt{JobID: jobID, OutputRef: output, Timestamp: ts, ToolSignature: sig}
}

func newDefaultVerifier(opts ...Option) *Verifier {
	base := []Option{
		WithChecker(protocol.TaskTranslateText, TranslationChecker()),
		WithChecker(protocol.TaskGetWeather, WeatherChecker()),
	}
	return New(signature.HMAC{}, append(base, opts...)...)
}

func TestVerifySignatureFailureShortCircuits(t *testing.T) {
	called := false
	v := New(signature.HMAC{}, WithChecker(protocol.TaskGetWeather, CheckerFunc(func(context.Context, Request) (bool, string, error) {
		called = true
		return true, "", nil
	})))

	receipt := signedReceipt(t, "job_1", "sunny, 20 celsius")
	receipt.ToolSignature = "deadbeef"
	result := v.Verify(context.Background(), receipt, protocol.TaskGetWeather, toolKey)
	if result.Verified || result.Details != DetailsSignatureInvalid {
		t.Fatalf("unexpected result %+v", result)
	}
	if called {
		t.Fatal("checker must not run when the signature is invalid")
	}
	if result.JobID != "job_1" || result.Timestamp.IsZero() {
		t.Fatalf("result must carry job id and timestamp: %+v", result)
	}
}

func TestVerifyUnknownTaskType(t *testing.T) {
	v := newDefaultVerifier()
	receipt := signedReceipt(t, "job_1", "whatever output")
	result := v.Verify(context.Background(), receipt, protocol.TaskType("mine_bitcoin"), toolKey)
	if result.Verified {
		t.Fatal("unknown task type must not verify")
	}
	if !strings.Contains(result.Details, "unsupported task type") {
		t.Fatalf("unexpected details %q", result.Details)
	}
}

func TestVerifyCheckerPanicIsContained(t *testing.T) {
	v := New(signature.HMAC{}, WithChecker(protocol.TaskGetWeather, CheckerFunc(func(context.Context, Request) (bool, string, error) {
		panic("kaboom")
	})))
	result := v.Verify(context.Background(), signedReceipt(t, "job_1", "rain"), protocol.TaskGetWeather, toolKey)
	if result.Verified || !strings.Contains(result.Details, "kaboom") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestHeuristicCheckers(t *testing.T) {
	v := newDefaultVerifier()
	cases := []struct {
		name   string
		task   protocol.TaskType
		output string
		want   bool
	}{
		{"translation ok", protocol.TaskTranslateText, "Translated to es: hola mundo", true},
		{"translation short", protocol.TaskTranslateText, "hey", false},
		{"translation blank", protocol.TaskTranslateText, "   ", false},
		{"weather ok", protocol.TaskGetWeather, "Paris: Sunny, 21 Celsius", true},
		{"weather missing keywords", protocol.TaskGetWeather, "the stock market is up", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := v.Verify(context.Background(), signedReceipt(t, "job_1", tc.output), tc.task, toolKey)
			if result.Verified != tc.want {
				t.Fatalf("verified = %v, want %v (%s)", result.Verified, tc.want, result.Details)
			}
		})
	}
}

func TestGitHubIssueChecker(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/issues/12" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(github.Issue{
			Number:        12,
			Title:         "Add dark mode",
			State:         "open",
			RepositoryURL: server.URL + "/repos/acme/widgets",
		})
	}))
	defer server.Close()

	client := github.NewClient(github.Config{BaseURL: server.URL})
	v := newDefaultVerifier(WithChecker(protocol.TaskCreateGitHubIssue, NewGitHubIssueChecker(client, "acme/widgets")))

	ok := v.VerifyRequest(context.Background(), Request{
		Receipt:   signedReceipt(t, "job_1", "https://github.com/acme/widgets/issues/12"),
		Task:      protocol.TaskCreateGitHubIssue,
		Requested: map[string]any{"title": "Add dark mode"},
	}, toolKey)
	if !ok.Verified {
		t.Fatalf("expected verification to pass: %s", ok.Details)
	}

	wrongTitle := v.VerifyRequest(context.Background(), Request{
		Receipt:   signedReceipt(t, "job_2", "https://github.com/acme/widgets/issues/12"),
		Task:      protocol.TaskCreateGitHubIssue,
		Requested: map[string]any{"title": "Something else"},
	}, toolKey)
	if wrongTitle.Verified {
		t.Fatal("title mismatch must fail")
	}

	receipt := signedReceipt(t, "job_3", "https://github.com/invalid/invalid/issues/99999999")
	receipt.VerifierParams = map[string]any{"expected_title": "Add dark mode"}
	missing := v.Verify(context.Background(), receipt, protocol.TaskCreateGitHubIssue, toolKey)
	if missing.Verified || missing.Details != "Issue not found" {
		t.Fatalf("unexpected result for fake url %+v", missing)
	}

	malformed := v.Verify(context.Background(), signedReceipt(t, "job_4", "ftp://nowhere"), protocol.TaskCreateGitHubIssue, toolKey)
	if malformed.Verified || !strings.Contains(malformed.Details, "verification error") {
		t.Fatalf("unexpected result for malformed url %+v", malformed)
	}
}

func TestRequestExpectedPrefersRequestedPayload(t *testing.T) {
	req := Request{
		Receipt:   protocol.Receipt{VerifierParams: map[string]any{"expected_title": "from tool"}},
		Requested: map[string]any{"title": "from client"},
	}
	if got := req.Expected("title", "expected_title"); got != "from client" {
		t.Fatalf("expected client payload to win, got %q", got)
	}
	req.Requested = nil
	if got := req.Expected("title", "expected_title"); got != "from tool" {
		t.Fatalf("expected fallback to verifier params, got %q", got)
	}
}
