package verifier

import (
	"context"
	"errors"
	"fmt"

	"AgentMarket/internal/github"
	"AgentMarket/internal/protocol"
	"AgentMarket/internal/signature"
)

// IssueFetcher 根据 issue 地址查询 issue，由 github.Client 实现。
type IssueFetcher interface {
	GetIssueByURL(ctx context.Context, issueURL string) (github.Issue, error)
	RepositoryURL(repo string) string
}

// GitHubIssueChecker 复核 issue 是否真实存在且与请求一致。
// 只信任 output_ref 中的 html 地址，由它重建 API 地址；标题、仓库与状态逐字节比较。
type GitHubIssueChecker struct {
	issues      IssueFetcher
	defaultRepo string
}

// NewGitHubIssueChecker 创建检查器。defaultRepo 在请求和回执都未给出仓库时使用。
func NewGitHubIssueChecker(issues IssueFetcher, defaultRepo string) *GitHubIssueChecker {
	return &GitHubIssueChecker{issues: issues, defaultRepo: defaultRepo}
}

// Check 实现 Checker。
func (c *GitHubIssueChecker) Check(ctx context.Context, req Request) (bool, string, error) {
	if c.issues == nil {
		return false, "GitHub API not available for verification", nil
	}
	expectedTitle := req.Expected("title", "expected_title")
	expectedRepo := req.Expected("repo", "expected_repo")
	if expectedRepo == "" {
		expectedRepo = c.defaultRepo
	}
	expectedState := req.Expected("state", "expected_state")
	if expectedState == "" {
		expectedState = "open"
	}

	issue, err := c.issues.GetIssueByURL(ctx, req.Receipt.OutputRef)
	if err != nil {
		if errors.Is(err, github.ErrIssueNotFound) {
			return false, "Issue not found", nil
		}
		return false, "", err
	}

	titleMatch := issue.Title == expectedTitle
	repoMatch := expectedRepo != "" && issue.RepositoryURL == c.issues.RepositoryURL(expectedRepo)
	stateMatch := issue.State == expectedState
	verified := titleMatch && repoMatch && stateMatch

	outcome := "failed"
	if verified {
		outcome = "passed"
	}
	details := fmt.Sprintf("GitHub issue verification %s: title_match=%t repo_match=%t state_match=%t issue=#%d state=%s url=%s",
		outcome, titleMatch, repoMatch, stateMatch, issue.Number, issue.State, req.Receipt.OutputRef)
	return verified, details, nil
}

// NewDefault 注册内置的三类检查器。issues 为空时 GitHub 任务会被判定为不可校验。
func NewDefault(codec signature.Codec, issues IssueFetcher, defaultRepo string, opts ...Option) *Verifier {
	base := []Option{
		WithChecker(protocol.TaskCreateGitHubIssue, NewGitHubIssueChecker(issues, defaultRepo)),
		WithChecker(protocol.TaskTranslateText, TranslationChecker()),
		WithChecker(protocol.TaskGetWeather, WeatherChecker()),
	}
	return New(codec, append(base, opts...)...)
}
