package executor

import (
	"context"
	"strings"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/github"
	"AgentMarket/internal/protocol"
)

// DefaultIssueLabels 是未指定 labels 时附加的标签。
var DefaultIssueLabels = []string{"innovationlab", "hackathon"}

// IssueCreator 由 github.Client 实现。
type IssueCreator interface {
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (github.Issue, error)
}

// GitHubIssue 在配置的仓库中创建 issue。payload 可以用 repo 字段覆盖仓库。
type GitHubIssue struct {
	issues IssueCreator
	repo   string
}

// NewGitHubIssue 创建执行器。
func NewGitHubIssue(issues IssueCreator, repo string) *GitHubIssue {
	return &GitHubIssue{issues: issues, repo: strings.Trim(strings.TrimSpace(repo), "/")}
}

// Task 实现 Executor。
func (g *GitHubIssue) Task() protocol.TaskType { return protocol.TaskCreateGitHubIssue }

// Validate 要求 title。
func (g *GitHubIssue) Validate(payload map[string]any) error {
	return requireFields(payload, "title")
}

// Execute 创建 issue 并返回其 html 地址。
func (g *GitHubIssue) Execute(ctx context.Context, payload map[string]any) (Result, error) {
	if err := g.Validate(payload); err != nil {
		return Result{}, err
	}
	if g.issues == nil {
		return Result{}, xerrors.New(CodeExecutionFailed, "GitHub API 未配置")
	}
	repo := stringField(payload, "repo", g.repo)
	if repo == "" {
		return Result{}, xerrors.New(CodeExecutionFailed, "未配置 GitHub 仓库")
	}
	title := stringField(payload, "title", "")
	body := stringField(payload, "body", "")
	labels := stringSlice(payload, "labels", DefaultIssueLabels)

	issue, err := g.issues.CreateIssue(ctx, repo, title, body, labels)
	if err != nil {
		return Result{}, xerrors.Wrap(CodeExecutionFailed, err, "创建 GitHub issue 失败")
	}
	return Result{
		OutputRef:   issue.HTMLURL,
		VerifierURL: issue.URL,
		VerifierParams: map[string]any{
			"expected_title": title,
			"expected_repo":  repo,
		},
	}, nil
}

var _ Executor = (*GitHubIssue)(nil)
