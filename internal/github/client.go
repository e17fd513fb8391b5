// Package github 是创建与查询 issue 所需的最小 GitHub REST 客户端。
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	xerrors "AgentMarket/internal/errors"
)

// DefaultBaseURL 是 GitHub REST API 的默认地址。
const DefaultBaseURL = "https://api.github.com"

const userAgent = "agentmarket/1.0"

// ErrIssueNotFound 表示 issue 不存在。
var ErrIssueNotFound = xerrors.New(xerrors.CodeNotFound, "Issue not found")

// Issue 是 issue 接口返回的子集。
type Issue struct {
	Number        int       `json:"number"`
	Title         string    `json:"title"`
	State         string    `json:"state"`
	HTMLURL       string    `json:"html_url"`
	URL           string    `json:"url"`
	RepositoryURL string    `json:"repository_url"`
	CreatedAt     time.Time `json:"created_at"`
}

// Config 描述 GitHub 客户端参数。
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RequestsPerSecond 为 0 时不限流。
	RequestsPerSecond float64
}

// Client 调用 GitHub REST API。
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient 创建客户端。
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{baseURL: base, token: cfg.Token, http: &http.Client{Timeout: timeout}}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// BaseURL 返回 API 根地址。
func (c *Client) BaseURL() string { return c.baseURL }

// RepositoryURL 返回仓库的 API 地址，用于与 issue 的 repository_url 比较。
func (c *Client) RepositoryURL(repo string) string {
	return c.baseURL + "/repos/" + strings.Trim(repo, "/")
}

// IssueAPIURL 拼出 issue 的规范 API 地址。
func (c *Client) IssueAPIURL(owner, repo string, number int) string {
	return fmt.Sprintf("%s/repos/%s/%s/issues/%d", c.baseURL, owner, repo, number)
}

// CreateIssue 在 repo（owner/name）中创建 issue。
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (Issue, error) {
	if strings.Count(strings.Trim(repo, "/"), "/") != 1 {
		return Issue{}, xerrors.New(xerrors.CodeInvalidArgument, "仓库格式应为 owner/name: "+repo)
	}
	payload := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		payload["labels"] = labels
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Issue{}, err
	}
	var issue Issue
	status, err := c.do(ctx, http.MethodPost, c.RepositoryURL(repo)+"/issues", raw, &issue)
	if err != nil {
		return Issue{}, err
	}
	if status != http.StatusCreated {
		return Issue{}, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("创建 issue 失败，状态码 %d", status))
	}
	return issue, nil
}

// GetIssueByURL 根据任意形式的 issue 地址重建规范 API 地址并查询。
func (c *Client) GetIssueByURL(ctx context.Context, issueURL string) (Issue, error) {
	owner, repo, number, err := ParseIssueURL(issueURL)
	if err != nil {
		return Issue{}, err
	}
	var issue Issue
	status, err := c.do(ctx, http.MethodGet, c.IssueAPIURL(owner, repo, number), nil, &issue)
	if err != nil {
		return Issue{}, err
	}
	switch status {
	case http.StatusOK:
		return issue, nil
	case http.StatusNotFound:
		return Issue{}, ErrIssueNotFound
	default:
		return Issue{}, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("GitHub API error: %d", status))
	}
}

// ParseIssueURL 从 https://github.com/o/r/issues/n 或 https://api.github.com/repos/o/r/issues/n
// 中提取 owner、repo 与编号。
func ParseIssueURL(raw string) (owner, repo string, number int, err error) {
	u, parseErr := url.Parse(strings.TrimSpace(raw))
	if parseErr != nil || u.Host == "" {
		return "", "", 0, xerrors.New(xerrors.CodeInvalidArgument, "Invalid issue URL format")
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) > 0 && parts[0] == "repos" {
		parts = parts[1:]
	}
	if len(parts) != 4 || parts[2] != "issues" || parts[0] == "" || parts[1] == "" {
		return "", "", 0, xerrors.New(xerrors.CodeInvalidArgument, "Invalid issue URL format")
	}
	n, convErr := strconv.Atoi(parts[3])
	if convErr != nil || n <= 0 {
		return "", "", 0, xerrors.New(xerrors.CodeInvalidArgument, "Invalid issue number")
	}
	return parts[0], parts[1], n, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) (int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeTimeout, err, "等待 GitHub 限流令牌失败")
		}
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造 GitHub 请求失败")
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求 GitHub 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析 GitHub 响应失败")
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}
