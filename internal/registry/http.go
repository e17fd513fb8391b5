package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/protocol"
	"AgentMarket/pkg/logger"
)

// HTTPConfig 描述远端目录服务。
type HTTPConfig struct {
	BaseURL     string
	Timeout     time.Duration
	PingTimeout time.Duration
	// RequestsPerSecond 为 0 时不限流。
	RequestsPerSecond float64
}

// HTTPRegistry 通过 GET /agents?task= 查询目录，只返回探测可达的工具方。
type HTTPRegistry struct {
	baseURL    string
	http       *http.Client
	pingClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPRegistry 创建远端目录客户端。
func NewHTTPRegistry(cfg HTTPConfig) *HTTPRegistry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 500 * time.Millisecond
	}
	r := &HTTPRegistry{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:       &http.Client{Timeout: timeout},
		pingClient: &http.Client{Timeout: pingTimeout},
	}
	if cfg.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return r
}

type agentsResponse struct {
	Agents []Agent `json:"agents"`
}

// Discover 实现 Discoverer。
func (r *HTTPRegistry) Discover(ctx context.Context, task protocol.TaskType) ([]Agent, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "等待目录限流令牌失败")
		}
	}
	endpoint := r.baseURL + "/agents"
	if task != "" {
		endpoint += "?task=" + url.QueryEscape(string(task))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造目录请求失败")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "查询工具目录失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("工具目录返回状态码 %d", resp.StatusCode))
	}
	var body agentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析工具目录失败")
	}

	candidates := make([]Agent, 0, len(body.Agents))
	for _, a := range body.Agents {
		if strings.TrimSpace(a.Address) == "" {
			continue
		}
		if task != "" && len(a.Capabilities) > 0 && !a.Supports(task) {
			continue
		}
		candidates = append(candidates, a)
	}
	return r.filterReachable(ctx, candidates), nil
}

// filterReachable 并发探测 Endpoint，任何 HTTP 响应都视为可达。
func (r *HTTPRegistry) filterReachable(ctx context.Context, agents []Agent) []Agent {
	reachable := make([]bool, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range agents {
		i := i
		g.Go(func() error {
			reachable[i] = r.ping(gctx, agents[i].Endpoint)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Agent, 0, len(agents))
	for i, a := range agents {
		if !reachable[i] {
			logger.Named("registry").Debug("工具方不可达", slog.String("address", a.Address), slog.String("endpoint", a.Endpoint))
			continue
		}
		a.Reachable = true
		out = append(out, a)
	}
	return out
}

func (r *HTTPRegistry) ping(ctx context.Context, endpoint string) bool {
	if strings.TrimSpace(endpoint) == "" {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := r.pingClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

var _ Discoverer = (*HTTPRegistry)(nil)
