package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"AgentMarket/pkg/logger"
)

// EventPath 是仪表盘接收事件的路径。
const EventPath = "/agent-event"

// HTTPSinkConfig 描述仪表盘地址。
type HTTPSinkConfig struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond 为 0 时不限流。
	RequestsPerSecond float64
}

// HTTPSink 以 JSON POST 事件到 BaseURL + /agent-event。
type HTTPSink struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewHTTPSink 创建仪表盘 Sink，默认超时 2.5s。
func NewHTTPSink(cfg HTTPSinkConfig) *HTTPSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}
	s := &HTTPSink{
		endpoint: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/") + EventPath,
		http:     &http.Client{Timeout: timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return s
}

// Name 实现 Sink。
func (s *HTTPSink) Name() string { return "frontend" }

// Send 实现 Sink，非 2xx 响应视为失败。
func (s *HTTPSink) Send(ctx context.Context, event Event) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(flatten(event))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("frontend returned status %d", resp.StatusCode)
	}
	return nil
}

// flatten 把 Extra 合并到顶层字段，与仪表盘的事件格式一致。
func flatten(event Event) map[string]any {
	body := make(map[string]any, len(event.Extra)+5)
	for k, v := range event.Extra {
		body[k] = v
	}
	body["source"] = event.Source
	body["status"] = event.Status
	body["message"] = event.Message
	if event.JobID != "" {
		body["job_id"] = event.JobID
	}
	if event.IssueURL != "" {
		body["issue_url"] = event.IssueURL
	}
	return body
}

// AuditSink 把事件写入审计日志。
type AuditSink struct {
	logger *slog.Logger
}

// NewAuditSink 创建审计 Sink，l 为空时使用全局审计日志。
func NewAuditSink(l *slog.Logger) *AuditSink {
	return &AuditSink{logger: l}
}

// Name 实现 Sink。
func (s *AuditSink) Name() string { return "audit" }

// Send 实现 Sink。
func (s *AuditSink) Send(_ context.Context, event Event) error {
	l := s.logger
	if l == nil {
		l = logger.Audit()
	}
	l.Info("作业事件",
		slog.String("source", event.Source),
		slog.String("status", event.Status),
		slog.String("job_id", event.JobID),
		slog.String("message", event.Message),
		slog.Time("occurred_at", event.OccurredAt),
	)
	return nil
}

var (
	_ Sink = (*HTTPSink)(nil)
	_ Sink = (*AuditSink)(nil)
)
