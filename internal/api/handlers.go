package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/job"
	"AgentMarket/internal/protocol"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type createRequest struct {
	Task    string         `json:"task"`
	Payload map[string]any `json:"payload"`
	// Tool 为空时通过服务发现选择工具方。
	Tool string `json:"tool,omitempty"`
}

type createResponse struct {
	Tool          string `json:"tool"`
	CorrelationID string `json:"correlation_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusOf 把错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrInvalidTransition):
		return http.StatusConflict
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, job.CodeJobValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeUpstreamFailure, xerrors.CodeTransportFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail 写出错误响应。服务端错误与需要告警的错误按严重程度记录日志。
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError || xerrors.ShouldAlert(err) {
		attrs := []any{
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err),
			slog.String("severity", string(xerrors.SeverityOf(err))),
			slog.Bool("alert", xerrors.ShouldAlert(err)),
		}
		if e, ok := xerrors.From(err); ok {
			for k, v := range e.Metadata() {
				attrs = append(attrs, slog.String(k, v))
			}
		}
		s.log.Log(r.Context(), xerrors.LevelOf(err), "请求处理失败", attrs...)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(xerrors.CodeOf(err))})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"role":    s.opts.Role,
		"address": s.opts.Address,
	})
}

// parseListOptions 解析 status、participant、role、task、limit、offset 与 order 参数。
func parseListOptions(r *http.Request) (job.ListOptions, error) {
	q := r.URL.Query()
	opts := job.ListOptions{
		Participant: q.Get("participant"),
		Role:        job.Role(q.Get("role")),
	}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(part))
			if status == "" {
				continue
			}
			if !job.IsValidStatus(status) {
				return opts, xerrors.New(xerrors.CodeInvalidArgument, "未知的作业状态: "+string(status))
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	if raw := q.Get("task"); raw != "" {
		task, _ := protocol.ParseTaskType(raw)
		opts.Task = task
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为非负整数")
		}
		opts.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts.Offset = n
	}
	switch q.Get("order") {
	case "updated_asc":
		opts.Order = job.SortByUpdatedAsc
	case "created_desc":
		opts.Order = job.SortByCreatedDesc
	}
	return opts, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jobs, err := s.opts.Store.List(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stats, err := s.opts.Store.Stats(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "jobID"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "缺少作业 ID")
		return
	}
	j, err := s.opts.Store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	if s.opts.Requester == nil {
		writeError(w, http.StatusNotImplemented, "当前角色不支持发起任务")
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	task, known := protocol.ParseTaskType(req.Task)
	if !known {
		writeError(w, http.StatusBadRequest, "不支持的任务类型: "+req.Task)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	var (
		resp createResponse
		err  error
	)
	if tool := strings.TrimSpace(req.Tool); tool != "" {
		resp.Tool = tool
		resp.CorrelationID, err = s.opts.Requester.RequestQuote(r.Context(), tool, task, req.Payload)
	} else {
		resp.Tool, resp.CorrelationID, err = s.opts.Requester.RequestTask(r.Context(), task, req.Payload)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if s.opts.Canceller == nil {
		writeError(w, http.StatusNotImplemented, "当前角色不支持取消作业")
		return
	}
	id := chi.URLParam(r, "jobID")
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "请求体解析失败")
			return
		}
	}
	if err := s.opts.Canceller.Cancel(r.Context(), id, body.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(job.StatusCancelled)})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Registry == nil {
		writeError(w, http.StatusNotImplemented, "未配置工具目录")
		return
	}
	var task protocol.TaskType
	if raw := r.URL.Query().Get("task"); raw != "" {
		task, _ = protocol.ParseTaskType(raw)
	}
	agents, err := s.opts.Registry.Discover(r.Context(), task)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}
