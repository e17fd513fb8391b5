// Package executor 实现工具方真正执行任务的逻辑：创建 GitHub issue、翻译文本与查询天气。
// 执行器只产出结果与校验参数，签名和状态迁移由 lifecycle 负责。
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/protocol"
)

const (
	CodeExecutionFailed xerrors.Code = "EXECUTION_FAILED"
	CodeInvalidPayload  xerrors.Code = "EXECUTION_INVALID_PAYLOAD"
)

func init() {
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:  "task execution failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeInvalidPayload, xerrors.Attributes{
		Message:  "invalid task payload",
		Severity: xerrors.SeverityInfo,
	})
}

// Result 是一次执行的产出。
type Result struct {
	OutputRef      string
	VerifierURL    string
	VerifierParams map[string]any
	// ForgeSignature 为 true 时工具方用错误的密钥签名回执，仅用于演示失败路径。
	ForgeSignature bool
}

// Executor 执行某一类任务。
type Executor interface {
	Task() protocol.TaskType
	// Validate 在报价前检查 payload，失败的请求会被静默丢弃。
	Validate(payload map[string]any) error
	Execute(ctx context.Context, payload map[string]any) (Result, error)
}

// Profile 是工具方对某类任务的定价。
type Profile struct {
	Price int64 `json:"price" yaml:"price"`
	Bond  int64 `json:"bond" yaml:"bond"`
}

// DefaultProfile 返回内置定价，单位为最小结算单位。
func DefaultProfile(task protocol.TaskType) Profile {
	switch task {
	case protocol.TaskCreateGitHubIssue:
		return Profile{Price: 5_000_000_000_000_000_000, Bond: 1_000_000_000_000_000_000}
	case protocol.TaskTranslateText:
		return Profile{Price: 3_000_000_000_000_000_000, Bond: 500_000_000_000_000_000}
	case protocol.TaskGetWeather:
		return Profile{Price: 1_000_000_000_000_000_000, Bond: 0}
	default:
		return Profile{}
	}
}

// Set 按任务类型索引执行器。
type Set struct {
	executors map[protocol.TaskType]Executor
}

// NewSet 构造执行器集合，后注册的同类执行器覆盖先前的。
func NewSet(executors ...Executor) *Set {
	s := &Set{executors: make(map[protocol.TaskType]Executor, len(executors))}
	for _, e := range executors {
		if e != nil {
			s.executors[e.Task()] = e
		}
	}
	return s
}

// Get 返回任务类型对应的执行器。
func (s *Set) Get(task protocol.TaskType) (Executor, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.executors[task]
	return e, ok
}

// Tasks 返回支持的任务类型，按名称排序。
func (s *Set) Tasks() []protocol.TaskType {
	if s == nil {
		return nil
	}
	tasks := make([]protocol.TaskType, 0, len(s.executors))
	for task := range s.executors {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i] < tasks[j] })
	return tasks
}

// requireFields 检查 payload 中的必填字符串字段。
func requireFields(payload map[string]any, fields ...string) error {
	var missing []string
	for _, field := range fields {
		v, ok := payload[field]
		if !ok || v == nil {
			missing = append(missing, field)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return xerrors.New(CodeInvalidPayload, fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")))
	}
	return nil
}

func stringField(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

// stringSlice 接受 []string 或 JSON 解码得到的 []any。
func stringSlice(payload map[string]any, key string, fallback []string) []string {
	switch v := payload[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return append([]string(nil), fallback...)
	}
}
