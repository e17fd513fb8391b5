package executor

import (
	"context"
	"strings"

	"AgentMarket/internal/protocol"
)

// Mode 描述工具方的作恶方式。
type Mode string

const (
	ModeHonest           Mode = ""
	ModeInvalidSignature Mode = "invalid_signature"
	ModeFakeURL          Mode = "fake_url"
)

// FakeIssueURL 指向一个不存在的 issue。
const FakeIssueURL = "https://github.com/invalid/invalid/issues/99999999"

// ParseMode 解析作恶模式，未知值视为诚实。
func ParseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeInvalidSignature:
		return ModeInvalidSignature
	case ModeFakeURL:
		return ModeFakeURL
	default:
		return ModeHonest
	}
}

// MisbehavingProfile 是作恶工具的低价报价。
var MisbehavingProfile = Profile{Price: 200_000_000_000_000_000, Bond: 50_000_000_000_000_000}

// Misbehaving 不做任何实际工作，返回无法通过校验的回执。
type Misbehaving struct {
	task protocol.TaskType
	mode Mode
}

// NewMisbehaving 创建作恶执行器。mode 为诚实时按 invalid_signature 处理。
func NewMisbehaving(task protocol.TaskType, mode Mode) *Misbehaving {
	if mode == ModeHonest {
		mode = ModeInvalidSignature
	}
	return &Misbehaving{task: task, mode: mode}
}

// Task 实现 Executor。
func (m *Misbehaving) Task() protocol.TaskType { return m.task }

// Validate 接受任何 payload。
func (m *Misbehaving) Validate(map[string]any) error { return nil }

// Execute 伪造结果。
func (m *Misbehaving) Execute(_ context.Context, payload map[string]any) (Result, error) {
	params := map[string]any{"expected_title": stringField(payload, "title", "")}
	if m.mode == ModeFakeURL {
		return Result{
			OutputRef:      FakeIssueURL,
			VerifierURL:    strings.Replace(FakeIssueURL, "https://github.com/", "https://api.github.com/repos/", 1),
			VerifierParams: params,
		}, nil
	}
	const bogus = "https://example.com/not-a-github-issue"
	return Result{
		OutputRef:      bogus,
		VerifierURL:    bogus,
		VerifierParams: params,
		ForgeSignature: true,
	}, nil
}

var _ Executor = (*Misbehaving)(nil)
