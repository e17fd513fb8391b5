// Package verifier 独立复核工具方提交的回执。
// 先校验回执签名，再按任务类型分派到各自的检查器，检查器只根据 output_ref 与
// verifier_params（以及客户端自己保存的原始请求）重新推导事实。
package verifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"AgentMarket/internal/protocol"
	"AgentMarket/internal/signature"
	"AgentMarket/pkg/logger"
)

// DetailsSignatureInvalid 是签名校验失败时的固定说明。
const DetailsSignatureInvalid = "signature invalid"

// Request 汇总一次检查所需的信息。
type Request struct {
	Receipt protocol.Receipt
	Task    protocol.TaskType
	// Requested 是客户端保存的原始 payload，优先于回执中的 verifier_params。
	Requested map[string]any
}

// Expected 返回期望值：先查原始请求的 requestKey，再查回执参数的 paramKey。
func (r Request) Expected(requestKey, paramKey string) string {
	if v, ok := r.Requested[requestKey].(string); ok && v != "" {
		return v
	}
	if v, ok := r.Receipt.VerifierParams[paramKey].(string); ok {
		return v
	}
	return ""
}

// Checker 针对某一任务类型复核回执。返回的 error 会被降级为 verified=false。
type Checker interface {
	Check(ctx context.Context, req Request) (bool, string, error)
}

// CheckerFunc 允许普通函数作为 Checker。
type CheckerFunc func(ctx context.Context, req Request) (bool, string, error)

// Check 实现 Checker。
func (f CheckerFunc) Check(ctx context.Context, req Request) (bool, string, error) {
	return f(ctx, req)
}

// unsupported 是未知任务类型的默认检查器。
var unsupported = CheckerFunc(func(_ context.Context, req Request) (bool, string, error) {
	return false, fmt.Sprintf("unsupported task type for verification: %s", req.Task), nil
})

// Option 配置 Verifier。
type Option func(*Verifier)

// WithTimeout 限制单次检查耗时。
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithClock 替换时间源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithChecker 在构造时注册检查器。
func WithChecker(task protocol.TaskType, checker Checker) Option {
	return func(v *Verifier) {
		v.checkers[task] = checker
	}
}

// Verifier 持有签名编解码器与按任务类型索引的检查器表。
type Verifier struct {
	codec    signature.Codec
	mu       sync.RWMutex
	checkers map[protocol.TaskType]Checker
	timeout  time.Duration
	now      func() time.Time
}

// New 创建 Verifier。codec 为空时使用 HMAC。
func New(codec signature.Codec, opts ...Option) *Verifier {
	if codec == nil {
		codec = signature.HMAC{}
	}
	v := &Verifier{
		codec:    codec,
		checkers: make(map[protocol.TaskType]Checker),
		timeout:  5 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Register 注册或替换任务类型的检查器。
func (v *Verifier) Register(task protocol.TaskType, checker Checker) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.checkers[task] = checker
}

// Supports 判断任务类型是否有专门的检查器。
func (v *Verifier) Supports(task protocol.TaskType) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.checkers[task]
	return ok
}

func (v *Verifier) checker(task protocol.TaskType) Checker {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if c, ok := v.checkers[task]; ok {
		return c
	}
	return unsupported
}

// Verify 复核回执，总是返回结果。
func (v *Verifier) Verify(ctx context.Context, receipt protocol.Receipt, task protocol.TaskType, toolKey []byte) protocol.VerificationResult {
	return v.VerifyRequest(ctx, Request{Receipt: receipt, Task: task}, toolKey)
}

// VerifyRequest 与 Verify 相同，但允许携带原始请求作为期望值来源。
func (v *Verifier) VerifyRequest(ctx context.Context, req Request, toolKey []byte) protocol.VerificationResult {
	receipt := req.Receipt
	log := logger.WithJob(logger.Named("verifier"), receipt.JobID).With("task", string(req.Task))

	message := signature.ReceiptMessage(receipt.JobID, receipt.OutputRef, receipt.Timestamp)
	if !v.codec.Verify(message, receipt.ToolSignature, toolKey) {
		log.Warn("回执签名校验失败")
		return v.result(receipt.JobID, false, DetailsSignatureInvalid)
	}

	checkCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	verified, details := v.runChecker(checkCtx, v.checker(req.Task), req)
	log.Info("回执校验完成", "verified", verified, "details", details)
	return v.result(receipt.JobID, verified, details)
}

func (v *Verifier) runChecker(ctx context.Context, checker Checker, req Request) (verified bool, details string) {
	defer func() {
		if r := recover(); r != nil {
			verified = false
			details = fmt.Sprintf("verification error: %v", r)
		}
	}()
	ok, msg, err := checker.Check(ctx, req)
	if err != nil {
		return false, fmt.Sprintf("verification error: %v", err)
	}
	return ok, msg
}

func (v *Verifier) result(jobID string, verified bool, details string) protocol.VerificationResult {
	return protocol.VerificationResult{
		JobID:     jobID,
		Verified:  verified,
		Details:   details,
		Timestamp: v.now(),
	}
}
