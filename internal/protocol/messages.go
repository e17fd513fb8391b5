// Package protocol 定义客户端与工具方之间交换的消息。
//
// 所有消息都是不可变的值对象，时间戳均为 UTC。
package protocol

import (
	"strings"
	"time"
)

// TaskType 表示市场支持的任务类型。
type TaskType string

const (
	TaskCreateGitHubIssue TaskType = "create_github_issue"
	TaskTranslateText     TaskType = "translate_text"
	TaskGetWeather        TaskType = "get_weather"
)

// KnownTaskTypes 返回内置的任务类型。
func KnownTaskTypes() []TaskType {
	return []TaskType{TaskCreateGitHubIssue, TaskTranslateText, TaskGetWeather}
}

// ParseTaskType 解析任务类型，大小写与首尾空白不敏感。
func ParseTaskType(raw string) (TaskType, bool) {
	candidate := TaskType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range KnownTaskTypes() {
		if candidate == known {
			return known, true
		}
	}
	return candidate, false
}

// BondAction 描述保证金流转方向。
type BondAction string

const (
	BondPosted   BondAction = "posted"
	BondReturned BondAction = "returned"
)

// QuoteRequest 是客户端向工具方发起的询价。
type QuoteRequest struct {
	Task          TaskType       `json:"task"`
	Payload       map[string]any `json:"payload"`
	ClientAddress string         `json:"client_address"`
	// ClientWalletAddress 是保证金退还的目标账户，缺省时退回 ClientAddress。
	ClientWalletAddress string    `json:"client_wallet_address,omitempty"`
	CorrelationID       string    `json:"correlation_id,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// QuoteResponse 携带价格、条款摘要与工具方身份。
type QuoteResponse struct {
	JobID             string    `json:"job_id"`
	Task              TaskType  `json:"task,omitempty"`
	Price             int64     `json:"price"`
	Denom             string    `json:"denom"`
	TTL               int64     `json:"ttl"`
	TermsHash         string    `json:"terms_hash"`
	BondRequired      int64     `json:"bond_required"`
	ToolAddress       string    `json:"tool_address"`
	ToolWalletAddress string    `json:"tool_wallet_address,omitempty"`
	ToolPubKey        string    `json:"tool_pubkey,omitempty"`
	CorrelationID     string    `json:"correlation_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// PerformRequest 是客户端签名接受报价后发出的执行请求。
type PerformRequest struct {
	JobID           string         `json:"job_id"`
	Payload         map[string]any `json:"payload"`
	TermsHash       string         `json:"terms_hash"`
	ClientSignature string         `json:"client_signature"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Receipt 是工具方签名的完成凭证。
type Receipt struct {
	JobID          string         `json:"job_id"`
	OutputRef      string         `json:"output_ref"`
	VerifierURL    string         `json:"verifier_url"`
	VerifierParams map[string]any `json:"verifier_params"`
	Timestamp      time.Time      `json:"timestamp"`
	ToolSignature  string         `json:"tool_signature"`
}

// Clone 返回深度足够的副本，VerifierParams 顶层键被复制。
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	out := *r
	if r.VerifierParams != nil {
		out.VerifierParams = make(map[string]any, len(r.VerifierParams))
		for k, v := range r.VerifierParams {
			out.VerifierParams[k] = v
		}
	}
	return &out
}

// BondNotification 通知保证金的缴纳或退还。
type BondNotification struct {
	JobID     string     `json:"job_id"`
	TxHash    string     `json:"tx_hash"`
	Amount    int64      `json:"amount"`
	Action    BondAction `json:"action"`
	Sender    string     `json:"sender"`
	Timestamp time.Time  `json:"timestamp"`
}

// PaymentNotification 通知工具方款项已支付。
type PaymentNotification struct {
	JobID     string    `json:"job_id"`
	TxHash    string    `json:"tx_hash"`
	Amount    int64     `json:"amount"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// VerificationResult 是客户端独立校验的结论，生成后不再修改。
type VerificationResult struct {
	JobID     string    `json:"job_id"`
	Verified  bool      `json:"verified"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// ClonePayload 复制 payload 顶层键值。
func ClonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]any, len(payload))
	for key, value := range payload {
		cloned[key] = value
	}
	return cloned
}
