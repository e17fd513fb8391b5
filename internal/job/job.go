package job

import (
	stdErrors "errors"
	"time"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/protocol"
)

// Status 表示作业在生命周期中的状态。
type Status string

const (
	StatusRequested  Status = "requested"
	StatusQuoted     Status = "quoted"
	StatusAccepted   Status = "accepted"
	StatusBonded     Status = "bonded"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusVerified   Status = "verified"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// forwardRank 给出非终止失败路径上各状态的先后次序。
var forwardRank = map[Status]int{
	StatusRequested:  0,
	StatusQuoted:     1,
	StatusAccepted:   2,
	StatusBonded:     3,
	StatusInProgress: 4,
	StatusCompleted:  5,
	StatusVerified:   6,
	StatusPaid:       7,
}

// AllStatuses 返回全部状态，顺序与生命周期一致。
func AllStatuses() []Status {
	return []Status{
		StatusRequested, StatusQuoted, StatusAccepted, StatusBonded, StatusInProgress,
		StatusCompleted, StatusVerified, StatusPaid, StatusFailed, StatusCancelled,
	}
}

// TerminalStatuses 返回终止状态。
func TerminalStatuses() []Status {
	return []Status{StatusPaid, StatusFailed, StatusCancelled}
}

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusRequested, StatusQuoted, StatusAccepted, StatusBonded, StatusInProgress,
		StatusCompleted, StatusVerified, StatusPaid, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终止状态。终止状态上的任何事件都不再改变状态。
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusCancelled
}

// CanTransition 判断 from -> to 是否为合法的前向迁移。
// Failed 与 Cancelled 可以从任意非终止状态到达；其余迁移只能向前，允许跳过可选的 Bonded。
// Verified 只能由 Completed 到达，Paid 只能由 Verified 到达。
func CanTransition(from, to Status) bool {
	if !IsValidStatus(from) || !IsValidStatus(to) || from.Terminal() {
		return false
	}
	switch to {
	case StatusFailed, StatusCancelled:
		return true
	case StatusVerified:
		return from == StatusCompleted
	case StatusPaid:
		return from == StatusVerified
	}
	return forwardRank[to] > forwardRank[from]
}

// Job 是一次报价与执行的完整记录。
type Job struct {
	ID                 string                       `json:"job_id"`
	Task               protocol.TaskType            `json:"task"`
	Payload            map[string]any               `json:"payload"`
	Status             Status                       `json:"status"`
	ClientAddress      string                       `json:"client_address"`
	ClientWallet       string                       `json:"client_wallet,omitempty"`
	ToolAddress        string                       `json:"tool_address"`
	ToolWallet         string                       `json:"tool_wallet,omitempty"`
	Price              int64                        `json:"price"`
	BondAmount         int64                        `json:"bond_amount"`
	Denom              string                       `json:"denom"`
	TTL                int64                        `json:"ttl"`
	TermsHash          string                       `json:"terms_hash"`
	BondTxHash         string                       `json:"bond_tx_hash,omitempty"`
	BondReturnTxHash   string                       `json:"bond_return_tx_hash,omitempty"`
	PaymentTxHash      string                       `json:"payment_tx_hash,omitempty"`
	QuotedAt           *time.Time                   `json:"quote_timestamp,omitempty"`
	PerformedAt        *time.Time                   `json:"perform_timestamp,omitempty"`
	CompletedAt        *time.Time                   `json:"completion_timestamp,omitempty"`
	VerifiedAt         *time.Time                   `json:"verification_timestamp,omitempty"`
	PaidAt             *time.Time                   `json:"payment_timestamp,omitempty"`
	BondPostedAt       *time.Time                   `json:"bond_posted_timestamp,omitempty"`
	BondReturnedAt     *time.Time                   `json:"bond_return_timestamp,omitempty"`
	Receipt            *protocol.Receipt            `json:"receipt,omitempty"`
	VerificationResult *protocol.VerificationResult `json:"verification_result,omitempty"`
	Notes              string                       `json:"notes"`
	CreatedAt          time.Time                    `json:"created_at"`
	UpdatedAt          time.Time                    `json:"updated_at"`
}

// HasParticipant 判断 address 是否为作业的任一参与方。
func (j *Job) HasParticipant(address string, role Role) bool {
	if j == nil || address == "" {
		return false
	}
	switch role {
	case RoleClient:
		return j.ClientAddress == address
	case RoleTool:
		return j.ToolAddress == address
	default:
		return j.ClientAddress == address || j.ToolAddress == address
	}
}

// Payable 判断作业是否满足付款前提：校验结果存在且通过。
func (j *Job) Payable() bool {
	return j != nil && j.VerificationResult != nil && j.VerificationResult.Verified
}

// Clone 返回作业的副本，map 与指针字段均被复制。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Payload = protocol.ClonePayload(j.Payload)
	clone.Receipt = j.Receipt.Clone()
	if j.VerificationResult != nil {
		vr := *j.VerificationResult
		clone.VerificationResult = &vr
	}
	clone.QuotedAt = cloneTime(j.QuotedAt)
	clone.PerformedAt = cloneTime(j.PerformedAt)
	clone.CompletedAt = cloneTime(j.CompletedAt)
	clone.VerifiedAt = cloneTime(j.VerifiedAt)
	clone.PaidAt = cloneTime(j.PaidAt)
	clone.BondPostedAt = cloneTime(j.BondPostedAt)
	clone.BondReturnedAt = cloneTime(j.BondReturnedAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AppendNote 以换行拼接审计备注，从不截断已有内容。
func AppendNote(existing, note string) string {
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}

// Ptr 返回值的指针，便于构造 Patch。
func Ptr[T any](v T) *T {
	return &v
}

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示作业已存在。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job already exists")
	// ErrInvalidTransition 表示请求的状态迁移不合法。
	ErrInvalidTransition = xerrors.New(CodeJobTransition, "invalid job status transition")
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobTransition xerrors.Code = "JOB_INVALID_TRANSITION"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job already exists",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobTransition, xerrors.Attributes{
		Message:  "invalid job status transition",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "job validation failed",
		Severity: xerrors.SeverityInfo,
	})
}

// IsNotFound 判断错误是否表示作业不存在。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrJobNotFound)
}

// IsConflict 判断错误是否表示作业已存在。
func IsConflict(err error) bool {
	return stdErrors.Is(err, ErrJobConflict)
}

// Validate 检查写入前的必填字段。
func Validate(j *Job) error {
	if j == nil {
		return xerrors.New(CodeJobValidation, "job 不能为空")
	}
	if j.ID == "" {
		return xerrors.New(CodeJobValidation, "作业 ID 不能为空")
	}
	if !IsValidStatus(j.Status) {
		return xerrors.New(CodeJobValidation, "未知的作业状态: "+string(j.Status), xerrors.WithJobID(j.ID))
	}
	if j.Price < 0 || j.BondAmount < 0 {
		return xerrors.New(CodeJobValidation, "价格与保证金不能为负数", xerrors.WithJobID(j.ID))
	}
	return nil
}
