package job

import (
	"time"

	"AgentMarket/internal/protocol"
)

// Patch 描述一次部分更新。nil 字段保持不变；AppendNote 追加到 notes。
type Patch struct {
	Status             *Status
	Payload            map[string]any
	Price              *int64
	BondAmount         *int64
	TermsHash          *string
	ToolWallet         *string
	BondTxHash         *string
	BondReturnTxHash   *string
	PaymentTxHash      *string
	QuotedAt           *time.Time
	PerformedAt        *time.Time
	CompletedAt        *time.Time
	VerifiedAt         *time.Time
	PaidAt             *time.Time
	BondPostedAt       *time.Time
	BondReturnedAt     *time.Time
	Receipt            *protocol.Receipt
	VerificationResult *protocol.VerificationResult
	AppendNote         string
}

// Empty 判断补丁是否不包含任何修改。
func (p Patch) Empty() bool {
	return p.Status == nil && p.Payload == nil && p.Price == nil && p.BondAmount == nil &&
		p.TermsHash == nil && p.ToolWallet == nil && p.BondTxHash == nil && p.BondReturnTxHash == nil &&
		p.PaymentTxHash == nil && p.QuotedAt == nil && p.PerformedAt == nil && p.CompletedAt == nil &&
		p.VerifiedAt == nil && p.PaidAt == nil && p.BondPostedAt == nil && p.BondReturnedAt == nil &&
		p.Receipt == nil && p.VerificationResult == nil && p.AppendNote == ""
}

// Apply 把补丁写入内存中的作业。
func (p Patch) Apply(j *Job, now time.Time) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Payload != nil {
		j.Payload = protocol.ClonePayload(p.Payload)
	}
	if p.Price != nil {
		j.Price = *p.Price
	}
	if p.BondAmount != nil {
		j.BondAmount = *p.BondAmount
	}
	if p.TermsHash != nil {
		j.TermsHash = *p.TermsHash
	}
	if p.ToolWallet != nil {
		j.ToolWallet = *p.ToolWallet
	}
	if p.BondTxHash != nil {
		j.BondTxHash = *p.BondTxHash
	}
	if p.BondReturnTxHash != nil {
		j.BondReturnTxHash = *p.BondReturnTxHash
	}
	if p.PaymentTxHash != nil {
		j.PaymentTxHash = *p.PaymentTxHash
	}
	setTime(&j.QuotedAt, p.QuotedAt)
	setTime(&j.PerformedAt, p.PerformedAt)
	setTime(&j.CompletedAt, p.CompletedAt)
	setTime(&j.VerifiedAt, p.VerifiedAt)
	setTime(&j.PaidAt, p.PaidAt)
	setTime(&j.BondPostedAt, p.BondPostedAt)
	setTime(&j.BondReturnedAt, p.BondReturnedAt)
	if p.Receipt != nil {
		j.Receipt = p.Receipt.Clone()
	}
	if p.VerificationResult != nil {
		vr := *p.VerificationResult
		j.VerificationResult = &vr
	}
	j.Notes = AppendNote(j.Notes, p.AppendNote)
	j.UpdatedAt = now
}

func setTime(dst **time.Time, src *time.Time) {
	if src == nil {
		return
	}
	v := src.UTC()
	*dst = &v
}
