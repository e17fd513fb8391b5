package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"AgentMarket/internal/protocol"
)

const jobColumns = `job_id, task, payload, status, client_address, client_wallet, tool_address, tool_wallet, price, bond_amount,
        denom, ttl, terms_hash, bond_tx_hash, bond_return_tx_hash, payment_tx_hash,
        quote_timestamp, perform_timestamp, completion_timestamp, verification_timestamp, payment_timestamp,
        bond_posted_timestamp, bond_return_timestamp, receipt, verification_result, notes, created_at, updated_at`

// dialect 屏蔽 MySQL 与 PostgreSQL 在占位符和换行字符上的差异。
type dialect struct {
	numbered bool
	newline  string
	textCast string
}

var (
	mysqlDialect    = dialect{numbered: false, newline: "CHAR(10)"}
	postgresDialect = dialect{numbered: true, newline: "chr(10)", textCast: "::text"}
)

// argBuilder 顺序收集参数并返回对应占位符。
type argBuilder struct {
	d    dialect
	args []any
}

func (b *argBuilder) add(v any) string {
	b.args = append(b.args, v)
	if b.d.numbered {
		return fmt.Sprintf("$%d", len(b.args))
	}
	return "?"
}

// rowScanner 同时适配 database/sql 与 pgx 的行对象。
type rowScanner interface {
	Scan(dest ...any) error
}

func insertArgs(j *Job, b *argBuilder) (string, error) {
	payload, err := encodeJSON(j.Payload)
	if err != nil {
		return "", fmt.Errorf("编码 payload 失败: %w", err)
	}
	receipt, err := encodeJSON(j.Receipt)
	if err != nil {
		return "", fmt.Errorf("编码 receipt 失败: %w", err)
	}
	verification, err := encodeJSON(j.VerificationResult)
	if err != nil {
		return "", fmt.Errorf("编码 verification_result 失败: %w", err)
	}
	values := []any{
		j.ID, string(j.Task), payload, string(j.Status), j.ClientAddress, j.ClientWallet, j.ToolAddress, j.ToolWallet,
		j.Price, j.BondAmount, j.Denom, j.TTL, j.TermsHash, j.BondTxHash, j.BondReturnTxHash, j.PaymentTxHash,
		utcPtr(j.QuotedAt), utcPtr(j.PerformedAt), utcPtr(j.CompletedAt), utcPtr(j.VerifiedAt), utcPtr(j.PaidAt),
		utcPtr(j.BondPostedAt), utcPtr(j.BondReturnedAt), receipt, verification, j.Notes,
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(),
	}
	placeholders := make([]string, 0, len(values))
	for _, v := range values {
		placeholders = append(placeholders, b.add(v))
	}
	return strings.Join(placeholders, ", "), nil
}

// patchAssignments 把补丁翻译为 SET 子句。
func patchAssignments(p Patch, b *argBuilder, now time.Time) ([]string, error) {
	sets := make([]string, 0, 8)
	set := func(column string, v any) {
		sets = append(sets, column+" = "+b.add(v))
	}
	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.Payload != nil {
		raw, err := encodeJSON(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("编码 payload 失败: %w", err)
		}
		set("payload", raw)
	}
	if p.Price != nil {
		set("price", *p.Price)
	}
	if p.BondAmount != nil {
		set("bond_amount", *p.BondAmount)
	}
	if p.TermsHash != nil {
		set("terms_hash", *p.TermsHash)
	}
	if p.ToolWallet != nil {
		set("tool_wallet", *p.ToolWallet)
	}
	if p.BondTxHash != nil {
		set("bond_tx_hash", *p.BondTxHash)
	}
	if p.BondReturnTxHash != nil {
		set("bond_return_tx_hash", *p.BondReturnTxHash)
	}
	if p.PaymentTxHash != nil {
		set("payment_tx_hash", *p.PaymentTxHash)
	}
	for column, ts := range map[string]*time.Time{
		"quote_timestamp":        p.QuotedAt,
		"perform_timestamp":      p.PerformedAt,
		"completion_timestamp":   p.CompletedAt,
		"verification_timestamp": p.VerifiedAt,
		"payment_timestamp":      p.PaidAt,
		"bond_posted_timestamp":  p.BondPostedAt,
		"bond_return_timestamp":  p.BondReturnedAt,
	} {
		if ts != nil {
			set(column, ts.UTC())
		}
	}
	if p.Receipt != nil {
		raw, err := encodeJSON(p.Receipt)
		if err != nil {
			return nil, fmt.Errorf("编码 receipt 失败: %w", err)
		}
		set("receipt", raw)
	}
	if p.VerificationResult != nil {
		raw, err := encodeJSON(p.VerificationResult)
		if err != nil {
			return nil, fmt.Errorf("编码 verification_result 失败: %w", err)
		}
		set("verification_result", raw)
	}
	if p.AppendNote != "" {
		sets = append(sets, fmt.Sprintf("notes = CONCAT_WS(%s, NULLIF(notes, ''), %s%s)", b.d.newline, b.add(p.AppendNote), b.d.textCast))
	}
	set("updated_at", now.UTC())
	return sets, nil
}

func buildFilterClause(opts ListOptions, b *argBuilder) string {
	conditions := make([]string, 0, 5)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, b.add(string(status)))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Participant != "" {
		switch opts.Role {
		case RoleClient:
			conditions = append(conditions, "client_address = "+b.add(opts.Participant))
		case RoleTool:
			conditions = append(conditions, "tool_address = "+b.add(opts.Participant))
		default:
			conditions = append(conditions, fmt.Sprintf("(client_address = %s OR tool_address = %s)", b.add(opts.Participant), b.add(opts.Participant)))
		}
	}
	if opts.Task != "" {
		conditions = append(conditions, "task = "+b.add(string(opts.Task)))
	}
	if !opts.UpdatedAfter.IsZero() {
		conditions = append(conditions, "updated_at >= "+b.add(opts.UpdatedAfter.UTC()))
	}
	if !opts.UpdatedUntil.IsZero() {
		conditions = append(conditions, "updated_at <= "+b.add(opts.UpdatedUntil.UTC()))
	}
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}

func orderClause(order SortOrder) string {
	switch order {
	case SortByUpdatedAsc:
		return " ORDER BY updated_at ASC, job_id ASC"
	case SortByCreatedDesc:
		return " ORDER BY created_at DESC, job_id ASC"
	default:
		return " ORDER BY updated_at DESC, job_id ASC"
	}
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                              Job
		task, status                   string
		payload, receipt, verification []byte
	)
	if err := row.Scan(
		&j.ID, &task, &payload, &status, &j.ClientAddress, &j.ClientWallet, &j.ToolAddress, &j.ToolWallet,
		&j.Price, &j.BondAmount, &j.Denom, &j.TTL, &j.TermsHash, &j.BondTxHash, &j.BondReturnTxHash, &j.PaymentTxHash,
		&j.QuotedAt, &j.PerformedAt, &j.CompletedAt, &j.VerifiedAt, &j.PaidAt,
		&j.BondPostedAt, &j.BondReturnedAt, &receipt, &verification, &j.Notes, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.Task = protocol.TaskType(task)
	j.Status = Status(status)
	if err := decodeJSON(payload, &j.Payload); err != nil {
		return nil, fmt.Errorf("解析 payload 失败: %w", err)
	}
	if len(receipt) > 0 {
		j.Receipt = &protocol.Receipt{}
		if err := decodeJSON(receipt, j.Receipt); err != nil {
			return nil, fmt.Errorf("解析 receipt 失败: %w", err)
		}
	}
	if len(verification) > 0 {
		j.VerificationResult = &protocol.VerificationResult{}
		if err := decodeJSON(verification, j.VerificationResult); err != nil {
			return nil, fmt.Errorf("解析 verification_result 失败: %w", err)
		}
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

// encodeJSON 返回 nil 或 JSON 文本，nil 值映射为 SQL NULL。
func encodeJSON(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case *protocol.Receipt:
		if val == nil {
			return nil, nil
		}
	case *protocol.VerificationResult:
		if val == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func statusArgs(statuses []Status, b *argBuilder) string {
	placeholders := make([]string, 0, len(statuses))
	for _, s := range statuses {
		placeholders = append(placeholders, b.add(string(s)))
	}
	return strings.Join(placeholders, ",")
}
