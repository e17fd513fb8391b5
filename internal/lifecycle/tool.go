package lifecycle

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/executor"
	"AgentMarket/internal/job"
	"AgentMarket/internal/payment"
	"AgentMarket/internal/protocol"
	"AgentMarket/internal/signature"
	"AgentMarket/internal/terms"
	"AgentMarket/pkg/logger"
)

// DefaultQuoteTTL 是报价的默认有效期（秒）。
const DefaultQuoteTTL int64 = 300

// ToolConfig 配置工具方代理。
type ToolConfig struct {
	Address string
	// Wallet 是收款账户，为空时使用 Address。
	Wallet     string
	SigningKey []byte
	// PublicKey 在报价中公布，为空且使用 Ethereum 签名时由私钥推导。
	PublicKey string
	// ClientKeys 用于校验客户端的信封与接受签名。未配置的客户端只能询价，
	// 使用 Ethereum 签名且地址为账户地址时以地址本身校验。
	ClientKeys map[string][]byte
	Denom      string
	TTL        int64
	Profiles   map[protocol.TaskType]executor.Profile
	Timing     Timing
}

// Tool 是执行方状态机。
type Tool struct {
	*loop
	cfg       ToolConfig
	executors *executor.Set

	// confirming 记录正在核实的交易，键为交易标识，值为作业 ID。只在事件循环上访问。
	confirming map[string]string
}

// NewTool 创建工具方状态机。
func NewTool(cfg ToolConfig, deps Deps, executors *executor.Set) (*Tool, error) {
	l, err := newLoop(RoleTool, cfg.Address, deps, cfg.Timing)
	if err != nil {
		return nil, err
	}
	if executors == nil || len(executors.Tasks()) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工具方至少需要一个执行器")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工具方签名密钥不能为空")
	}
	if cfg.Wallet == "" {
		cfg.Wallet = cfg.Address
	}
	if cfg.Denom == "" {
		cfg.Denom = terms.DefaultDenom
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultQuoteTTL
	}
	if cfg.PublicKey == "" {
		if _, ok := l.codec.(signature.Ethereum); ok {
			if id, err := signature.PublicIdentity(cfg.SigningKey); err == nil {
				cfg.PublicKey = id
			}
		}
	}
	l.signingKey = cfg.SigningKey
	l.peerKey = func(sender string) []byte { return cfg.ClientKeys[sender] }
	return &Tool{loop: l, cfg: cfg, executors: executors, confirming: make(map[string]string)}, nil
}

// Address 返回工具方地址。
func (t *Tool) Address() string { return t.address }

// Tasks 返回支持的任务类型。
func (t *Tool) Tasks() []protocol.TaskType { return t.executors.Tasks() }

// Profile 返回任务的定价。
func (t *Tool) Profile(task protocol.TaskType) executor.Profile {
	if p, ok := t.cfg.Profiles[task]; ok {
		return p
	}
	return executor.DefaultProfile(task)
}

// Run 运行事件循环直到 ctx 结束。
func (t *Tool) Run(ctx context.Context) error {
	return t.run(ctx, t.dispatch, t.sweep)
}

// Cancel 取消尚未结束的作业。
func (t *Tool) Cancel(ctx context.Context, jobID, reason string) error {
	return t.cancel(ctx, jobID, reason)
}

func (t *Tool) dispatch(ctx context.Context, env protocol.Envelope) {
	msg, err := protocol.Open(env)
	if err != nil {
		t.drop(env, "", "malformed")
		return
	}
	switch m := msg.(type) {
	case protocol.QuoteRequest:
		t.handleQuoteRequest(ctx, env, m)
	case protocol.PerformRequest:
		t.handlePerformRequest(ctx, env, m)
	case protocol.BondNotification:
		t.handleBondNotification(ctx, env, m)
	case protocol.PaymentNotification:
		t.handlePaymentNotification(ctx, env, m)
	default:
		t.drop(env, "", "unexpected_type")
	}
}

func newJobID() string {
	id := uuid.New()
	return "job_" + hex.EncodeToString(id[:8])
}

func (t *Tool) handleQuoteRequest(ctx context.Context, env protocol.Envelope, req protocol.QuoteRequest) {
	if req.ClientAddress != "" && req.ClientAddress != env.Sender {
		t.drop(env, "", "sender_mismatch")
		return
	}
	exec, ok := t.executors.Get(req.Task)
	if !ok {
		t.drop(env, "", "unsupported_task")
		return
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if err := exec.Validate(payload); err != nil {
		t.drop(env, "", "invalid_payload")
		return
	}

	profile := t.Profile(req.Task)
	hash := terms.Hash(terms.Terms{
		Task:         string(req.Task),
		Payload:      payload,
		Price:        profile.Price,
		Denom:        t.cfg.Denom,
		TTL:          t.cfg.TTL,
		BondRequired: profile.Bond,
	})
	now := t.now()
	j := &job.Job{
		ID:            newJobID(),
		Task:          req.Task,
		Payload:       protocol.ClonePayload(payload),
		Status:        job.StatusQuoted,
		ClientAddress: env.Sender,
		ClientWallet:  req.ClientWalletAddress,
		ToolAddress:   t.address,
		ToolWallet:    t.cfg.Wallet,
		Price:         profile.Price,
		BondAmount:    profile.Bond,
		Denom:         t.cfg.Denom,
		TTL:           t.cfg.TTL,
		TermsHash:     hash,
		QuotedAt:      &now,
		Notes:         fmt.Sprintf("Quoted %s for %s", payment.FormatInt64(profile.Price), req.Task),
	}
	if err := t.store.Create(ctx, j); err != nil {
		logger.WithJob(t.log, j.ID).Error("保存报价失败", slog.Any("error", err))
		return
	}
	t.created(j, j.Notes)

	resp := protocol.QuoteResponse{
		JobID:             j.ID,
		Task:              j.Task,
		Price:             j.Price,
		Denom:             j.Denom,
		TTL:               j.TTL,
		TermsHash:         j.TermsHash,
		BondRequired:      j.BondAmount,
		ToolAddress:       t.address,
		ToolWalletAddress: t.cfg.Wallet,
		ToolPubKey:        t.cfg.PublicKey,
		CorrelationID:     req.CorrelationID,
		Timestamp:         now,
	}
	if err := t.send(ctx, env.Sender, resp); err != nil {
		t.transition(ctx, j, job.StatusFailed, job.Patch{}, fmt.Sprintf("Send failed: %v", err))
	}
}

func (t *Tool) handlePerformRequest(ctx context.Context, env protocol.Envelope, req protocol.PerformRequest) {
	j, ok := t.load(ctx, req.JobID)
	if !ok {
		t.drop(env, req.JobID, "unknown_job")
		return
	}
	if env.Sender != j.ClientAddress {
		t.drop(env, req.JobID, "sender_mismatch")
		return
	}
	if j.Status != job.StatusQuoted && j.Status != job.StatusBonded {
		t.drop(env, req.JobID, "unexpected_status")
		return
	}
	recomputed := terms.Hash(terms.Terms{
		Task:         string(j.Task),
		Payload:      j.Payload,
		Price:        j.Price,
		Denom:        j.Denom,
		TTL:          j.TTL,
		BondRequired: j.BondAmount,
	})
	if !terms.Equal(recomputed, req.TermsHash) || !terms.Equal(j.TermsHash, req.TermsHash) {
		t.drop(env, req.JobID, "terms_mismatch")
		return
	}
	key := t.cfg.ClientKeys[j.ClientAddress]
	if len(key) == 0 && t.selfCertified(j.ClientAddress) {
		key = []byte(j.ClientAddress)
	}
	if len(key) > 0 {
		message := signature.AcceptanceMessage(req.JobID, req.TermsHash, req.Timestamp)
		if !t.codec.Verify(message, req.ClientSignature, key) {
			t.drop(env, req.JobID, "signature_invalid")
			return
		}
	}
	exec, ok := t.executors.Get(j.Task)
	if !ok {
		t.drop(env, req.JobID, "unsupported_task")
		return
	}

	now := t.now()
	if !t.transition(ctx, j, job.StatusInProgress, job.Patch{PerformedAt: &now}, "Execution started") {
		return
	}
	jobID, payload := j.ID, protocol.ClonePayload(j.Payload)
	t.spawn("execute", func(ectx context.Context) func(context.Context) {
		result, err := exec.Execute(ectx, payload)
		return func(lctx context.Context) { t.onExecuted(lctx, jobID, result, err) }
	}, func(lctx context.Context, err error) {
		t.onExecuted(lctx, jobID, executor.Result{}, err)
	})
}

func (t *Tool) onExecuted(ctx context.Context, jobID string, result executor.Result, err error) {
	j, ok := t.load(ctx, jobID)
	if !ok || j.Status != job.StatusInProgress {
		return
	}
	if err != nil {
		t.reportFailure(jobID, "执行任务失败", err)
		t.transition(ctx, j, job.StatusFailed, job.Patch{}, fmt.Sprintf("Execution failed: %v", err))
		return
	}

	key := t.cfg.SigningKey
	if result.ForgeSignature {
		forged, ferr := forgedKey()
		if ferr != nil {
			t.transition(ctx, j, job.StatusFailed, job.Patch{}, fmt.Sprintf("Execution failed: %v", ferr))
			return
		}
		key = forged
	}
	now := t.now()
	receipt := protocol.Receipt{
		JobID:          j.ID,
		OutputRef:      result.OutputRef,
		VerifierURL:    result.VerifierURL,
		VerifierParams: result.VerifierParams,
		Timestamp:      now,
	}
	sig, err := t.codec.Sign(signature.ReceiptMessage(receipt.JobID, receipt.OutputRef, receipt.Timestamp), key)
	if err != nil {
		t.transition(ctx, j, job.StatusFailed, job.Patch{}, fmt.Sprintf("Signing failed: %v", err))
		return
	}
	receipt.ToolSignature = sig

	if !t.transition(ctx, j, job.StatusCompleted, job.Patch{Receipt: &receipt, CompletedAt: &now}, "Execution completed: "+result.OutputRef) {
		return
	}
	if err := t.send(ctx, j.ClientAddress, receipt); err != nil {
		logger.WithJob(t.log, j.ID).Error("发送回执失败", slog.Any("error", err))
	}
}

// forgedKey 生成一次性密钥，它对 HMAC 与 Ethereum 签名都有效但不会被客户端接受。
func forgedKey() ([]byte, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return crypto.FromECDSA(priv), nil
}

func (t *Tool) handleBondNotification(ctx context.Context, env protocol.Envelope, n protocol.BondNotification) {
	j, ok := t.load(ctx, n.JobID)
	if !ok {
		t.drop(env, n.JobID, "unknown_job")
		return
	}
	if env.Sender != j.ClientAddress || n.Action != protocol.BondPosted {
		t.drop(env, n.JobID, "unexpected_bond_notice")
		return
	}
	if j.Status != job.StatusQuoted {
		t.drop(env, n.JobID, "unexpected_status")
		return
	}
	if n.Amount < j.BondAmount {
		t.drop(env, n.JobID, "bond_too_small")
		return
	}
	if !t.claim(ctx, env, j, n.TxHash, "bond_unverified") {
		return
	}
	jobID, tx := j.ID, n.TxHash
	t.confirm(jobID, tx, "bond", j.BondAmount, "bond:"+jobID, clientWalletOf(j), func(lctx context.Context, err error) {
		t.onBondConfirmed(lctx, env, jobID, tx, err)
	})
}

// onBondConfirmed 记录已在结算通道上核实的保证金。执行请求可能先于核实结果到达，
// 此时作业已离开 quoted，只补记保证金字段。
func (t *Tool) onBondConfirmed(ctx context.Context, env protocol.Envelope, jobID, tx string, err error) {
	delete(t.confirming, tx)
	j, ok := t.load(ctx, jobID)
	if !ok || j.Status.Terminal() || j.BondTxHash != "" {
		return
	}
	if err != nil {
		t.reportFailure(jobID, "保证金核实失败", err)
		t.drop(env, jobID, "bond_unverified")
		return
	}
	now := t.now()
	patch := job.Patch{BondTxHash: job.Ptr(tx), BondPostedAt: &now}
	note := "Bond received: " + tx
	if j.Status == job.StatusQuoted {
		t.transition(ctx, j, job.StatusBonded, patch, note)
		return
	}
	patch.AppendNote = note
	t.annotate(ctx, j, patch)
}

// handlePaymentNotification 在结算通道上核实付款后记录收款。工具方作业不持有校验结果，
// 收款后保持 completed，付款信息记录在 PaymentTxHash 与 PaidAt 中。
func (t *Tool) handlePaymentNotification(ctx context.Context, env protocol.Envelope, n protocol.PaymentNotification) {
	j, ok := t.load(ctx, n.JobID)
	if !ok {
		t.drop(env, n.JobID, "unknown_job")
		return
	}
	if env.Sender != j.ClientAddress {
		t.drop(env, n.JobID, "sender_mismatch")
		return
	}
	if j.Status != job.StatusCompleted {
		t.drop(env, n.JobID, "unexpected_status")
		return
	}
	if j.PaymentTxHash != "" {
		t.drop(env, n.JobID, "duplicate_notice")
		return
	}
	if !t.claim(ctx, env, j, n.TxHash, "payment_unverified") {
		return
	}
	jobID, tx := j.ID, n.TxHash
	t.confirm(jobID, tx, "payment", j.Price, "payment:"+jobID, clientWalletOf(j), func(lctx context.Context, err error) {
		t.onPaymentConfirmed(lctx, env, jobID, tx, err)
	})
}

func (t *Tool) onPaymentConfirmed(ctx context.Context, env protocol.Envelope, jobID, tx string, err error) {
	delete(t.confirming, tx)
	j, ok := t.load(ctx, jobID)
	if !ok || j.Status != job.StatusCompleted || j.PaymentTxHash != "" {
		return
	}
	if err != nil {
		t.reportFailure(jobID, "付款核实失败", err)
		t.drop(env, jobID, "payment_unverified")
		return
	}
	now := t.now()
	note := "Payment received: " + tx
	t.annotate(ctx, j, job.Patch{PaymentTxHash: job.Ptr(tx), PaidAt: &now, AppendNote: note})
	logger.Audit().Info("已收到付款",
		slog.String("role", t.role),
		slog.String("job_id", j.ID),
		slog.String("tx", tx),
		slog.Int64("amount", j.Price),
	)
	t.emit(j, note)
	if j.BondTxHash != "" && j.BondAmount > 0 && j.BondReturnTxHash == "" {
		t.returnBond(ctx, j)
	}
}

// claim 检查交易标识可用于 j：非空、未在核实中、未被任何作业使用过。
func (t *Tool) claim(ctx context.Context, env protocol.Envelope, j *job.Job, tx, unverified string) bool {
	switch {
	case tx == "":
		t.drop(env, j.ID, unverified)
		return false
	case t.confirming[tx] != "":
		t.drop(env, j.ID, "duplicate_notice")
		return false
	}
	used, err := t.txUsed(ctx, j.ClientAddress, tx)
	if err != nil {
		logger.WithJob(t.log, j.ID).Error("查询已用交易失败", slog.Any("error", err))
		t.drop(env, j.ID, unverified)
		return false
	}
	if used {
		t.drop(env, j.ID, "tx_reused")
		return false
	}
	t.confirming[tx] = j.ID
	return true
}

func (t *Tool) txUsed(ctx context.Context, client, tx string) (bool, error) {
	jobs, err := t.store.ListByParticipant(ctx, client, job.RoleClient)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if j.BondTxHash == tx || j.PaymentTxHash == tx || j.BondReturnTxHash == tx {
			return true, nil
		}
	}
	return false, nil
}

// confirm 在独立协程中向结算通道核实 from 向本方钱包的转账，结果交给 then。
func (t *Tool) confirm(jobID, tx, kind string, amount int64, memo, from string, then func(context.Context, error)) {
	if t.rail == nil {
		err := xerrors.New(xerrors.CodeInitializationFailure, "未配置结算通道，无法核实转账", xerrors.WithJobID(jobID))
		t.spawn("confirm_"+kind, func(context.Context) func(context.Context) {
			return func(lctx context.Context) { then(lctx, err) }
		}, then)
		return
	}
	railLabel, to := railName(t.rail), t.cfg.Wallet
	t.spawn("confirm_"+kind, func(cctx context.Context) func(context.Context) {
		err := t.rail.Confirm(cctx, tx, from, to, big.NewInt(amount), memo)
		t.recorder.ObservePayment(railLabel, kind+"_confirm", paymentResult(err))
		return func(lctx context.Context) { then(lctx, err) }
	}, then)
}

func clientWalletOf(j *job.Job) string {
	if j.ClientWallet != "" {
		return j.ClientWallet
	}
	return j.ClientAddress
}

// returnBond 在收款后退还保证金。
func (t *Tool) returnBond(ctx context.Context, j *job.Job) {
	if t.rail == nil {
		logger.WithJob(t.log, j.ID).Warn("未配置结算通道，无法退还保证金")
		return
	}
	jobID, amount, to := j.ID, j.BondAmount, clientWalletOf(j)
	railLabel := railName(t.rail)
	t.spawn("bond_return", func(rctx context.Context) func(context.Context) {
		tx, err := t.rail.Transfer(rctx, t.cfg.Wallet, to, big.NewInt(amount), "bond-return:"+jobID)
		t.recorder.ObservePayment(railLabel, "bond_return", paymentResult(err))
		return func(lctx context.Context) { t.onBondReturned(lctx, jobID, tx, err) }
	}, func(lctx context.Context, err error) { t.onBondReturned(lctx, jobID, "", err) })
}

func (t *Tool) onBondReturned(ctx context.Context, jobID, tx string, err error) {
	j, ok := t.load(ctx, jobID)
	if !ok {
		return
	}
	log := logger.WithJob(t.log, jobID)
	if err != nil {
		t.reportFailure(jobID, "退还保证金失败", err)
		t.annotate(ctx, j, job.Patch{AppendNote: fmt.Sprintf("Bond return failed: %v", err)})
		return
	}
	now := t.now()
	t.annotate(ctx, j, job.Patch{
		BondReturnTxHash: job.Ptr(tx),
		BondReturnedAt:   &now,
		AppendNote:       "Bond returned: " + tx,
	})
	notice := protocol.BondNotification{
		JobID:     j.ID,
		TxHash:    tx,
		Amount:    j.BondAmount,
		Action:    protocol.BondReturned,
		Sender:    t.address,
		Timestamp: now,
	}
	if err := t.send(ctx, j.ClientAddress, notice); err != nil {
		log.Warn("发送保证金退还通知失败", slog.Any("error", err))
	}
}

// sweep 取消过期报价并使执行超时的作业失败。
func (t *Tool) sweep(ctx context.Context) {
	now := t.now()
	quoted, err := t.store.ListByStatus(ctx, job.StatusQuoted, t.address)
	if err != nil {
		t.log.Error("清扫时查询作业失败", slog.Any("error", err))
	}
	for _, j := range quoted {
		if j.QuotedAt == nil || j.TTL <= 0 {
			continue
		}
		if now.Sub(*j.QuotedAt) > time.Duration(j.TTL)*time.Second {
			t.transition(ctx, j, job.StatusCancelled, job.Patch{}, "Quote expired")
		}
	}
	timeout := t.timing.JobTimeout
	t.expire(ctx,
		[]job.Status{job.StatusBonded, job.StatusInProgress},
		timeout, job.StatusFailed, performedOrUpdated,
		fmt.Sprintf("Timed out after %s", timeout),
	)
}
