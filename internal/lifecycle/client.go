package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/job"
	"AgentMarket/internal/payment"
	"AgentMarket/internal/protocol"
	"AgentMarket/internal/registry"
	"AgentMarket/internal/signature"
	"AgentMarket/internal/terms"
	"AgentMarket/internal/verifier"
	"AgentMarket/pkg/logger"
)

// DefaultPendingCapacity 是待匹配询价表的默认容量。
const DefaultPendingCapacity = 1024

// ErrNoAgent 表示没有可达的工具方支持该任务。
var ErrNoAgent = xerrors.New(xerrors.CodeNotFound, "no reachable agent for task")

// ClientConfig 配置客户端代理。
type ClientConfig struct {
	Address string
	// Wallet 是付款与缴纳保证金的账户，为空时使用 Address。
	Wallet     string
	SigningKey []byte
	// ToolKeys 是按工具方地址配置的校验密钥，优先于报价中公布的密钥。
	ToolKeys        map[string][]byte
	EnableBond      bool
	PendingCapacity int
	// DefaultPayloads 在报价无法匹配到原始请求时使用。
	DefaultPayloads map[protocol.TaskType]map[string]any
	Timing          Timing
}

// DefaultPayloads 返回内置任务的默认 payload。
func DefaultPayloads() map[protocol.TaskType]map[string]any {
	return map[protocol.TaskType]map[string]any{
		protocol.TaskCreateGitHubIssue: {
			"title": "Agent marketplace test issue",
			"body":  "Created by the agent marketplace demo.",
		},
		protocol.TaskTranslateText: {
			"text":        "Hello, world",
			"target_lang": "es",
		},
		protocol.TaskGetWeather: {
			"location": "London",
		},
	}
}

type pendingQuote struct {
	Tool        string
	Task        protocol.TaskType
	Payload     map[string]any
	RequestedAt time.Time
}

// ClientOption 配置 Client 的可选协作者。
type ClientOption func(*Client)

// WithDiscoverer 设置 RequestTask 使用的服务发现。
func WithDiscoverer(d registry.Discoverer) ClientOption {
	return func(c *Client) { c.discoverer = d }
}

// Client 是请求方状态机。
type Client struct {
	*loop
	cfg        ClientConfig
	verifier   *verifier.Verifier
	discoverer registry.Discoverer

	// 以下字段只在事件循环上访问。
	pending    *lru.Cache
	toolKeys   map[string][]byte
	advertised map[string][]byte
}

// NewClient 创建客户端状态机。
func NewClient(cfg ClientConfig, deps Deps, v *verifier.Verifier, opts ...ClientOption) (*Client, error) {
	l, err := newLoop(RoleClient, cfg.Address, deps, cfg.Timing)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "客户端缺少校验器")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "客户端签名密钥不能为空")
	}
	if cfg.Wallet == "" {
		cfg.Wallet = cfg.Address
	}
	if cfg.PendingCapacity <= 0 {
		cfg.PendingCapacity = DefaultPendingCapacity
	}
	if cfg.DefaultPayloads == nil {
		cfg.DefaultPayloads = DefaultPayloads()
	}
	pending, err := lru.New(cfg.PendingCapacity)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建待匹配询价表失败")
	}
	c := &Client{
		loop:       l,
		cfg:        cfg,
		verifier:   v,
		pending:    pending,
		toolKeys:   make(map[string][]byte, len(cfg.ToolKeys)),
		advertised: make(map[string][]byte),
	}
	for addr, key := range cfg.ToolKeys {
		c.toolKeys[addr] = key
	}
	c.signingKey = cfg.SigningKey
	c.peerKey = c.toolKey
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Address 返回客户端地址。
func (c *Client) Address() string { return c.address }

// Run 运行事件循环直到 ctx 结束。
func (c *Client) Run(ctx context.Context) error {
	return c.run(ctx, c.dispatch, c.sweep)
}

// RequestQuote 向 tool 发送询价，返回关联 ID。
func (c *Client) RequestQuote(ctx context.Context, tool string, task protocol.TaskType, payload map[string]any) (string, error) {
	if strings.TrimSpace(tool) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "工具方地址不能为空")
	}
	correlationID := uuid.NewString()
	err := c.call(ctx, func(lctx context.Context) error {
		now := c.now()
		c.pending.Add(correlationID, pendingQuote{
			Tool:        tool,
			Task:        task,
			Payload:     protocol.ClonePayload(payload),
			RequestedAt: now,
		})
		req := protocol.QuoteRequest{
			Task:                task,
			Payload:             protocol.ClonePayload(payload),
			ClientAddress:       c.address,
			ClientWalletAddress: c.cfg.Wallet,
			CorrelationID:       correlationID,
			Timestamp:           now,
		}
		if err := c.send(lctx, tool, req); err != nil {
			c.pending.Remove(correlationID)
			return err
		}
		c.log.Info("已发送询价", slog.String("tool", tool), slog.String("task", string(task)), slog.String("correlation_id", correlationID))
		return nil
	})
	if err != nil {
		return "", err
	}
	return correlationID, nil
}

// RequestTask 通过服务发现挑选最便宜的可达工具方并发送询价。
func (c *Client) RequestTask(ctx context.Context, task protocol.TaskType, payload map[string]any) (string, string, error) {
	if c.discoverer == nil {
		return "", "", xerrors.New(xerrors.CodeInitializationFailure, "未配置服务发现")
	}
	agents, err := c.discoverer.Discover(ctx, task)
	if err != nil {
		return "", "", err
	}
	candidates := make([]registry.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Reachable && a.Supports(task) && a.Address != "" {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return "", "", ErrNoAgent
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Price < candidates[j].Price })
	tool := candidates[0].Address
	correlationID, err := c.RequestQuote(ctx, tool, task, payload)
	return tool, correlationID, err
}

// Cancel 取消尚未结束的作业。
func (c *Client) Cancel(ctx context.Context, jobID, reason string) error {
	return c.cancel(ctx, jobID, reason)
}

// PendingQuotes 返回尚未匹配的询价数量。
func (c *Client) PendingQuotes(ctx context.Context) (int, error) {
	var n int
	err := c.call(ctx, func(context.Context) error {
		n = c.pending.Len()
		return nil
	})
	return n, err
}

func (c *Client) dispatch(ctx context.Context, env protocol.Envelope) {
	msg, err := protocol.Open(env)
	if err != nil {
		c.drop(env, "", "malformed")
		return
	}
	switch m := msg.(type) {
	case protocol.QuoteResponse:
		c.handleQuoteResponse(ctx, env, m)
	case protocol.Receipt:
		c.handleReceipt(ctx, env, m)
	case protocol.BondNotification:
		c.handleBondNotification(ctx, env, m)
	default:
		c.drop(env, "", "unexpected_type")
	}
}

// matchPending 按关联 ID 取回原始请求，找不到时退回同一工具方同一任务最早的请求。
func (c *Client) matchPending(tool string, task protocol.TaskType, correlationID string) (pendingQuote, bool) {
	if correlationID != "" {
		if v, ok := c.pending.Peek(correlationID); ok {
			if p := v.(pendingQuote); p.Tool == tool {
				c.pending.Remove(correlationID)
				return p, true
			}
		}
	}
	for _, key := range c.pending.Keys() {
		v, ok := c.pending.Peek(key)
		if !ok {
			continue
		}
		p := v.(pendingQuote)
		if p.Tool == tool && (task == "" || p.Task == task) {
			c.pending.Remove(key)
			return p, true
		}
	}
	return pendingQuote{}, false
}

func (c *Client) handleQuoteResponse(ctx context.Context, env protocol.Envelope, q protocol.QuoteResponse) {
	if q.JobID == "" || q.TermsHash == "" {
		c.drop(env, q.JobID, "invalid_quote")
		return
	}
	if q.ToolAddress != "" && q.ToolAddress != env.Sender {
		c.drop(env, q.JobID, "sender_mismatch")
		return
	}
	if _, exists := c.load(ctx, q.JobID); exists {
		c.drop(env, q.JobID, "duplicate_quote")
		return
	}
	log := logger.WithJob(c.log, q.JobID)

	task := q.Task
	var payload map[string]any
	if p, ok := c.matchPending(env.Sender, task, q.CorrelationID); ok {
		task = p.Task
		payload = p.Payload
	} else {
		payload = protocol.ClonePayload(c.cfg.DefaultPayloads[task])
		log.Warn("报价未匹配到询价，使用默认 payload", slog.String("task", string(task)))
	}
	if payload == nil {
		payload = map[string]any{}
	}

	expected := terms.Hash(terms.Terms{
		Task:         string(task),
		Payload:      payload,
		Price:        q.Price,
		Denom:        q.Denom,
		TTL:          q.TTL,
		BondRequired: q.BondRequired,
	})
	if !terms.Equal(expected, q.TermsHash) {
		c.drop(env, q.JobID, "terms_mismatch")
		return
	}

	if q.ToolPubKey != "" {
		if _, configured := c.toolKeys[env.Sender]; !configured {
			c.advertised[env.Sender] = []byte(q.ToolPubKey)
		}
	}

	quotedAt := q.Timestamp
	if quotedAt.IsZero() {
		quotedAt = c.now()
	}
	j := &job.Job{
		ID:            q.JobID,
		Task:          task,
		Payload:       payload,
		Status:        job.StatusQuoted,
		ClientAddress: c.address,
		ClientWallet:  c.cfg.Wallet,
		ToolAddress:   env.Sender,
		ToolWallet:    q.ToolWalletAddress,
		Price:         q.Price,
		BondAmount:    q.BondRequired,
		Denom:         q.Denom,
		TTL:           q.TTL,
		TermsHash:     q.TermsHash,
		QuotedAt:      &quotedAt,
		Notes:         fmt.Sprintf("Quote received: %s", payment.FormatInt64(q.Price)),
	}
	if err := c.store.Create(ctx, j); err != nil {
		log.Error("保存报价失败", slog.Any("error", err))
		return
	}
	c.created(j, j.Notes)

	c.checkBalance(j)
	c.accept(ctx, j)
}

// checkBalance 检查余额是否足以支付价格与报价要求的保证金，只记录告警。
func (c *Client) checkBalance(j *job.Job) {
	if c.rail == nil {
		return
	}
	need := new(big.Int).Add(big.NewInt(j.Price), big.NewInt(j.BondAmount))
	wallet, jobID := c.cfg.Wallet, j.ID
	c.spawn("balance", func(ctx context.Context) func(context.Context) {
		log := logger.WithJob(c.log, jobID)
		balance, err := c.rail.Balance(ctx, wallet)
		if err != nil {
			log.Warn("查询余额失败", slog.Any("error", err))
			return nil
		}
		if balance.Cmp(need) < 0 {
			log.Warn("余额不足以支付报价",
				slog.String("balance", payment.FormatAmount(balance)),
				slog.String("required", payment.FormatAmount(need)),
			)
		}
		return nil
	}, func(context.Context, error) {})
}

// accept 签名接受报价；需要保证金时先缴纳保证金再发送执行请求。
func (c *Client) accept(ctx context.Context, j *job.Job) {
	ts := c.now()
	sig, err := c.codec.Sign(signature.AcceptanceMessage(j.ID, j.TermsHash, ts), c.cfg.SigningKey)
	if err != nil {
		c.transition(ctx, j, job.StatusFailed, job.Patch{}, fmt.Sprintf("Signing failed: %v", err))
		return
	}
	req := protocol.PerformRequest{
		JobID:           j.ID,
		Payload:         protocol.ClonePayload(j.Payload),
		TermsHash:       j.TermsHash,
		ClientSignature: sig,
		Timestamp:       ts,
	}
	if !c.transition(ctx, j, job.StatusAccepted, job.Patch{}, "Quote accepted") {
		return
	}
	if c.cfg.EnableBond && j.BondAmount > 0 {
		c.postBond(ctx, j, req)
		return
	}
	c.sendPerform(ctx, j, req)
}

func (c *Client) postBond(ctx context.Context, j *job.Job, req protocol.PerformRequest) {
	if c.rail == nil {
		c.transition(ctx, j, job.StatusFailed, job.Patch{}, "Bond failed: no payment rail configured")
		return
	}
	jobID, amount := j.ID, j.BondAmount
	to := j.ToolWallet
	if to == "" {
		to = j.ToolAddress
	}
	railLabel := railName(c.rail)
	c.spawn("bond", func(tctx context.Context) func(context.Context) {
		tx, err := c.rail.Transfer(tctx, c.cfg.Wallet, to, big.NewInt(amount), "bond:"+jobID)
		c.recorder.ObservePayment(railLabel, "bond", paymentResult(err))
		return func(lctx context.Context) { c.onBondPosted(lctx, jobID, req, tx, err) }
	}, func(lctx context.Context, err error) { c.onBondPosted(lctx, jobID, req, "", err) })
}

func (c *Client) onBondPosted(ctx context.Context, jobID string, req protocol.PerformRequest, tx string, err error) {
	j, ok := c.load(ctx, jobID)
	if !ok || j.Status != job.StatusAccepted {
		return
	}
	if err != nil {
		c.reportFailure(jobID, "缴纳保证金失败", err)
		c.transition(ctx, j, job.StatusFailed, job.Patch{}, fmt.Sprintf("Bond failed: %v", err))
		return
	}
	now := c.now()
	patch := job.Patch{BondTxHash: job.Ptr(tx), BondPostedAt: &now}
	if !c.transition(ctx, j, job.StatusBonded, patch, "Bond posted: "+tx) {
		return
	}
	notice := protocol.BondNotification{
		JobID:     j.ID,
		TxHash:    tx,
		Amount:    j.BondAmount,
		Action:    protocol.BondPosted,
		Sender:    c.address,
		Timestamp: now,
	}
	if err := c.send(ctx, j.ToolAddress, notice); err != nil {
		c.transition(ctx, j, job.StatusFailed, job.Patch{}, fmt.Sprintf("Send failed: %v", err))
		return
	}
	c.sendPerform(ctx, j, req)
}

func (c *Client) sendPerform(ctx context.Context, j *job.Job, req protocol.PerformRequest) {
	now := c.now()
	c.annotate(ctx, j, job.Patch{PerformedAt: &now})
	if err := c.send(ctx, j.ToolAddress, req); err != nil {
		c.transition(ctx, j, job.StatusFailed, job.Patch{}, fmt.Sprintf("Send failed: %v", err))
		return
	}
	logger.WithJob(c.log, j.ID).Info("已发送执行请求", slog.String("tool", j.ToolAddress))
}

// toolKey 依次返回配置的密钥、可自证的地址，以及报价中公布的密钥。
func (c *Client) toolKey(tool string) []byte {
	if key, ok := c.toolKeys[tool]; ok {
		return key
	}
	if c.selfCertified(tool) {
		return []byte(tool)
	}
	return c.advertised[tool]
}

func (c *Client) handleReceipt(ctx context.Context, env protocol.Envelope, r protocol.Receipt) {
	j, ok := c.load(ctx, r.JobID)
	if !ok {
		c.drop(env, r.JobID, "unknown_job")
		return
	}
	if env.Sender != j.ToolAddress {
		c.drop(env, r.JobID, "sender_mismatch")
		return
	}
	switch j.Status {
	case job.StatusAccepted, job.StatusBonded, job.StatusInProgress:
	default:
		c.drop(env, r.JobID, "unexpected_status")
		return
	}
	now := c.now()
	receipt := r
	if !c.transition(ctx, j, job.StatusCompleted, job.Patch{Receipt: &receipt, CompletedAt: &now}, "Receipt received: "+r.OutputRef) {
		return
	}

	req := verifier.Request{Receipt: *receipt.Clone(), Task: j.Task, Requested: protocol.ClonePayload(j.Payload)}
	key := c.toolKey(j.ToolAddress)
	jobID, task := j.ID, j.Task
	c.spawn("verify", func(vctx context.Context) func(context.Context) {
		result := c.verifier.VerifyRequest(vctx, req, key)
		c.recorder.ObserveVerification(string(task), result.Verified)
		return func(lctx context.Context) { c.onVerified(lctx, jobID, result) }
	}, func(lctx context.Context, err error) {
		c.onVerified(lctx, jobID, protocol.VerificationResult{JobID: jobID, Details: "verification error: " + err.Error(), Timestamp: c.now()})
	})
}

func (c *Client) onVerified(ctx context.Context, jobID string, result protocol.VerificationResult) {
	j, ok := c.load(ctx, jobID)
	if !ok || j.Status != job.StatusCompleted {
		return
	}
	now := c.now()
	patch := job.Patch{VerificationResult: &result, VerifiedAt: &now}
	if !result.Verified {
		c.transition(ctx, j, job.StatusFailed, patch, "Verification failed: "+result.Details)
		return
	}
	if !c.transition(ctx, j, job.StatusVerified, patch, "Verification passed: "+result.Details) {
		return
	}
	c.pay(ctx, j)
}

// pay 只在校验通过后转账。
func (c *Client) pay(ctx context.Context, j *job.Job) {
	if !j.Payable() {
		return
	}
	if c.rail == nil {
		c.transition(ctx, j, job.StatusFailed, job.Patch{}, "Payment failed: no payment rail configured")
		return
	}
	jobID, price := j.ID, j.Price
	to := j.ToolWallet
	if to == "" {
		to = j.ToolAddress
	}
	railLabel := railName(c.rail)
	c.spawn("payment", func(tctx context.Context) func(context.Context) {
		tx, err := c.rail.Transfer(tctx, c.cfg.Wallet, to, big.NewInt(price), "payment:"+jobID)
		c.recorder.ObservePayment(railLabel, "payment", paymentResult(err))
		return func(lctx context.Context) { c.onPaid(lctx, jobID, tx, err) }
	}, func(lctx context.Context, err error) { c.onPaid(lctx, jobID, "", err) })
}

func (c *Client) onPaid(ctx context.Context, jobID, tx string, err error) {
	j, ok := c.load(ctx, jobID)
	if !ok || j.Status != job.StatusVerified {
		return
	}
	if err != nil {
		c.reportFailure(jobID, "付款失败", err)
		c.transition(ctx, j, job.StatusFailed, job.Patch{}, fmt.Sprintf("Payment failed: %v", err))
		return
	}
	now := c.now()
	if !c.transition(ctx, j, job.StatusPaid, job.Patch{PaymentTxHash: job.Ptr(tx), PaidAt: &now}, "Payment sent: "+tx) {
		return
	}
	notice := protocol.PaymentNotification{
		JobID:     j.ID,
		TxHash:    tx,
		Amount:    j.Price,
		Sender:    c.address,
		Timestamp: now,
	}
	if err := c.send(ctx, j.ToolAddress, notice); err != nil {
		logger.WithJob(c.log, j.ID).Warn("发送付款通知失败", slog.Any("error", err))
	}
}

func (c *Client) handleBondNotification(ctx context.Context, env protocol.Envelope, n protocol.BondNotification) {
	j, ok := c.load(ctx, n.JobID)
	if !ok {
		c.drop(env, n.JobID, "unknown_job")
		return
	}
	if env.Sender != j.ToolAddress || n.Action != protocol.BondReturned || j.BondTxHash == "" {
		c.drop(env, n.JobID, "unexpected_bond_notice")
		return
	}
	if j.BondReturnTxHash != "" {
		c.drop(env, n.JobID, "duplicate_notice")
		return
	}
	if n.TxHash == "" || c.rail == nil {
		c.drop(env, n.JobID, "bond_unverified")
		return
	}
	jobID, tx := j.ID, n.TxHash
	from := j.ToolWallet
	if from == "" {
		from = j.ToolAddress
	}
	amount, memo, wallet, railLabel := big.NewInt(j.BondAmount), "bond-return:"+jobID, c.cfg.Wallet, railName(c.rail)
	c.spawn("confirm_bond_return", func(cctx context.Context) func(context.Context) {
		err := c.rail.Confirm(cctx, tx, from, wallet, amount, memo)
		c.recorder.ObservePayment(railLabel, "bond_return_confirm", paymentResult(err))
		return func(lctx context.Context) { c.onBondReturnConfirmed(lctx, env, jobID, tx, err) }
	}, func(lctx context.Context, err error) { c.onBondReturnConfirmed(lctx, env, jobID, tx, err) })
}

func (c *Client) onBondReturnConfirmed(ctx context.Context, env protocol.Envelope, jobID, tx string, err error) {
	j, ok := c.load(ctx, jobID)
	if !ok || j.BondReturnTxHash != "" {
		return
	}
	if err != nil {
		c.reportFailure(jobID, "保证金退还核实失败", err)
		c.drop(env, jobID, "bond_unverified")
		return
	}
	now := c.now()
	c.annotate(ctx, j, job.Patch{
		BondReturnTxHash: job.Ptr(tx),
		BondReturnedAt:   &now,
		AppendNote:       "Bond returned: " + tx,
	})
	logger.Audit().Info("保证金已退还", slog.String("job_id", j.ID), slog.String("tx", tx))
}

// sweep 使超时作业失败并清理过期的待匹配询价。
func (c *Client) sweep(ctx context.Context) {
	timeout := c.timing.JobTimeout
	c.expire(ctx,
		[]job.Status{job.StatusAccepted, job.StatusBonded, job.StatusInProgress},
		timeout, job.StatusFailed, performedOrUpdated,
		fmt.Sprintf("Timed out after %s", timeout),
	)
	now := c.now()
	for _, key := range c.pending.Keys() {
		v, ok := c.pending.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(v.(pendingQuote).RequestedAt) > timeout {
			c.pending.Remove(key)
		}
	}
}
