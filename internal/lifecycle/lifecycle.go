// Package lifecycle 实现客户端与工具方两侧的作业状态机。
//
// 每个代理只有一个事件循环协程：传输层投递、定时清扫、本地命令以及外部调用的完成
// 回调都被投递到同一个 channel，所有作业状态的修改都发生在该协程上。外部调用
// （执行任务、校验回执、转账）在独立协程中带超时运行，不重试，结果再投递回循环。
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/events"
	"AgentMarket/internal/job"
	"AgentMarket/internal/payment"
	"AgentMarket/internal/protocol"
	"AgentMarket/internal/signature"
	"AgentMarket/internal/transport"
	"AgentMarket/pkg/logger"
)

const (
	RoleClient = "client"
	RoleTool   = "tool"

	DefaultSweepInterval = 30 * time.Second
	DefaultJobTimeout    = 10 * time.Minute
	DefaultCallTimeout   = 5 * time.Second
)

// Recorder 接收状态机的观测数据，metrics.Metrics 实现了它。
type Recorder interface {
	ObserveTransition(role, status string)
	ObserveDrop(role, reason string)
	ObserveVerification(task string, verified bool)
	ObservePayment(rail, kind, result string)
	ObservePurge(removed int64)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTransition(string, string)      {}
func (nopRecorder) ObserveDrop(string, string)            {}
func (nopRecorder) ObserveVerification(string, bool)      {}
func (nopRecorder) ObservePayment(string, string, string) {}
func (nopRecorder) ObservePurge(int64)                    {}

// Deps 汇总两侧共用的协作者。
type Deps struct {
	Store    job.Store
	Bus      transport.Bus
	Codec    signature.Codec
	Rail     payment.Rail
	Events   events.Emitter
	Recorder Recorder
	Now      func() time.Time
}

// Timing 控制清扫与外部调用的时间参数。零值使用默认值。
type Timing struct {
	SweepInterval time.Duration
	JobTimeout    time.Duration
	CallTimeout   time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.SweepInterval <= 0 {
		t.SweepInterval = DefaultSweepInterval
	}
	if t.JobTimeout <= 0 {
		t.JobTimeout = DefaultJobTimeout
	}
	if t.CallTimeout <= 0 {
		t.CallTimeout = DefaultCallTimeout
	}
	return t
}

// loop 是客户端与工具方共用的事件循环骨架。
type loop struct {
	role     string
	address  string
	store    job.Store
	bus      transport.Bus
	codec    signature.Codec
	rail     payment.Rail
	emitter  events.Emitter
	recorder Recorder
	now      func() time.Time
	timing   Timing
	log      *slog.Logger

	// signingKey 为出站信封签名；peerKey 返回对端的校验密钥，未知对端返回 nil。
	signingKey []byte
	peerKey    func(sender string) []byte

	inbox    chan func(context.Context)
	root     context.Context
	inflight sync.WaitGroup
}

func newLoop(role, address string, deps Deps, timing Timing) (*loop, error) {
	if strings.TrimSpace(address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, role+" 地址不能为空")
	}
	if deps.Store == nil || deps.Bus == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, role+" 缺少作业存储或消息总线")
	}
	l := &loop{
		role:     role,
		address:  address,
		store:    deps.Store,
		bus:      deps.Bus,
		codec:    deps.Codec,
		rail:     deps.Rail,
		emitter:  deps.Events,
		recorder: deps.Recorder,
		now:      deps.Now,
		timing:   timing.withDefaults(),
		log:      logger.Named("lifecycle").With(slog.String("role", role), slog.String("address", address)),
		inbox:    make(chan func(context.Context), 256),
		root:     context.Background(),
	}
	if l.codec == nil {
		l.codec = signature.HMAC{}
	}
	if l.emitter == nil {
		l.emitter = events.Discard{}
	}
	if l.recorder == nil {
		l.recorder = nopRecorder{}
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	return l, nil
}

// run 启动消费协程与事件循环，直到 ctx 结束。退出前等待在途的外部调用。
func (l *loop) run(ctx context.Context, dispatch func(context.Context, protocol.Envelope), sweep func(context.Context)) error {
	g, gctx := errgroup.WithContext(ctx)
	l.root = gctx

	g.Go(func() error {
		err := l.bus.Consume(gctx, l.address, func(hctx context.Context, env protocol.Envelope) error {
			return l.post(hctx, func(c context.Context) {
				if l.authenticate(env) {
					dispatch(c, env)
				}
			})
		})
		if err != nil && gctx.Err() == nil {
			return xerrors.Wrap(xerrors.CodeTransportFailure, err, "消费消息失败")
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(l.timing.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case fn := <-l.inbox:
				l.safely(gctx, "event", fn)
			case <-ticker.C:
				l.safely(gctx, "sweep", sweep)
			}
		}
	})

	l.log.Info("事件循环已启动")
	err := g.Wait()
	l.inflight.Wait()
	l.log.Info("事件循环已停止")
	return err
}

// post 把 fn 投递给事件循环。
func (l *loop) post(ctx context.Context, fn func(context.Context)) error {
	select {
	case l.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call 在事件循环上执行 fn 并等待其返回。
func (l *loop) call(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	err := l.post(ctx, func(c context.Context) {
		defer func() {
			if r := recover(); r != nil {
				done <- xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("panic: %v", r))
			}
		}()
		done <- fn(c)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn 在独立协程中执行外部调用，work 返回的回调被投递回事件循环；
// work panic 时改为投递 fail。
func (l *loop) spawn(name string, work func(context.Context) func(context.Context), fail func(context.Context, error)) {
	root := l.root
	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		then := func() (then func(context.Context)) {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("外部调用 panic", slog.String("call", name), slog.Any("panic", r))
					err := xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("%s panic: %v", name, r))
					then = func(c context.Context) { fail(c, err) }
				}
			}()
			ctx, cancel := context.WithTimeout(root, l.timing.CallTimeout)
			defer cancel()
			return work(ctx)
		}()
		if then == nil {
			return
		}
		if err := l.post(root, then); err != nil {
			l.log.Warn("事件循环已停止，丢弃外部调用结果", slog.String("call", name))
		}
	}()
}

func (l *loop) safely(ctx context.Context, what string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("事件处理 panic", slog.String("what", what), slog.Any("panic", r))
		}
	}()
	fn(ctx)
}

// send 以本代理地址投递消息，受 CallTimeout 约束。
func (l *loop) send(ctx context.Context, to string, msg any) error {
	sctx, cancel := context.WithTimeout(ctx, l.timing.CallTimeout)
	defer cancel()
	if err := transport.SendMessage(sctx, l.bus, transport.KeySigner(l.codec, l.signingKey), l.address, to, msg); err != nil {
		l.log.Warn("发送消息失败", slog.String("to", to), slog.Any("error", err))
		return err
	}
	return nil
}

// authenticate 在事件循环上校验入站信封的签名。已知对端的信封必须能用其密钥校验通过；
// 未知对端只允许首次接触的询价与报价。
func (l *loop) authenticate(env protocol.Envelope) bool {
	if env.Recipient != l.address {
		l.drop(env, "", "misrouted")
		return false
	}
	var key []byte
	if l.peerKey != nil {
		key = l.peerKey(env.Sender)
	}
	if len(key) == 0 {
		if l.selfCertified(env.Sender) {
			key = []byte(env.Sender)
		} else if env.Type.FirstContact() {
			return true
		}
	}
	if !transport.Authentic(l.codec, env, key) {
		l.drop(env, "", "sender_unauthenticated")
		return false
	}
	return true
}

// selfCertified 判断地址本身能否作为校验密钥，即使用 Ethereum 签名且地址为账户地址。
func (l *loop) selfCertified(address string) bool {
	_, ok := l.codec.(signature.Ethereum)
	return ok && common.IsHexAddress(address)
}

// drop 记录一次静默丢弃。
func (l *loop) drop(env protocol.Envelope, jobID, reason string) {
	logger.WithJob(l.log, jobID).Warn("丢弃消息",
		slog.String("reason", reason),
		slog.String("type", string(env.Type)),
		slog.String("sender", env.Sender),
	)
	l.recorder.ObserveDrop(l.role, reason)
}

// reportFailure 按错误码的严重程度记录外部调用失败，并附带告警与可重试标记。
func (l *loop) reportFailure(jobID, msg string, err error) {
	logger.WithJob(l.log, jobID).Log(context.Background(), xerrors.LevelOf(err), msg,
		slog.Any("error", err),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.String("severity", string(xerrors.SeverityOf(err))),
		slog.Bool("alert", xerrors.ShouldAlert(err)),
		slog.Bool("retryable", xerrors.RetryableError(err)),
	)
}

// load 读取作业，存储错误只记录日志。
func (l *loop) load(ctx context.Context, jobID string) (*job.Job, bool) {
	j, err := l.store.Get(ctx, jobID)
	if err != nil {
		if !job.IsNotFound(err) {
			logger.WithJob(l.log, jobID).Error("读取作业失败", slog.Any("error", err))
		}
		return nil, false
	}
	return j, true
}

// created 在作业首次写入后发出事件与指标。
func (l *loop) created(j *job.Job, message string) {
	logger.Audit().Info("作业已创建",
		slog.String("role", l.role),
		slog.String("job_id", j.ID),
		slog.String("status", string(j.Status)),
		slog.String("task", string(j.Task)),
	)
	l.recorder.ObserveTransition(l.role, string(j.Status))
	l.emit(j, message)
}

// transition 校验并执行状态迁移，成功后同步更新 j。
func (l *loop) transition(ctx context.Context, j *job.Job, to job.Status, patch job.Patch, note string) bool {
	log := logger.WithJob(l.log, j.ID)
	if !job.CanTransition(j.Status, to) {
		log.Warn("忽略非法状态迁移", slog.String("from", string(j.Status)), slog.String("to", string(to)))
		return false
	}
	if to == job.StatusPaid && !j.Payable() {
		log.Error("拒绝未通过校验的付款迁移", slog.String("from", string(j.Status)))
		return false
	}
	patch.Status = job.Ptr(to)
	if note != "" {
		patch.AppendNote = note
	}
	if err := l.store.Update(ctx, j.ID, patch); err != nil {
		log.Error("更新作业状态失败", slog.Any("error", err), slog.String("to", string(to)))
		return false
	}
	from := j.Status
	patch.Apply(j, l.now())
	logger.Audit().Info("作业状态迁移",
		slog.String("role", l.role),
		slog.String("job_id", j.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("note", note),
	)
	l.recorder.ObserveTransition(l.role, string(to))
	l.emit(j, note)
	return true
}

// annotate 写入不改变状态的字段。
func (l *loop) annotate(ctx context.Context, j *job.Job, patch job.Patch) {
	if err := l.store.Update(ctx, j.ID, patch); err != nil {
		logger.WithJob(l.log, j.ID).Error("更新作业失败", slog.Any("error", err))
		return
	}
	patch.Apply(j, l.now())
}

func (l *loop) emit(j *job.Job, message string) {
	event := events.Event{
		Source:  l.role,
		Status:  strings.ToUpper(string(j.Status)),
		Message: message,
		JobID:   j.ID,
		Extra: map[string]any{
			"task":           string(j.Task),
			"tool_address":   j.ToolAddress,
			"client_address": j.ClientAddress,
			"price":          j.Price,
			"bond_amount":    j.BondAmount,
		},
	}
	if j.Task == protocol.TaskCreateGitHubIssue && j.Receipt != nil {
		event.IssueURL = j.Receipt.OutputRef
	}
	l.emitter.Emit(event)
}

// cancel 把非终态作业置为 cancelled。
func (l *loop) cancel(ctx context.Context, jobID, reason string) error {
	return l.call(ctx, func(c context.Context) error {
		j, err := l.store.Get(c, jobID)
		if err != nil {
			return err
		}
		if j.Status.Terminal() {
			return job.ErrInvalidTransition
		}
		note := "Cancelled"
		if reason != "" {
			note += ": " + reason
		}
		if !l.transition(c, j, job.StatusCancelled, job.Patch{}, note) {
			return xerrors.New(xerrors.CodeStorageFailure, "取消作业失败", xerrors.WithJobID(jobID))
		}
		return nil
	})
}

// expire 把超过 timeout 仍停留在 statuses 中的作业迁移到 to。ref 返回计时起点。
func (l *loop) expire(ctx context.Context, statuses []job.Status, timeout time.Duration, to job.Status, ref func(*job.Job) time.Time, note string) {
	now := l.now()
	for _, status := range statuses {
		jobs, err := l.store.ListByStatus(ctx, status, l.address)
		if err != nil {
			l.log.Error("清扫时查询作业失败", slog.Any("error", err), slog.String("status", string(status)))
			continue
		}
		for _, j := range jobs {
			if now.Sub(ref(j)) <= timeout {
				continue
			}
			l.transition(ctx, j, to, job.Patch{}, note)
		}
	}
}

func performedOrUpdated(j *job.Job) time.Time {
	if j.PerformedAt != nil {
		return *j.PerformedAt
	}
	return j.UpdatedAt
}

func railName(r payment.Rail) string {
	if r == nil {
		return "none"
	}
	return r.Name()
}

func paymentResult(err error) string {
	if err == nil {
		return "success"
	}
	return string(xerrors.CodeOf(err))
}
