// Package events 把作业状态变化异步投递给外部观察者（仪表盘、审计日志）。
// 投递是尽力而为的：队列满时丢弃，接收端失败只记录日志，从不影响状态机。
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"AgentMarket/pkg/logger"
)

// Event 描述一次作业事件。
type Event struct {
	Source     string         `json:"source"`
	Status     string         `json:"status"`
	Message    string         `json:"message"`
	JobID      string         `json:"job_id,omitempty"`
	IssueURL   string         `json:"issue_url,omitempty"`
	Extra      map[string]any `json:"-"`
	OccurredAt time.Time      `json:"-"`
}

// Sink 接收事件。
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// Emitter 是状态机依赖的发送接口。
type Emitter interface {
	Emit(event Event)
}

// Fanout 将事件广播给多个 Sink。
type Fanout struct {
	sinks []Sink
}

// NewFanout 创建 Fanout，nil Sink 会被忽略。
func NewFanout(sinks ...Sink) *Fanout {
	set := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			set = append(set, s)
		}
	}
	return &Fanout{sinks: set}
}

// Send 依次投递，汇总所有失败。
func (f *Fanout) Send(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Send(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Name 实现 Sink。
func (f *Fanout) Name() string { return "fanout" }

// Options 配置 Notifier。
type Options struct {
	// QueueSize 为有界队列长度，默认 256。
	QueueSize int
	// SendTimeout 限制单次投递耗时，默认 3s。
	SendTimeout time.Duration
	// Now 替换时间源。
	Now func() time.Time
}

// Notifier 通过有界队列和单个后台协程异步投递事件。
type Notifier struct {
	sink    Sink
	queue   chan Event
	timeout time.Duration
	now     func() time.Time
	dropped atomic.Int64
	sent    atomic.Int64
	failed  atomic.Int64
	started atomic.Bool

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	stopped chan struct{}
}

// NewNotifier 创建 Notifier，需调用 Run 开始投递。
func NewNotifier(sink Sink, opts Options) *Notifier {
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Notifier{
		sink:    sink,
		queue:   make(chan Event, size),
		timeout: timeout,
		now:     now,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Emit 将事件入队，队列已满或已关闭时直接丢弃。
func (n *Notifier) Emit(event Event) {
	if n == nil || n.sink == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = n.now()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.dropped.Add(1)
		return
	}
	select {
	case n.queue <- event:
	default:
		n.dropped.Add(1)
		logger.Named("events").Debug("事件队列已满，丢弃事件", slog.String("job_id", event.JobID), slog.String("status", event.Status))
	}
}

// Run 持续投递直到 ctx 结束或 Close 被调用，退出前尽量清空队列。
func (n *Notifier) Run(ctx context.Context) error {
	n.started.Store(true)
	defer close(n.stopped)
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return nil
		case <-n.done:
			n.drain()
			return nil
		case event := <-n.queue:
			n.deliver(event)
		}
	}
}

func (n *Notifier) drain() {
	for {
		select {
		case event := <-n.queue:
			n.deliver(event)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.sink.Send(ctx, event); err != nil {
		n.failed.Add(1)
		logger.Named("events").Debug("投递事件失败", slog.Any("error", err), slog.String("job_id", event.JobID))
		return
	}
	n.sent.Add(1)
}

// Close 停止接收新事件并等待 Run 退出。Run 未启动时立即返回。
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.done)
	n.mu.Unlock()

	if !n.started.Load() {
		return nil
	}
	select {
	case <-n.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 返回已投递、失败与丢弃的事件数。
func (n *Notifier) Stats() (sent, failed, dropped int64) {
	return n.sent.Load(), n.failed.Load(), n.dropped.Load()
}

// Discard 丢弃所有事件。
type Discard struct{}

// Emit 实现 Emitter。
func (Discard) Emit(Event) {}

var (
	_ Emitter = (*Notifier)(nil)
	_ Emitter = Discard{}
	_ Sink    = (*Fanout)(nil)
)
