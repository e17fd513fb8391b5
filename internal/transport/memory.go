package transport

import (
	"context"
	"sync"

	"AgentMarket/internal/protocol"
	"AgentMarket/pkg/logger"
)

// MemoryBus 使用 channel 在同一进程内投递信封，主要用于测试与单机演示。
type MemoryBus struct {
	size   int
	mu     sync.Mutex
	queues map[string]chan protocol.Envelope
	done   chan struct{}
	closed bool
}

// NewMemoryBus 创建内存总线，size 为每个地址的缓冲长度。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 64
	}
	return &MemoryBus{size: size, queues: make(map[string]chan protocol.Envelope), done: make(chan struct{})}
}

func (b *MemoryBus) queue(address string) (chan protocol.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch, ok := b.queues[address]
	if !ok {
		ch = make(chan protocol.Envelope, b.size)
		b.queues[address] = ch
	}
	return ch, nil
}

// Send 将信封投递到接收方队列，队列满时阻塞直到 ctx 结束。
func (b *MemoryBus) Send(ctx context.Context, env protocol.Envelope) error {
	ch, err := b.queue(env.Recipient)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	case ch <- env:
		return nil
	}
}

// Consume 逐条处理 address 队列中的信封。
func (b *MemoryBus) Consume(ctx context.Context, address string, handler Handler) error {
	ch, err := b.queue(address)
	if err != nil {
		return err
	}
	log := logger.Named("transport").With("address", address)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		case env := <-ch:
			if err := handler(ctx, env); err != nil {
				log.Warn("处理消息失败", "type", env.Type, "sender", env.Sender, "error", err)
			}
		}
	}
}

// Close 停止所有消费者，之后的投递返回 ErrClosed。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	close(b.done)
	b.closed = true
	return nil
}

var _ Bus = (*MemoryBus)(nil)
