package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"AgentMarket/internal/protocol"
	"AgentMarket/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 总线的连接参数。
type RabbitMQConfig struct {
	URL         string `json:"url"`
	QueuePrefix string `json:"queue_prefix"`
	Prefetch    int    `json:"prefetch"`
	Durable     bool   `json:"durable"`
}

// RabbitMQBus 为每个代理地址声明一个队列，通过默认交换机按队列名路由。
type RabbitMQBus struct {
	conn     *amqp.Connection
	pubMu    sync.Mutex
	pub      *amqp.Channel
	prefix   string
	prefetch int
	durable  bool

	declaredMu sync.Mutex
	declared   map[string]struct{}
}

// NewRabbitMQBus 创建 RabbitMQ 总线实例。
func NewRabbitMQBus(cfg RabbitMQConfig) (*RabbitMQBus, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	prefix := cfg.QueuePrefix
	if prefix == "" {
		prefix = "agentmarket.inbox."
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	return &RabbitMQBus{
		conn:     conn,
		pub:      ch,
		prefix:   prefix,
		prefetch: cfg.Prefetch,
		durable:  cfg.Durable,
		declared: make(map[string]struct{}),
	}, nil
}

func (b *RabbitMQBus) queueName(address string) string {
	return b.prefix + address
}

func (b *RabbitMQBus) declare(ch *amqp.Channel, queue string) error {
	b.declaredMu.Lock()
	defer b.declaredMu.Unlock()
	if _, ok := b.declared[queue]; ok {
		return nil
	}
	if _, err := ch.QueueDeclare(queue, b.durable, false, false, false, nil); err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	b.declared[queue] = struct{}{}
	return nil
}

// Send 将信封发布到接收方队列。
func (b *RabbitMQBus) Send(ctx context.Context, env protocol.Envelope) error {
	if b == nil || b.pub == nil {
		return errors.New("RabbitMQ 总线未初始化")
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	queue := b.queueName(env.Recipient)

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if err := b.declare(b.pub, queue); err != nil {
		return err
	}
	deliveryMode := amqp.Transient
	if b.durable {
		deliveryMode = amqp.Persistent
	}
	return b.pub.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    env.ID,
		Type:         string(env.Type),
		DeliveryMode: deliveryMode,
		Body:         raw,
	})
}

// Consume 使用手动确认模式消费 address 的队列，消息逐条处理。
func (b *RabbitMQBus) Consume(ctx context.Context, address string, handler Handler) error {
	if b == nil || b.conn == nil {
		return errors.New("RabbitMQ 总线未初始化")
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	defer ch.Close()

	if b.prefetch > 0 {
		if err := ch.Qos(b.prefetch, 0, false); err != nil {
			return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	queue := b.queueName(address)
	if _, err := ch.QueueDeclare(queue, b.durable, false, false, false, nil); err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	log := logger.Named("transport").With("address", address, "driver", "rabbitmq")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ErrClosed
			}
			env, err := protocol.UnmarshalEnvelope(msg.Body)
			if err != nil {
				log.Warn("丢弃无法解析的消息", "error", err)
				_ = msg.Ack(false)
				continue
			}
			if err := handler(ctx, env); err != nil {
				log.Warn("处理消息失败", "type", env.Type, "sender", env.Sender, "error", err)
			}
			_ = msg.Ack(false)
		}
	}
}

// Close 关闭 RabbitMQ 连接。
func (b *RabbitMQBus) Close() error {
	if b == nil {
		return nil
	}
	if b.pub != nil {
		_ = b.pub.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

var _ Bus = (*RabbitMQBus)(nil)
