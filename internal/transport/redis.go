package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"AgentMarket/internal/protocol"
	"AgentMarket/pkg/logger"
)

// RedisConfig 描述 Redis 总线的连接参数。
type RedisConfig struct {
	Address   string        `json:"address"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Prefix    string        `json:"prefix"`
	BlockWait time.Duration `json:"block_wait"`
}

// RedisBus 为每个代理地址维护一个 Redis list，LPUSH 投递、BRPOP 消费。
type RedisBus struct {
	client *redis.Client
	prefix string
	wait   time.Duration
}

// NewRedisBus 创建 Redis 总线实例。
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisBus(client, cfg), nil
}

func newRedisBus(client *redis.Client, cfg RedisConfig) *RedisBus {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentmarket:inbox:"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisBus{client: client, prefix: prefix, wait: wait}
}

func (b *RedisBus) key(address string) string {
	return b.prefix + address
}

// Send 将信封写入接收方的 list。
func (b *RedisBus) Send(ctx context.Context, env protocol.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.key(env.Recipient), raw).Err(); err != nil {
		return fmt.Errorf("Redis 投递消息失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 address 的 list 获取信封。
func (b *RedisBus) Consume(ctx context.Context, address string, handler Handler) error {
	log := logger.Named("transport").With("address", address, "driver", "redis")
	key := b.key(address)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		values, err := b.client.BRPop(ctx, b.wait, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return ErrClosed
			}
			return fmt.Errorf("Redis 取消息失败: %w", err)
		}
		if len(values) != 2 {
			continue
		}
		env, err := protocol.UnmarshalEnvelope([]byte(values[1]))
		if err != nil {
			log.Warn("丢弃无法解析的消息", "error", err)
			continue
		}
		if err := handler(ctx, env); err != nil {
			log.Warn("处理消息失败", "type", env.Type, "sender", env.Sender, "error", err)
		}
	}
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
