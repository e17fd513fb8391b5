// Package transport 负责在代理之间投递协议信封。
// 每个代理地址对应一个逻辑队列，Send 按 Recipient 路由，Consume 阻塞消费自己的队列。
package transport

import (
	"context"
	"strings"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/protocol"
	"AgentMarket/internal/signature"
)

// Handler 处理一条收到的信封。返回错误只会被记录，消息不会重投。
type Handler func(ctx context.Context, env protocol.Envelope) error

// Bus 抽象代理之间的异步消息通道。
type Bus interface {
	Send(ctx context.Context, env protocol.Envelope) error
	// Consume 持续消费 address 的队列直到 ctx 结束。
	Consume(ctx context.Context, address string, handler Handler) error
	Close() error
}

// ErrClosed 表示总线已经关闭。
var ErrClosed = xerrors.New(xerrors.CodeTransportFailure, "transport closed")

// Signer 对信封签名原文签名。
type Signer func(message string) (string, error)

// KeySigner 使用 codec 与本方密钥签名。
func KeySigner(codec signature.Codec, key []byte) Signer {
	return func(message string) (string, error) {
		return codec.Sign(message, key)
	}
}

// Authentic 判断 env 的签名能否被发送方密钥 key 校验通过。
func Authentic(codec signature.Codec, env protocol.Envelope, key []byte) bool {
	if codec == nil || len(key) == 0 || env.Signature == "" {
		return false
	}
	return codec.Verify(env.SigningMessage(), env.Signature, key)
}

// SendMessage 以 from 身份封装并签名 msg，然后投递给 to。sign 为 nil 时不签名。
func SendMessage(ctx context.Context, bus Bus, sign Signer, from, to string, msg any) error {
	if strings.TrimSpace(to) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息接收方不能为空")
	}
	env, err := protocol.Seal(from, to, msg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "封装消息失败")
	}
	if sign != nil {
		if env.Signature, err = sign(env.SigningMessage()); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名消息失败",
				xerrors.WithMetadata("type", string(env.Type)))
		}
	}
	if err := bus.Send(ctx, env); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "投递消息失败",
			xerrors.WithMetadata("recipient", to), xerrors.WithMetadata("type", string(env.Type)))
	}
	return nil
}
