package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType 标识信封中承载的消息种类。
type MessageType string

const (
	TypeQuoteRequest        MessageType = "quote_request"
	TypeQuoteResponse       MessageType = "quote_response"
	TypePerformRequest      MessageType = "perform_request"
	TypeReceipt             MessageType = "receipt"
	TypeBondNotification    MessageType = "bond_notification"
	TypePaymentNotification MessageType = "payment_notification"
)

// FirstContact 判断消息是否可能来自尚未交换密钥的对端。
func (t MessageType) FirstContact() bool {
	return t == TypeQuoteRequest || t == TypeQuoteResponse
}

// Envelope 是传输层投递的单元。Sender 由发送方声明，只有 Signature 能被对端密钥
// 校验通过时，接收方才据此做授权判断。
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Body      json.RawMessage `json:"body"`
	SentAt    time.Time       `json:"sent_at"`
	Signature string          `json:"signature,omitempty"`
}

// SigningMessage 返回信封签名原文：type|id|sender|recipient|sha256(body)|sent_at。
func (e Envelope) SigningMessage() string {
	sum := sha256.Sum256(e.Body)
	return strings.Join([]string{
		string(e.Type),
		e.ID,
		e.Sender,
		e.Recipient,
		hex.EncodeToString(sum[:]),
		e.SentAt.UTC().Format(time.RFC3339Nano),
	}, "|")
}

// Seal 把消息编码进信封。
func Seal(sender, recipient string, msg any) (Envelope, error) {
	msgType, err := typeOf(msg)
	if err != nil {
		return Envelope{}, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("编码 %s 消息失败: %w", msgType, err)
	}
	return Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		SentAt:    time.Now().UTC(),
	}, nil
}

// Open 解码信封中的消息，返回具体消息值（非指针）。
func Open(env Envelope) (any, error) {
	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeQuoteRequest:
		var m QuoteRequest
		err = json.Unmarshal(env.Body, &m)
		msg = m
	case TypeQuoteResponse:
		var m QuoteResponse
		err = json.Unmarshal(env.Body, &m)
		msg = m
	case TypePerformRequest:
		var m PerformRequest
		err = json.Unmarshal(env.Body, &m)
		msg = m
	case TypeReceipt:
		var m Receipt
		err = json.Unmarshal(env.Body, &m)
		msg = m
	case TypeBondNotification:
		var m BondNotification
		err = json.Unmarshal(env.Body, &m)
		msg = m
	case TypePaymentNotification:
		var m PaymentNotification
		err = json.Unmarshal(env.Body, &m)
		msg = m
	default:
		return nil, fmt.Errorf("未知的消息类型: %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("解码 %s 消息失败: %w", env.Type, err)
	}
	return msg, nil
}

// Marshal 把信封编码为字节，供外部队列传输。
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope 从字节解析信封。
func UnmarshalEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("解析消息信封失败: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("消息信封缺少类型")
	}
	return env, nil
}

func typeOf(msg any) (MessageType, error) {
	switch msg.(type) {
	case QuoteRequest, *QuoteRequest:
		return TypeQuoteRequest, nil
	case QuoteResponse, *QuoteResponse:
		return TypeQuoteResponse, nil
	case PerformRequest, *PerformRequest:
		return TypePerformRequest, nil
	case Receipt, *Receipt:
		return TypeReceipt, nil
	case BondNotification, *BondNotification:
		return TypeBondNotification, nil
	case PaymentNotification, *PaymentNotification:
		return TypePaymentNotification, nil
	default:
		return "", fmt.Errorf("不支持的消息类型 %T", msg)
	}
}
