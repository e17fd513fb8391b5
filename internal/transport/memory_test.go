package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"AgentMarket/internal/protocol"
	"AgentMarket/internal/signature"
)

func TestMemoryBusRoutesByRecipient(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := protocol.QuoteRequest{Task: protocol.TaskGetWeather, Payload: map[string]any{"location": "Paris"}, ClientAddress: "client"}
	if err := SendMessage(ctx, bus, KeySigner(signature.HMAC{}, []byte("client-secret")), "client", "tool", req); err != nil {
		t.Fatalf("send: %v", err)
	}

	received := make(chan protocol.Envelope, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- bus.Consume(consumeCtx, "tool", func(_ context.Context, env protocol.Envelope) error {
			received <- env
			return nil
		})
	}()

	select {
	case env := <-received:
		if env.Sender != "client" || env.Recipient != "tool" || env.Type != protocol.TypeQuoteRequest {
			t.Fatalf("unexpected envelope %+v", env)
		}
		if !Authentic(signature.HMAC{}, env, []byte("client-secret")) {
			t.Fatal("envelope signature must verify with the sender key")
		}
		msg, err := protocol.Open(env)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if got := msg.(protocol.QuoteRequest); got.Payload["location"] != "Paris" {
			t.Fatalf("unexpected payload %+v", got.Payload)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}

	stop()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestMemoryBusHandlerErrorDoesNotStopConsumer(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		if err := SendMessage(ctx, bus, nil, "tool", "client", protocol.PaymentNotification{JobID: "job_1"}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	calls := make(chan struct{}, 2)
	go func() {
		_ = bus.Consume(ctx, "client", func(context.Context, protocol.Envelope) error {
			calls <- struct{}{}
			return errors.New("boom")
		})
	}()
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-ctx.Done():
			t.Fatalf("consumer stopped after handler error")
		}
	}
}

func TestSendMessageRejectsEmptyRecipient(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()
	if err := SendMessage(context.Background(), bus, nil, "a", "", protocol.Receipt{}); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryBus(1)
	_ = bus.Close()
	if err := bus.Send(context.Background(), protocol.Envelope{Recipient: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAuthenticRejectsTamperedEnvelopes(t *testing.T) {
	codec, key := signature.HMAC{}, []byte("client-secret")
	env, err := protocol.Seal("client", "tool", protocol.PaymentNotification{JobID: "job_1", TxHash: "tx-1"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if Authentic(codec, env, key) {
		t.Fatal("unsigned envelope must not authenticate")
	}
	if env.Signature, err = KeySigner(codec, key)(env.SigningMessage()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Authentic(codec, env, key) {
		t.Fatal("signed envelope must authenticate")
	}

	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := protocol.UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !Authentic(codec, decoded, key) {
		t.Fatal("signature must survive the wire encoding")
	}

	spoofed := env
	spoofed.Sender = "mallory"
	rerouted := env
	rerouted.Recipient = "other-tool"
	altered := env
	altered.Body = []byte(`{"job_id":"job_1","tx_hash":"never-happened"}`)
	for name, e := range map[string]protocol.Envelope{"sender": spoofed, "recipient": rerouted, "body": altered} {
		if Authentic(codec, e, key) {
			t.Fatalf("changing the %s must invalidate the signature", name)
		}
	}
	if Authentic(codec, env, []byte("other-secret")) {
		t.Fatal("wrong key must not authenticate")
	}
}
