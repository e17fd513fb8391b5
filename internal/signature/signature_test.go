package signature

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestHMACRoundTrip(t *testing.T) {
	codec := HMAC{}
	messages := []string{"", "job_1|https://example/1|2024-01-01T00:00:00.000000000Z", strings.Repeat("x", 4096)}
	key := []byte("tool_agent_private_key")

	for _, msg := range messages {
		sig, err := codec.Sign(msg, key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if !codec.Verify(msg, sig, key) {
			t.Fatalf("expected signature to verify for %q", msg)
		}
		if codec.Verify(msg, sig, []byte("other_key")) {
			t.Fatalf("signature verified with wrong key for %q", msg)
		}
		if codec.Verify(msg+"!", sig, key) {
			t.Fatalf("signature verified for tampered message")
		}
	}
}

func TestHMACMalformedInput(t *testing.T) {
	codec := HMAC{}
	key := []byte("k")
	for _, sig := range []string{"", "zz", "abc", "00"} {
		if codec.Verify("m", sig, key) {
			t.Fatalf("malformed signature %q accepted", sig)
		}
	}
	if _, err := codec.Sign("m", nil); err == nil {
		t.Fatal("expected error for empty key")
	}
	if codec.Verify("m", "00", nil) {
		t.Fatal("empty key must never verify")
	}
}

func TestEthereumRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privHex := []byte(hex.EncodeToString(crypto.FromECDSA(key)))
	address := []byte(crypto.PubkeyToAddress(key.PublicKey).Hex())

	codec := Ethereum{}
	msg := AcceptanceMessage("job_0011223344556677", "abcd", time.Unix(1700000000, 5).UTC())
	sig, err := codec.Sign(msg, privHex)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !codec.Verify(msg, sig, address) {
		t.Fatal("expected signature to verify against address")
	}
	if !codec.Verify(msg, sig, crypto.FromECDSAPub(&key.PublicKey)) {
		t.Fatal("expected signature to verify against raw public key")
	}
	if codec.Verify(msg, sig, []byte(crypto.PubkeyToAddress(other.PublicKey).Hex())) {
		t.Fatal("signature verified against another identity")
	}
	if codec.Verify(msg, "0xdeadbeef", address) {
		t.Fatal("malformed signature accepted")
	}

	identity, err := PublicIdentity(privHex)
	if err != nil {
		t.Fatalf("public identity: %v", err)
	}
	if identity != string(address) {
		t.Fatalf("identity mismatch: got %s want %s", identity, address)
	}
}

func TestMessagesUseFixedTimestampFormat(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 42, time.FixedZone("x", 3600))
	got := ReceiptMessage("job_1", "ref", ts)
	want := "job_1|ref|2024-05-01T11:30:00.000000042Z"
	if got != want {
		t.Fatalf("unexpected receipt message: got %q want %q", got, want)
	}
	if New("ethereum").Name() != "ethereum" || New("").Name() != "hmac" {
		t.Fatal("unexpected codec selection")
	}
}
