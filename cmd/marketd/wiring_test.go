package main

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"AgentMarket/internal/config"
	"AgentMarket/internal/executor"
	"AgentMarket/internal/github"
	"AgentMarket/internal/payment"
	"AgentMarket/internal/protocol"
)

func TestBuildExecutorsHonoursTaskFilterAndProfiles(t *testing.T) {
	cfg := &config.Config{}
	cfg.Executors.Tasks = []string{"translate_text", "unknown"}
	cfg.Agent.Profiles = map[string]config.Profile{"translate_text": {Price: 7, Bond: 3}}

	set, profiles := buildExecutors(cfg, github.NewClient(github.Config{}))
	tasks := set.Tasks()
	if len(tasks) != 1 || tasks[0] != protocol.TaskTranslateText {
		t.Fatalf("unexpected tasks: %v", tasks)
	}
	if got := profiles[protocol.TaskTranslateText]; got.Price != 7 || got.Bond != 3 {
		t.Fatalf("unexpected profile: %+v", got)
	}
}

func TestBuildExecutorsMisbehaveMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Executors.Misbehave = "fake_url"

	set, profiles := buildExecutors(cfg, github.NewClient(github.Config{}))
	exec, ok := set.Get(protocol.TaskCreateGitHubIssue)
	if !ok {
		t.Fatalf("expected github executor")
	}
	if _, ok := exec.(*executor.Misbehaving); !ok {
		t.Fatalf("expected misbehaving executor, got %T", exec)
	}
	if profiles[protocol.TaskCreateGitHubIssue] != executor.MisbehavingProfile {
		t.Fatalf("expected misbehaving profile")
	}
}

func TestClientFundingTargetIncludesBond(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agent.Profiles = map[string]config.Profile{
		"create_github_issue": {Price: 10, Bond: 5},
		"translate_text":      {Price: 12, Bond: 0},
		"get_weather":         {Price: 1, Bond: 1},
	}
	if got := clientFundingTarget(cfg); got.Cmp(big.NewInt(12)) != 0 {
		t.Fatalf("without bond: got %s", got)
	}
	cfg.Agent.EnableBond = true
	if got := clientFundingTarget(cfg); got.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("with bond: got %s", got)
	}
}

func TestOpenRailLedger(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agent.Wallet = "client_wallet"
	cfg.Payment.InitialBalances = map[string]string{"client_wallet": "100"}

	s, err := openRail(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open rail: %v", err)
	}
	defer s.Close()
	balance, err := s.rail.Balance(context.Background(), "client_wallet")
	if err != nil || balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected balance %v err %v", balance, err)
	}
	if s.wallet != "client_wallet" {
		t.Fatalf("unexpected wallet %q", s.wallet)
	}

	cfg.Payment.Simulate = true
	s, err = openRail(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open simulated rail: %v", err)
	}
	if _, ok := s.rail.(*payment.SimulatedRail); !ok {
		t.Fatalf("expected simulated rail, got %T", s.rail)
	}

	cfg.Payment.InitialBalances = map[string]string{"client_wallet": "lots"}
	if _, err := openRail(context.Background(), cfg); err == nil {
		t.Fatalf("expected invalid balance error")
	}
}

func TestOpenCodec(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agent.SigningKey = "secret"
	codec, key, err := openCodec(cfg)
	if err != nil || codec.Name() != "hmac" || string(key) != "secret" {
		t.Fatalf("hmac codec: %v %v %q", codec, err, key)
	}

	cfg.Agent.Codec = "ethereum"
	if _, _, err := openCodec(cfg); err == nil {
		t.Fatalf("expected error for non-hex ethereum key")
	}
	cfg.Agent.SigningKey = "0x" + strings.Repeat("11", 32)
	codec, key, err = openCodec(cfg)
	if err != nil || codec.Name() != "ethereum" || len(key) != 32 {
		t.Fatalf("ethereum codec: %v %v %d", codec, err, len(key))
	}
}
