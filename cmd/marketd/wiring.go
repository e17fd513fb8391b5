package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"AgentMarket/internal/config"
	"AgentMarket/internal/events"
	"AgentMarket/internal/executor"
	"AgentMarket/internal/github"
	"AgentMarket/internal/job"
	"AgentMarket/internal/lifecycle"
	"AgentMarket/internal/payment"
	"AgentMarket/internal/protocol"
	"AgentMarket/internal/registry"
	"AgentMarket/internal/signature"
	storagemysql "AgentMarket/internal/storage/mysql"
	"AgentMarket/internal/transport"
	"AgentMarket/internal/verifier"
	"AgentMarket/internal/web3/provider"
	"AgentMarket/pkg/logger"
)

func openStore(ctx context.Context, cfg *config.Config) (job.Store, error) {
	switch cfg.Storage.Driver {
	case "mysql":
		return job.NewMySQLStore(ctx, storagemysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime.Std(),
		})
	case "postgres":
		return job.NewPostgresStore(ctx, cfg.Storage.DSN)
	default:
		return job.NewMemoryStore(), nil
	}
}

func openBus(ctx context.Context, cfg *config.Config) (transport.Bus, error) {
	switch cfg.Transport.Driver {
	case "redis":
		r := cfg.Transport.Redis
		return transport.NewRedisBus(ctx, transport.RedisConfig{
			Address:   r.Address,
			Password:  r.Password,
			DB:        r.DB,
			Prefix:    r.Prefix,
			BlockWait: r.BlockWait.Std(),
		})
	case "rabbitmq":
		r := cfg.Transport.RabbitMQ
		return transport.NewRabbitMQBus(transport.RabbitMQConfig{
			URL:         r.URL,
			QueuePrefix: r.QueuePrefix,
			Prefetch:    r.Prefetch,
			Durable:     r.Durable,
		})
	default:
		return transport.NewMemoryBus(cfg.Transport.QueueSize), nil
	}
}

// settlement 持有结算通道及其底层链客户端。
type settlement struct {
	rail   payment.Rail
	faucet payment.Faucet
	// wallet 为本方收付款地址，EVM 通道下由私钥推导。
	wallet string
	chains *provider.Registry
}

func (s *settlement) Close() {
	if s.chains != nil {
		s.chains.Close()
	}
}

func openRail(ctx context.Context, cfg *config.Config) (*settlement, error) {
	s := &settlement{wallet: cfg.Agent.Wallet}
	switch cfg.Payment.Driver {
	case "evm":
		chains, err := provider.NewRegistry(ctx, provider.Options{
			ChainConfig:  cfg.Payment.ChainConfig,
			RPCURL:       cfg.Payment.RPCURL,
			DefaultChain: cfg.Payment.Chain,
		})
		if err != nil {
			return nil, err
		}
		s.chains = chains
		client, err := chains.DefaultClient()
		if err != nil {
			chains.Close()
			return nil, err
		}
		rail, err := payment.NewEVMRail(client)
		if err != nil {
			chains.Close()
			return nil, err
		}
		wallet, err := rail.AddKey(cfg.Payment.WalletKey)
		if err != nil {
			chains.Close()
			return nil, err
		}
		s.rail, s.wallet = rail, wallet
		faucetURL := cfg.Payment.FaucetURL
		if faucetURL == "" {
			faucetURL = chains.FaucetURL(cfg.Payment.Chain)
		}
		if faucetURL != "" {
			s.faucet = payment.NewHTTPFaucet(faucetURL, cfg.Payment.FundWait.Std())
		}
	default:
		initial := make(map[string]*big.Int, len(cfg.Payment.InitialBalances))
		for party, raw := range cfg.Payment.InitialBalances {
			amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
			if !ok {
				return nil, fmt.Errorf("账本初始余额 %s 无效: %q", party, raw)
			}
			initial[party] = amount
		}
		ledger := payment.NewLedgerRail(initial)
		s.rail, s.faucet = ledger, ledger
		if cfg.Payment.FaucetURL != "" {
			s.faucet = payment.NewHTTPFaucet(cfg.Payment.FaucetURL, cfg.Payment.FundWait.Std())
		}
	}
	if cfg.Payment.Simulate {
		logger.Named("marketd").Warn("已启用模拟付款，仅限测试环境")
		s.rail = payment.NewSimulatedRail(s.rail)
	}
	return s, nil
}

func openNotifier(cfg *config.Config) *events.Notifier {
	var sinks []events.Sink
	if cfg.Events.FrontendURL != "" {
		sinks = append(sinks, events.NewHTTPSink(events.HTTPSinkConfig{
			BaseURL:           cfg.Events.FrontendURL,
			Timeout:           cfg.Events.SendTimeout.Std(),
			RequestsPerSecond: cfg.Events.RequestsPerSecond,
		}))
	}
	if cfg.Events.Audit || len(sinks) == 0 {
		sinks = append(sinks, events.NewAuditSink(nil))
	}
	return events.NewNotifier(events.NewFanout(sinks...), events.Options{
		QueueSize:   cfg.Events.QueueSize,
		SendTimeout: cfg.Events.SendTimeout.Std(),
	})
}

func openDiscoverer(cfg *config.Config) (registry.Discoverer, error) {
	switch {
	case cfg.Registry.URL != "":
		return registry.NewHTTPRegistry(registry.HTTPConfig{
			BaseURL:     cfg.Registry.URL,
			Timeout:     cfg.Registry.Timeout.Std(),
			PingTimeout: cfg.Registry.PingTimeout.Std(),
		}), nil
	case cfg.Registry.File != "":
		return registry.LoadStaticRegistry(cfg.Registry.File)
	default:
		return nil, nil
	}
}

func openGitHub(cfg *config.Config) *github.Client {
	return github.NewClient(github.Config{
		BaseURL:           cfg.GitHub.BaseURL,
		Token:             cfg.GitHub.Token,
		Timeout:           cfg.GitHub.Timeout.Std(),
		RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
	})
}

// openCodec 返回签名实现与本方密钥。
func openCodec(cfg *config.Config) (signature.Codec, []byte, error) {
	codec := signature.New(cfg.Agent.Codec)
	key := []byte(cfg.Agent.SigningKey)
	if _, ok := codec.(signature.Ethereum); ok {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(cfg.Agent.SigningKey), "0x"))
		if err != nil || len(raw) != 32 {
			return nil, nil, fmt.Errorf("ethereum 签名需要 32 字节十六进制私钥")
		}
		key = raw
	}
	return codec, key, nil
}

func peerKeys(cfg *config.Config) map[string][]byte {
	keys := make(map[string][]byte, len(cfg.Agent.Peers))
	for addr, key := range cfg.Agent.Peers {
		if strings.TrimSpace(key) != "" {
			keys[addr] = []byte(strings.TrimSpace(key))
		}
	}
	return keys
}

func timing(cfg *config.Config) lifecycle.Timing {
	return lifecycle.Timing{
		SweepInterval: cfg.Agent.SweepInterval.Std(),
		JobTimeout:    cfg.Agent.JobTimeout.Std(),
		CallTimeout:   cfg.Agent.CallTimeout.Std(),
	}
}

func newClient(cfg *config.Config, deps lifecycle.Deps, wallet string, key []byte, issues *github.Client, discoverer registry.Discoverer) (*lifecycle.Client, error) {
	v := verifier.NewDefault(deps.Codec, issues, cfg.GitHub.Repo, verifier.WithTimeout(cfg.Verifier.Timeout.Std()))
	var opts []lifecycle.ClientOption
	if discoverer != nil {
		opts = append(opts, lifecycle.WithDiscoverer(discoverer))
	}
	return lifecycle.NewClient(lifecycle.ClientConfig{
		Address:         cfg.Agent.Address,
		Wallet:          wallet,
		SigningKey:      key,
		ToolKeys:        peerKeys(cfg),
		EnableBond:      cfg.Agent.EnableBond,
		PendingCapacity: cfg.Agent.PendingCapacity,
		Timing:          timing(cfg),
	}, deps, v, opts...)
}

func newTool(cfg *config.Config, deps lifecycle.Deps, wallet string, key []byte, issues *github.Client) (*lifecycle.Tool, error) {
	executors, profiles := buildExecutors(cfg, issues)
	return lifecycle.NewTool(lifecycle.ToolConfig{
		Address:    cfg.Agent.Address,
		Wallet:     wallet,
		SigningKey: key,
		PublicKey:  cfg.Agent.PublicKey,
		ClientKeys: peerKeys(cfg),
		Denom:      cfg.Agent.Denom,
		TTL:        cfg.Agent.TTLSeconds,
		Profiles:   profiles,
		Timing:     timing(cfg),
	}, deps, executors)
}

// buildExecutors 按配置创建执行器与定价。
func buildExecutors(cfg *config.Config, issues *github.Client) (*executor.Set, map[protocol.TaskType]executor.Profile) {
	enabled := protocol.KnownTaskTypes()
	if len(cfg.Executors.Tasks) > 0 {
		enabled = enabled[:0:0]
		for _, raw := range cfg.Executors.Tasks {
			if task, ok := protocol.ParseTaskType(raw); ok {
				enabled = append(enabled, task)
			}
		}
	}

	profiles := make(map[protocol.TaskType]executor.Profile, len(enabled))
	mode := executor.ParseMode(cfg.Executors.Misbehave)
	var list []executor.Executor
	for _, task := range enabled {
		profile := executor.DefaultProfile(task)
		if p, ok := cfg.Agent.Profiles[string(task)]; ok {
			profile = executor.Profile{Price: p.Price, Bond: p.Bond}
		}
		if mode != executor.ModeHonest {
			profile = executor.MisbehavingProfile
			if p, ok := cfg.Agent.Profiles["misbehave"]; ok {
				profile = executor.Profile{Price: p.Price, Bond: p.Bond}
			}
			list = append(list, executor.NewMisbehaving(task, mode))
			profiles[task] = profile
			continue
		}
		switch task {
		case protocol.TaskCreateGitHubIssue:
			list = append(list, executor.NewGitHubIssue(issues, cfg.GitHub.Repo))
		case protocol.TaskTranslateText:
			list = append(list, executor.NewTranslator(executor.TranslateConfig{
				BaseURL: cfg.Executors.Translate.BaseURL,
				APIKey:  cfg.Executors.Translate.APIKey,
				Timeout: cfg.Executors.Timeout.Std(),
			}))
		case protocol.TaskGetWeather:
			list = append(list, executor.NewWeather(cfg.Executors.WeatherURL, cfg.Executors.Timeout.Std()))
		}
		profiles[task] = profile
	}
	if mode != executor.ModeHonest {
		logger.Named("marketd").Warn("工具方以作恶模式运行", slog.String("mode", string(mode)))
	}
	return executor.NewSet(list...), profiles
}

// clientFundingTarget 返回最贵任务的价格与保证金之和。
func clientFundingTarget(cfg *config.Config) *big.Int {
	target := new(big.Int)
	for _, task := range protocol.KnownTaskTypes() {
		profile := executor.DefaultProfile(task)
		if p, ok := cfg.Agent.Profiles[string(task)]; ok {
			profile = executor.Profile{Price: p.Price, Bond: p.Bond}
		}
		need := big.NewInt(profile.Price)
		if cfg.Agent.EnableBond {
			need.Add(need, big.NewInt(profile.Bond))
		}
		if need.Cmp(target) > 0 {
			target = need
		}
	}
	return target
}

func ensureFunds(ctx context.Context, cfg *config.Config, s *settlement, target *big.Int) {
	if !cfg.Payment.FundOnStartup || s.faucet == nil {
		return
	}
	wallet := s.wallet
	if ok := payment.EnsureMinimumBalance(ctx, s.rail, s.faucet, wallet, target, cfg.Payment.FundWait.Std()); !ok {
		logger.Named("marketd").Warn("启动资金不足，后续付款可能失败",
			slog.String("wallet", wallet), slog.String("target", payment.FormatAmount(target)))
	}
}
