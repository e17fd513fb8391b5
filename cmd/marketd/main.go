package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"AgentMarket/internal/api"
	"AgentMarket/internal/config"
	"AgentMarket/internal/lifecycle"
	"AgentMarket/internal/observability/metrics"
	"AgentMarket/pkg/logger"
)

// main 是市场代理守护进程的入口，按配置以 client 或 tool 角色运行。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("marketd 运行失败: %v", err)
	}
}

// agentRunner 是两种角色状态机的公共部分。
type agentRunner interface {
	Run(ctx context.Context) error
	Cancel(ctx context.Context, jobID, reason string) error
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	log := logger.Named("marketd").With(slog.String("role", cfg.Agent.Role), slog.String("address", cfg.Agent.Address))
	m := metrics.New()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	bus, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn("关闭消息总线失败", slog.Any("error", err))
		}
	}()

	settle, err := openRail(ctx, cfg)
	if err != nil {
		return err
	}
	defer settle.Close()

	notifier := openNotifier(cfg)
	discoverer, err := openDiscoverer(cfg)
	if err != nil {
		return err
	}
	issues := openGitHub(cfg)
	codec, signingKey, err := openCodec(cfg)
	if err != nil {
		return err
	}

	deps := lifecycle.Deps{
		Store:    store,
		Bus:      bus,
		Codec:    codec,
		Rail:     settle.rail,
		Events:   notifier,
		Recorder: m,
	}

	var (
		runner    agentRunner
		requester api.Requester
	)
	switch cfg.Agent.Role {
	case config.RoleClient:
		client, err := newClient(cfg, deps, settle.wallet, signingKey, issues, discoverer)
		if err != nil {
			return err
		}
		runner, requester = client, client
		ensureFunds(ctx, cfg, settle, clientFundingTarget(cfg))
	default:
		tool, err := newTool(cfg, deps, settle.wallet, signingKey, issues)
		if err != nil {
			return err
		}
		runner = tool
	}

	retention := lifecycle.NewRetention(store, cfg.RetentionWindow(), cfg.Storage.RetentionInterval.Std(), m)
	server := api.NewServer(api.Options{
		Addr:      cfg.Server.Address,
		Role:      cfg.Agent.Role,
		Address:   cfg.Agent.Address,
		AuthToken: cfg.Server.AuthToken,
		Store:     store,
		Requester: requester,
		Canceller: runner,
		Registry:  discoverer,
		Metrics:   m,
	})

	log.Info("代理启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("transport", cfg.Transport.Driver),
		slog.String("payment", settle.rail.Name()),
		slog.String("codec", codec.Name()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return retention.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	err = g.Wait()
	if closeErr := notifier.Close(context.Background()); closeErr != nil {
		log.Warn("关闭事件通知失败", slog.Any("error", closeErr))
	}
	sent, failed, dropped := notifier.Stats()
	log.Info("代理已停止", slog.Int64("events_sent", sent), slog.Int64("events_failed", failed), slog.Int64("events_dropped", dropped))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
