package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"AgentMarket/internal/job"
	"AgentMarket/pkg/logger"
)

const (
	DefaultRetentionWindow   = 30 * 24 * time.Hour
	DefaultRetentionInterval = 24 * time.Hour
)

// Retention 定期删除超过保留期的终态作业。
type Retention struct {
	store    job.Store
	window   time.Duration
	interval time.Duration
	recorder Recorder
	now      func() time.Time
	log      *slog.Logger
}

// NewRetention 创建清理任务，零值参数使用默认值。
func NewRetention(store job.Store, window, interval time.Duration, recorder Recorder) *Retention {
	if window <= 0 {
		window = DefaultRetentionWindow
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Retention{
		store:    store,
		window:   window,
		interval: interval,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.Named("retention"),
	}
}

// PurgeOnce 删除 updated_at 早于保留期的终态作业。
func (r *Retention) PurgeOnce(ctx context.Context) (int64, error) {
	before := r.now().Add(-r.window)
	removed, err := r.store.Purge(ctx, before, job.TerminalStatuses()...)
	if err != nil {
		r.log.Error("清理过期作业失败", slog.Any("error", err))
		return 0, err
	}
	r.recorder.ObservePurge(removed)
	if removed > 0 {
		r.log.Info("已清理过期作业", slog.Int64("removed", removed), slog.Time("before", before))
	}
	return removed, nil
}

// Run 启动时执行一次清理，之后按 interval 周期执行，直到 ctx 结束。
func (r *Retention) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		_, _ = r.PurgeOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
