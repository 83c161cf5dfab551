// Package jobs runs the periodic sweeps of the notification service: due
// scheduled messages, automatic retries and delivery status polling.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/notifywise/services/notification-service/internal/gateway"
)

type Dispatcher interface {
	SendDueBatch(ctx context.Context, limit int) (int, error)
	RetryBatch(ctx context.Context, baseDelay time.Duration, limit int) (int, error)
	PollReceipts(ctx context.Context, checker gateway.StatusChecker, window time.Duration, limit int) (int, error)
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
	// RetryBackoff is the wait before the first automatic retry; it doubles
	// with each retry. Zero disables automatic retries.
	RetryBackoff time.Duration
	// StatusWindow bounds how long after sending a message is polled.
	StatusWindow time.Duration
}

type Worker struct {
	dispatcher Dispatcher
	checker    gateway.StatusChecker
	logger     *slog.Logger
	cfg        WorkerConfig
}

// NewWorker builds a worker. checker may be nil, which disables status
// polling.
func NewWorker(dispatcher Dispatcher, checker gateway.StatusChecker, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.StatusWindow <= 0 {
		cfg.StatusWindow = 24 * time.Hour
	}
	return &Worker{dispatcher: dispatcher, checker: checker, logger: logger, cfg: cfg}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pass of every sweep. Errors are logged.
func (w *Worker) RunOnce(ctx context.Context) {
	if n, err := w.dispatcher.SendDueBatch(ctx, w.cfg.BatchSize); err != nil {
		w.logger.Error("due message sweep failed", "err", err)
	} else if n > 0 {
		w.logger.Info("due messages sent", "count", n)
	}

	if w.cfg.RetryBackoff > 0 {
		if n, err := w.dispatcher.RetryBatch(ctx, w.cfg.RetryBackoff, w.cfg.BatchSize); err != nil {
			w.logger.Error("retry sweep failed", "err", err)
		} else if n > 0 {
			w.logger.Info("failed messages retried", "count", n)
		}
	}

	if w.checker != nil {
		if n, err := w.dispatcher.PollReceipts(ctx, w.checker, w.cfg.StatusWindow, w.cfg.BatchSize); err != nil {
			w.logger.Error("status poll failed", "err", err)
		} else if n > 0 {
			w.logger.Info("delivery receipts applied", "count", n)
		}
	}
}
