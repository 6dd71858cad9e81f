// Package sweep runs the periodic credit-expiry pass. Expired purchase and
// bonus lots are also converted lazily on balance reads; the sweep only bounds
// how stale an untouched balance can get.
package sweep

import (
	"context"
	"time"

	"github.com/agencyos/metering/internal/config"
	creditdomain "github.com/agencyos/metering/internal/credit/domain"
	obsmetrics "github.com/agencyos/metering/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Config    config.Config
	CreditSvc creditdomain.Service
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Worker struct {
	log      *zap.Logger
	credits  creditdomain.Service
	metrics  *obsmetrics.Metrics
	interval time.Duration
	batch    int
}

func New(p Params) *Worker {
	return &Worker{
		log:      p.Log.Named("credit.sweep"),
		credits:  p.CreditSvc,
		metrics:  p.Metrics,
		interval: p.Config.Credit.SweepInterval,
		batch:    p.Config.Credit.SweepBatch,
	}
}

// Register starts the sweep loop on application start. A zero interval
// disables the worker.
func Register(lc fx.Lifecycle, p Params) {
	w := New(p)
	if w.interval <= 0 {
		w.log.Info("expiry sweep disabled")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go w.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("expiry sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce drains due lots in batches until a pass comes back empty.
func (w *Worker) RunOnce(ctx context.Context) error {
	total := 0
	for {
		expired, err := w.credits.ExpireDue(ctx, w.batch)
		if err != nil {
			return err
		}
		total += expired
		if expired < w.batch {
			break
		}
	}

	if total > 0 {
		if w.metrics != nil {
			w.metrics.RecordExpiredLots(ctx, total)
		}
		w.log.Info("expired credit lots", zap.Int("count", total))
	}
	return nil
}
