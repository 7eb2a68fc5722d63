package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/admission"
	"github.com/JakeFAU/listing-archiver/internal/clock/system"
	"github.com/JakeFAU/listing-archiver/internal/config"
	"github.com/JakeFAU/listing-archiver/internal/lock"
	"github.com/JakeFAU/listing-archiver/internal/queue"
	"github.com/JakeFAU/listing-archiver/internal/state"
	"github.com/JakeFAU/listing-archiver/internal/tenant"
)

// Reset performs the administrative reset against the configured Redis
// without starting the server. Sessions held by a running process are not
// touched.
func Reset(ctx context.Context, cfg config.Config, logger *zap.Logger) (admission.ResetReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := state.NewClient(ctx, stateConfig(cfg))
	if err != nil {
		return admission.ResetReport{}, fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}()

	ctrl := admission.New(
		lock.New(client, cfg.LockTTL(), system.New()),
		queue.NewManager(client, cfg.Queue.Capacity),
		tenant.NewPool(client),
		tenant.NewLimits(cfg.Tenants.DefaultCrawlerLimit, cfg.Tenants.Limits),
		nil,
		admission.Config{},
		logger,
	)
	return ctrl.Reset(ctx)
}
