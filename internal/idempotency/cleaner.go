package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner runs Cleanup and EnforceBound on a fixed interval until
// stopped, mirroring the ticker-driven background maintenance loops
// used elsewhere in this codebase's job and session stores.
type Cleaner struct {
	store      Store
	interval   time.Duration
	maxRecords int
	logger     *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewCleaner builds a Cleaner; call Start to begin its loop.
func NewCleaner(store Store, interval time.Duration, maxRecords int, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		store:      store,
		interval:   interval,
		maxRecords: maxRecords,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the background loop. Safe to call once per Cleaner.
func (c *Cleaner) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop signals the loop to exit and blocks until it has.
func (c *Cleaner) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Cleaner) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cleaner) tick(ctx context.Context) {
	removed, err := c.store.Cleanup(ctx)
	if err != nil {
		c.logger.Error("idempotency cleanup failed", "error", err)
	} else if removed > 0 {
		c.logger.Debug("idempotency cleanup removed expired records", "count", removed)
	}

	if c.maxRecords <= 0 {
		return
	}
	evicted, err := c.store.EnforceBound(ctx, c.maxRecords)
	if err != nil {
		c.logger.Error("idempotency bound enforcement failed", "error", err)
	} else if evicted > 0 {
		c.logger.Debug("idempotency store evicted records over bound", "count", evicted, "bound", c.maxRecords)
	}
}
