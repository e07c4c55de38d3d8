package usage

import (
	"context"
	"log/slog"
	"time"
)

// Pruner deletes usage events past the retention window on a timer.
type Pruner struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPruner creates a pruner that keeps retentionDays of events and
// sweeps once a day.
func NewPruner(store Store, retentionDays int, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  24 * time.Hour,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the background sweep loop. Call Stop to shut down.
func (p *Pruner) Start() {
	go p.loop()
}

// Stop halts the loop and waits for it to exit.
func (p *Pruner) Stop() {
	close(p.stop)
	<-p.done
}

// RunOnce prunes immediately, returning how many events were deleted.
// Also the admin-triggered path.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("pruned usage events", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

func (p *Pruner) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Error("usage prune failed", "error", err)
			}
			cancel()
		}
	}
}
