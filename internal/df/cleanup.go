package df

import (
	"context"
	"time"

	"github.com/aiserve/masfed/internal/logging"
)

// RunCleanup runs Catalog.GC every period until ctx is cancelled, logging
// any jids it removes. This is the DF's own periodic sweeper (DF_CLEANUP_PERIOD).
func RunCleanup(ctx context.Context, cat *Catalog, period time.Duration, log *logging.Logger) {
	if period <= 0 {
		period = DefaultCleanupPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := cat.GC()
			if len(removed) > 0 && log != nil {
				log.Info("df gc removed", "jids", removed)
			}
		}
	}
}
