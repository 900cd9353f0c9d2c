package jobs

import (
	"context"
	"log"
	"time"

	"studypulse/server/internal/attendance"
	"studypulse/server/internal/config"
)

// StartAttendanceLockJob periodically stamps attendance records whose edit
// window has passed as locked. The save path refuses stale writes on its own;
// the sweep just makes the lock visible to readers promptly.
func StartAttendanceLockJob(ctx context.Context, cfg config.Config, svc *attendance.Service) {
	if !cfg.LockSweepEnabled {
		return
	}
	interval := cfg.LockSweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	timeout := cfg.LockSweepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				locked, err := svc.LockExpired(tickCtx, time.Now())
				cancel()
				if err != nil {
					log.Printf("attendance lock job error: %v", err)
					continue
				}
				if locked > 0 {
					log.Printf("attendance lock job locked %d records", locked)
				}
			}
		}
	}()
}
