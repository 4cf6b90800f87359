package job

import (
	"context"
	"time"

	"github.com/jesus-bazan-entel/apimovil/internal/config"
	"github.com/jesus-bazan-entel/apimovil/internal/logging"
)

// Watchdog periodically revives jobs whose dispatch died with work still
// queued, reconciles drifted progress counters, and force-deactivates jobs
// that have been active far beyond any plausible runtime.
type Watchdog struct {
	cfg         config.WatchdogConfig
	coordinator *Coordinator
	logger      *logging.Logger
}

// NewWatchdog creates a watchdog over the coordinator's jobs
func NewWatchdog(cfg config.WatchdogConfig, coordinator *Coordinator, logger *logging.Logger) *Watchdog {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Watchdog{
		cfg:         cfg,
		coordinator: coordinator,
		logger:      logger.WithField("component", "watchdog"),
	}
}

// Run blocks, sweeping until the context is cancelled
func (w *Watchdog) Run(ctx context.Context) {
	sweep := time.NewTicker(w.cfg.SweepInterval)
	defer sweep.Stop()
	force := time.NewTicker(w.cfg.ForceInterval)
	defer force.Stop()

	w.logger.WithFields(map[string]interface{}{
		"sweep_interval": w.cfg.SweepInterval.String(),
		"force_interval": w.cfg.ForceInterval.String(),
	}).Info("watchdog started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-sweep.C:
			w.sweepStalled(ctx)
		case <-force.C:
			w.forceDeactivate(ctx)
		}
	}
}

// sweepStalled looks at every active job: jobs with queued numbers but no
// running dispatch get a new dispatch pass; jobs with an empty queue but a
// trailing counter get their progress reconciled from the stored records.
func (w *Watchdog) sweepStalled(ctx context.Context) {
	jobs, err := w.coordinator.jobs.ListActive(ctx)
	if err != nil {
		w.logger.WithError(err).Error("failed to list active jobs")
		return
	}

	for _, job := range jobs {
		log := w.logger.WithFields(map[string]interface{}{
			"user": job.OwnerUser,
			"file": job.FileName,
		})

		pending, err := w.coordinator.PendingCount(ctx, job.OwnerUser, job.FileName)
		if err != nil {
			log.WithError(err).Warn("failed to read pending queue")
			continue
		}

		if pending == 0 {
			if job.ProgressCount < job.TotalCount {
				if _, err := w.coordinator.jobs.ResyncProgress(ctx, job.FileName, job.OwnerUser); err != nil {
					log.WithError(err).Warn("progress resync failed")
				} else {
					log.Info("reconciled drifted progress counter")
				}
			}
			continue
		}

		if !w.coordinator.registry.Busy(job.OwnerUser) {
			log.WithField("pending", pending).Info("reviving stalled job")
			w.coordinator.ScheduleDispatch(job.OwnerUser, job.FileName)
		}
	}
}

// forceDeactivate releases active jobs older than the cutoff. This is the
// coarse backstop for jobs the fine-grained sweep could not revive.
func (w *Watchdog) forceDeactivate(ctx context.Context) {
	cutoff := time.Now().Add(-w.cfg.StuckAfter)
	n, err := w.coordinator.jobs.DeactivateOlderThan(ctx, cutoff)
	if err != nil {
		w.logger.WithError(err).Error("forced deactivation sweep failed")
		return
	}
	if n > 0 {
		w.logger.WithField("released", n).Warn("force-deactivated long-stuck jobs")
	}
}
