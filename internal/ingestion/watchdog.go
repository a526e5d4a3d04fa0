package ingestion

import (
	"context"
	"time"

	"github.com/vaidashi/failure-recovery/internal/health"
	"github.com/vaidashi/failure-recovery/internal/metrics"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

// Loop is a restartable receive loop
type Loop interface {
	Start() error
	Stop() error
}

// WatchdogConfig configures a Watchdog
type WatchdogConfig struct {
	// Component names the loop in health reports
	Component string
	// Cooldown is the wait between a stop and the next start attempt
	Cooldown time.Duration
	// OnRestart is called before each restart attempt
	OnRestart func()
}

// Watchdog keeps a receive loop running, restarting it after critical errors
type Watchdog struct {
	loop      Loop
	reporter  health.Reporter
	component string
	cooldown  time.Duration
	onRestart func()
	critical  chan error
	logger    logger.Logger
}

// NewWatchdog creates a watchdog for loop
func NewWatchdog(loop Loop, reporter health.Reporter, cfg WatchdogConfig, logger logger.Logger) *Watchdog {
	return &Watchdog{
		loop:      loop,
		reporter:  reporter,
		component: cfg.Component,
		cooldown:  cfg.Cooldown,
		onRestart: cfg.OnRestart,
		critical:  make(chan error, 1),
		logger:    logger,
	}
}

// RaiseCritical asks the watchdog to stop and restart the loop; it never blocks
func (w *Watchdog) RaiseCritical(err error) {
	select {
	case w.critical <- err:
	default:
	}
}

// Run starts the loop and supervises it until ctx is cancelled
func (w *Watchdog) Run(ctx context.Context) error {
	for {
		if err := w.loop.Start(); err != nil {
			w.logger.Error("Failed to start receive loop", "component", w.component, "error", err)
			w.reporter.ReportError(w.component, err)

			if !w.wait(ctx) {
				return nil
			}
			w.restarting()
			continue
		}

		w.reporter.Clear(w.component)
		w.logger.Info("Receive loop running", "component", w.component)

		select {
		case <-ctx.Done():
			if err := w.loop.Stop(); err != nil {
				w.logger.Warn("Error stopping receive loop", "component", w.component, "error", err)
			}
			return nil
		case err := <-w.critical:
			w.logger.Error("Critical error, stopping receive loop", "component", w.component, "error", err)
			w.reporter.ReportError(w.component, err)

			if stopErr := w.loop.Stop(); stopErr != nil {
				w.logger.Warn("Error stopping receive loop", "component", w.component, "error", stopErr)
			}

			if !w.wait(ctx) {
				return nil
			}
			w.restarting()
		}
	}
}

func (w *Watchdog) restarting() {
	metrics.IngestionRestarts.Inc()

	// errors raised by the stopped loop are stale
	select {
	case <-w.critical:
	default:
	}

	if w.onRestart != nil {
		w.onRestart()
	}
}

// wait sleeps for the cooldown, reporting false if ctx ends first
func (w *Watchdog) wait(ctx context.Context) bool {
	timer := time.NewTimer(w.cooldown)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
