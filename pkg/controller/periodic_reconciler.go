package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zmedgyes/charon-proxy/pkg/config"
	"github.com/zmedgyes/charon-proxy/pkg/metrics"
)

// PeriodicReconciler runs reconciliation passes on a fixed interval, plus
// one immediately on start and one per Trigger. Passes never overlap: ticks
// that arrive while a pass is running are dropped and counted.
type PeriodicReconciler struct {
	reconciler *Reconciler
	interval   time.Duration
	clock      clock.Clock

	triggerCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	started   atomic.Bool
	done      chan struct{}

	skipped atomic.Int64
}

// NewPeriodicReconciler creates a scheduler for reconciler. A nil clk uses
// the wall clock.
func NewPeriodicReconciler(reconciler *Reconciler, interval time.Duration, clk clock.Clock) *PeriodicReconciler {
	if clk == nil {
		clk = clock.New()
	}
	if interval < config.MinSyncInterval {
		interval = config.MinSyncInterval
	}
	return &PeriodicReconciler{
		reconciler: reconciler,
		interval:   interval,
		clock:      clk,
		triggerCh:  make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the loop until ctx is cancelled or Stop is called
func (p *PeriodicReconciler) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("periodic reconciler already started")
	}
	defer close(p.done)

	logger := ctrllog.FromContext(ctx).WithValues("component", "periodic-reconciler")
	logger.Info("Starting periodic reconciler", "interval", p.interval.String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	logger.Info("Performing initial reconciliation on startup")
	p.runPass(ctx, ticker, "initial")

	for {
		select {
		case <-p.stopCh:
			logger.Info("Periodic reconciler stopped via stop channel")
			return nil
		case <-ctx.Done():
			select {
			case <-p.stopCh:
				logger.Info("Periodic reconciler stopped via stop channel")
				return nil
			default:
			}
			logger.Info("Periodic reconciler stopped due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
			p.runPass(ctx, ticker, "tick")
		case <-p.triggerCh:
			p.runPass(ctx, ticker, "trigger")
		}
	}
}

// Trigger requests a pass as soon as the current one (if any) finishes.
// At most one request is queued; it returns false if one already was.
func (p *PeriodicReconciler) Trigger() bool {
	select {
	case p.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// Stop cancels any running pass and waits for the loop to exit. Safe to
// call more than once.
func (p *PeriodicReconciler) Stop() error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	if p.started.Load() {
		<-p.done
	}
	return nil
}

// Skipped returns how many ticks were dropped because a pass was running
func (p *PeriodicReconciler) Skipped() int64 {
	return p.skipped.Load()
}

func (p *PeriodicReconciler) runPass(ctx context.Context, ticker *clock.Ticker, trigger string) {
	logger := ctrllog.FromContext(ctx).WithValues("component", "periodic-reconciler", "trigger", trigger)

	_, err := p.reconciler.Reconcile(ctx)
	switch {
	case errors.Is(err, ErrPassInProgress):
		p.skipped.Add(1)
		logger.V(1).Info("Skipping pass, another pass is running")
	case err != nil:
		logger.V(1).Info("Pass aborted", "error", err.Error())
	}

	// Ticks that fired while the pass ran are dropped rather than replayed
	for {
		select {
		case <-ticker.C:
			p.skipped.Add(1)
			p.reconciler.Metrics.ObservePass(metrics.PassSkipped, 0)
			logger.V(1).Info("Skipped tick that arrived during a pass")
		default:
			return
		}
	}
}
