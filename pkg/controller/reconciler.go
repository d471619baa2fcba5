package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zmedgyes/charon-proxy/pkg/api"
	"github.com/zmedgyes/charon-proxy/pkg/metrics"
	"github.com/zmedgyes/charon-proxy/pkg/registry"
)

// ErrPassInProgress is returned when a pass is requested while another is running
var ErrPassInProgress = errors.New("reconciliation pass already in progress")

const upstreamErrorKey = "upstream"

// DesiredStateResolver computes where each local port should forward
type DesiredStateResolver interface {
	Resolve(ctx context.Context) (map[int]api.DesiredTarget, error)
}

// Lifecycle starts and stops proxies, recording them in the registry
type Lifecycle interface {
	Start(ctx context.Context, localPort int, target api.Endpoint) (*registry.ActiveProxy, error)
	Stop(ctx context.Context, localPort int) error
}

// PassResult summarises one completed reconciliation pass
type PassResult struct {
	ID string
	OperationResult
	Operations int
	Duration   time.Duration
}

// Reconciler drives the registry towards the resolved desired state
type Reconciler struct {
	Resolver  DesiredStateResolver
	Lifecycle Lifecycle
	Registry  *registry.Registry
	Metrics   *metrics.Metrics

	rateLimiter *ErrorRateLimiter
	clock       clock.Clock
	busy        atomic.Bool
}

// NewReconciler creates a reconciler. A nil clk uses the wall clock.
func NewReconciler(resolver DesiredStateResolver, lifecycle Lifecycle, reg *registry.Registry, m *metrics.Metrics, clk clock.Clock) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	return &Reconciler{
		Resolver:    resolver,
		Lifecycle:   lifecycle,
		Registry:    reg,
		Metrics:     m,
		rateLimiter: NewErrorRateLimiterWithClock(clk),
		clock:       clk,
	}
}

// Close releases the reconciler's background resources
func (r *Reconciler) Close() {
	r.rateLimiter.Stop()
}

// Reconcile runs a single pass. A pass that cannot resolve desired state
// returns the error and leaves the registry untouched. Per-port failures do
// not fail the pass; they are collected in the result.
func (r *Reconciler) Reconcile(ctx context.Context) (*PassResult, error) {
	if !r.busy.CompareAndSwap(false, true) {
		r.Metrics.ObservePass(metrics.PassSkipped, 0)
		return nil, ErrPassInProgress
	}
	defer r.busy.Store(false)

	passID := uuid.NewString()
	logger := ctrllog.FromContext(ctx).WithValues("component", "reconciler", "pass_id", passID)
	ctx = ctrllog.IntoContext(ctx, logger)
	startTime := r.clock.Now()

	desired, err := r.Resolver.Resolve(ctx)
	if err != nil {
		if shouldLog, reason := r.rateLimiter.ShouldLogError(upstreamErrorKey, err); shouldLog {
			logger.Error(err, "Aborting pass, desired state unavailable")
		} else {
			logger.V(1).Info("Aborting pass, desired state unavailable", "suppressed", reason)
		}
		r.Metrics.ObservePass(metrics.PassUpstreamError, r.clock.Since(startTime))
		return nil, fmt.Errorf("failed to resolve desired state: %w", err)
	}
	r.rateLimiter.Reset(upstreamErrorKey)

	operations := CalculateDelta(desired, r.Registry.Targets())
	result := r.executeOperations(ctx, operations)

	pass := &PassResult{
		ID:              passID,
		OperationResult: result,
		Operations:      len(operations),
		Duration:        r.clock.Since(startTime),
	}

	outcome := metrics.PassSucceeded
	if result.HasFailures() {
		outcome = metrics.PassPartial
	}
	r.Metrics.ObservePass(outcome, pass.Duration)

	if len(operations) == 0 {
		logger.V(1).Info("No changes needed", "active", r.Registry.Len())
	} else {
		logger.Info("Reconciliation pass completed",
			"added", len(result.Added),
			"removed", len(result.Removed),
			"failed", len(result.Failed),
			"active", r.Registry.Len(),
			"duration", pass.Duration.String())
	}

	return pass, nil
}

// executeOperations applies operations in order. A failed operation is
// recorded and the rest still run.
func (r *Reconciler) executeOperations(ctx context.Context, operations []PortOperation) OperationResult {
	logger := ctrllog.FromContext(ctx)
	result := OperationResult{}

	for _, op := range operations {
		var err error
		switch op.Type {
		case OpRemove:
			err = r.Lifecycle.Stop(ctx, op.LocalPort)
		case OpAdd:
			_, err = r.Lifecycle.Start(ctx, op.LocalPort, op.Target)
		default:
			err = fmt.Errorf("unknown operation type: %s", op.Type)
		}
		r.Metrics.ObserveOperation(string(op.Type), err)

		key := fmt.Sprintf("%s/%d", op.Type, op.LocalPort)
		if err != nil {
			wrapped := fmt.Errorf("%s: %w", op, err)
			result.Failed = append(result.Failed, wrapped)
			if shouldLog, reason := r.rateLimiter.ShouldLogError(key, err); shouldLog {
				logger.Error(err, "Operation failed", "operation", op.String())
			} else {
				logger.V(1).Info("Operation failed", "operation", op.String(), "suppressed", reason)
			}
			continue
		}
		r.rateLimiter.Reset(key)

		logger.Info("Operation applied", "operation", op.String())
		switch op.Type {
		case OpAdd:
			result.Added = append(result.Added, op.LocalPort)
		case OpRemove:
			result.Removed = append(result.Removed, op.LocalPort)
		}
	}

	return result
}
