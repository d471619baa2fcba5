// Package shutdown tears the process down in a fixed order, at most once,
// with a watchdog that forces exit if teardown hangs.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zmedgyes/charon-proxy/pkg/config"
	proxyerrors "github.com/zmedgyes/charon-proxy/pkg/errors"
)

// ExitCode is used both for graceful and watchdog-forced exits
const ExitCode = 0

// Step is one teardown action
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Options configures a Coordinator
type Options struct {
	// Timeout bounds the whole teardown before the watchdog fires
	Timeout time.Duration
	// Exit terminates the process; defaults to os.Exit
	Exit func(code int)
	// Clock drives the watchdog; defaults to the wall clock
	Clock clock.Clock
}

// Coordinator runs the registered steps in order on the first Shutdown call
type Coordinator struct {
	steps   []Step
	timeout time.Duration
	exit    func(code int)
	clock   clock.Clock

	once sync.Once
	done chan struct{}
	err  error
}

// New creates a coordinator running steps in the given order
func New(opts Options, steps ...Step) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultShutdownTimeout
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Coordinator{
		steps:   steps,
		timeout: opts.Timeout,
		exit:    opts.Exit,
		clock:   opts.Clock,
		done:    make(chan struct{}),
	}
}

// Shutdown runs every step once, in order. A failing step is logged and the
// following steps still run. Calls after the first return immediately.
func (c *Coordinator) Shutdown(ctx context.Context, reason string) error {
	first := false
	c.once.Do(func() {
		first = true
		c.err = c.run(ctx, reason)
		close(c.done)
	})
	if !first {
		ctrllog.FromContext(ctx).WithValues("component", "shutdown").
			V(1).Info("Shutdown already in progress, ignoring", "reason", reason)
		return nil
	}
	return c.err
}

// Done is closed once teardown has finished
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) run(ctx context.Context, reason string) error {
	logger := ctrllog.FromContext(ctx).WithValues("component", "shutdown")
	logger.Info("Shutting down", "reason", reason, "timeout", c.timeout.String())

	watchdog := c.clock.AfterFunc(c.timeout, func() {
		logger.Error(proxyerrors.NewShutdownTimeout(c.timeout), "Graceful shutdown did not finish, forcing exit")
		c.exit(ExitCode)
	})
	defer watchdog.Stop()

	stepCtx, cancel := c.clock.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	startTime := c.clock.Now()
	var errs error
	for _, step := range c.steps {
		if err := step.Run(stepCtx); err != nil {
			logger.Error(err, "Shutdown step failed", "step", step.Name)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", step.Name, err))
			continue
		}
		logger.V(1).Info("Shutdown step completed", "step", step.Name)
	}

	logger.Info("Shutdown complete", "duration", c.clock.Since(startTime).String(), "failed_steps", len(multierr.Errors(errs)))
	return errs
}

// Recover turns a panic in the calling goroutine into a shutdown. Use it
// with defer at the top of the control loop.
func (c *Coordinator) Recover(ctx context.Context) {
	if r := recover(); r != nil {
		ctrllog.FromContext(ctx).WithValues("component", "shutdown").
			Error(fmt.Errorf("panic: %v", r), "Control loop panicked")
		_ = c.Shutdown(ctx, "panic")
		c.exit(ExitCode)
	}
}

// Watch handles process signals until ctx ends or a termination signal
// completes the shutdown. SIGHUP calls reload.
func (c *Coordinator) Watch(ctx context.Context, signals <-chan os.Signal, reload func()) error {
	logger := ctrllog.FromContext(ctx).WithValues("component", "shutdown")
	for {
		select {
		case <-ctx.Done():
			return c.Shutdown(ctx, "context cancelled")
		case sig := <-signals:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP, requesting reconciliation")
				if reload != nil {
					reload()
				}
			default:
				return c.Shutdown(ctx, fmt.Sprintf("signal %s", sig))
			}
		}
	}
}
