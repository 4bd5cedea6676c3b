package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"mcron/internal/runtime/supervisor"
	logx "mcron/pkg/logx"
)

// ExitSignaled is the process exit status after a watched signal.
const ExitSignaled = 1

// Watched lists the termination signals. They all lead to the same
// cleanup-and-exit sequence.
var Watched = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGQUIT,
	syscall.SIGHUP,
}

// State is the coordinator's lifecycle position. Transitions only move
// forward: Uninstalled -> Installed -> Terminating, or to Closed from
// either of the first two once the main flow is done with the engine.
type State int32

const (
	Uninstalled State = iota
	Installed
	Terminating
	Closed
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installed:
		return "installed"
	case Terminating:
		return "terminating"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Target is the embedded side of the termination sequence.
type Target interface {
	// Interrupt asks the embedded code to stop at its next safe point.
	// It must not block.
	Interrupt()
	// Cleanup removes the run-file. It runs once, after the main flow
	// has parked or the grace period has passed.
	Cleanup(ctx context.Context) error
}

type Option func(*Coordinator)

func WithLogger(log logx.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithSupervisor runs the signal watcher as a named supervised goroutine.
func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(c *Coordinator) { c.sup = sup }
}

// WithGrace sets how long the watcher waits for the main flow to park.
func WithGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithCleanupTimeout bounds Target.Cleanup.
func WithCleanupTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.cleanupTimeout = d
		}
	}
}

// WithExit replaces os.Exit. Tests use it to observe the exit status.
func WithExit(fn func(code int)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.exit = fn
		}
	}
}

// WithOnInstall runs fn once, right after the handlers are installed.
func WithOnInstall(fn func()) Option {
	return func(c *Coordinator) { c.onInstall = fn }
}

// WithOnTerminate runs fn at the start of the termination sequence.
func WithOnTerminate(fn func(sig os.Signal)) Option {
	return func(c *Coordinator) { c.onTerminate = fn }
}

// Coordinator owns the process's termination signal handling. The zero
// value is not usable; use New.
type Coordinator struct {
	log            logx.Logger
	sup            *supervisor.Supervisor
	target         Target
	grace          time.Duration
	cleanupTimeout time.Duration
	exit           func(code int)
	onInstall      func()
	onTerminate    func(sig os.Signal)

	// notify is signal.Notify outside of tests.
	notify func(c chan<- os.Signal, sig ...os.Signal)

	state    atomic.Int32
	ch       chan os.Signal
	parked   chan struct{}
	parkOnce sync.Once
	done     chan struct{}
}

func New(target Target, opts ...Option) *Coordinator {
	c := &Coordinator{
		target:         target,
		grace:          2 * time.Second,
		cleanupTimeout: 5 * time.Second,
		exit:           os.Exit,
		notify:         signal.Notify,
		parked:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

// Install subscribes to the watched signals and starts the watcher. Only
// the first call has an effect; every call reports success.
func (c *Coordinator) Install() bool {
	if !c.state.CompareAndSwap(int32(Uninstalled), int32(Installed)) {
		c.log.Debug("signal handlers already installed", logx.String("state", c.State().String()))
		return true
	}

	// Buffered so a signal that arrives while the watcher is scheduled
	// isn't dropped by os/signal's non-blocking send.
	c.ch = make(chan os.Signal, len(Watched))
	c.notify(c.ch, Watched...)

	if c.sup != nil {
		c.sup.Go0("signals.watch", c.watch)
	} else {
		go c.watch(context.Background())
	}

	c.log.Info("signal handlers installed", logx.Any("signals", signalNames(Watched)))
	if c.onInstall != nil {
		c.onInstall()
	}
	return true
}

func (c *Coordinator) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-c.ch:
			if !c.state.CompareAndSwap(int32(Installed), int32(Terminating)) {
				// Re-entrant delivery during cleanup, or a signal after
				// the engine returned, is ignored.
				c.log.Debug("signal ignored", logx.String("signal", sig.String()), logx.String("state", c.State().String()))
				continue
			}
			c.terminate(sig)
		}
	}
}

// terminate runs the one-shot cleanup-and-exit sequence.
func (c *Coordinator) terminate(sig os.Signal) {
	defer close(c.done)

	c.log.Warn("termination signal received", logx.String("signal", sig.String()))
	if c.onTerminate != nil {
		c.onTerminate(sig)
	}

	if c.target != nil {
		c.target.Interrupt()

		t := time.NewTimer(c.grace)
		select {
		case <-c.parked:
			t.Stop()
		case <-t.C:
			c.log.Warn("engine did not stop within grace period; cleaning up anyway", logx.Duration("grace", c.grace))
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cleanupTimeout)
		start := time.Now()
		if err := c.target.Cleanup(ctx); err != nil {
			c.log.Warn("run-file cleanup failed", logx.Err(err))
		} else {
			c.log.Debug("run-file cleanup done", logx.Duration("took", time.Since(start)))
		}
		cancel()
	}

	c.exit(ExitSignaled)
}

// Close marks the main flow as finished so later signals are dropped. It
// returns false when termination has already started; the caller must
// then Park.
func (c *Coordinator) Close() bool {
	for {
		switch st := c.State(); st {
		case Uninstalled, Installed:
			if c.state.CompareAndSwap(int32(st), int32(Closed)) {
				return true
			}
		case Closed:
			return true
		default:
			return false
		}
	}
}

// Park is called from the main flow once it has stopped running embedded
// code during termination. It blocks until the process exits; it only
// returns when the exit function returned (tests).
func (c *Coordinator) Park() {
	c.parkOnce.Do(func() { close(c.parked) })
	<-c.done
}

func signalNames(sigs []os.Signal) []string {
	out := make([]string, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, s.String())
	}
	return out
}
