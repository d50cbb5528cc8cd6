// ABOUTME: Bounded-wait start/stop state machine for the agent's background watch task
// ABOUTME: Stop is advisory and never joins indefinitely or touches the transport

package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Start while a task is running.
	ErrAlreadyRunning = errors.New("monitoring task already running")

	// ErrStopInProgress is returned while a Stop is waiting on the task.
	ErrStopInProgress = errors.New("monitoring task stop in progress")

	// ErrStaleTask is returned by Stop when the task outlived the timeout.
	// The task is abandoned, not killed.
	ErrStaleTask = errors.New("monitoring task did not stop in time")
)

// Defaults for Config fields left zero.
const (
	DefaultGrace        = 100 * time.Millisecond
	DefaultPollInterval = 50 * time.Millisecond
	DefaultTimeout      = 5 * time.Second
)

// State is the controller's lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	StopRequested
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case StopRequested:
		return "stop_requested"
	default:
		return "unknown"
	}
}

// Flag is the advisory stop signal a Task checks at its check points.
type Flag struct {
	requested atomic.Bool
}

// Requested reports whether the task has been asked to stop. A nil Flag
// is never requested.
func (f *Flag) Requested() bool {
	return f != nil && f.requested.Load()
}

func (f *Flag) set() {
	f.requested.Store(true)
}

// Task is a background job. It should return soon after stop.Requested()
// turns true or ctx is done.
type Task func(ctx context.Context, stop *Flag)

// Config configures a Controller.
type Config struct {
	// Grace is how long Stop waits before it starts polling.
	Grace time.Duration

	// PollInterval is the liveness check period during Stop.
	PollInterval time.Duration

	// Timeout bounds the whole Stop call.
	Timeout time.Duration

	Logger *slog.Logger
}

// Controller runs at most one Task at a time.
type Controller struct {
	grace   time.Duration
	poll    time.Duration
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	flag   *Flag
	cancel context.CancelFunc
	done   chan struct{}

	stale atomic.Int64
}

// New creates an idle Controller.
func New(cfg Config) *Controller {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		grace:   cfg.Grace,
		poll:    cfg.PollInterval,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With("component", "monitor"),
	}
}

// Start launches task in the background.
func (c *Controller) Start(task Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Running:
		return ErrAlreadyRunning
	case StopRequested:
		return ErrStopInProgress
	}

	ctx, cancel := context.WithCancel(context.Background())
	flag := &Flag{}
	done := make(chan struct{})

	c.state = Running
	c.flag = flag
	c.cancel = cancel
	c.done = done

	go c.run(ctx, task, flag, done)
	c.logger.Info("monitoring started")
	return nil
}

func (c *Controller) run(ctx context.Context, task Task, flag *Flag, done chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("monitoring task panicked", "panic", r)
		}
		close(done)

		// A task that finishes on its own returns the controller to Idle.
		c.mu.Lock()
		if c.done == done && c.state == Running {
			c.resetLocked()
		}
		c.mu.Unlock()
	}()
	task(ctx, flag)
}

// Stop asks the running task to stop and waits a bounded time for it.
// Stop on an idle controller is a no-op. When the task outlives the
// timeout it is abandoned, the controller returns to Idle, and
// ErrStaleTask is returned; Start may be called again immediately.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case Idle:
		c.mu.Unlock()
		return nil
	case StopRequested:
		c.mu.Unlock()
		return ErrStopInProgress
	}
	c.state = StopRequested
	c.flag.set()
	c.cancel()
	done := c.done
	c.mu.Unlock()

	stopped := c.wait(done)

	c.mu.Lock()
	if c.done == done {
		c.resetLocked()
	}
	c.mu.Unlock()

	if !stopped {
		n := c.stale.Add(1)
		c.logger.Warn("monitoring task still running after stop timeout, abandoning it",
			"timeout", c.timeout,
			"stale_tasks", n,
		)
		return ErrStaleTask
	}
	c.logger.Info("monitoring stopped")
	return nil
}

// wait sleeps the grace period, then polls done until the timeout.
func (c *Controller) wait(done <-chan struct{}) bool {
	deadline := time.Now().Add(c.timeout)

	time.Sleep(c.grace)

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return true
		default:
		}
		if !time.Now().Before(deadline) {
			return false
		}
		<-ticker.C
	}
}

// Restart stops the current task, if any, and starts task. A stale
// previous task does not prevent the new one from starting.
func (c *Controller) Restart(task Task) error {
	if err := c.Stop(); err != nil && !errors.Is(err, ErrStaleTask) {
		return err
	}
	return c.Start(task)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stale returns how many tasks were abandoned by Stop.
func (c *Controller) Stale() int64 {
	return c.stale.Load()
}

func (c *Controller) resetLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.state = Idle
	c.flag = nil
	c.cancel = nil
	c.done = nil
}
