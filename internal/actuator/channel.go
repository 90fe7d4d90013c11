package actuator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"actuatord/internal/eventbus"
	"actuatord/internal/runtime/supervisor"
	logx "actuatord/pkg/logx"
)

// Channel schedules commands onto one single-threaded actuator output.
//
// Submissions never block on pacing or execution; a single dispatcher
// goroutine drains the queue. Queue contents, the executing slot and health
// counters share one mutex that is never held across a driver call or a sleep.
type Channel struct {
	// name is set once in New and read without the lock.
	name string

	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	driver Driver

	q         commandQueue
	pace      pacer
	health    health
	hist      *history
	executing *Command
	dropped   uint64

	// wake has capacity 1: Enqueue never blocks and a pending signal is never lost.
	wake chan struct{}

	sup     *supervisor.Supervisor
	running bool
	closed  bool
}

type Option func(*Channel)

func WithLogger(log logx.Logger) Option { return func(c *Channel) { c.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(c *Channel) { c.bus = bus } }

// New builds a channel. A nil driver is allowed; submissions are then refused
// with ErrUnavailable until Bind is called.
func New(cfg Config, driver Driver, opts ...Option) *Channel {
	cfg = cfg.withDefaults()
	c := &Channel{
		name:   cfg.Name,
		cfg:    cfg,
		driver: driver,
		pace:   pacer{interval: cfg.MinInterval},
		health: health{threshold: cfg.FailureThreshold},
		hist:   newHistory(cfg.HistorySize),
		wake:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("channel", c.name))
	return c
}

func (c *Channel) Name() string { return c.name }

// Config returns the effective configuration.
func (c *Channel) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Bind swaps the driver. A nil driver makes the channel unavailable.
func (c *Channel) Bind(d Driver) {
	c.mu.Lock()
	c.driver = d
	c.mu.Unlock()
}

// Apply retunes pacing, retry and health knobs at runtime. The name is fixed
// for the life of the channel. A lowered threshold takes effect on the next
// terminal failure.
func (c *Channel) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	cfg.Name = c.name
	c.cfg = cfg
	c.pace.interval = cfg.MinInterval
	c.health.threshold = cfg.FailureThreshold
	c.hist.resize(cfg.HistorySize)
	c.mu.Unlock()

	c.log.Debug("channel config applied",
		logx.Duration("min_interval", cfg.MinInterval),
		logx.Int("max_retries", cfg.MaxRetries),
		logx.String("policy", cfg.Policy.String()),
		logx.Int("failure_threshold", cfg.FailureThreshold),
	)
}

// Start launches the dispatcher. It is idempotent; a stopped channel cannot be
// restarted.
func (c *Channel) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.sup = supervisor.New(ctx, supervisor.WithLogger(c.log))
	sup := c.sup
	cfg := c.cfg
	depth := c.q.Len()
	c.mu.Unlock()

	// The dispatcher only exits cleanly on cancellation; a panic restarts it.
	sup.GoRestart("dispatch."+c.name, c.run, supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	c.signal()

	c.log.Info("channel started",
		logx.String("policy", cfg.Policy.String()),
		logx.Duration("min_interval", cfg.MinInterval),
		logx.Int("max_retries", cfg.MaxRetries),
		logx.Int("failure_threshold", cfg.FailureThreshold),
		logx.Int("queued", depth),
	)
	return nil
}

// Stop asks the dispatcher to exit after its current iteration and waits for
// it. Without a deadline on ctx the wait is bounded by Config.StopTimeout.
//
// An in-flight driver call is never interrupted: if it does not return in time
// the dispatcher goroutine is abandoned and ErrStopTimeout is returned.
func (c *Channel) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.closed = true
	c.running = false
	sup := c.sup
	timeout := c.cfg.StopTimeout
	c.mu.Unlock()

	if sup == nil {
		return nil
	}
	sup.Cancel()

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	_ = sup.Wait(waitCtx)
	if waitCtx.Err() != nil {
		select {
		case <-sup.Done():
		default:
			c.log.Warn("channel stop timed out; dispatcher abandoned", logx.Duration("waited", time.Since(start)), logx.String("executing", c.executingName()))
			return ErrStopTimeout
		}
	}
	c.log.Info("channel stopped", logx.Duration("took", time.Since(start)), logx.Int("left_queued", c.QueueDepth()))
	return nil
}

// Submit enqueues a command and reports whether it was accepted.
func (c *Channel) Submit(command string, priority int, force bool) bool {
	_, err := c.Enqueue(Request{Command: command, Priority: priority, Force: force})
	return err == nil
}

// Enqueue is Submit with the reason for a refusal. Refusals leave the channel untouched.
func (c *Channel) Enqueue(req Request) (Command, error) {
	name := strings.TrimSpace(req.Command)
	if name == "" {
		return Command{}, ErrEmpty
	}
	now := time.Now()

	c.mu.Lock()
	var err error
	reason := ""
	switch {
	case c.closed:
		err, reason = ErrStopped, ReasonStopped
	case c.driver == nil:
		err, reason = ErrUnavailable, ReasonUnavailable
	case !req.Force && !c.health.healthy():
		err, reason = ErrCircuitOpen, ReasonCircuitOpen
	}
	if err != nil {
		c.mu.Unlock()
		c.log.Debug("command refused", logx.String("command", name), logx.String("reason", reason), logx.String("source", req.Source))
		c.publish(EventRejected, CommandEvent{Channel: c.name, Command: name, Source: req.Source, Priority: req.Priority, Forced: req.Force, State: StateFailed, Reason: reason})
		return Command{}, err
	}

	prio := req.Priority
	if prio < 0 {
		prio = 0
	}
	if prio > c.cfg.MaxPriority {
		prio = c.cfg.MaxPriority
	}
	cmd := &Command{
		ID:         uuid.NewString(),
		Name:       name,
		Priority:   prio,
		Force:      req.Force,
		Source:     req.Source,
		EnqueuedAt: now,
		State:      StatePending,
	}
	c.q.push(cmd)
	depth := c.q.Len()
	snap := *cmd
	c.mu.Unlock()

	c.signal()
	c.log.Debug("command queued", logx.String("command", name), logx.String("id", snap.ID), logx.Int("priority", prio), logx.Bool("force", req.Force), logx.Int("depth", depth))
	c.publish(EventQueued, commandEvent(c.name, snap))
	return snap, nil
}

// Healthy reports whether the circuit is closed.
func (c *Channel) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health.healthy()
}

// ResetHealth clears the failure streak and closes the circuit. Idempotent.
func (c *Channel) ResetHealth() {
	c.mu.Lock()
	closed := c.health.reset()
	c.mu.Unlock()

	if closed {
		c.log.Info("circuit closed by reset")
		c.publish(EventCircuitClosed, ChannelEvent{Channel: c.name, Circuit: CircuitClosed, Manual: true})
	}
}

// ClearQueue discards every pending and retrying command. The executing
// command is not affected. It returns the number discarded.
func (c *Channel) ClearQueue() int {
	c.mu.Lock()
	dropped := c.q.drain()
	c.mu.Unlock()

	for _, cmd := range dropped {
		c.publish(EventCleared, commandEvent(c.name, *cmd))
	}
	if len(dropped) > 0 {
		c.log.Info("queue cleared", logx.Int("dropped", len(dropped)))
	}
	return len(dropped)
}

// QueueDepth returns the number of pending commands.
func (c *Channel) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Len()
}

// Stats returns a snapshot; it only holds the lock for the copy.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Channel:             c.name,
		Policy:              c.cfg.Policy,
		Running:             c.running,
		QueueDepth:          c.q.Len(),
		ConsecutiveFailures: c.health.failures,
		FailureThreshold:    c.health.threshold,
		Circuit:             c.health.state,
		CircuitOpen:         c.health.state == CircuitOpen,
		MinInterval:         c.pace.interval,
		LastDispatch:        c.pace.last,
		TotalHistory:        c.hist.total,
		Successes:           c.hist.successes,
		Failures:            c.hist.failures,
		Dropped:             c.dropped,
		RecentHistory:       c.hist.recent(),
	}
	if c.executing != nil {
		st.Executing = 1
		st.ExecutingCommand = c.executing.Name
	}
	return st
}

func (c *Channel) executingName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.executing == nil {
		return ""
	}
	return c.executing.Name
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// sleepCtx waits d or until ctx is done. It reports whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// IsRefusal reports whether err is one of the submission refusals.
func IsRefusal(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrStopped)
}
