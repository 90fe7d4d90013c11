package actuator

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "actuatord/pkg/logx"
)

// run is the dispatcher loop. It returns nil once ctx is canceled.
func (c *Channel) run(ctx context.Context) error {
	for {
		cmd := c.next(ctx)
		if cmd == nil {
			return nil
		}
		c.dispatch(ctx, cmd)
	}
}

// next blocks until the queue head may be dispatched or ctx is done. A
// non-forced head stays queued while the pacer holds it, so a forced command
// submitted meanwhile can overtake it and Stats keeps counting it.
func (c *Channel) next(ctx context.Context) *Command {
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.mu.Lock()
		head := c.q.peek()
		var wait time.Duration
		if head != nil && !head.Force {
			wait = c.pace.delay(time.Now())
		}
		if head != nil && wait <= 0 {
			cmd := c.q.pop()
			c.mu.Unlock()
			return cmd
		}
		c.mu.Unlock()

		if wait <= 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
			}
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-c.wake:
		case <-t.C:
		}
		t.Stop()
	}
}

func (c *Channel) dispatch(ctx context.Context, cmd *Command) {
	c.mu.Lock()
	if !cmd.Force && !c.health.healthy() {
		c.dropped++
		cmd.State = StateFailed
		snap := *cmd
		c.mu.Unlock()

		c.log.Warn("command dropped: circuit open", logx.String("command", snap.Name), logx.String("id", snap.ID))
		ev := commandEvent(c.name, snap)
		ev.Reason = ReasonCircuitOpen
		c.publish(EventRejected, ev)
		return
	}
	cmd.State = StateExecuting
	c.executing = cmd
	policy := c.cfg.Policy
	c.mu.Unlock()

	var err error
	if policy == PolicyImmediate {
		err = c.retryInPlace(ctx, cmd)
	} else {
		err = c.attempt(cmd)
	}
	if err == nil {
		c.succeed(cmd)
		return
	}
	if errors.Is(err, errInterrupted) {
		c.shelve(cmd, err)
		return
	}
	if policy == PolicyRequeue && c.requeue(ctx, cmd, err) {
		return
	}
	c.fail(cmd, err)
}

// attempt makes one driver call. Failures come back as *TransientError.
func (c *Channel) attempt(cmd *Command) error {
	now := time.Now()
	c.mu.Lock()
	c.pace.mark(now)
	if cmd.started.IsZero() {
		cmd.started = now
	}
	cmd.Attempts++
	cmd.State = StateExecuting
	snap := *cmd
	drv := c.driver
	timeout := c.cfg.DispatchTimeout
	c.mu.Unlock()

	c.log.Debug("dispatching", logx.String("command", snap.Name), logx.String("id", snap.ID), logx.Int("attempt", snap.Attempts), logx.Bool("force", snap.Force))
	c.publish(EventDispatched, commandEvent(c.name, snap))

	res, err := invoke(drv, snap.Name, timeout)
	if err == nil && res == nil {
		err = ErrNilResult
	}
	if err != nil {
		return &TransientError{Command: snap.Name, Attempt: snap.Attempts, Err: err}
	}
	return nil
}

// invoke calls the driver with a context that Stop never cancels. A panic is
// converted to an error.
func invoke(drv Driver, command string, timeout time.Duration) (res *Result, err error) {
	if drv == nil {
		return nil, ErrUnavailable
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("driver panic: %v", r)
		}
	}()
	return drv.Execute(ctx, command)
}

func (c *Channel) succeed(cmd *Command) {
	now := time.Now()
	c.mu.Lock()
	cmd.State = StateSuccess
	c.executing = nil
	closed := c.health.success()
	rec := c.record(cmd, now, "")
	c.hist.add(rec)
	c.mu.Unlock()

	c.log.Debug("command succeeded", logx.String("command", rec.Command), logx.Int("attempts", rec.Attempts), logx.Duration("took", rec.Duration))
	ev := commandEvent(c.name, *cmd)
	ev.Duration = rec.Duration
	c.publish(EventSucceeded, ev)
	if closed {
		c.log.Info("circuit closed by successful dispatch", logx.String("command", rec.Command))
		c.publish(EventCircuitClosed, ChannelEvent{Channel: c.name, Circuit: CircuitClosed})
	}
}

func (c *Channel) fail(cmd *Command, cause error) {
	now := time.Now()
	perr := &PersistentError{Command: cmd.Name, Attempts: cmd.Attempts, Err: cause}

	c.mu.Lock()
	cmd.State = StateFailed
	c.executing = nil
	opened := c.health.failure()
	failures := c.health.failures
	rec := c.record(cmd, now, perr.Error())
	c.hist.add(rec)
	c.mu.Unlock()

	c.log.Warn("command failed", logx.String("command", rec.Command), logx.Int("attempts", rec.Attempts), logx.Int("consecutive_failures", failures), logx.Err(cause))
	ev := commandEvent(c.name, *cmd)
	ev.Duration = rec.Duration
	ev.Error = rec.Error
	c.publish(EventFailed, ev)
	if opened {
		c.log.Error("circuit opened", logx.Int("consecutive_failures", failures))
		c.publish(EventCircuitOpened, ChannelEvent{Channel: c.name, Circuit: CircuitOpen, ConsecutiveFailures: failures})
	}
}

// record must be called with c.mu held.
func (c *Channel) record(cmd *Command, at time.Time, errText string) Record {
	var took time.Duration
	if !cmd.started.IsZero() {
		took = at.Sub(cmd.started)
	}
	return Record{
		ID:       cmd.ID,
		Channel:  c.name,
		Command:  cmd.Name,
		Priority: cmd.Priority,
		Forced:   cmd.Force,
		At:       at,
		Duration: took,
		Attempts: cmd.Attempts,
		Retries:  cmd.Retries,
		State:    cmd.State,
		Error:    errText,
	}
}
