package actuator

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "actuatord/pkg/logx"
)

// requeue sends a failed command back to the queue with its priority bumped by
// one (capped at MaxPriority), then pauses the dispatcher for RetryDelay. It
// reports false when the retry budget is spent.
func (c *Channel) requeue(ctx context.Context, cmd *Command, cause error) bool {
	c.mu.Lock()
	if cmd.Retries >= c.cfg.MaxRetries {
		c.mu.Unlock()
		return false
	}
	cmd.Retries++
	if cmd.Priority < c.cfg.MaxPriority {
		cmd.Priority++
	}
	cmd.State = StateRetrying
	c.executing = nil
	c.q.pushFront(cmd)
	delay := c.cfg.RetryDelay
	snap := *cmd
	c.mu.Unlock()

	c.log.Info("command requeued", logx.String("command", snap.Name), logx.Int("retry", snap.Retries), logx.Int("priority", snap.Priority), logx.Duration("delay", delay), logx.Err(cause))
	ev := commandEvent(c.name, snap)
	ev.Error = cause.Error()
	c.publish(EventRetrying, ev)

	sleepCtx(ctx, delay)
	return true
}

// errInterrupted wraps the last attempt error when Stop cuts an in-place retry
// wait short. The retry budget is not spent, so the command is not terminal.
var errInterrupted = errors.New("retry interrupted by stop")

// retryInPlace runs the command until it succeeds or the retry budget is spent.
// Each retry waits max(RetryDelay, remaining pacing delay); forced commands
// only wait RetryDelay. A stop during the wait returns errInterrupted.
func (c *Channel) retryInPlace(ctx context.Context, cmd *Command) error {
	for {
		err := c.attempt(cmd)
		if err == nil {
			return nil
		}

		c.mu.Lock()
		exhausted := cmd.Retries >= c.cfg.MaxRetries
		delay := c.cfg.RetryDelay
		if !cmd.Force {
			if d := c.pace.delay(time.Now()); d > delay {
				delay = d
			}
		}
		c.mu.Unlock()
		if exhausted {
			return err
		}

		c.log.Debug("retrying in place", logx.String("command", cmd.Name), logx.Int("attempt", cmd.Attempts), logx.Duration("delay", delay), logx.Err(err))
		if !sleepCtx(ctx, delay) {
			return fmt.Errorf("%w: %w", errInterrupted, err)
		}

		c.mu.Lock()
		cmd.Retries++
		cmd.State = StateRetrying
		snap := *cmd
		c.mu.Unlock()

		ev := commandEvent(c.name, snap)
		ev.Error = err.Error()
		c.publish(EventRetrying, ev)
	}
}

// shelve puts a command whose retry was interrupted back at the front of the
// queue. It is neither recorded in history nor counted against health, the
// same as a requeued command left behind by Stop.
func (c *Channel) shelve(cmd *Command, cause error) {
	c.mu.Lock()
	cmd.State = StateRetrying
	c.executing = nil
	c.q.pushFront(cmd)
	snap := *cmd
	c.mu.Unlock()

	c.log.Info("retry interrupted by stop; command left queued", logx.String("command", snap.Name), logx.String("id", snap.ID), logx.Int("attempts", snap.Attempts), logx.Err(cause))
}
