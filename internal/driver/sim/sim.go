// Package sim is an in-process actuator driver for dry runs and tests.
//
// It sleeps for a configurable latency and fails a configurable fraction of
// calls. Failures can also be scripted per command.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"actuatord/internal/actuator"
	logx "actuatord/pkg/logx"
)

var ErrSimulated = errors.New("sim: simulated actuator fault")

type Config struct {
	Latency time.Duration
	// Jitter adds a uniform random [0, Jitter) to every call.
	Jitter time.Duration
	// FailureRate is the probability in [0, 1] that a call fails.
	FailureRate float64
	// Seed makes failures reproducible; 0 seeds from the clock.
	Seed int64
}

type Driver struct {
	name string
	log  logx.Logger

	mu     sync.Mutex
	cfg    Config
	rng    *rand.Rand
	script map[string]int

	calls    atomic.Uint64
	failures atomic.Uint64
}

func New(name string, cfg Config, log logx.Logger) *Driver {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{
		name:   name,
		log:    log.With(logx.String("comp", "sim"), logx.String("channel", name)),
		cfg:    clamp(cfg),
		rng:    rand.New(rand.NewSource(seed)),
		script: map[string]int{},
	}
}

func clamp(cfg Config) Config {
	if cfg.FailureRate < 0 {
		cfg.FailureRate = 0
	}
	if cfg.FailureRate > 1 {
		cfg.FailureRate = 1
	}
	if cfg.Latency < 0 {
		cfg.Latency = 0
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return cfg
}

// Apply changes latency and failure behaviour for later calls.
func (d *Driver) Apply(cfg Config) {
	d.mu.Lock()
	seed := d.cfg.Seed
	d.cfg = clamp(cfg)
	d.cfg.Seed = seed
	d.mu.Unlock()
}

// FailNext makes the next n calls of command fail.
func (d *Driver) FailNext(command string, n int) {
	d.mu.Lock()
	d.script[command] += n
	d.mu.Unlock()
}

func (d *Driver) Calls() uint64    { return d.calls.Load() }
func (d *Driver) Failures() uint64 { return d.failures.Load() }

func (d *Driver) Execute(ctx context.Context, command string) (*actuator.Result, error) {
	d.calls.Add(1)

	d.mu.Lock()
	wait := d.cfg.Latency
	if d.cfg.Jitter > 0 {
		wait += time.Duration(d.rng.Int63n(int64(d.cfg.Jitter)))
	}
	fail := d.cfg.FailureRate > 0 && d.rng.Float64() < d.cfg.FailureRate
	if d.script[command] > 0 {
		d.script[command]--
		fail = true
	}
	d.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if fail {
		d.failures.Add(1)
		d.log.Debug("simulated fault", logx.String("command", command))
		return nil, fmt.Errorf("%w: %s", ErrSimulated, command)
	}
	d.log.Trace("actuated", logx.String("command", command), logx.Duration("took", wait))
	return &actuator.Result{Command: command, Detail: "sim", Took: wait}, nil
}
