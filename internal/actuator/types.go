package actuator

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a Command.
type State int

const (
	StatePending State = iota
	StateExecuting
	StateSuccess
	StateFailed
	StateRetrying
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateExecuting:
		return "EXECUTING"
	case StateSuccess:
		return "SUCCESS"
	case StateFailed:
		return "FAILED"
	case StateRetrying:
		return "RETRYING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == StateSuccess || s == StateFailed }

// Policy selects how a failed dispatch is retried.
type Policy int

const (
	// PolicyRequeue puts a failed command back in the queue with escalated
	// priority and pauses the dispatcher for RetryDelay.
	PolicyRequeue Policy = iota
	// PolicyImmediate retries the same call in place without returning to the queue.
	PolicyImmediate
)

func (p Policy) String() string {
	switch p {
	case PolicyRequeue:
		return "requeue"
	case PolicyImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// ParsePolicy parses "requeue" or "immediate" (case-insensitive). Empty means requeue.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "requeue", "queue":
		return PolicyRequeue, nil
	case "immediate", "inplace", "in_place":
		return PolicyImmediate, nil
	default:
		return PolicyRequeue, fmt.Errorf("unknown retry policy %q", s)
	}
}

// Circuit is the health monitor state of a channel.
type Circuit int

const (
	CircuitClosed Circuit = iota
	CircuitOpen
)

func (c Circuit) String() string {
	if c == CircuitOpen {
		return "OPEN"
	}
	return "CLOSED"
}

func (c Circuit) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Config parametrizes one channel. Every physical output gets its own Channel
// built from its own Config.
type Config struct {
	Name string

	// MinInterval is the minimum spacing between dispatch starts.
	MinInterval time.Duration

	// MaxRetries bounds retries per command (attempts = retries + 1).
	MaxRetries int
	RetryDelay time.Duration
	Policy     Policy

	// FailureThreshold is the number of consecutive terminal failures that
	// opens the circuit.
	FailureThreshold int

	MaxPriority int
	HistorySize int

	// DispatchTimeout bounds a single driver call through its context.
	// 0 leaves the call unbounded; the scheduler never abandons a call on its own.
	DispatchTimeout time.Duration

	// StopTimeout bounds how long Stop waits for the dispatcher when the
	// caller's context has no deadline.
	StopTimeout time.Duration
}

const (
	DefaultMaxPriority      = 5
	DefaultHistorySize      = 10
	DefaultFailureThreshold = 3
	DefaultStopTimeout      = 5 * time.Second
)

func (c Config) withDefaults() Config {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.Policy != PolicyRequeue && c.Policy != PolicyImmediate {
		c.Policy = PolicyRequeue
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.MaxPriority <= 0 {
		c.MaxPriority = DefaultMaxPriority
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.DispatchTimeout < 0 {
		c.DispatchTimeout = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Result is what a driver returns for a successful call. A nil *Result is a failure.
type Result struct {
	Command string        `json:"command"`
	Detail  string        `json:"detail,omitempty"`
	Took    time.Duration `json:"took,omitempty"`
}

// Driver executes a single actuator command synchronously.
//
// The scheduler treats the call as opaque: a non-nil result with a nil error is
// success, anything else is a failure. ctx is only canceled when DispatchTimeout
// is configured; stopping a channel never cancels an in-flight call.
type Driver interface {
	Execute(ctx context.Context, command string) (*Result, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, command string) (*Result, error)

func (f DriverFunc) Execute(ctx context.Context, command string) (*Result, error) {
	return f(ctx, command)
}

// Request is a submission to a channel.
type Request struct {
	Command  string
	Priority int
	// Force bypasses pacing and circuit rejection. Reserved for
	// safety-critical commands such as a resting pose.
	Force bool
	// Source names the producer (e.g. "skills", "expression", "api") for logs.
	Source string
}

// Command is a unit of work submitted to one channel. Values handed out by the
// channel are copies.
type Command struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Priority   int       `json:"priority"`
	Force      bool      `json:"force,omitempty"`
	Source     string    `json:"source,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	Retries    int       `json:"retries"`
	State      State     `json:"state"`

	// seq orders commands of equal priority; requeued commands get negative
	// values so they sort ahead of everything pending in their band.
	seq     int64
	started time.Time
}

// Record is an immutable terminal outcome kept in the execution history.
type Record struct {
	ID       string        `json:"id"`
	Channel  string        `json:"channel"`
	Command  string        `json:"command"`
	Priority int           `json:"priority"`
	Forced   bool          `json:"forced,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Retries  int           `json:"retries"`
	State    State         `json:"state"`
	Error    string        `json:"error,omitempty"`
}

// Stats is a point-in-time snapshot of a channel.
type Stats struct {
	Channel             string        `json:"channel"`
	Policy              Policy        `json:"policy"`
	Running             bool          `json:"running"`
	QueueDepth          int           `json:"queue_depth"`
	Executing           int           `json:"executing"`
	ExecutingCommand    string        `json:"executing_command,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	Circuit             Circuit       `json:"circuit"`
	CircuitOpen         bool          `json:"circuit_open"`
	MinInterval         time.Duration `json:"min_interval"`
	LastDispatch        time.Time     `json:"last_dispatch"`
	TotalHistory        uint64        `json:"total_history"`
	Successes           uint64        `json:"successes"`
	Failures            uint64        `json:"failures"`

	// Dropped counts queued commands discarded at dispatch because the
	// circuit was open. Submission refusals publish the same command.rejected
	// event but leave the channel untouched, so they are not counted here.
	Dropped uint64 `json:"dropped"`

	RecentHistory []Record `json:"recent_history"`
}
