package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention caps stored rows (sqlite only); 0 keeps everything.
	Retention int
}

// Outcome states besides the command states SUCCESS and FAILED.
const (
	StateRejected = "REJECTED"
	StateCleared  = "CLEARED"
)

// Outcome is one persisted command result. Keep it compact and schema-stable.
type Outcome struct {
	At       time.Time `json:"at"`
	Channel  string    `json:"channel"`
	ID       string    `json:"id,omitempty"`
	Command  string    `json:"command"`
	Source   string    `json:"source,omitempty"`
	Priority int       `json:"priority"`
	Forced   bool      `json:"forced,omitempty"`
	State    string    `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	Retries  int       `json:"retries"`
	TookMS   int64     `json:"took_ms"`
}

// Store is the persistence API used by the recorder and the control API.
type Store interface {
	AppendOutcome(ctx context.Context, o Outcome) error
	// RecentOutcomes returns up to limit outcomes, newest first. An empty
	// channel matches every channel.
	RecentOutcomes(ctx context.Context, channel string, limit int) ([]Outcome, error)
	Close() error
}
