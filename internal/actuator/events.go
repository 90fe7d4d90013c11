package actuator

import (
	"time"

	"actuatord/internal/eventbus"
)

// Event types published on the bus. Command events carry a CommandEvent,
// channel events carry a ChannelEvent.
const (
	EventQueued     = "command.queued"
	EventDispatched = "command.dispatched"
	EventRetrying   = "command.retrying"
	EventSucceeded  = "command.succeeded"
	EventFailed     = "command.failed"
	EventRejected   = "command.rejected"
	EventCleared    = "command.cleared"

	EventCircuitOpened = "channel.circuit_opened"
	EventCircuitClosed = "channel.circuit_closed"
)

// Rejection reasons carried in CommandEvent.Reason.
const (
	ReasonCircuitOpen = "circuit_open"
	ReasonUnavailable = "unavailable"
	ReasonStopped     = "stopped"
)

// CommandEvent describes one lifecycle step of a command.
type CommandEvent struct {
	Channel  string        `json:"channel"`
	ID       string        `json:"id"`
	Command  string        `json:"command"`
	Source   string        `json:"source,omitempty"`
	Priority int           `json:"priority"`
	Forced   bool          `json:"forced,omitempty"`
	Attempts int           `json:"attempts"`
	Retries  int           `json:"retries"`
	State    State         `json:"state"`
	Duration time.Duration `json:"duration,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// ChannelEvent reports a circuit transition.
type ChannelEvent struct {
	Channel             string  `json:"channel"`
	Circuit             Circuit `json:"circuit"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Manual              bool    `json:"manual,omitempty"`
}

func commandEvent(channel string, cmd Command) CommandEvent {
	return CommandEvent{
		Channel:  channel,
		ID:       cmd.ID,
		Command:  cmd.Name,
		Source:   cmd.Source,
		Priority: cmd.Priority,
		Forced:   cmd.Force,
		Attempts: cmd.Attempts,
		Retries:  cmd.Retries,
		State:    cmd.State,
	}
}

func (c *Channel) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
