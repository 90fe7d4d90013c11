package storage

import (
	"context"
	"time"

	"actuatord/internal/actuator"
	"actuatord/internal/eventbus"
	logx "actuatord/pkg/logx"
)

const writeTimeout = 2 * time.Second

// Recorder persists terminal command events. It subscribes on construction so
// no event published after NewRecorder returns is missed.
type Recorder struct {
	store  Store
	log    logx.Logger
	events <-chan eventbus.Event
	unsub  func()
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(256,
		actuator.EventSucceeded,
		actuator.EventFailed,
		actuator.EventRejected,
		actuator.EventCleared,
	)
	return &Recorder{store: store, log: log.With(logx.String("comp", "recorder")), events: ch, unsub: unsub}
}

// Run writes events until ctx is done, then flushes what is already buffered.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case ev, ok := <-r.events:
			if !ok {
				return nil
			}
			r.write(ev)
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.write(ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ev eventbus.Event) {
	o, ok := OutcomeFromEvent(ev)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.AppendOutcome(ctx, o); err != nil {
		r.log.Warn("outcome not persisted", logx.String("channel", o.Channel), logx.String("command", o.Command), logx.Err(err))
	}
}

// OutcomeFromEvent converts a command event into an Outcome.
func OutcomeFromEvent(ev eventbus.Event) (Outcome, bool) {
	ce, ok := ev.Data.(actuator.CommandEvent)
	if !ok {
		return Outcome{}, false
	}
	o := Outcome{
		At:       ev.Time,
		Channel:  ce.Channel,
		ID:       ce.ID,
		Command:  ce.Command,
		Source:   ce.Source,
		Priority: ce.Priority,
		Forced:   ce.Forced,
		State:    ce.State.String(),
		Reason:   ce.Reason,
		Error:    ce.Error,
		Attempts: ce.Attempts,
		Retries:  ce.Retries,
		TookMS:   ce.Duration.Milliseconds(),
	}
	switch ev.Type {
	case actuator.EventRejected:
		o.State = StateRejected
	case actuator.EventCleared:
		o.State = StateCleared
	}
	return o, true
}
