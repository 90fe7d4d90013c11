// Package routine submits commands to channels on cron schedules.
//
// Routines keep the body alive between conversations: blinking, glancing or
// a forced resting pose that still reaches the hardware while a channel's
// circuit is open.
package routine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"actuatord/internal/actuator"
	"actuatord/internal/expression"
	logx "actuatord/pkg/logx"
)

// ErrUnknownRoutine is returned by Fire for a name that is not registered.
var ErrUnknownRoutine = errors.New("unknown routine")

// Routine is one scheduled submission. Exactly one of Command and Expression
// is set; Expression is an emotion label mapped through expression.CommandFor.
type Routine struct {
	Name       string
	Channel    string
	Command    string
	Expression string
	Schedule   string
	Priority   int
	Force      bool
}

func (r Routine) command() string {
	if r.Command != "" {
		return r.Command
	}
	return expression.CommandFor(r.Expression)
}

// Status reports a routine's schedule and trigger counters.
type Status struct {
	Name      string    `json:"name"`
	Channel   string    `json:"channel"`
	Command   string    `json:"command"`
	Schedule  string    `json:"schedule"`
	Next      time.Time `json:"next,omitempty"`
	Fired     uint64    `json:"fired"`
	Refused   uint64    `json:"refused"`
	LastError string    `json:"last_error,omitempty"`
}

type entry struct {
	def     Routine
	spec    string
	id      cron.EntryID
	fired   uint64
	refused uint64
	lastErr string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	reg    *actuator.Registry
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron

	entries []*entry
}

func New(reg *actuator.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log.With(logx.String("comp", "routine")),
		reg:    reg,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    time.Local,
	}
}

// NormalizeSchedule accepts a cron spec (5 or 6 fields), a descriptor such as
// "@hourly" or "@every 30s", or a bare Go duration meaning "@every".
func NormalizeSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("schedule is required")
	}
	if strings.HasPrefix(s, "cron:") {
		s = strings.TrimSpace(strings.TrimPrefix(s, "cron:"))
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Second {
			return "", fmt.Errorf("interval %s is below one second", d)
		}
		return "@every " + d.String(), nil
	}
	return s, nil
}

// Validate checks a routine without registering it.
func (s *Service) Validate(r Routine) (string, error) {
	if strings.TrimSpace(r.Name) == "" {
		return "", errors.New("routine name is required")
	}
	if (r.Command == "") == (r.Expression == "") {
		return "", fmt.Errorf("routine %q: exactly one of command and expression is required", r.Name)
	}
	if _, err := s.reg.Get(r.Channel); err != nil {
		return "", fmt.Errorf("routine %q: %w", r.Name, err)
	}
	spec, err := NormalizeSchedule(r.Schedule)
	if err != nil {
		return "", fmt.Errorf("routine %q: %w", r.Name, err)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("routine %q: bad schedule %q: %w", r.Name, r.Schedule, err)
	}
	return spec, nil
}

// Apply replaces every routine. Nothing changes if any routine is invalid.
// A running scheduler is restarted with the new set; counters of routines
// that keep their name survive.
func (s *Service) Apply(routines []Routine, timezone string) error {
	seen := map[string]bool{}
	next := make([]*entry, 0, len(routines))
	for _, r := range routines {
		spec, err := s.Validate(r)
		if err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate routine %q", r.Name)
		}
		seen[r.Name] = true
		next = append(next, &entry{def: r, spec: spec})
	}
	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("routine timezone: %w", err)
		}
		loc = l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old := map[string]*entry{}
	for _, e := range s.entries {
		old[e.def.Name] = e
	}
	for _, e := range next {
		if prev, ok := old[e.def.Name]; ok {
			e.fired, e.refused, e.lastErr = prev.fired, prev.refused, prev.lastErr
		}
	}
	s.entries = next
	s.loc = loc
	if s.c != nil {
		s.restartLocked()
	}
	s.log.Info("routines applied", logx.Int("count", len(next)), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.registerLocked()
	s.c.Start()
	s.log.Info("routines started", logx.Int("count", len(s.entries)))
}

// Stop halts scheduling and waits for running triggers or ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("routines stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fire triggers a routine once, outside its schedule.
func (s *Service) Fire(name string) error {
	s.mu.Lock()
	var e *entry
	for _, it := range s.entries {
		if it.def.Name == name {
			e = it
			break
		}
	}
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: %q", ErrUnknownRoutine, name)
	}
	return s.fire(e)
}

func (s *Service) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{
			Name:      e.def.Name,
			Channel:   e.def.Channel,
			Command:   e.def.command(),
			Schedule:  e.spec,
			Fired:     e.fired,
			Refused:   e.refused,
			LastError: e.lastErr,
		}
		if s.c != nil && e.id != 0 {
			st.Next = s.c.Entry(e.id).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) registerLocked() {
	for _, e := range s.entries {
		id, err := s.c.AddFunc(e.spec, func() { _ = s.fire(e) })
		if err != nil {
			// Validated in Apply; only reachable if the parser changed.
			s.log.Error("routine not scheduled", logx.String("routine", e.def.Name), logx.Err(err))
			continue
		}
		e.id = id
	}
}

// restartLocked does not wait for running triggers: they take s.mu.
func (s *Service) restartLocked() {
	s.c.Stop()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.registerLocked()
	s.c.Start()
}

func (s *Service) fire(e *entry) error {
	r := e.def
	cmdName := r.command()
	ch, err := s.reg.Get(r.Channel)
	if err == nil {
		_, err = ch.Enqueue(actuator.Request{
			Command:  cmdName,
			Priority: r.Priority,
			Force:    r.Force,
			Source:   "routine:" + r.Name,
		})
	}

	s.mu.Lock()
	e.fired++
	if err != nil {
		e.refused++
		e.lastErr = err.Error()
	} else {
		e.lastErr = ""
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.log.Debug("routine fired", logx.String("routine", r.Name), logx.String("command", cmdName))
	case actuator.IsRefusal(err):
		s.log.Warn("routine refused", logx.String("routine", r.Name), logx.String("channel", r.Channel), logx.Err(err))
	default:
		s.log.Error("routine failed", logx.String("routine", r.Name), logx.Err(err))
	}
	return err
}
