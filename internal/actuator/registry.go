package actuator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry holds the channels of one process, keyed by name.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: map[string]*Channel{}}
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Add registers ch. Names are case-insensitive and must be unique.
func (r *Registry) Add(ch *Channel) error {
	if ch == nil {
		return fmt.Errorf("nil channel")
	}
	k := key(ch.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[k]; ok {
		return fmt.Errorf("channel %q already registered", ch.Name())
	}
	r.channels[k] = ch
	return nil
}

// Remove unregisters and returns the channel; the caller stops it.
func (r *Registry) Remove(name string) (*Channel, bool) {
	k := key(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[k]
	if ok {
		delete(r.channels, k)
	}
	return ch, ok
}

func (r *Registry) Get(name string) (*Channel, error) {
	r.mu.RLock()
	ch, ok := r.channels[key(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return ch, nil
}

// Names returns registered channel names, sorted.
func (r *Registry) Names() []string {
	chs := r.Channels()
	out := make([]string, 0, len(chs))
	for _, ch := range chs {
		out = append(out, ch.Name())
	}
	return out
}

// Channels returns registered channels sorted by name.
func (r *Registry) Channels() []*Channel {
	r.mu.RLock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) Stats() []Stats {
	chs := r.Channels()
	out := make([]Stats, 0, len(chs))
	for _, ch := range chs {
		out = append(out, ch.Stats())
	}
	return out
}

func (r *Registry) StartAll(ctx context.Context) error {
	for _, ch := range r.Channels() {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", ch.Name(), err)
		}
	}
	return nil
}

// StopAll stops every channel concurrently and returns the first error.
// Each channel still gets its own bounded wait.
func (r *Registry) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, ch := range r.Channels() {
		g.Go(func() error {
			if err := ch.Stop(ctx); err != nil {
				return fmt.Errorf("stop %s: %w", ch.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
