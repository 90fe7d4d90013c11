package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutByPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	cmds, unsubCmds := b.Subscribe(4, "command.")
	defer unsubCmds()

	b.Publish(Event{Type: "command.succeeded"})
	b.Publish(Event{Type: "channel.circuit_opened"})

	require.Len(t, all, 2)
	require.Len(t, cmds, 1)
	e := <-cmds
	assert.Equal(t, "command.succeeded", e.Type)
	assert.False(t, e.Time.IsZero())
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.NotPanics(t, func() { b.Publish(Event{Type: "after"}) })
}
