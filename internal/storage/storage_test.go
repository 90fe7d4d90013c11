package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actuatord/internal/actuator"
	"actuatord/internal/eventbus"
	logx "actuatord/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, drv := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: drv, Path: filepath.Join(dir, drv, "actuatord.db")}, logx.Nop())
		require.NoError(t, err, drv)
		t.Cleanup(func() { _ = st.Close() })
		out[drv] = st
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err, "path is required")
}

func TestRecentOutcomes(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i := 0; i < 5; i++ {
				ch := "eyes"
				if i%2 == 1 {
					ch = "arm"
				}
				require.NoError(t, st.AppendOutcome(ctx, Outcome{
					At:       base.Add(time.Duration(i) * time.Second),
					Channel:  ch,
					Command:  fmt.Sprintf("cmd_%d", i),
					State:    "SUCCESS",
					Priority: i,
					Attempts: 1,
				}))
			}

			got, err := st.RecentOutcomes(ctx, "eyes", 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "cmd_4", got[0].Command)
			assert.Equal(t, "cmd_2", got[1].Command)
			assert.True(t, got[0].At.Equal(base.Add(4*time.Second)))

			all, err := st.RecentOutcomes(ctx, "", 10)
			require.NoError(t, err)
			assert.Len(t, all, 5)
			assert.Equal(t, "cmd_4", all[0].Command)

			none, err := st.RecentOutcomes(ctx, "eyes", 0)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestSQLiteRetention(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "o.db"), Retention: 10}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	s := st.(*sqliteStore)
	s.pruneEvery = 5

	ctx := context.Background()
	for i := 0; i < 25; i++ {
		require.NoError(t, st.AppendOutcome(ctx, Outcome{Channel: "eyes", Command: fmt.Sprintf("c%d", i), State: "SUCCESS"}))
	}
	got, err := st.RecentOutcomes(ctx, "", 100)
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assert.Equal(t, "c24", got[0].Command)
}

func TestRecorderPersistsTerminalEvents(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "o.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rec.Run(ctx)
	}()

	ch := actuator.New(actuator.Config{Name: "eyes", FailureThreshold: 10}, actuator.DriverFunc(func(_ context.Context, name string) (*actuator.Result, error) {
		if name == "eyes_fear" {
			return nil, fmt.Errorf("lid stuck")
		}
		return &actuator.Result{Command: name}, nil
	}), actuator.WithBus(bus))
	require.NoError(t, ch.Start(context.Background()))
	defer func() { _ = ch.Stop(context.Background()) }()

	require.True(t, ch.Submit("eyes_joy", 1, false))
	require.True(t, ch.Submit("eyes_fear", 1, false))

	require.Eventually(t, func() bool {
		got, _ := st.RecentOutcomes(context.Background(), "eyes", 10)
		return len(got) == 2
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	got, err := st.RecentOutcomes(context.Background(), "eyes", 10)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", got[0].State)
	assert.Contains(t, got[0].Error, "lid stuck")
	assert.Equal(t, "SUCCESS", got[1].State)
}

func TestOutcomeFromEvent(t *testing.T) {
	ev := eventbus.Event{Type: actuator.EventRejected, Time: time.Now(), Data: actuator.CommandEvent{
		Channel: "arm", Command: "wave", Reason: actuator.ReasonCircuitOpen, State: actuator.StateFailed,
	}}
	o, ok := OutcomeFromEvent(ev)
	require.True(t, ok)
	assert.Equal(t, StateRejected, o.State)
	assert.Equal(t, actuator.ReasonCircuitOpen, o.Reason)

	_, ok = OutcomeFromEvent(eventbus.Event{Type: actuator.EventFailed, Data: "nope"})
	assert.False(t, ok)
}
