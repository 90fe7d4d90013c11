package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actuatord/internal/actuator"
	"actuatord/internal/config"
	"actuatord/internal/storage"
	logx "actuatord/pkg/logx"
)

type notifyLog struct {
	mu     sync.Mutex
	states []string
}

func (n *notifyLog) notify(state string) error {
	n.mu.Lock()
	n.states = append(n.states, state)
	n.mu.Unlock()
	return nil
}

func (n *notifyLog) has(state string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.states {
		if s == state {
			return true
		}
	}
	return false
}

const baseConfig = `
logging:
  level: error
defaults:
  min_interval: 10ms
  max_retries: 1
  retry_delay: 10ms
channels:
  eyes: {}
  neck:
    min_interval: 20ms
driver:
  kind: sim
  latency: 1ms
routines:
  items:
    - name: blink
      channel: eyes
      command: blink
      schedule: 1h
api:
  enabled: true
  addr: 127.0.0.1:0
storage:
  driver: file
  path: STORE
`

const reloadedConfig = `
logging:
  level: error
defaults:
  min_interval: 10ms
  max_retries: 1
  retry_delay: 10ms
channels:
  eyes:
    min_interval: 40ms
  arm: {}
driver:
  kind: sim
  latency: 1ms
routines:
  items:
    - name: wave
      channel: arm
      command: wave
      schedule: 1h
api:
  enabled: true
  addr: 127.0.0.1:0
storage:
  driver: file
  path: STORE
`

func writeConfig(t *testing.T, path, body, store string) {
	t.Helper()
	body = strings.Replace(body, "STORE", store, 1)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestAppLifecycleAndReload(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "actuatord.yaml")
	storePath := filepath.Join(dir, "data", "outcomes.db")
	writeConfig(t, cfgPath, baseConfig, storePath)

	n := &notifyLog{}
	a, err := NewApp(cfgPath, WithVersion("test"), WithNotifier(n.notify))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	assert.True(t, n.has(daemon.SdNotifyReady))
	assert.ElementsMatch(t, []string{"eyes", "neck"}, a.Registry().Names())

	resp, err := http.Get("http://" + a.APIAddr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	eyes, err := a.Registry().Get("eyes")
	require.NoError(t, err)
	require.True(t, eyes.Submit("blink", 1, false))
	require.Eventually(t, func() bool { return eyes.Stats().Successes == 1 }, 2*time.Second, 10*time.Millisecond)

	writeConfig(t, cfgPath, reloadedConfig, storePath)
	require.NoError(t, a.Reload(context.Background()))

	require.Eventually(t, func() bool {
		_, err := a.Registry().Get("arm")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := a.Registry().Get("neck")
		return err != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 40*time.Millisecond, eyes.Stats().MinInterval)
	assert.True(t, n.has(daemon.SdNotifyReloading))

	arm, err := a.Registry().Get("arm")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return arm.Stats().Running }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, s := range a.routines.Status() {
			if s.Name == "wave" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	assert.True(t, n.has(daemon.SdNotifyStopping))
	assert.NoError(t, a.Err())

	st, err := storage.Open(storage.Config{Driver: "file", Path: storePath}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	outs, err := st.RecentOutcomes(context.Background(), "eyes", 10)
	require.NoError(t, err)
	require.NotEmpty(t, outs)
	assert.Equal(t, "blink", outs[0].Command)
}

func TestReloadRejectsRoutineForMissingChannel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "actuatord.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"logging":{"level":"error"},"channels":{"eyes":{}}}`), 0o644))

	a, err := NewApp(cfgPath, WithNotifier(func(string) error { return nil }))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	bad := `{"logging":{"level":"error"},"channels":{"eyes":{}},"routines":{"items":[{"name":"x","channel":"tail","command":"wag","schedule":"1h"}]}}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(bad), 0o644))
	assert.Error(t, a.Reload(context.Background()))
	assert.Equal(t, []string{"eyes"}, a.Registry().Names())
}

func TestStopBeforeStartReleasesResources(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"logging":{"level":"error"},"channels":{"eyes":{}}}`), 0o644))
	a, err := NewApp(cfgPath)
	require.NoError(t, err)
	assert.NoError(t, a.Stop(context.Background(), StopUnknown))
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed when the app never started")
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"channels":{}}`), 0o644))
	_, err := NewApp(cfgPath)
	assert.Error(t, err)
}

func TestMapChannelConfig(t *testing.T) {
	two := 2
	cfg := &config.Config{
		Defaults: config.ChannelConfig{MinInterval: "100ms", MaxRetries: &two, RetryDelay: "20ms"},
		Channels: map[string]config.ChannelConfig{
			"neck": {MinInterval: "1s", Policy: "immediate", FailureThreshold: 4},
		},
	}
	cc, err := mapChannelConfig(cfg, "neck")
	require.NoError(t, err)
	assert.Equal(t, "neck", cc.Name)
	assert.Equal(t, time.Second, cc.MinInterval)
	assert.Equal(t, 2, cc.MaxRetries)
	assert.Equal(t, 20*time.Millisecond, cc.RetryDelay)
	assert.Equal(t, actuator.PolicyImmediate, cc.Policy)
	assert.Equal(t, 4, cc.FailureThreshold)

	cfg.Channels["neck"] = config.ChannelConfig{Policy: "sometimes"}
	_, err = mapChannelConfig(cfg, "neck")
	assert.Error(t, err)
}

func TestBuildDriver(t *testing.T) {
	cfg := &config.Config{
		Channels: map[string]config.ChannelConfig{
			"eyes": {},
			"jaw":  {Driver: &config.DriverConfig{Kind: config.DriverWS, URL: "ws://127.0.0.1:1/bridge"}},
			"tail": {Driver: &config.DriverConfig{Kind: "serial"}},
		},
	}
	drv, closer, err := buildDriver(cfg, "eyes", logx.Nop())
	require.NoError(t, err)
	assert.NotNil(t, drv)
	assert.Nil(t, closer)

	drv, closer, err = buildDriver(cfg, "jaw", logx.Nop())
	require.NoError(t, err)
	assert.NotNil(t, drv)
	require.NotNil(t, closer)
	assert.NoError(t, closer.Close())

	_, _, err = buildDriver(cfg, "tail", logx.Nop())
	assert.Error(t, err)
}

func TestMapOptionalSections(t *testing.T) {
	cfg := &config.Config{}
	_, ok, err := mapStorageConfig(cfg)
	assert.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = mapAPIConfig(cfg)
	assert.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = mapMetricsConfig(cfg, "v1")
	assert.NoError(t, err)
	assert.False(t, ok)

	cfg.Storage = &config.StorageConfig{Driver: "SQLite", Path: " /tmp/a.db "}
	sc, ok, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "/tmp/a.db", sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	cfg.API = &config.APIConfig{Enabled: true, Addr: ":0"}
	ac, ok, err := mapAPIConfig(cfg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, ac.ReadTimeout)
	assert.Zero(t, ac.WriteTimeout)

	cfg.Metrics = &config.MetricsConfig{Enabled: true, OTLPEndpoint: "127.0.0.1:4317", Interval: "5s"}
	mc, ok, err := mapMetricsConfig(cfg, "v1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", mc.ServiceVersion)
	assert.Equal(t, 5*time.Second, mc.Interval)
}
