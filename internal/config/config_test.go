package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
defaults:
  min_interval: 200ms
  max_retries: 2
  retry_delay: 50ms
channels:
  eyes:
    max_priority: 5
  neck:
    min_interval: 1s
    max_retries: 0
    policy: immediate
    driver:
      kind: ws
      url: ws://127.0.0.1:9000/bridge
driver:
  kind: sim
  latency: 10ms
routines:
  timezone: UTC
  items:
    - name: blink
      channel: eyes
      expression: neutral
      schedule: 5s
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	p := writeFile(t, t.TempDir(), "actuatord.yaml", sampleYAML)
	m := NewConfigManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	eyes := cfg.Channel("eyes")
	assert.Equal(t, "200ms", eyes.MinInterval)
	require.NotNil(t, eyes.MaxRetries)
	assert.Equal(t, 2, *eyes.MaxRetries)
	assert.Equal(t, 5, eyes.MaxPriority)
	assert.Equal(t, DriverSim, cfg.DriverFor("eyes").Kind)

	neck := cfg.Channel("neck")
	assert.Equal(t, "1s", neck.MinInterval)
	require.NotNil(t, neck.MaxRetries)
	assert.Zero(t, *neck.MaxRetries, "explicit zero survives defaults")
	assert.Equal(t, "50ms", neck.RetryDelay)
	assert.Equal(t, DriverWS, cfg.DriverFor("neck").Kind)
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"channels":{"eyes":{}},"bogus":1}`))
	assert.Error(t, err)

	_, err = Decode("c.json", []byte(`{"channels":{"eyes":{}}}{}`))
	assert.Error(t, err)

	_, err = Decode("c.yml", []byte("channels:\n  eyes:\n    min_interval: 1s\n    colour: red\n"))
	assert.Error(t, err)

	cfg, err := Decode("c.json", []byte(`{"channels":{"eyes":{"policy":"requeue"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "requeue", cfg.Channels["eyes"].Policy)
}

func TestDecodeYAMLEdgeCases(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte("channels:\n  1:\n    min_interval: 1s\n"))
	require.NoError(t, err)
	assert.Equal(t, "1s", cfg.Channels["1"].MinInterval, "scalar keys become strings")

	cfg, err = Decode("c.yml", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Channels)

	_, err = Decode("/etc/actuatord/c.yaml", []byte("channels:\n  ? [a, b]\n  : {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c.yaml")

	_, err = Decode("c.yaml", []byte("channels: [\n"))
	assert.ErrorContains(t, err, "yaml")
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDurationField("defaults.retry_delay", " 250ms ")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = ParseDurationField("defaults.retry_delay", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("channels.eyes.min_interval", "soon")
	assert.ErrorContains(t, err, "channels.eyes.min_interval")
	_, err = ParseDurationField("channels.eyes.min_interval", "-1s")
	assert.ErrorContains(t, err, "negative")

	d, err = ParseDurationOrDefault("api.read_timeout", "", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)
	d, err = ParseDurationOrDefault("api.read_timeout", "0s", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)
	d, err = ParseDurationOrDefault("api.read_timeout", "3s", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)
}

func TestValidate(t *testing.T) {
	neg := -1
	base := func() *Config {
		return &Config{Channels: map[string]ChannelConfig{"eyes": {}}}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"minimal", func(*Config) {}, true},
		{"no channels", func(c *Config) { c.Channels = nil }, false},
		{"case clash", func(c *Config) { c.Channels["EYES"] = ChannelConfig{} }, false},
		{"bad duration", func(c *Config) { c.Channels["eyes"] = ChannelConfig{MinInterval: "soon"} }, false},
		{"negative retries", func(c *Config) { c.Defaults.MaxRetries = &neg }, false},
		{"bad policy", func(c *Config) { c.Channels["eyes"] = ChannelConfig{Policy: "maybe"} }, false},
		{"ws without url", func(c *Config) { c.Driver.Kind = DriverWS }, false},
		{"unknown driver", func(c *Config) { c.Driver.Kind = "serial" }, false},
		{"failure rate", func(c *Config) { c.Driver.FailureRate = 1.5 }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, false},
		{"routine unknown channel", func(c *Config) {
			c.Routines = &RoutinesConfig{Items: []RoutineConfig{{Name: "x", Channel: "tail", Command: "wag", Schedule: "@every 1s"}}}
		}, false},
		{"routine command and expression", func(c *Config) {
			c.Routines = &RoutinesConfig{Items: []RoutineConfig{{Name: "x", Channel: "eyes", Command: "a", Expression: "joy", Schedule: "@every 1s"}}}
		}, false},
		{"routine ok", func(c *Config) {
			c.Routines = &RoutinesConfig{Timezone: "UTC", Items: []RoutineConfig{{Name: "x", Channel: "Eyes", Command: "blink", Schedule: "@every 1s"}}}
		}, true},
		{"api without addr", func(c *Config) { c.API = &APIConfig{Enabled: true} }, false},
		{"api disabled without addr", func(c *Config) { c.API = &APIConfig{} }, true},
		{"storage without path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, false},
		{"metrics without endpoint", func(c *Config) { c.Metrics = &MetricsConfig{Enabled: true} }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.True(t, Summarize(oldCfg, newCfg).Empty())

	newCfg.Logging.Level = "info"
	newCfg.Defaults.MinInterval = "300ms"
	delete(newCfg.Channels, "neck")
	newCfg.Channels["jaw"] = ChannelConfig{}
	newCfg.API = &APIConfig{Enabled: true, Addr: ":8080", JWTSecret: "s3cret"}

	ch := Summarize(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "channels", "driver", "api"}, ch.Sections)
	assert.Equal(t, []string{"jaw"}, ch.Added)
	assert.Equal(t, []string{"neck"}, ch.Removed)
	assert.Equal(t, []string{"eyes"}, ch.Modified)
	assert.Equal(t, []string{"api"}, ch.RequiresRestart())
}

func TestReloadSkipsUnchangedAndRejectsInvalid(t *testing.T) {
	p := writeFile(t, t.TempDir(), "c.yaml", sampleYAML)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	_, err = m.Reload(context.Background())
	assert.ErrorIs(t, err, ErrUnchanged)

	writeFile(t, filepath.Dir(p), "c.yaml", "channels: {}\n")
	_, err = m.Reload(context.Background())
	assert.Error(t, err)
	assert.Len(t, m.Get().Channels, 2, "invalid config is not committed")

	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	writeFile(t, filepath.Dir(p), "c.yaml", "channels:\n  eyes: {}\n")
	_, err = m.Reload(context.Background())
	assert.EqualError(t, err, "nope")
	assert.Empty(t, sub)

	m.SetValidator(nil)
	cfg, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.Same(t, cfg, <-sub)
}

func TestWatchPublishesOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"channels":{"eyes":{}}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "c.json", `{"channels":{"eyes":{"min_interval":"1s"}}}`)

	select {
	case cfg := <-sub:
		assert.Equal(t, "1s", cfg.Channels["eyes"].MinInterval)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}

func TestPublishKeepsNewestForSlowSubscriber(t *testing.T) {
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-sub)

	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
}
