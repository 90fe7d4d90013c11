package app

import (
	"fmt"
	"io"
	"strings"
	"time"

	"actuatord/internal/actuator"
	"actuatord/internal/api"
	"actuatord/internal/config"
	"actuatord/internal/driver/sim"
	"actuatord/internal/driver/wsbridge"
	"actuatord/internal/metrics"
	"actuatord/internal/routine"
	"actuatord/internal/storage"
	logx "actuatord/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

func mapChannelConfig(cfg *config.Config, name string) (actuator.Config, error) {
	c := cfg.Channel(name)
	path := "channels." + name
	out := actuator.Config{
		Name:             name,
		FailureThreshold: c.FailureThreshold,
		MaxPriority:      c.MaxPriority,
		HistorySize:      c.HistorySize,
	}
	if c.MaxRetries != nil {
		out.MaxRetries = *c.MaxRetries
	}
	var err error
	if out.MinInterval, err = config.ParseDurationField(path+".min_interval", c.MinInterval); err != nil {
		return actuator.Config{}, err
	}
	if out.RetryDelay, err = config.ParseDurationField(path+".retry_delay", c.RetryDelay); err != nil {
		return actuator.Config{}, err
	}
	if out.DispatchTimeout, err = config.ParseDurationField(path+".dispatch_timeout", c.DispatchTimeout); err != nil {
		return actuator.Config{}, err
	}
	if out.StopTimeout, err = config.ParseDurationField(path+".stop_timeout", c.StopTimeout); err != nil {
		return actuator.Config{}, err
	}
	if out.Policy, err = actuator.ParsePolicy(c.Policy); err != nil {
		return actuator.Config{}, fmt.Errorf("%s.policy: %w", path, err)
	}
	return out, nil
}

// buildDriver returns the driver for a channel and, when the driver holds a
// connection, a closer for shutdown.
func buildDriver(cfg *config.Config, name string, log logx.Logger) (actuator.Driver, io.Closer, error) {
	d := cfg.DriverFor(name)
	path := "channels." + name + ".driver"
	switch strings.ToLower(strings.TrimSpace(d.Kind)) {
	case "", config.DriverSim:
		sc, err := mapSimConfig(path, d)
		if err != nil {
			return nil, nil, err
		}
		return sim.New(name, sc, log), nil, nil
	case config.DriverWS:
		dial, err := config.ParseDurationField(path+".dial_timeout", d.DialTimeout)
		if err != nil {
			return nil, nil, err
		}
		req, err := config.ParseDurationField(path+".request_timeout", d.RequestTimeout)
		if err != nil {
			return nil, nil, err
		}
		drv, err := wsbridge.New(wsbridge.Config{
			URL:            d.URL,
			Token:          d.Token,
			Channel:        name,
			DialTimeout:    dial,
			RequestTimeout: req,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return drv, drv, nil
	default:
		return nil, nil, fmt.Errorf("%s.kind: unknown driver %q", path, d.Kind)
	}
}

func mapSimConfig(path string, d config.DriverConfig) (sim.Config, error) {
	lat, err := config.ParseDurationField(path+".latency", d.Latency)
	if err != nil {
		return sim.Config{}, err
	}
	jit, err := config.ParseDurationField(path+".jitter", d.Jitter)
	if err != nil {
		return sim.Config{}, err
	}
	return sim.Config{Latency: lat, Jitter: jit, FailureRate: d.FailureRate, Seed: d.Seed}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy, Retention: sc.Retention}, true, nil
}

func mapMetricsConfig(cfg *config.Config, version string) (metrics.Config, bool, error) {
	if cfg == nil || cfg.Metrics == nil || !cfg.Metrics.Enabled {
		return metrics.Config{}, false, nil
	}
	m := cfg.Metrics
	interval, err := config.ParseDurationField("metrics.interval", m.Interval)
	if err != nil {
		return metrics.Config{}, false, err
	}
	v := m.ServiceVersion
	if v == "" {
		v = version
	}
	return metrics.Config{
		ServiceName:    m.ServiceName,
		ServiceVersion: v,
		OTLPEndpoint:   m.OTLPEndpoint,
		Insecure:       m.Insecure,
		Interval:       interval,
	}, true, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, bool, error) {
	if cfg == nil || cfg.API == nil || !cfg.API.Enabled {
		return api.Config{}, false, nil
	}
	a := cfg.API
	out := api.Config{
		Addr:              a.Addr,
		JWTSecret:         a.JWTSecret,
		RatePerSec:        a.RatePerSec,
		Burst:             a.Burst,
		ExpressionChannel: a.ExpressionChannel,
		Pprof:             a.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("api.read_timeout", a.ReadTimeout, 10*time.Second); err != nil {
		return api.Config{}, false, err
	}
	// The event stream is long-lived; a write timeout would cut it.
	if out.WriteTimeout, err = config.ParseDurationField("api.write_timeout", a.WriteTimeout); err != nil {
		return api.Config{}, false, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("api.idle_timeout", a.IdleTimeout, 60*time.Second); err != nil {
		return api.Config{}, false, err
	}
	return out, true, nil
}

func mapRoutines(cfg *config.Config) ([]routine.Routine, string) {
	if cfg == nil || cfg.Routines == nil {
		return nil, ""
	}
	out := make([]routine.Routine, 0, len(cfg.Routines.Items))
	for _, it := range cfg.Routines.Items {
		out = append(out, routine.Routine{
			Name:       it.Name,
			Channel:    it.Channel,
			Command:    it.Command,
			Expression: it.Expression,
			Schedule:   it.Schedule,
			Priority:   it.Priority,
			Force:      it.Force,
		})
	}
	return out, cfg.Routines.Timezone
}
