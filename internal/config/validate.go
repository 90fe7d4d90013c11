package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"actuatord/internal/actuator"
	logx "actuatord/pkg/logx"
)

// Validate checks shapes and bounds that can be decided from the file alone.
// Cron expressions are checked by the routine service at apply time.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: invalid %q", lvl)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when logging.file.enabled is true")
	}
	if cfg.Logging.File.MaxSizeMB < 0 || cfg.Logging.File.MaxBackups < 0 || cfg.Logging.File.MaxAgeDays < 0 {
		return fmt.Errorf("logging.file: rotation limits must be >= 0")
	}

	if err := validateChannel("defaults", cfg.Defaults); err != nil {
		return err
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("channels: at least one channel is required")
	}
	names := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	seen := map[string]string{}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("channels: empty channel name")
		}
		k := strings.ToLower(strings.TrimSpace(name))
		if prev, ok := seen[k]; ok {
			return fmt.Errorf("channels: %q and %q differ only by case", prev, name)
		}
		seen[k] = name
		if err := validateChannel("channels."+name, cfg.Channels[name]); err != nil {
			return err
		}
		if err := validateDriver("channels."+name+".driver", cfg.DriverFor(name)); err != nil {
			return err
		}
	}

	if r := cfg.Routines; r != nil {
		if tz := strings.TrimSpace(r.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("routines.timezone: invalid %q: %w", tz, err)
			}
		}
		dup := map[string]bool{}
		for i, it := range r.Items {
			path := fmt.Sprintf("routines.items[%d]", i)
			if strings.TrimSpace(it.Name) == "" {
				return fmt.Errorf("%s.name is required", path)
			}
			if dup[it.Name] {
				return fmt.Errorf("%s: duplicate routine %q", path, it.Name)
			}
			dup[it.Name] = true
			if _, ok := seen[strings.ToLower(strings.TrimSpace(it.Channel))]; !ok {
				return fmt.Errorf("%s.channel: unknown channel %q", path, it.Channel)
			}
			if (it.Command == "") == (it.Expression == "") {
				return fmt.Errorf("%s: exactly one of command and expression is required", path)
			}
			if strings.TrimSpace(it.Schedule) == "" {
				return fmt.Errorf("%s.schedule is required", path)
			}
			if it.Priority < 0 {
				return fmt.Errorf("%s.priority must be >= 0", path)
			}
		}
	}

	if a := cfg.API; a != nil && a.Enabled {
		if strings.TrimSpace(a.Addr) == "" {
			return fmt.Errorf("api.addr is required when api.enabled is true")
		}
		if a.RatePerSec < 0 || a.Burst < 0 {
			return fmt.Errorf("api: rate_per_sec and burst must be >= 0")
		}
		for k, v := range map[string]string{"api.read_timeout": a.ReadTimeout, "api.write_timeout": a.WriteTimeout, "api.idle_timeout": a.IdleTimeout} {
			if _, err := ParseDurationField(k, v); err != nil {
				return err
			}
		}
		if ch := strings.TrimSpace(a.ExpressionChannel); ch != "" {
			if _, ok := seen[strings.ToLower(ch)]; !ok {
				return fmt.Errorf("api.expression_channel: unknown channel %q", ch)
			}
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path is required for driver %q", s.Driver)
			}
		default:
			return fmt.Errorf("storage.driver: unknown %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
		if s.Retention < 0 {
			return fmt.Errorf("storage.retention must be >= 0")
		}
	}

	if m := cfg.Metrics; m != nil && m.Enabled {
		if strings.TrimSpace(m.OTLPEndpoint) == "" {
			return fmt.Errorf("metrics.otlp_endpoint is required when metrics.enabled is true")
		}
		if _, err := ParseDurationField("metrics.interval", m.Interval); err != nil {
			return err
		}
	}
	return nil
}

func validateChannel(path string, c ChannelConfig) error {
	for k, v := range map[string]string{
		"min_interval":     c.MinInterval,
		"retry_delay":      c.RetryDelay,
		"dispatch_timeout": c.DispatchTimeout,
		"stop_timeout":     c.StopTimeout,
	} {
		if _, err := ParseDurationField(path+"."+k, v); err != nil {
			return err
		}
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries must be >= 0", path)
	}
	if _, err := actuator.ParsePolicy(c.Policy); err != nil {
		return fmt.Errorf("%s.policy: %w", path, err)
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("%s.failure_threshold must be >= 0", path)
	}
	if c.MaxPriority < 0 {
		return fmt.Errorf("%s.max_priority must be >= 0", path)
	}
	if c.HistorySize < 0 {
		return fmt.Errorf("%s.history_size must be >= 0", path)
	}
	return nil
}

func validateDriver(path string, d DriverConfig) error {
	switch strings.ToLower(strings.TrimSpace(d.Kind)) {
	case "", DriverSim:
		for k, v := range map[string]string{"latency": d.Latency, "jitter": d.Jitter} {
			if _, err := ParseDurationField(path+"."+k, v); err != nil {
				return err
			}
		}
		if d.FailureRate < 0 || d.FailureRate > 1 {
			return fmt.Errorf("%s.failure_rate must be within [0, 1]", path)
		}
	case DriverWS:
		raw := strings.TrimSpace(d.URL)
		if raw == "" {
			return fmt.Errorf("%s.url is required for kind ws", path)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%s.url: invalid %q", path, raw)
		}
		for k, v := range map[string]string{"dial_timeout": d.DialTimeout, "request_timeout": d.RequestTimeout} {
			if _, err := ParseDurationField(path+"."+k, v); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%s.kind: unknown driver %q", path, d.Kind)
	}
	return nil
}
