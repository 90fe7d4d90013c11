package config

// Config is the on-disk configuration of actuatord. Durations are Go duration
// strings ("250ms", "2s"); empty means "use the default".
type Config struct {
	Logging  LoggingConfig            `json:"logging"`
	Defaults ChannelConfig            `json:"defaults,omitempty"`
	Channels map[string]ChannelConfig `json:"channels"`
	Driver   DriverConfig             `json:"driver"`
	Routines *RoutinesConfig          `json:"routines,omitempty"`
	API      *APIConfig               `json:"api,omitempty"`
	Storage  *StorageConfig           `json:"storage,omitempty"`
	Metrics  *MetricsConfig           `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// ChannelConfig holds the tunables of one output channel. Fields left zero
// inherit from Config.Defaults.
type ChannelConfig struct {
	MinInterval string `json:"min_interval,omitempty"`
	// MaxRetries is a pointer so an explicit 0 (no retries) survives merging.
	MaxRetries       *int   `json:"max_retries,omitempty"`
	RetryDelay       string `json:"retry_delay,omitempty"`
	Policy           string `json:"policy,omitempty"`
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	MaxPriority      int    `json:"max_priority,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
	DispatchTimeout  string `json:"dispatch_timeout,omitempty"`
	StopTimeout      string `json:"stop_timeout,omitempty"`

	// Driver overrides the top-level driver for this channel.
	Driver *DriverConfig `json:"driver,omitempty"`
}

const (
	DriverSim = "sim"
	DriverWS  = "ws"
)

type DriverConfig struct {
	Kind string `json:"kind"`

	// ws
	URL            string `json:"url,omitempty"`
	Token          string `json:"token,omitempty"`
	DialTimeout    string `json:"dial_timeout,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`

	// sim
	Latency     string  `json:"latency,omitempty"`
	Jitter      string  `json:"jitter,omitempty"`
	FailureRate float64 `json:"failure_rate,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
}

type RoutinesConfig struct {
	Timezone string          `json:"timezone,omitempty"`
	Items    []RoutineConfig `json:"items"`
}

type RoutineConfig struct {
	Name       string `json:"name"`
	Channel    string `json:"channel"`
	Command    string `json:"command,omitempty"`
	Expression string `json:"expression,omitempty"`
	Schedule   string `json:"schedule"`
	Priority   int    `json:"priority,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`

	// JWTSecret enables HS256 bearer auth when set.
	JWTSecret  string  `json:"jwt_secret,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// ExpressionChannel receives POST /v1/expressions. Default "eyes".
	ExpressionChannel string `json:"expression_channel,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof/ behind the same auth.
	Pprof bool `json:"pprof,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   int    `json:"retention,omitempty"`
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled"`
	OTLPEndpoint   string `json:"otlp_endpoint,omitempty"`
	Insecure       bool   `json:"insecure,omitempty"`
	Interval       string `json:"interval,omitempty"`
	ServiceName    string `json:"service_name,omitempty"`
	ServiceVersion string `json:"service_version,omitempty"`
}

// Channel returns the settings of name with Defaults filled in.
func (c *Config) Channel(name string) ChannelConfig {
	out := c.Channels[name]
	d := c.Defaults
	if out.MinInterval == "" {
		out.MinInterval = d.MinInterval
	}
	if out.MaxRetries == nil && d.MaxRetries != nil {
		v := *d.MaxRetries
		out.MaxRetries = &v
	}
	if out.RetryDelay == "" {
		out.RetryDelay = d.RetryDelay
	}
	if out.Policy == "" {
		out.Policy = d.Policy
	}
	if out.FailureThreshold == 0 {
		out.FailureThreshold = d.FailureThreshold
	}
	if out.MaxPriority == 0 {
		out.MaxPriority = d.MaxPriority
	}
	if out.HistorySize == 0 {
		out.HistorySize = d.HistorySize
	}
	if out.DispatchTimeout == "" {
		out.DispatchTimeout = d.DispatchTimeout
	}
	if out.StopTimeout == "" {
		out.StopTimeout = d.StopTimeout
	}
	if out.Driver == nil {
		out.Driver = d.Driver
	}
	return out
}

// DriverFor returns the effective driver settings for a channel.
func (c *Config) DriverFor(name string) DriverConfig {
	if ch := c.Channel(name); ch.Driver != nil {
		return *ch.Driver
	}
	return c.Driver
}
