package config

import (
	"reflect"
	"sort"
	"strings"

	logx "actuatord/pkg/logx"
)

// Sections whose changes only take effect after a restart. Drivers are
// swapped per channel on reload.
var restartSections = map[string]bool{"storage": true, "api": true, "metrics": true}

// Change summarizes the difference between two configs.
type Change struct {
	Sections []string
	Fields   []logx.Field

	// Channel sets by name.
	Added    []string
	Removed  []string
	Modified []string
}

// RequiresRestart lists changed sections that hot reload cannot apply.
func (c Change) RequiresRestart() []string {
	var out []string
	for _, s := range c.Sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Summarize compares two configs. Secrets (api.jwt_secret, driver tokens)
// are reported only as set or unset.
func Summarize(oldCfg, newCfg *Config) Change {
	var ch Change
	if oldCfg == nil || newCfg == nil {
		return ch
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", strings.TrimSpace(newCfg.Logging.Level)),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file.enabled", newCfg.Logging.File.Enabled),
		)
	}

	for _, name := range unionKeys(oldCfg.Channels, newCfg.Channels) {
		_, inOld := oldCfg.Channels[name]
		_, inNew := newCfg.Channels[name]
		switch {
		case !inOld:
			ch.Added = append(ch.Added, name)
		case !inNew:
			ch.Removed = append(ch.Removed, name)
		case !reflect.DeepEqual(oldCfg.Channel(name), newCfg.Channel(name)):
			ch.Modified = append(ch.Modified, name)
		}
	}
	if len(ch.Added)+len(ch.Removed)+len(ch.Modified) > 0 {
		ch.Sections = append(ch.Sections, "channels")
		ch.Fields = append(ch.Fields, logx.Any("channels.added", ch.Added), logx.Any("channels.removed", ch.Removed), logx.Any("channels.modified", ch.Modified))
	}

	driverChanged := !reflect.DeepEqual(oldCfg.Driver, newCfg.Driver)
	for _, name := range unionKeys(oldCfg.Channels, newCfg.Channels) {
		if !reflect.DeepEqual(oldCfg.DriverFor(name), newCfg.DriverFor(name)) {
			driverChanged = true
		}
	}
	if driverChanged {
		ch.Sections = append(ch.Sections, "driver")
		ch.Fields = append(ch.Fields,
			logx.String("driver.kind", newCfg.Driver.Kind),
			logx.Bool("driver.token_set", newCfg.Driver.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Routines, newCfg.Routines) {
		ch.Sections = append(ch.Sections, "routines")
		n, tz := 0, ""
		if newCfg.Routines != nil {
			n, tz = len(newCfg.Routines.Items), newCfg.Routines.Timezone
		}
		ch.Fields = append(ch.Fields, logx.Int("routines.count", n), logx.String("routines.timezone", tz))
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		ch.Sections = append(ch.Sections, "api")
		if a := newCfg.API; a != nil {
			ch.Fields = append(ch.Fields,
				logx.Bool("api.enabled", a.Enabled),
				logx.String("api.addr", a.Addr),
				logx.Bool("api.auth", a.JWTSecret != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		ch.Sections = append(ch.Sections, "storage")
		if s := newCfg.Storage; s != nil {
			ch.Fields = append(ch.Fields, logx.String("storage.driver", s.Driver), logx.String("storage.path", s.Path))
		}
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		ch.Sections = append(ch.Sections, "metrics")
		if m := newCfg.Metrics; m != nil {
			ch.Fields = append(ch.Fields, logx.Bool("metrics.enabled", m.Enabled), logx.String("metrics.otlp_endpoint", m.OTLPEndpoint))
		}
	}
	return ch
}

func unionKeys(a, b map[string]ChannelConfig) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
