package app

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"actuatord/internal/config"
	logx "actuatord/pkg/logx"
)

const removeChannelTimeout = 3 * time.Second

// applyConfig moves the running app from oldCfg to newCfg. Logging, channel
// tunables, the channel set, drivers and routines apply live; the remaining
// sections are reported as needing a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	change := config.Summarize(oldCfg, newCfg)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_ = a.notify(daemon.SdNotifyReloading)
	defer func() { _ = a.notify(daemon.SdNotifyReady) }()

	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLoggingConfig(newCfg))

	for _, name := range change.Removed {
		a.removeChannel(ctx, name)
	}
	for _, name := range change.Modified {
		a.updateChannel(oldCfg, newCfg, name)
	}
	for _, name := range change.Added {
		ch, err := a.addChannel(newCfg, name)
		if err != nil {
			a.log.Error("channel add failed", logx.String("channel", name), logx.Err(err))
			continue
		}
		if err := ch.Start(context.Background()); err != nil {
			a.log.Error("channel start failed", logx.String("channel", name), logx.Err(err))
			continue
		}
		a.log.Info("channel added", logx.String("channel", name))
	}

	// Routines last: they may target channels added above.
	rs, tz := mapRoutines(newCfg)
	if err := a.routines.Apply(rs, tz); err != nil {
		a.log.Warn("invalid routines; keeping previous", logx.Err(err))
	}

	for _, s := range change.RequiresRestart() {
		a.log.Warn(s + " config changed; restart required for changes to take effect")
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) updateChannel(oldCfg, newCfg *config.Config, name string) {
	ch, err := a.reg.Get(name)
	if err != nil {
		a.log.Warn("config names a channel that is not running", logx.String("channel", name))
		return
	}
	cc, err := mapChannelConfig(newCfg, name)
	if err != nil {
		a.log.Warn("invalid channel config; keeping previous", logx.String("channel", name), logx.Err(err))
		return
	}
	ch.Apply(cc)

	if reflect.DeepEqual(oldCfg.DriverFor(name), newCfg.DriverFor(name)) {
		return
	}
	clog := a.logs.Logger().With(logx.String("channel", name))
	drv, closer, err := buildDriver(newCfg, name, clog)
	if err != nil {
		a.log.Warn("driver rebuild failed; keeping previous", logx.String("channel", name), logx.Err(err))
		return
	}
	ch.Bind(drv)
	a.setDriverCloser(name, closer)
	a.log.Info("channel driver replaced", logx.String("channel", name), logx.String("kind", newCfg.DriverFor(name).Kind))
}

func (a *App) removeChannel(ctx context.Context, name string) {
	ch, ok := a.reg.Remove(name)
	if !ok {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, removeChannelTimeout)
	defer cancel()
	if err := ch.Stop(sctx); err != nil {
		a.log.Warn("channel stop failed", logx.String("channel", name), logx.Err(err))
	}
	a.setDriverCloser(name, nil)
	a.log.Info("channel removed", logx.String("channel", name), logx.Int("dropped", ch.QueueDepth()))
}
