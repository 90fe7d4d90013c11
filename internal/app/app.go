package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"actuatord/internal/actuator"
	"actuatord/internal/api"
	"actuatord/internal/config"
	"actuatord/internal/eventbus"
	"actuatord/internal/metrics"
	"actuatord/internal/routine"
	"actuatord/internal/runtime/supervisor"
	"actuatord/internal/storage"
	logx "actuatord/pkg/logx"
)

// Notifier reports service state to the init system. The default sends
// sd_notify messages and is a no-op outside systemd.
type Notifier func(state string) error

func sdNotify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

type Option func(*App)

func WithVersion(v string) Option { return func(a *App) { a.version = v } }

func WithNotifier(n Notifier) Option { return func(a *App) { a.notify = n } }

type App struct {
	version string
	notify  Notifier

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *actuator.Registry

	// driversMu guards drivers, the closers of connection-holding drivers by
	// channel name.
	driversMu sync.Mutex
	drivers   map[string]io.Closer

	store    storage.Store
	recorder *storage.Recorder
	metrics  *metrics.Provider
	routines *routine.Service
	api      *api.Server
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{
		version: "dev",
		notify:  sdNotify,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		reg:     actuator.NewRegistry(),
		drivers: map[string]io.Closer{},
	}
	for _, o := range opts {
		o(a)
	}
	if err := a.build(cfg, log); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	for _, name := range sortedChannels(cfg) {
		if _, err := a.addChannel(cfg, name); err != nil {
			return err
		}
	}

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return err
		}
		a.store = st
		a.recorder = storage.NewRecorder(st, a.bus, log)
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.routines = routine.New(a.reg, log)
	rs, tz := mapRoutines(cfg)
	if err := a.routines.Apply(rs, tz); err != nil {
		return err
	}

	ac, enabled, err := mapAPIConfig(cfg)
	if err != nil {
		return err
	}
	if enabled {
		a.api = api.New(ac, api.Deps{Registry: a.reg, Bus: a.bus, Store: a.store, Routines: a.routines}, log)
	}
	return nil
}

// addChannel builds and registers a channel without starting it.
func (a *App) addChannel(cfg *config.Config, name string) (*actuator.Channel, error) {
	cc, err := mapChannelConfig(cfg, name)
	if err != nil {
		return nil, err
	}
	clog := a.logs.Logger().With(logx.String("channel", name))
	drv, closer, err := buildDriver(cfg, name, clog)
	if err != nil {
		return nil, err
	}
	ch := actuator.New(cc, drv, actuator.WithLogger(clog), actuator.WithBus(a.bus))
	if err := a.reg.Add(ch); err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	a.setDriverCloser(name, closer)
	return ch, nil
}

// setDriverCloser records closer for name and closes the one it replaces.
func (a *App) setDriverCloser(name string, closer io.Closer) {
	a.driversMu.Lock()
	prev := a.drivers[name]
	if closer != nil {
		a.drivers[name] = closer
	} else {
		delete(a.drivers, name)
	}
	a.driversMu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			a.log.Debug("driver close failed", logx.String("channel", name), logx.Err(err))
		}
	}
}

func (a *App) Registry() *actuator.Registry { return a.reg }

func (a *App) Bus() eventbus.Bus { return a.bus }

// APIAddr returns the bound control API address, or "" when disabled.
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	// Channels outlive the app context; Stop drains them explicitly.
	if err := a.reg.StartAll(context.Background()); err != nil {
		return err
	}

	if a.recorder != nil {
		a.sup.Go("storage.recorder", a.recorder.Run)
	}

	mc, enabled, err := mapMetricsConfig(a.cfgm.Get(), a.version)
	if err != nil {
		return err
	}
	if enabled {
		p, err := metrics.New(a.sup.Context(), mc, a.logs.Logger())
		if err != nil {
			return err
		}
		if err := p.ObserveChannels(a.reg); err != nil {
			return err
		}
		p.Attach(a.bus)
		a.metrics = p
		a.sup.Go("metrics.record", p.Run)
	}

	a.routines.Start()

	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128, "channel.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					_ = a.notify(daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	if err := a.notify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.String("version", a.version),
		logx.Any("channels", a.reg.Names()),
		logx.Bool("api", a.api != nil),
		logx.Bool("storage", a.store != nil),
		logx.Bool("metrics", a.metrics != nil),
	)
	return nil
}

// Reload re-reads the config file; the reload loop applies it.
func (a *App) Reload(ctx context.Context) error {
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		a.log.Info("config reload requested; file unchanged")
		return nil
	}
	return err
}

// validate runs before a reloaded config is committed. It rejects configs the
// reload loop could not apply as a whole.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	for _, name := range sortedChannels(cfg) {
		if _, err := mapChannelConfig(cfg, name); err != nil {
			return err
		}
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapMetricsConfig(cfg, a.version); err != nil {
		return err
	}

	// Routines are checked against the channel set of the new config.
	scratch := actuator.NewRegistry()
	for _, name := range sortedChannels(cfg) {
		if err := scratch.Add(actuator.New(actuator.Config{Name: name}, nil)); err != nil {
			return err
		}
	}
	rs, _ := mapRoutines(cfg)
	check := routine.New(scratch, logx.Nop())
	for _, r := range rs {
		if _, err := check.Validate(r); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeAll()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_ = a.notify(daemon.SdNotifyStopping)

	a.sup.Cancel()

	var errs []error
	a.step(ctx, "api", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			return a.api.Stop(c)
		}
		return nil
	})
	a.step(ctx, "routines", time.Second, a.routines.Stop)
	a.step(ctx, "channels", 6*time.Second, func(c context.Context) error {
		if err := a.reg.StopAll(c); err != nil {
			errs = append(errs, err)
			return err
		}
		return nil
	})
	a.step(ctx, "drivers", time.Second, func(context.Context) error {
		a.closeDrivers()
		return nil
	})
	// Waits for the recorder flush before storage closes.
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "metrics", 2*time.Second, func(c context.Context) error {
		if a.metrics != nil {
			return a.metrics.Shutdown(c)
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("bus_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is left running and reported when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}

func (a *App) closeDrivers() {
	a.driversMu.Lock()
	drivers := a.drivers
	a.drivers = map[string]io.Closer{}
	a.driversMu.Unlock()
	for name, c := range drivers {
		if err := c.Close(); err != nil {
			a.log.Debug("driver close failed", logx.String("channel", name), logx.Err(err))
		}
	}
}

// closeAll releases what NewApp opened when Start never ran.
func (a *App) closeAll() {
	a.closeDrivers()
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func sortedChannels(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
