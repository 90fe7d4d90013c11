// Package metrics exports scheduler metrics through OpenTelemetry.
//
// Counters follow the RED pattern per channel: dispatches, outcomes and
// dispatch duration. Queue depth and circuit state are observed gauges read
// from channel stats at collection time.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"actuatord/internal/actuator"
	"actuatord/internal/eventbus"
	logx "actuatord/pkg/logx"
)

const meterName = "actuatord"

type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is a gRPC collector address such as "localhost:4317".
	OTLPEndpoint string
	Insecure     bool
	Interval     time.Duration
}

// Provider owns the meter provider and the scheduler instruments.
type Provider struct {
	mp  *sdkmetric.MeterProvider
	log logx.Logger

	dispatched metric.Int64Counter
	outcomes   metric.Int64Counter
	retries    metric.Int64Counter
	rejected   metric.Int64Counter
	trips      metric.Int64Counter
	duration   metric.Float64Histogram

	events <-chan eventbus.Event
	unsub  func()
}

// New builds a provider exporting over OTLP/gRPC and installs it globally.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Provider, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, fmt.Errorf("metrics: otlp endpoint is required")
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p, err := NewWithReader(cfg, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)), log)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(p.mp)
	p.log.Info("metrics exporter started", logx.String("endpoint", cfg.OTLPEndpoint), logx.Duration("interval", interval))
	return p, nil
}

// NewWithReader builds a provider around reader. Tests pass a ManualReader.
func NewWithReader(cfg Config, reader sdkmetric.Reader, log logx.Logger) (*Provider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := cfg.ServiceName
	if name == "" {
		name = "actuatord"
	}
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)
	p := &Provider{
		mp:  sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)),
		log: log.With(logx.String("comp", "metrics")),
	}
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) Meter() metric.Meter { return p.mp.Meter(meterName) }

func (p *Provider) initInstruments() error {
	m := p.Meter()
	var err error
	if p.dispatched, err = m.Int64Counter("actuator.dispatches",
		metric.WithDescription("Driver calls started"), metric.WithUnit("{call}")); err != nil {
		return err
	}
	if p.outcomes, err = m.Int64Counter("actuator.commands",
		metric.WithDescription("Commands that reached a terminal state"), metric.WithUnit("{command}")); err != nil {
		return err
	}
	if p.retries, err = m.Int64Counter("actuator.retries",
		metric.WithDescription("Retries scheduled"), metric.WithUnit("{retry}")); err != nil {
		return err
	}
	if p.rejected, err = m.Int64Counter("actuator.rejections",
		metric.WithDescription("Commands refused or dropped by an open circuit"), metric.WithUnit("{command}")); err != nil {
		return err
	}
	if p.trips, err = m.Int64Counter("actuator.circuit.trips",
		metric.WithDescription("Circuit transitions to open"), metric.WithUnit("{trip}")); err != nil {
		return err
	}
	p.duration, err = m.Float64Histogram("actuator.command.duration",
		metric.WithDescription("Time from first dispatch to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	return err
}

// ObserveChannels registers gauges for queue depth, busy state and circuit
// state of every channel in reg.
func (p *Provider) ObserveChannels(reg *actuator.Registry) error {
	m := p.Meter()
	depth, err := m.Int64ObservableGauge("actuator.queue.depth",
		metric.WithDescription("Pending commands"), metric.WithUnit("{command}"))
	if err != nil {
		return err
	}
	busy, err := m.Int64ObservableGauge("actuator.executing",
		metric.WithDescription("1 while a command is executing"))
	if err != nil {
		return err
	}
	open, err := m.Int64ObservableGauge("actuator.circuit.open",
		metric.WithDescription("1 while the channel circuit is open"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, st := range reg.Stats() {
			attrs := metric.WithAttributes(attribute.String("channel", st.Channel))
			o.ObserveInt64(depth, int64(st.QueueDepth), attrs)
			o.ObserveInt64(busy, int64(st.Executing), attrs)
			var v int64
			if st.CircuitOpen {
				v = 1
			}
			o.ObserveInt64(open, v, attrs)
		}
		return nil
	}, depth, busy, open)
	return err
}

// Attach subscribes to scheduler events. Call Run to consume them.
func (p *Provider) Attach(bus eventbus.Bus) {
	p.events, p.unsub = bus.Subscribe(512, "command.", "channel.")
}

// Run records attached events until ctx is done.
func (p *Provider) Run(ctx context.Context) error {
	if p.events == nil {
		<-ctx.Done()
		return nil
	}
	defer p.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.events:
			if !ok {
				return nil
			}
			p.Record(ctx, ev)
		}
	}
}

// Record updates counters for one event.
func (p *Provider) Record(ctx context.Context, ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case actuator.CommandEvent:
		ch := attribute.String("channel", data.Channel)
		switch ev.Type {
		case actuator.EventDispatched:
			p.dispatched.Add(ctx, 1, metric.WithAttributes(ch))
		case actuator.EventRetrying:
			p.retries.Add(ctx, 1, metric.WithAttributes(ch))
		case actuator.EventRejected:
			p.rejected.Add(ctx, 1, metric.WithAttributes(ch, attribute.String("reason", data.Reason)))
		case actuator.EventSucceeded, actuator.EventFailed:
			p.outcomes.Add(ctx, 1, metric.WithAttributes(ch, attribute.String("state", data.State.String())))
			p.duration.Record(ctx, data.Duration.Seconds(), metric.WithAttributes(ch))
		}
	case actuator.ChannelEvent:
		if ev.Type == actuator.EventCircuitOpened {
			p.trips.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", data.Channel)))
		}
	}
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		p.log.Error("failed to shutdown metric provider", logx.Err(err))
		return err
	}
	return nil
}
