// Package telemetry wires the OpenTelemetry SDK: an otelslog-bridged logger
// and Float64 counters for the processing loop, exported to stdout.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationName = "github.com/npasecink/chatling"

var meter = otel.Meter(instrumentationName)

// Logger returns an slog.Logger bridged into the OTel log pipeline for the
// named component scope.
func Logger(component string) *slog.Logger {
	return otelslog.NewLogger(instrumentationName + "/" + component)
}

// SetupOTelSDK bootstraps the OTel pipelines. The returned shutdown flushes
// and stops them; call it exactly once at exit.
func SetupOTelSDK(ctx context.Context) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("chatling")),
	)
	if err != nil {
		handleErr(err)
		return
	}

	loggerProvider, err := newLoggerProvider(res)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	meterProvider, err := newMeterProvider(res)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	return
}

func newLoggerProvider(res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exporter, err := stdoutlog.New()
	if err != nil {
		return nil, err
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	), nil
}

func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(time.Minute))),
	), nil
}

// Counters holds the processing-loop counters.
type Counters struct {
	TasksTotal     metric.Float64Counter
	TasksSucceeded metric.Float64Counter
	TasksFailed    metric.Float64Counter
	Reconnects     metric.Float64Counter
	Stalls         metric.Float64Counter
}

// The Inc helpers are safe on a nil receiver so callers without metrics wired
// can skip the nil checks.

func (c *Counters) IncTasksTotal(ctx context.Context) {
	if c != nil && c.TasksTotal != nil {
		c.TasksTotal.Add(ctx, 1)
	}
}

func (c *Counters) IncTasksSucceeded(ctx context.Context) {
	if c != nil && c.TasksSucceeded != nil {
		c.TasksSucceeded.Add(ctx, 1)
	}
}

func (c *Counters) IncTasksFailed(ctx context.Context) {
	if c != nil && c.TasksFailed != nil {
		c.TasksFailed.Add(ctx, 1)
	}
}

func (c *Counters) IncReconnects(ctx context.Context) {
	if c != nil && c.Reconnects != nil {
		c.Reconnects.Add(ctx, 1)
	}
}

func (c *Counters) IncStalls(ctx context.Context) {
	if c != nil && c.Stalls != nil {
		c.Stalls.Add(ctx, 1)
	}
}

// NewCounters creates the chatling counter set.
func NewCounters() (*Counters, error) {
	c := &Counters{}
	for _, it := range []struct {
		dst  *metric.Float64Counter
		name string
		desc string
	}{
		{&c.TasksTotal, "chatling_tasks_total", "Tasks picked up for processing"},
		{&c.TasksSucceeded, "chatling_tasks_succeeded", "Tasks completed successfully"},
		{&c.TasksFailed, "chatling_tasks_failed", "Tasks that ended in failure"},
		{&c.Reconnects, "chatling_reconnects_total", "Browser reconnect attempts"},
		{&c.Stalls, "chatling_stalls_total", "Stall diagnoses raised"},
	} {
		counter, err := meter.Float64Counter(it.name,
			metric.WithDescription(it.desc),
			metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*it.dst = counter
	}
	return c, nil
}
