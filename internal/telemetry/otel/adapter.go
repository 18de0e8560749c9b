package otel

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"aval/internal/telemetry"
)

const instrumentationName = "aval.telemetry"

// recordEmitter is the subset of otellog.Logger the emitter needs.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via the given
// LoggerProvider and counts them on the aval.events counter of mp.
// If provider is nil, returns a no-op emitter. mp may be nil.
func NewEventEmitter(provider *sdklog.LoggerProvider, mp otelmetric.MeterProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger(instrumentationName), mp)
}

// NewEventEmitterWithLogger is NewEventEmitter for an already built logger.
func NewEventEmitterWithLogger(logger recordEmitter, mp otelmetric.MeterProvider) telemetry.EventEmitter {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	counter, err := mp.Meter(instrumentationName).Int64Counter("aval.events",
		otelmetric.WithDescription("Device lifecycle events by type."))
	if err != nil {
		counter = noop.Int64Counter{}
	}
	return &otelEmitter{logger: logger, events: counter}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, telemetry.Event) error { return nil }

type otelEmitter struct {
	logger recordEmitter
	events otelmetric.Int64Counter
}

// Emit converts the event to an OTel log record, emits it and increments the event counter.
func (e *otelEmitter) Emit(ctx context.Context, event telemetry.Event) error {
	rec := otellog.Record{}
	if !event.CreatedAt.IsZero() {
		rec.SetTimestamp(event.CreatedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetSeverity(severityOf(event.Type))
	rec.SetBody(otellog.StringValue(string(event.Type)))
	rec.AddAttributes(otellog.String("event_type", string(event.Type)))
	if event.DeviceUUID != "" {
		rec.AddAttributes(otellog.String("device_uuid", event.DeviceUUID))
	}
	if event.DeviceID != "" {
		rec.AddAttributes(otellog.String("device_id", event.DeviceID))
	}
	if event.Holder != "" {
		rec.AddAttributes(otellog.String("holder", event.Holder))
	}
	if event.Source != "" {
		rec.AddAttributes(otellog.String("source", event.Source))
	}
	keys := make([]string, 0, len(event.Attributes))
	for k := range event.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rec.AddAttributes(otellog.String(k, event.Attributes[k]))
	}
	e.logger.Emit(ctx, rec)
	e.events.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event_type", string(event.Type))))
	return nil
}

func severityOf(t telemetry.EventType) otellog.Severity {
	switch t {
	case telemetry.EventHeartbeatFailed, telemetry.EventLeaseReleaseFailed, telemetry.EventLeaseReclaimed:
		return otellog.SeverityWarn
	case telemetry.EventUpdateRollback, telemetry.EventDeviceRunFailed:
		return otellog.SeverityError
	}
	return otellog.SeverityInfo
}
