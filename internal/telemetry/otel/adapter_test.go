package otel

import (
	"context"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"aval/internal/telemetry"
)

func TestNewEventEmitter_NilProvider_ReturnsNoop(t *testing.T) {
	em := NewEventEmitter(nil, nil)
	if em == nil {
		t.Fatal("NewEventEmitter(nil) returned nil")
	}
	if err := em.Emit(context.Background(), telemetry.Event{Type: telemetry.EventLeaseAcquired}); err != nil {
		t.Errorf("noop Emit: %v", err)
	}
}

func TestNewEventEmitter_WithProvider(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewEventEmitter(provider, nil)
	if err := em.Emit(context.Background(), telemetry.Event{Type: telemetry.EventLeaseReleased}); err != nil {
		t.Errorf("Emit: %v", err)
	}
}

// recordCapture stores the last Record passed to Emit for assertion.
type recordCapture struct {
	rec otellog.Record
}

func (r *recordCapture) Emit(ctx context.Context, rec otellog.Record) {
	r.rec = rec
}

func attributesOf(rec otellog.Record) map[string]string {
	attrs := make(map[string]string)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	return attrs
}

func TestEmit_AttributeAndBodyMapping(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap, nil)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	event := telemetry.Event{
		Type:       telemetry.EventUpdateLaunched,
		DeviceUUID: "uuid-1",
		DeviceID:   "verdin-imx8mp-1234",
		Holder:     "holder-1",
		Source:     "coordinator",
		Attributes: map[string]string{"build": "pkg-42"},
		CreatedAt:  created,
	}
	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rec := cap.rec
	if !rec.Timestamp().Equal(created) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp(), created)
	}
	if rec.Body().AsString() != "update_launched" {
		t.Errorf("body = %q, want update_launched", rec.Body().AsString())
	}
	if rec.Severity() != otellog.SeverityInfo {
		t.Errorf("severity = %v, want info", rec.Severity())
	}
	want := map[string]string{
		"event_type":  "update_launched",
		"device_uuid": "uuid-1",
		"device_id":   "verdin-imx8mp-1234",
		"holder":      "holder-1",
		"source":      "coordinator",
		"build":       "pkg-42",
	}
	attrs := attributesOf(rec)
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %q = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestEmit_EmptyFieldsOmitted(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap, nil)
	if err := em.Emit(context.Background(), telemetry.Event{Type: telemetry.EventLeaseReclaimed}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	attrs := attributesOf(cap.rec)
	for _, k := range []string{"device_uuid", "device_id", "holder", "source"} {
		if _, ok := attrs[k]; ok {
			t.Errorf("attr %q should not be set", k)
		}
	}
	if cap.rec.Severity() != otellog.SeverityWarn {
		t.Errorf("severity = %v, want warn", cap.rec.Severity())
	}
}

func TestEmit_ZeroTimestamp_SetsCurrentTime(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap, nil)
	before := time.Now().UTC()
	if err := em.Emit(context.Background(), telemetry.Event{Type: telemetry.EventUpdateRollback}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	after := time.Now().UTC()
	ts := cap.rec.Timestamp()
	if ts.Before(before) || ts.After(after) {
		t.Errorf("timestamp = %v, should be between %v and %v", ts, before, after)
	}
	if cap.rec.Severity() != otellog.SeverityError {
		t.Errorf("severity = %v, want error", cap.rec.Severity())
	}
}

func TestEmit_CountsEventsByType(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	em := NewEventEmitterWithLogger(&recordCapture{}, mp)
	ctx := context.Background()
	for _, typ := range []telemetry.EventType{telemetry.EventLeaseAcquired, telemetry.EventLeaseAcquired, telemetry.EventLeaseReleased} {
		if err := em.Emit(ctx, telemetry.Event{Type: typ}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "aval.events" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("aval.events data = %T, want Sum[int64]", m.Data)
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value("event_type")
				counts[v.AsString()] += dp.Value
			}
		}
	}
	if counts["lease_acquired"] != 2 || counts["lease_released"] != 1 {
		t.Errorf("counts = %v, want lease_acquired=2 lease_released=1", counts)
	}
}
