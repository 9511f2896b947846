// Package telemetry records relay delivery metrics through the OpenTelemetry
// metric API.
//
// Telemetry is opt-in. A disabled Recorder uses a no-op meter. An enabled one
// builds an SDK meter provider with an in-process reader, installs it as the
// global provider and reports the collected values through Report, which the
// status surfaces show. The relay never installs an exporter itself, so
// nothing leaves the process unless the embedding program supplies its own
// provider.
package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/notestash/relay/internal/hub"
	"github.com/notestash/relay/internal/models"
	syncpkg "github.com/notestash/relay/internal/sync"
	"github.com/notestash/relay/internal/sync/session"
)

const instrumentationName = "github.com/notestash/relay"

// Metric names.
const (
	MetricDeliveryAttempts = "notestash.delivery.attempts"
	MetricDeliveryFailures = "notestash.delivery.failures"
	MetricSessionChunks    = "notestash.session.chunks"
	MetricSessionsFinished = "notestash.session.finished"
	MetricQueuePending     = "notestash.queue.pending"
)

var (
	attrRich       = attribute.Key("message.rich")
	attrStatusCode = attribute.Key("hub.status_code")
	attrOutcome    = attribute.Key("delivery.outcome")
	attrEvent      = attribute.Key("session.event")
)

// meterProvider is the subset of metric.Meter the recorder needs.
type meterProvider interface {
	Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error)
	Int64Gauge(name string, opts ...metric.Int64GaugeOption) (metric.Int64Gauge, error)
}

// Recorder turns engine and session callbacks into metrics.
type Recorder struct {
	enabled bool

	// Set when the recorder built its own provider.
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader

	attempts metric.Int64Counter
	failures metric.Int64Counter
	chunks   metric.Int64Counter
	finished metric.Int64Counter
	pending  metric.Int64Gauge

	delivered atomic.Int64
	failed    atomic.Int64
	sent      atomic.Int64
}

// Config controls the recorder.
type Config struct {
	Enabled       bool
	MeterProvider metric.MeterProvider
}

// New creates a Recorder. A nil config disables telemetry.
func New(cfg *Config) (*Recorder, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	var mp metric.MeterProvider = noop.NewMeterProvider()
	var provider *sdkmetric.MeterProvider
	var reader *sdkmetric.ManualReader
	if cfg.Enabled {
		mp = cfg.MeterProvider
		if mp == nil {
			reader = sdkmetric.NewManualReader()
			provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
			otel.SetMeterProvider(provider)
			mp = provider
		}
	}

	r, err := newRecorder(mp.Meter(instrumentationName))
	if err != nil {
		if provider != nil {
			provider.Shutdown(context.Background())
		}
		return nil, err
	}
	r.enabled = cfg.Enabled
	r.provider = provider
	r.reader = reader
	return r, nil
}

// Shutdown flushes and stops a provider the recorder built. It is a no-op
// otherwise.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}

func newRecorder(m meterProvider) (*Recorder, error) {
	attempts, err := m.Int64Counter(MetricDeliveryAttempts, metric.WithDescription("Queued message delivery attempts."))
	if err != nil {
		return nil, err
	}
	failures, err := m.Int64Counter(MetricDeliveryFailures, metric.WithDescription("Failed queued message delivery attempts."))
	if err != nil {
		return nil, err
	}
	chunks, err := m.Int64Counter(MetricSessionChunks, metric.WithDescription("Session chunks accepted by the hub."))
	if err != nil {
		return nil, err
	}
	finished, err := m.Int64Counter(MetricSessionsFinished, metric.WithDescription("Sessions reaching done, error or cancelled."))
	if err != nil {
		return nil, err
	}
	pending, err := m.Int64Gauge(MetricQueuePending, metric.WithDescription("Undelivered messages after the last dispatch pass."))
	if err != nil {
		return nil, err
	}
	return &Recorder{
		attempts: attempts,
		failures: failures,
		chunks:   chunks,
		finished: finished,
		pending:  pending,
	}, nil
}

// IsEnabled reports whether the user opted in.
func (r *Recorder) IsEnabled() bool {
	return r != nil && r.enabled
}

// GetOptInStatus returns "enabled" or "disabled".
func (r *Recorder) GetOptInStatus() string {
	if r.IsEnabled() {
		return "enabled"
	}
	return "disabled"
}

// MessageDelivered implements sync.Observer.
func (r *Recorder) MessageDelivered(ctx context.Context, m *models.QueuedMessage) {
	r.delivered.Add(1)
	r.attempts.Add(ctx, 1, metric.WithAttributes(
		attrRich.Bool(m.IsRich),
		attrOutcome.String("delivered"),
	))
}

// MessageFailed implements sync.Observer.
func (r *Recorder) MessageFailed(ctx context.Context, m *models.QueuedMessage, err error) {
	r.failed.Add(1)
	attrs := metric.WithAttributes(
		attrRich.Bool(m.IsRich),
		attrOutcome.String("failed"),
		attrStatusCode.Int(hub.StatusCode(err)),
	)
	r.attempts.Add(ctx, 1, attrs)
	r.failures.Add(ctx, 1, attrs)
}

// PassCompleted implements sync.PassObserver.
func (r *Recorder) PassCompleted(ctx context.Context, result *syncpkg.PassResult) {
	r.pending.Record(ctx, int64(result.Remaining))
}

// SessionEvent implements session.Observer.
func (r *Recorder) SessionEvent(ctx context.Context, event session.Event, s *models.ChunkedSession, err error) {
	switch event {
	case session.EventProgress:
		r.sent.Add(1)
		r.chunks.Add(ctx, 1)
	case session.EventDone, session.EventFailed, session.EventCancelled:
		r.finished.Add(ctx, 1, metric.WithAttributes(attrEvent.String(string(event))))
	}
}

// Snapshot is an in-process summary of what the recorder has seen.
type Snapshot struct {
	Enabled    bool  `json:"enabled"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	ChunksSent int64 `json:"chunks_sent"`

	// Metrics holds the collected instrument values by metric name, summed
	// over attributes. Empty unless the recorder owns its provider.
	Metrics map[string]int64 `json:"metrics,omitempty"`
}

// Snapshot returns counters since the recorder was created. It works even
// when telemetry is disabled, since nothing is exported.
func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Enabled:    r.IsEnabled(),
		Delivered:  r.delivered.Load(),
		Failed:     r.failed.Load(),
		ChunksSent: r.sent.Load(),
	}
}

// Report returns the snapshot plus the values collected from the recorder's
// own reader.
func (r *Recorder) Report(ctx context.Context) (Snapshot, error) {
	snap := r.Snapshot()
	if r.reader == nil {
		return snap, nil
	}

	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return snap, err
	}
	snap.Metrics = make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					snap.Metrics[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					snap.Metrics[m.Name] = dp.Value
				}
			}
		}
	}
	return snap, nil
}

var (
	_ syncpkg.Observer     = (*Recorder)(nil)
	_ syncpkg.PassObserver = (*Recorder)(nil)
	_ session.Observer     = (*Recorder)(nil)
)
