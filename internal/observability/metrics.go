// Package observability exports jobsaga metrics through OpenTelemetry.
//
// Metrics is a fabric.Observer: every figure is derived from the messages the
// sagas and workers exchange, so attaching it to the bus is all the wiring
// an engine needs.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/fabric"
)

var _ fabric.Observer = (*Metrics)(nil)

// Metrics holds the instruments of one process.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	// Job lifecycle
	JobsSubmitted metric.Int64Counter
	JobsCompleted metric.Int64Counter
	JobsFaulted   metric.Int64Counter
	JobsCancelled metric.Int64Counter
	JobDuration   metric.Float64Histogram

	// Attempts
	AttemptsStarted metric.Int64Counter
	AttemptsRetried metric.Int64Counter
	AttemptOutcomes metric.Int64Counter
	SlotGrants      metric.Int64Counter

	// Fabric
	MessagesSent     metric.Int64Counter
	Deliveries       metric.Int64Counter
	DeliveryDuration metric.Float64Histogram
	DeadLetters      metric.Int64Counter
}

// New creates the instruments on a meter provider built from opts, e.g.
// sdkmetric.WithReader.
func New(opts ...sdkmetric.Option) (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider(opts...)
	meter := provider.Meter("jobsaga")
	m := &Metrics{provider: provider, meter: meter}

	var err error
	counter := func(dst *metric.Int64Counter, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc))
	}

	counter(&m.JobsSubmitted, "jobsaga_jobs_submitted_total", "Jobs accepted by the coordinator")
	counter(&m.JobsCompleted, "jobsaga_jobs_completed_total", "Jobs whose attempt succeeded")
	counter(&m.JobsFaulted, "jobsaga_jobs_faulted_total", "Jobs that exhausted their retries")
	counter(&m.JobsCancelled, "jobsaga_jobs_cancelled_total", "Jobs cancelled")
	counter(&m.AttemptsStarted, "jobsaga_attempts_started_total", "Attempts picked up by a worker")
	counter(&m.AttemptsRetried, "jobsaga_attempts_retried_total", "Attempts dispatched after a failed one")
	counter(&m.AttemptOutcomes, "jobsaga_attempt_outcomes_total", "Attempt outcomes reported to the coordinator")
	counter(&m.SlotGrants, "jobsaga_slot_grants_total", "Execution slots granted by the limiter")
	counter(&m.MessagesSent, "jobsaga_fabric_messages_total", "Messages sent, published or replied")
	counter(&m.Deliveries, "jobsaga_fabric_deliveries_total", "Handler invocations")
	counter(&m.DeadLetters, "jobsaga_fabric_dead_letters_total", "Messages that exhausted their deliveries")
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"jobsaga_job_duration_seconds",
		metric.WithDescription("Time from first attempt to completion"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryDuration, err = meter.Float64Histogram(
		"jobsaga_fabric_delivery_duration_seconds",
		metric.WithDescription("Handler latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewPrometheus creates the instruments with a Prometheus exporter and
// returns the handler serving them.
func NewPrometheus() (*Metrics, http.Handler, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}
	m, err := New(sdkmetric.WithReader(exporter))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// Provider returns the meter provider, for otel.SetMeterProvider.
func (m *Metrics) Provider() *sdkmetric.MeterProvider {
	return m.provider
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// ObservePending reports the bus backlog as a gauge.
func (m *Metrics) ObservePending(bus *fabric.Bus) error {
	_, err := m.meter.Int64ObservableGauge(
		"jobsaga_fabric_pending",
		metric.WithDescription("Messages queued or being handled (saturation)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(bus.Pending())
			return nil
		}),
	)
	return err
}

// OnSend implements fabric.Observer.
func (m *Metrics) OnSend(env fabric.Envelope) {
	ctx := context.Background()
	m.MessagesSent.Add(ctx, 1, metric.WithAttributes(kindAttr(env.Kind()), channelAttr(env.Channel)))

	switch msg := env.Message.(type) {
	case contract.JobSubmitted:
		m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(msg.JobTypeKey)))
	case contract.JobCompleted:
		m.JobsCompleted.Add(ctx, 1)
		m.JobDuration.Record(ctx, msg.Duration.Seconds())
	case contract.JobFaulted:
		m.JobsFaulted.Add(ctx, 1)
	case contract.JobCancelled:
		m.JobsCancelled.Add(ctx, 1)
	case contract.AttemptStarted:
		m.AttemptsStarted.Add(ctx, 1)
	case contract.StartAttempt:
		if msg.RetryIndex > 0 {
			m.AttemptsRetried.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(msg.JobTypeKey)))
		}
	case contract.AttemptOutcome:
		m.AttemptOutcomes.Add(ctx, 1, metric.WithAttributes(outcomeAttr(msg.Outcome)))
	case contract.SlotGranted:
		m.SlotGrants.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(msg.JobTypeKey)))
	}
}

// OnDelivered implements fabric.Observer.
func (m *Metrics) OnDelivered(env fabric.Envelope, err error, elapsed time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(kindAttr(env.Kind()), failedAttr(err != nil))
	m.Deliveries.Add(ctx, 1, attrs)
	m.DeliveryDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// OnDeadLetter implements fabric.Observer.
func (m *Metrics) OnDeadLetter(env fabric.Envelope, _ error) {
	m.DeadLetters.Add(context.Background(), 1, metric.WithAttributes(kindAttr(env.Kind())))
}
