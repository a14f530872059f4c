package observability

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/fabric"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := New(sdkmetric.WithReader(reader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sum(t *testing.T, metrics map[string]metricdata.Metrics, name string) int64 {
	t.Helper()
	m, ok := metrics[name]
	if !ok {
		return 0
	}
	data, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is %T", name, m.Data)
	var total int64
	for _, dp := range data.DataPoints {
		total += dp.Value
	}
	return total
}

func sent(msg contract.Message) fabric.Envelope {
	return fabric.Envelope{ID: "m", Mode: fabric.ModePublish, Channel: msg.Kind(), Message: msg}
}

func TestMetrics_CountsLifecycleMessages(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.OnSend(sent(contract.JobSubmitted{JobID: "a", JobTypeKey: "crunch"}))
	m.OnSend(sent(contract.JobSubmitted{JobID: "b", JobTypeKey: "crunch"}))
	m.OnSend(sent(contract.SlotGranted{JobID: "a", JobTypeKey: "crunch"}))
	m.OnSend(sent(contract.StartAttempt{AttemptID: "a/1", RetryIndex: 0}))
	m.OnSend(sent(contract.StartAttempt{AttemptID: "a/2", RetryIndex: 1}))
	m.OnSend(sent(contract.AttemptStarted{AttemptID: "a/2"}))
	m.OnSend(sent(contract.AttemptOutcome{AttemptID: "a/1", Outcome: contract.OutcomeTimeout}))
	m.OnSend(sent(contract.JobCompleted{JobID: "a", Duration: 2 * time.Second}))
	m.OnSend(sent(contract.JobFaulted{JobID: "b"}))
	m.OnSend(sent(contract.JobCancelled{JobID: "c"}))

	got := collect(t, reader)
	assert.Equal(t, int64(2), sum(t, got, "jobsaga_jobs_submitted_total"))
	assert.Equal(t, int64(1), sum(t, got, "jobsaga_jobs_completed_total"))
	assert.Equal(t, int64(1), sum(t, got, "jobsaga_jobs_faulted_total"))
	assert.Equal(t, int64(1), sum(t, got, "jobsaga_jobs_cancelled_total"))
	assert.Equal(t, int64(1), sum(t, got, "jobsaga_attempts_started_total"))
	assert.Equal(t, int64(1), sum(t, got, "jobsaga_attempts_retried_total"))
	assert.Equal(t, int64(1), sum(t, got, "jobsaga_attempt_outcomes_total"))
	assert.Equal(t, int64(1), sum(t, got, "jobsaga_slot_grants_total"))
	assert.Equal(t, int64(10), sum(t, got, "jobsaga_fabric_messages_total"))

	hist, ok := got["jobsaga_job_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 2.0, hist.DataPoints[0].Sum, 1e-9)
}

func TestMetrics_Deliveries(t *testing.T) {
	m, reader := newTestMetrics(t)
	env := sent(contract.JobSubmitted{JobID: "a"})

	m.OnDelivered(env, nil, time.Millisecond)
	m.OnDelivered(env, errors.New("boom"), time.Millisecond)
	m.OnDeadLetter(env, errors.New("boom"))

	got := collect(t, reader)
	assert.Equal(t, int64(2), sum(t, got, "jobsaga_fabric_deliveries_total"))
	assert.Equal(t, int64(1), sum(t, got, "jobsaga_fabric_dead_letters_total"))
}

func TestMetrics_ObservesBusPending(t *testing.T) {
	m, reader := newTestMetrics(t)
	bus := fabric.New(fabric.WithObserver(m))
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	require.NoError(t, m.ObservePending(bus))

	// Nobody consumes the channel, so the message stays pending.
	require.NoError(t, bus.Send(context.Background(), "jobs", contract.CancelJob{JobID: "a"}))

	got := collect(t, reader)
	gauge, ok := got["jobsaga_fabric_pending"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(1), gauge.DataPoints[0].Value)
	assert.Equal(t, int64(1), sum(t, got, "jobsaga_fabric_messages_total"))
}

func TestChannelAttr_FoldsReplyAddresses(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"jobs", "jobs"},
		{"execute.crunch", "execute.crunch"},
		{"reply.0190-abc", "reply.{request}"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, channelAttr(tt.in).Value.AsString())
	}
}

func TestNewPrometheus_ServesMetrics(t *testing.T) {
	m, handler, err := NewPrometheus()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	m.OnSend(sent(contract.JobSubmitted{JobID: "a", JobTypeKey: "crunch"}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "jobsaga_jobs_submitted")
}
