package engine

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/saga"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

var msgCounter atomic.Int64

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// at builds the input of msg arriving at now.
func at(msg contract.Message, now time.Time) input {
	return input{msg: msg, msgID: fmt.Sprintf("m-%d", msgCounter.Add(1)), now: now}
}

// sim applies steps of one machine to an in-memory row the way the runner
// does, without locks or delivery.
type sim[D any] struct {
	m   *machine[D]
	row saga.Row
}

func newSim[D any](m *machine[D], id string) *sim[D] {
	return &sim[D]{m: m, row: saga.Row{Kind: m.kind, CorrelationID: id}}
}

func (s *sim[D]) apply(t *testing.T, x input) []saga.Outbound {
	t.Helper()
	return s.run(t, s.m.step(x))
}

func (s *sim[D]) applyFunc(t *testing.T, fn func(in *instance[D]) error) []saga.Outbound {
	t.Helper()
	return s.run(t, s.m.stepFunc(fn))
}

func (s *sim[D]) run(t *testing.T, step saga.Step) []saga.Outbound {
	t.Helper()
	next, effects, err := step(s.row)
	require.NoError(t, err)
	if next != nil {
		s.row.State = next.State
		s.row.Data = next.Data
		s.row.Version++
	}
	return effects
}

func (s *sim[D]) data(t *testing.T) D {
	t.Helper()
	d, err := decodeRow[D](s.row)
	require.NoError(t, err)
	return d
}

func (s *sim[D]) state() string {
	if !s.row.Exists() {
		return StateInitial
	}
	return s.row.State
}

// kinds lists "op:kind" of effects, e.g. "publish:job-started".
func kinds(effects []saga.Outbound) []string {
	out := make([]string, len(effects))
	for i, e := range effects {
		out[i] = string(e.Op) + ":" + e.Message.Kind()
	}
	return out
}

// only returns the single message of type T among effects.
func only[T contract.Message](t *testing.T, effects []saga.Outbound) T {
	t.Helper()
	var found []T
	for _, e := range effects {
		if m, ok := e.Message.(T); ok {
			found = append(found, m)
		}
	}
	require.Len(t, found, 1, "effects: %v", kinds(effects))
	return found[0]
}
