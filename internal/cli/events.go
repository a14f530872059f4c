package cli

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/fabric"
)

// eventPrinter writes job lifecycle events as they are published.
type eventPrinter struct {
	mu   sync.Mutex
	out  *OutputFormatter
	seen map[string]bool
}

func newEventPrinter(out *OutputFormatter) *eventPrinter {
	return &eventPrinter{out: out, seen: map[string]bool{}}
}

// eventLine is one event in JSON output.
type eventLine struct {
	Event   string           `json:"event"`
	JobID   string           `json:"job_id"`
	Seq     int64            `json:"seq"`
	Message contract.Message `json:"message"`
}

func (p *eventPrinter) print(env fabric.Envelope) {
	if env.Mode != fabric.ModePublish {
		return
	}
	detail, ok := describeEvent(env.Message)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[env.ID] {
		return
	}
	p.seen[env.ID] = true

	jobID := env.Message.CorrelationID()
	if p.out.json() {
		_ = json.NewEncoder(p.out.Writer).Encode(eventLine{Event: env.Kind(), JobID: jobID, Seq: env.Seq, Message: env.Message})
		return
	}
	fmt.Fprintf(p.out.Writer, "%-24s %-14s %s\n", jobID, env.Kind(), detail)
}

// describeEvent renders the interesting field of a lifecycle event.
func describeEvent(msg contract.Message) (string, bool) {
	switch m := msg.(type) {
	case contract.JobSubmitted:
		return m.JobTypeKey, true
	case contract.JobStarted:
		return m.AttemptID, true
	case contract.JobCompleted:
		return m.Duration.Round(time.Millisecond).String(), true
	case contract.JobFaulted:
		return m.Reason, true
	case contract.JobCancelled:
		return "", true
	}
	return "", false
}
