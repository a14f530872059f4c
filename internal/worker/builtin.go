package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// CrunchTheNumbers is the demo job: it keeps a worker busy for Duration.
// Its job type key is "crunch-the-numbers".
type CrunchTheNumbers struct {
	Duration time.Duration `json:"duration"`
}

var builtins = map[string]Executor{
	"sleep": ExecutorFunc(Sleep),
	"fail":  ExecutorFunc(Fail),
	"echo":  ExecutorFunc(Echo),
}

// Builtin returns the built-in executor called name.
func Builtin(name string) (Executor, bool) {
	exec, ok := builtins[name]
	return exec, ok
}

// BuiltinNames lists the built-in executors.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sleep waits for the "duration" of the payload, given either as a Go
// duration string ("1s") or as nanoseconds, or until ctx is done.
func Sleep(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Duration json.RawMessage `json:"duration"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("sleep: decode payload: %w", err)
		}
	}
	d, err := parseDuration(p.Duration)
	if err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return json.Marshal(map[string]string{"slept": d.String()})
}

// Fail always fails with the payload's "reason".
func Fail(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Reason string `json:"reason"`
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &p)
	}
	if p.Reason == "" {
		p.Reason = "job failed"
	}
	return nil, errors.New(p.Reason)
}

// Echo returns its payload.
func Echo(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

func parseDuration(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return max(d, 0), nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("invalid duration %s", raw)
	}
	return max(time.Duration(n), 0), nil
}
