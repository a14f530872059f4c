// Package worker executes dispatched attempts.
//
// A Pool is one worker instance. It competes with the pools of other
// instances for DispatchAttempt messages on the execute.<job type> channels,
// runs the registered Executor of the job type and reports back to the
// attempt tracker. A Pool never talks to the coordinator or the limiter.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
)

// Executor runs the payload of one attempt. The context is cancelled when the
// attempt times out or is cancelled; executors must return promptly then.
type Executor interface {
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// PanicError is returned for an executor that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("executor panic: %v", e.Value)
}

// run calls exec, turning a panic into a *PanicError.
func run(ctx context.Context, exec Executor, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return exec.Execute(ctx, payload)
}
