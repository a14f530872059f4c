// Package harness runs jobsaga scenarios against a real engine.
//
// A scenario starts an engine on an in-memory store and fabric, with a
// manual clock, sequential attempt ids and one worker pool ("node-a")
// running the built-in executors. Its steps submit and cancel jobs, move the
// clock, sweep and change limits; its assertions check the message trace and
// the final saga documents.
//
// # Scenario Format
//
//	name: crunch_the_numbers
//	description: "One job runs to completion"
//	job_types:
//	  crunch-the-numbers:
//	    concurrent_limit: 1
//	    timeout: 30s
//	    executor: sleep
//	steps:
//	  - submit: { job_id: job-1, job_type: crunch-the-numbers, payload: { duration: 10ms } }
//	  - wait_for: { kind: job-completed, id: job-1 }
//	assertions:
//	  - type: trace_order
//	    events:
//	      - { kind: job-submitted, id: job-1 }
//	      - { kind: job-completed, id: job-1 }
//	  - type: final_state
//	    saga: job
//	    id: job-1
//	    expect: { state: Completed, attempt_count: 1 }
//
// # Steps
//
// Each step sets exactly one of:
//
//   - submit: send SubmitJob and wait for the reply (expect: rejected for
//     a duplicate)
//   - cancel: send CancelJob
//   - advance: move the manual clock by a duration
//   - sweep: run one sweeper pass
//   - set_limit: change the concurrency limit of a job type
//   - wait_for: block until a message of a kind is recorded for an id
//   - wait_idle: block until no message is queued or being handled
//
// After the last step the harness also waits for running attempts to end,
// so scenarios must leave none behind.
//
// # Assertion Types
//
//   - trace_contains: a message matching kind/id/job/mode was recorded
//   - trace_order: the listed messages were recorded in this order
//   - trace_count: exactly count messages match
//   - final_state: fields of a job, job-type or job-attempt document
//
// # Golden Files
//
// RunWithGolden compares a canonical snapshot of the final state, with the
// lifecycle events of every job, against testdata/golden/<name>.golden.
// Regenerate with:
//
//	go test ./internal/harness -update
package harness
