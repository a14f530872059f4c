// Package engine implements the three cooperating sagas of jobsaga and wires
// them to the message fabric and the saga store.
//
// ARCHITECTURE:
//
// Job Coordinator (kind "job", one instance per job id) owns the job
// lifecycle. It asks the Job Type Limiter for a slot, starts attempts through
// the Job Attempt Tracker and publishes lifecycle events.
//
// Job Type Limiter (kind "job-type", one instance per job type key) owns the
// concurrency budget of a job type: the active job ids, the FIFO of waiting
// requests and the limit.
//
// Job Attempt Tracker (kind "job-attempt", one instance per attempt id)
// dispatches one execution to the worker channel of its job type, records
// what the worker reports and turns a missed deadline into a timeout.
//
// The sagas never call each other. Every interaction is a message:
//
//	client  --SubmitJob/CancelJob-->            jobs
//	jobs    --RequestSlot/ReleaseSlot-->        job-types
//	job-types --SlotGranted-->                  jobs
//	jobs    --StartAttempt/CancelAttempt-->     attempts
//	attempts --DispatchAttempt-->               execute.<job type>
//	workers --AttemptStarted/Completed/Faulted--> attempts
//	attempts --AttemptOutcome-->                jobs
//
// Each message is applied to one instance as one transition: the row is
// loaded under the per-instance lock, the transition table picks the handler
// for (state, message kind), and the new row is written together with the
// effects it produced. Effects are delivered after commit. Pairs missing from
// a table are acknowledged without change, which is how terminal states
// absorb late and duplicate messages.
//
// Deadlines are checked out of band by the sweeper (SweepOnce), which also
// re-delivers effects left in outboxes by a crash.
package engine
