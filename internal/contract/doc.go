// Package contract defines the messages exchanged between the job
// coordinator, the job type limiter, the attempt tracker, workers and
// clients.
//
// Every message is a plain value type implementing Message. Kind names the
// message on the wire and in persisted outboxes; CorrelationID names the saga
// instance (or the worker attempt) the message is addressed to, which is also
// the unit of ordering in the message fabric.
//
// The package also owns the deterministic identity helpers: canonical JSON
// (MarshalCanonical), domain-separated SHA-256 ids (AcceptedReplyID,
// EffectID) and job type key derivation from Go types (TypeKey).
package contract
