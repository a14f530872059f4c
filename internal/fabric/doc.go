// Package fabric is the in-process message fabric connecting the sagas and
// the worker pools.
//
// Delivery is at-least-once. A Send goes to exactly one consumer of a
// channel (competing consumers, rotated per delivery); a Publish goes to
// every subscriber of the message kind. Within a channel, messages are
// partitioned into lanes by correlation id and each lane is consumed
// serially, so messages of one correlation id are handled in send order.
//
// A handler error causes redelivery of the same envelope with exponential
// backoff. After the maximum number of deliveries the envelope is
// dead-lettered. A handler that returns ErrBusy is retried without counting
// the attempt.
//
// Messages sent to a channel nobody consumes yet wait in their lane until a
// consumer subscribes. Published messages with no subscriber are dropped.
package fabric
