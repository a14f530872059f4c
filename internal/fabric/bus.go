package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/jobsaga/internal/clock"
	"github.com/roach88/jobsaga/internal/contract"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("fabric: bus closed")

	// ErrBusy is returned by a handler that cannot take the message right
	// now. The message is offered again, to the next consumer in rotation,
	// without counting as a failed delivery.
	ErrBusy = errors.New("fabric: consumer busy")
)

// Mode is how an envelope was sent.
type Mode string

const (
	ModeSend    Mode = "send"
	ModePublish Mode = "publish"
	ModeReply   Mode = "reply"
)

// Envelope is one message in flight.
type Envelope struct {
	// ID identifies the message. Every delivery of the same send, including
	// duplicates and redeliveries, carries the same ID.
	ID string

	// Seq orders sends on this bus.
	Seq int64

	Mode Mode

	// Channel is the destination channel for ModeSend, the message kind for
	// ModePublish and the reply address for ModeReply.
	Channel string

	// ReplyTo is the address a Request waits on, empty otherwise.
	ReplyTo string

	// Delivery counts delivery attempts of this copy, starting at 1.
	Delivery int

	SentAt  time.Time
	Message contract.Message
}

// Kind returns the message kind.
func (e Envelope) Kind() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.Kind()
}

// Handler consumes one envelope. A non-nil error requests redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Observer is notified of traffic on the bus. Methods are called
// synchronously and must not block.
type Observer interface {
	OnSend(env Envelope)
	OnDelivered(env Envelope, err error, elapsed time.Duration)
	OnDeadLetter(env Envelope, err error)
}

// DeadLetter is an envelope that exhausted its deliveries.
type DeadLetter struct {
	Envelope Envelope
	Err      error
}

const maxDeadLetters = 1024

// Bus is an in-memory message fabric.
type Bus struct {
	mu      sync.Mutex
	queues  map[string]*queue
	topics  map[string][]*queue
	pending map[string]chan Envelope
	dead    []DeadLetter
	closed  bool

	emitMu sync.Mutex
	taps   map[int]func(Envelope)
	tapID  int

	seq           *clock.Sequence
	clock         clock.Clock
	lanes         int
	maxDeliveries int
	backoff       Backoff
	busyBackoff   Backoff
	duplicate     bool
	observers     []Observer
	logger        *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLanes sets the number of ordering lanes per channel.
func WithLanes(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.lanes = n
		}
	}
}

// WithMaxDeliveries sets how many times a failing message is delivered
// before it is dead-lettered.
func WithMaxDeliveries(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxDeliveries = n
		}
	}
}

// WithBackoff sets the redelivery backoff.
func WithBackoff(bo Backoff) Option {
	return func(b *Bus) { b.backoff = bo }
}

// WithDuplicateDelivery delivers every message twice. Used to exercise
// consumer idempotence.
func WithDuplicateDelivery(on bool) Option {
	return func(b *Bus) { b.duplicate = on }
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.observers = append(b.observers, o) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithClock sets the clock stamping SentAt.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithSequence sets the sequence assigning Seq.
func WithSequence(s *clock.Sequence) Option {
	return func(b *Bus) { b.seq = s }
}

// New creates a running bus.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		queues:        make(map[string]*queue),
		topics:        make(map[string][]*queue),
		pending:       make(map[string]chan Envelope),
		taps:          make(map[int]func(Envelope)),
		seq:           clock.NewSequence(),
		clock:         clock.System{},
		lanes:         16,
		maxDeliveries: 10,
		busyBackoff:   Backoff{Initial: 2 * time.Millisecond, Max: 100 * time.Millisecond},
		logger:        slog.Default().With("component", "fabric"),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SendOption configures a single send.
type SendOption func(*sendOptions)

type sendOptions struct {
	id      string
	replyTo string
}

// WithMessageID sets the message id instead of generating one.
func WithMessageID(id string) SendOption {
	return func(o *sendOptions) { o.id = id }
}

// WithReplyTo sets the address replies are sent to.
func WithReplyTo(addr string) SendOption {
	return func(o *sendOptions) { o.replyTo = addr }
}

// Send delivers msg to one consumer of channel.
func (b *Bus) Send(ctx context.Context, channel string, msg contract.Message, opts ...SendOption) error {
	if msg == nil {
		return fmt.Errorf("send to %s: nil message", channel)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	q := b.queueLocked(channel)
	b.mu.Unlock()

	env := b.emit(ModeSend, channel, msg, opts)
	q.push(env)
	return nil
}

// Publish delivers msg to every subscriber of its kind.
func (b *Bus) Publish(ctx context.Context, msg contract.Message, opts ...SendOption) error {
	if msg == nil {
		return errors.New("publish: nil message")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	subs := append([]*queue(nil), b.topics[msg.Kind()]...)
	b.mu.Unlock()

	env := b.emit(ModePublish, msg.Kind(), msg, opts)
	for _, q := range subs {
		q.push(env)
	}
	return nil
}

// Subscribe registers h as a competing consumer of channel and returns a
// function that removes it.
func (b *Bus) Subscribe(channel string, h Handler) func() {
	b.mu.Lock()
	q := b.queueLocked(channel)
	b.mu.Unlock()

	id := q.addConsumer(h)
	return func() { q.removeConsumer(id) }
}

// SubscribeTopic registers h for every published message of kind and
// returns a function that removes it.
func (b *Bus) SubscribeTopic(kind string, h Handler) func() {
	q := newQueue(b, "topic:"+kind, b.lanes)

	b.mu.Lock()
	b.topics[kind] = append(b.topics[kind], q)
	b.mu.Unlock()

	id := q.addConsumer(h)
	return func() {
		b.mu.Lock()
		subs := b.topics[kind]
		for i, s := range subs {
			if s == q {
				b.topics[kind] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		q.removeConsumer(id)
	}
}

// Tap registers fn to observe every send, publish and reply once, in Seq
// order. fn must not call back into the bus.
func (b *Bus) Tap(fn func(Envelope)) func() {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	b.tapID++
	id := b.tapID
	b.taps[id] = fn
	return func() {
		b.emitMu.Lock()
		defer b.emitMu.Unlock()
		delete(b.taps, id)
	}
}

// DeadLetters returns the most recent dead-lettered envelopes.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

// Pending reports the number of queued or in-flight deliveries.
func (b *Bus) Pending() int64 {
	return b.inflight.Load()
}

// Close stops delivery and waits for running handlers to return.
// Queued messages are dropped.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.logger.Warn("bus shutdown timed out", "pending", b.inflight.Load())
		return ctx.Err()
	}
}

// queueLocked returns the queue of channel, creating it. b.mu must be held.
func (b *Bus) queueLocked(channel string) *queue {
	q, ok := b.queues[channel]
	if !ok {
		q = newQueue(b, channel, b.lanes)
		b.queues[channel] = q
	}
	return q
}

// emit stamps a new envelope and shows it to taps and observers.
func (b *Bus) emit(mode Mode, channel string, msg contract.Message, opts []SendOption) Envelope {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.Must(uuid.NewV7()).String()
	}

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	env := Envelope{
		ID:      o.id,
		Seq:     b.seq.Next(),
		Mode:    mode,
		Channel: channel,
		ReplyTo: o.replyTo,
		SentAt:  b.clock.Now(),
		Message: msg,
	}
	for _, tap := range b.taps {
		tap(env)
	}
	for _, obs := range b.observers {
		obs.OnSend(env)
	}
	return env
}

// startWorker accounts for a lane goroutine unless the bus is closed.
func (b *Bus) startWorker() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *Bus) deadLetter(env Envelope, err error) {
	b.mu.Lock()
	b.dead = append(b.dead, DeadLetter{Envelope: env, Err: err})
	if len(b.dead) > maxDeadLetters {
		b.dead = b.dead[len(b.dead)-maxDeadLetters:]
	}
	b.mu.Unlock()

	for _, o := range b.observers {
		o.OnDeadLetter(env, err)
	}
	b.logger.Error("message dead-lettered",
		"kind", env.Kind(),
		"channel", env.Channel,
		"message_id", env.ID,
		"correlation_id", env.Message.CorrelationID(),
		"deliveries", env.Delivery,
		"error", err,
	)
}

func (b *Bus) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-b.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
