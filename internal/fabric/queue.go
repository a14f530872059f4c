package fabric

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// queue holds the lanes of one channel (or one topic subscription) and its
// consumers.
type queue struct {
	bus   *Bus
	name  string
	lanes []*lane

	mu        sync.Mutex
	consumers []consumer
	next      int
	nextID    int
}

type consumer struct {
	id int
	h  Handler
}

// lane is a FIFO of envelopes consumed by at most one goroutine at a time.
type lane struct {
	q *queue

	mu      sync.Mutex
	items   []*Envelope
	running bool
}

func newQueue(b *Bus, name string, lanes int) *queue {
	q := &queue{bus: b, name: name, lanes: make([]*lane, lanes)}
	for i := range q.lanes {
		q.lanes[i] = &lane{q: q}
	}
	return q
}

func (q *queue) laneFor(correlationID string) *lane {
	h := fnv.New32a()
	h.Write([]byte(correlationID))
	return q.lanes[h.Sum32()%uint32(len(q.lanes))]
}

func (q *queue) push(env Envelope) {
	copies := 1
	if q.bus.duplicate {
		copies = 2
	}
	l := q.laneFor(env.Message.CorrelationID())

	l.mu.Lock()
	for i := 0; i < copies; i++ {
		c := env
		l.items = append(l.items, &c)
		q.bus.inflight.Add(1)
	}
	l.mu.Unlock()

	l.kick()
}

func (q *queue) addConsumer(h Handler) int {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.consumers = append(q.consumers, consumer{id: id, h: h})
	q.mu.Unlock()

	for _, l := range q.lanes {
		l.kick()
	}
	return id
}

func (q *queue) removeConsumer(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, c := range q.consumers {
		if c.id == id {
			q.consumers = append(q.consumers[:i:i], q.consumers[i+1:]...)
			return
		}
	}
}

func (q *queue) hasConsumers() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.consumers) > 0
}

// pick rotates through consumers.
func (q *queue) pick() (Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.consumers) == 0 {
		return nil, false
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	return c.h, true
}

// kick starts the lane goroutine if there is work and someone to do it.
func (l *lane) kick() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running || len(l.items) == 0 || !l.q.hasConsumers() {
		return
	}
	if !l.q.bus.startWorker() {
		return
	}
	l.running = true
	go l.run()
}

func (l *lane) run() {
	b := l.q.bus
	defer b.wg.Done()

	busy := 0
	for {
		l.mu.Lock()
		if len(l.items) == 0 || b.ctx.Err() != nil {
			l.running = false
			l.mu.Unlock()
			return
		}
		env := l.items[0]
		l.mu.Unlock()

		h, ok := l.q.pick()
		if !ok {
			l.mu.Lock()
			if l.q.hasConsumers() {
				l.mu.Unlock()
				continue
			}
			l.running = false
			l.mu.Unlock()
			return
		}

		env.Delivery++
		start := time.Now()
		err := invoke(h, b, *env)
		for _, obs := range b.observers {
			obs.OnDelivered(*env, err, time.Since(start))
		}

		switch {
		case err == nil:
			l.pop()
			busy = 0

		case errors.Is(err, ErrBusy):
			env.Delivery--
			busy++
			if !b.sleep(b.busyBackoff.Delay(busy)) {
				continue
			}

		case env.Delivery >= b.maxDeliveries:
			l.pop()
			busy = 0
			b.deadLetter(*env, err)

		default:
			b.logger.Warn("delivery failed, will redeliver",
				"kind", env.Kind(),
				"channel", env.Channel,
				"message_id", env.ID,
				"delivery", env.Delivery,
				"error", err,
			)
			if !b.sleep(b.backoff.Delay(env.Delivery)) {
				continue
			}
		}
	}
}

func (l *lane) pop() {
	l.mu.Lock()
	l.items[0] = nil
	l.items = l.items[1:]
	if len(l.items) == 0 {
		l.items = nil
	}
	l.mu.Unlock()
	l.q.bus.inflight.Add(-1)
}

// invoke runs h, turning a panic into an error.
func invoke(h Handler, b *Bus, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(b.ctx, env)
}
