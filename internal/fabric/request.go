package fabric

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/jobsaga/internal/contract"
)

const replyPrefix = "reply."

// Request sends msg to channel and waits for the first reply.
func (b *Bus) Request(ctx context.Context, channel string, msg contract.Message, opts ...SendOption) (Envelope, error) {
	addr := replyPrefix + uuid.Must(uuid.NewV7()).String()
	ch := make(chan Envelope, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Envelope{}, ErrClosed
	}
	b.pending[addr] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, addr)
		b.mu.Unlock()
	}()

	opts = append(opts, WithReplyTo(addr))
	if err := b.Send(ctx, channel, msg, opts...); err != nil {
		return Envelope{}, err
	}

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("request %s on %s: %w", msg.Kind(), channel, ctx.Err())
	case <-b.ctx.Done():
		return Envelope{}, ErrClosed
	}
}

// Reply answers a Request waiting on replyTo. Only the first reply reaches
// the requester; later ones are traced and dropped. An empty replyTo is
// ignored.
func (b *Bus) Reply(ctx context.Context, replyTo string, msg contract.Message, opts ...SendOption) error {
	if msg == nil {
		return fmt.Errorf("reply to %s: nil message", replyTo)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if replyTo == "" {
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	ch, ok := b.pending[replyTo]
	if ok {
		delete(b.pending, replyTo)
	}
	b.mu.Unlock()

	env := b.emit(ModeReply, replyTo, msg, opts)
	if !ok {
		b.logger.Debug("reply has no waiting requester",
			"kind", msg.Kind(),
			"reply_to", replyTo,
			"message_id", env.ID,
		)
		return nil
	}
	ch <- env
	return nil
}
