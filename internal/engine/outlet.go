package engine

import (
	"context"
	"fmt"

	"github.com/roach88/jobsaga/internal/fabric"
	"github.com/roach88/jobsaga/internal/saga"
)

// busOutlet delivers committed effects to the fabric under their effect id,
// so a re-flushed outbox re-sends messages consumers have seen before.
type busOutlet struct {
	bus *fabric.Bus
}

func (o busOutlet) Deliver(ctx context.Context, effect saga.Effect) error {
	msg, err := effect.Decode()
	if err != nil {
		return err
	}
	id := fabric.WithMessageID(effect.ID)

	switch effect.Op {
	case saga.OpSend:
		return o.bus.Send(ctx, effect.Address, msg, id)
	case saga.OpPublish:
		return o.bus.Publish(ctx, msg, id)
	case saga.OpReply:
		return o.bus.Reply(ctx, effect.Address, msg, id)
	default:
		return fmt.Errorf("unknown effect op %q", effect.Op)
	}
}
