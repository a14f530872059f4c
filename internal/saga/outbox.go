package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/jobsaga/internal/contract"
)

// Op is the delivery operation of an effect.
type Op string

const (
	// OpSend delivers to one consumer of a channel.
	OpSend Op = "send"
	// OpPublish delivers to every subscriber of the message kind.
	OpPublish Op = "publish"
	// OpReply answers a request; Address is the reply address.
	OpReply Op = "reply"
)

// Outbound is a side effect produced by a transition, before persistence.
type Outbound struct {
	Op Op

	// Address is the channel for OpSend and the reply address for OpReply.
	Address string

	// ID overrides the derived effect id. Used when every re-emission of the
	// effect must carry the same id regardless of the row version.
	ID string

	Message contract.Message
}

// Send builds an OpSend effect.
func Send(channel string, msg contract.Message) Outbound {
	return Outbound{Op: OpSend, Address: channel, Message: msg}
}

// Publish builds an OpPublish effect.
func Publish(msg contract.Message) Outbound {
	return Outbound{Op: OpPublish, Message: msg}
}

// Reply builds an OpReply effect. An empty address yields an effect that is
// dropped at delivery (the request was not made synchronously).
func Reply(address string, msg contract.Message) Outbound {
	return Outbound{Op: OpReply, Address: address, Message: msg}
}

// Effect is the persisted form of an Outbound.
type Effect struct {
	ID      string          `json:"id"`
	Op      Op              `json:"op"`
	Address string          `json:"address,omitempty"`
	Kind    string          `json:"kind"`
	Body    json.RawMessage `json:"body"`
}

// Decode returns the message carried by the effect.
func (e Effect) Decode() (contract.Message, error) {
	return contract.Decode(e.Kind, e.Body)
}

// Outlet delivers effects after the transition that recorded them committed.
type Outlet interface {
	Deliver(ctx context.Context, effect Effect) error
}

// OutletFunc adapts a function to Outlet.
type OutletFunc func(ctx context.Context, effect Effect) error

// Deliver calls f.
func (f OutletFunc) Deliver(ctx context.Context, effect Effect) error {
	return f(ctx, effect)
}

// encodeEffects assigns ids and serializes outbound effects for the given
// row version.
func encodeEffects(kind, id string, version int64, outs []Outbound) ([]Effect, error) {
	effects := make([]Effect, 0, len(outs))
	for i, out := range outs {
		if out.Message == nil {
			return nil, fmt.Errorf("effect %d of %s/%s has no message", i, kind, id)
		}
		body, err := contract.Encode(out.Message)
		if err != nil {
			return nil, err
		}
		effectID := out.ID
		if effectID == "" {
			effectID, err = contract.EffectID(kind, id, version, i)
			if err != nil {
				return nil, err
			}
		}
		effects = append(effects, Effect{
			ID:      effectID,
			Op:      out.Op,
			Address: out.Address,
			Kind:    out.Message.Kind(),
			Body:    body,
		})
	}
	return effects, nil
}
