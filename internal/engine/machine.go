package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/jobsaga/internal/contract"
	"github.com/roach88/jobsaga/internal/saga"
)

// Channels of the fabric.
const (
	ChannelJobs     = "jobs"
	ChannelJobTypes = "job-types"
	ChannelAttempts = "attempts"
)

// ExecuteChannel is the competing-consumer channel of a job type's workers.
func ExecuteChannel(jobTypeKey string) string {
	return "execute." + jobTypeKey
}

// Saga kinds in the store.
const (
	KindJob     = "job"
	KindJobType = "job-type"
	KindAttempt = "job-attempt"
)

// StateInitial is the state of an instance that has no row yet.
const StateInitial = "Initial"

// input is one message handed to a saga.
type input struct {
	msg     contract.Message
	msgID   string
	replyTo string
	now     time.Time
}

// instance is the decoded row a transition works on.
type instance[D any] struct {
	Kind          string
	CorrelationID string
	State         string
	Data          D

	exists  bool
	dirty   bool
	effects []saga.Outbound
}

// moveTo changes state and marks the instance for writing.
func (in *instance[D]) moveTo(state string) {
	in.State = state
	in.dirty = true
}

// touch marks the instance for writing without a state change.
func (in *instance[D]) touch() {
	in.dirty = true
}

func (in *instance[D]) send(channel string, msg contract.Message) {
	in.effects = append(in.effects, saga.Send(channel, msg))
}

func (in *instance[D]) publish(msg contract.Message) {
	in.effects = append(in.effects, saga.Publish(msg))
}

func (in *instance[D]) reply(addr, id string, msg contract.Message) {
	out := saga.Reply(addr, msg)
	out.ID = id
	in.effects = append(in.effects, out)
}

// transition applies one message. It must only touch in.
type transition[D any] func(in *instance[D], x input) error

// machine is the transition table of one saga kind: state -> message kind ->
// transition. Missing pairs are acknowledged no-ops.
type machine[D any] struct {
	kind  string
	table map[string]map[string]transition[D]
}

func newMachine[D any](kind string) *machine[D] {
	return &machine[D]{kind: kind, table: make(map[string]map[string]transition[D])}
}

// on registers fn for msgKind in each of states.
func (m *machine[D]) on(msgKind string, fn transition[D], states ...string) {
	for _, st := range states {
		if m.table[st] == nil {
			m.table[st] = make(map[string]transition[D])
		}
		m.table[st][msgKind] = fn
	}
}

// handles reports whether any state takes msgKind.
func (m *machine[D]) handles(msgKind string) bool {
	for _, byKind := range m.table {
		if _, ok := byKind[msgKind]; ok {
			return true
		}
	}
	return false
}

// decode turns a row into an instance.
func (m *machine[D]) decode(row saga.Row) (instance[D], error) {
	in := instance[D]{Kind: m.kind, CorrelationID: row.CorrelationID, State: StateInitial}
	if !row.Exists() {
		return in, nil
	}
	in.exists = true
	in.State = row.State
	data, err := decodeRow[D](row)
	if err != nil {
		return in, err
	}
	in.Data = data
	return in, nil
}

// step builds the saga.Step applying x.
func (m *machine[D]) step(x input) saga.Step {
	return func(cur saga.Row) (*saga.Row, []saga.Outbound, error) {
		in, err := m.decode(cur)
		if err != nil {
			return nil, nil, err
		}
		fn, ok := m.table[in.State][x.msg.Kind()]
		if !ok {
			return nil, nil, nil
		}
		if err := fn(&in, x); err != nil {
			return nil, nil, err
		}
		if !in.dirty && x.msgID != "" {
			if err := m.causedIDs(&in, x.msgID); err != nil {
				return nil, nil, err
			}
		}
		return m.encode(in)
	}
}

// causedIDs names the effects of a transition that leaves the row unchanged
// after the message that caused them. Version-derived ids would collide with
// the effects committed at the current version.
func (m *machine[D]) causedIDs(in *instance[D], msgID string) error {
	for i := range in.effects {
		if in.effects[i].ID != "" {
			continue
		}
		id, err := contract.CausedEffectID(m.kind, in.CorrelationID, msgID, i)
		if err != nil {
			return err
		}
		in.effects[i].ID = id
	}
	return nil
}

// stepFunc builds a saga.Step from a transition outside the table.
func (m *machine[D]) stepFunc(fn func(in *instance[D]) error) saga.Step {
	return func(cur saga.Row) (*saga.Row, []saga.Outbound, error) {
		in, err := m.decode(cur)
		if err != nil {
			return nil, nil, err
		}
		if err := fn(&in); err != nil {
			return nil, nil, err
		}
		return m.encode(in)
	}
}

func (m *machine[D]) encode(in instance[D]) (*saga.Row, []saga.Outbound, error) {
	if !in.dirty {
		return nil, in.effects, nil
	}
	data, err := json.Marshal(in.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s/%s: %w", m.kind, in.CorrelationID, err)
	}
	return &saga.Row{State: in.State, Data: data}, in.effects, nil
}
