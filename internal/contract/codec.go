package contract

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]reflect.Type{}
)

func init() {
	Register(
		SubmitJob{}, JobSubmissionAccepted{}, JobSubmissionRejected{}, CancelJob{},
		JobSubmitted{}, JobStarted{}, JobCompleted{}, JobFaulted{}, JobCancelled{},
		RequestSlot{}, SlotGranted{}, ReleaseSlot{},
		StartAttempt{}, DispatchAttempt{}, AttemptStarted{}, AttemptCompleted{},
		AttemptFaulted{}, AttemptDeadlinePassed{}, CancelAttempt{},
		AttemptCancellationRequested{}, AttemptOutcome{},
	)
}

// Register makes message types decodable by Kind. Messages must be value
// types; registering the same kind twice with a different type panics.
func Register(msgs ...Message) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, m := range msgs {
		t := reflect.TypeOf(m)
		if t.Kind() == reflect.Pointer {
			panic(fmt.Sprintf("contract: register %s: pointer message types are not supported", t))
		}
		if existing, ok := registry[m.Kind()]; ok && existing != t {
			panic(fmt.Sprintf("contract: kind %q already registered for %s", m.Kind(), existing))
		}
		registry[m.Kind()] = t
	}
}

// Encode serializes a message body. The kind travels separately.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return body, nil
}

// Decode reconstructs a message of the given kind from its body.
// The returned Message holds a value (not a pointer) of the registered type.
func Decode(kind string, body []byte) (Message, error) {
	registryMu.RLock()
	t, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("decode: unknown message kind %q", kind)
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(body, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	msg, ok := ptr.Elem().Interface().(Message)
	if !ok {
		return nil, fmt.Errorf("decode %s: %s does not implement Message", kind, t)
	}
	return msg, nil
}

var validate = validator.New()

// Validate checks the struct tags of a message before it enters a state
// machine.
func Validate(msg Message) error {
	if msg == nil {
		return fmt.Errorf("validate: nil message")
	}
	if err := validate.Struct(msg); err != nil {
		return fmt.Errorf("invalid %s: %w", msg.Kind(), err)
	}
	return nil
}
