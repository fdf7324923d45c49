package agent

import (
	"encoding/json"
	"fmt"

	"github.com/moltenlabs/cabal/types"
)

// envelope is the tagged wire form of an Op or Event.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalOp encodes op as {"type": ..., "data": ...}.
func MarshalOp(op Op) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal op: %w", err)
	}
	return json.Marshal(envelope{Type: string(op.Kind()), Data: data})
}

// UnmarshalOp decodes the output of MarshalOp.
func UnmarshalOp(b []byte) (Op, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal op envelope: %w", err)
	}

	switch OpKind(env.Type) {
	case OpUserInput:
		return decodeAs[UserInput](env.Data)
	case OpDelegate:
		return decodeAs[Delegate](env.Data)
	case OpCancel:
		return decodeAs[Cancel](env.Data)
	case OpPing:
		return decodeAs[Ping](env.Data)
	default:
		return nil, types.Errorf(types.ErrInvalidOp, "unknown op type %q", env.Type)
	}
}

// MarshalEvent encodes ev as {"type": ..., "data": ...}.
func MarshalEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return json.Marshal(envelope{Type: string(ev.Type()), Data: data})
}

// UnmarshalEvent decodes the output of MarshalEvent.
func UnmarshalEvent(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}

	switch EventType(env.Type) {
	case EventAgentSpawned:
		return decodeAs[AgentSpawned](env.Data)
	case EventStatusChanged:
		return decodeAs[StatusChanged](env.Data)
	case EventTaskComplete:
		return decodeAs[TaskComplete](env.Data)
	case EventAgentFailed:
		return decodeAs[AgentFailed](env.Data)
	case EventTokenUsage:
		return decodeAs[TokenUsage](env.Data)
	case EventPong:
		return decodeAs[Pong](env.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

func decodeAs[T any](data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
