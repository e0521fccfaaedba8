// Package protocol defines the coordinator/worker wire envelope.
//
// Every message exchanged between a coordinator and its workers is an
// [Envelope] of three fields: a message type, an optional structured payload
// and a node id. The id names the sender on worker-to-coordinator messages
// and the target on coordinator-to-worker messages.
//
// On the wire an envelope is a protobuf ListValue of exactly three elements
// (type, payload or null, id):
//
//	data, err := protocol.Encode(env)
//	env, err := protocol.Decode(data)
//
// Decode rejects anything else with [ErrMalformedMessage].
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// MessageType discriminates envelopes.
type MessageType string

// Worker to coordinator.
const (
	TypeReady         MessageType = "ready"
	TypeStarting      MessageType = "starting"
	TypeStartComplete MessageType = "start_complete"
	TypeHeartbeat     MessageType = "heartbeat"
	TypeStats         MessageType = "stats"
	TypeError         MessageType = "error"
	TypeStopped       MessageType = "stopped"
	TypeQuitted       MessageType = "quitted"
)

// Coordinator to worker.
const (
	TypeStart MessageType = "start"
	TypeStop  MessageType = "stop"
	TypeQuit  MessageType = "quit"
)

// ErrMalformedMessage is returned by Decode for truncated or corrupt input.
var ErrMalformedMessage = errors.New("malformed message")

// Envelope is one wire message. Payload may be nil.
type Envelope struct {
	Type    MessageType
	Payload *structpb.Struct
	NodeID  string
}

// New builds an envelope from a plain map payload. A nil map yields a nil payload.
func New(t MessageType, payload map[string]any, nodeID string) (Envelope, error) {
	env := Envelope{Type: t, NodeID: nodeID}
	if payload == nil {
		return env, nil
	}
	s, err := structpb.NewStruct(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%s payload: %w", t, err)
	}
	env.Payload = s
	return env, nil
}

// Equal reports whether both envelopes carry the same type, payload and id.
func (e Envelope) Equal(other Envelope) bool {
	if e.Type != other.Type || e.NodeID != other.NodeID {
		return false
	}
	if e.Payload == nil || other.Payload == nil {
		return e.Payload == nil && other.Payload == nil
	}
	return proto.Equal(e.Payload, other.Payload)
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s(%s)", e.Type, e.NodeID)
}

// Encode serializes an envelope.
func Encode(e Envelope) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("encode: empty message type")
	}
	payload := structpb.NewNullValue()
	if e.Payload != nil {
		payload = structpb.NewStructValue(e.Payload)
	}
	list := &structpb.ListValue{Values: []*structpb.Value{
		structpb.NewStringValue(string(e.Type)),
		payload,
		structpb.NewStringValue(e.NodeID),
	}}
	data, err := proto.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return data, nil
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	var list structpb.ListValue
	if err := proto.Unmarshal(data, &list); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	values := list.GetValues()
	if len(values) != 3 {
		return Envelope{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedMessage, len(values))
	}

	typ, ok := values[0].GetKind().(*structpb.Value_StringValue)
	if !ok || typ.StringValue == "" {
		return Envelope{}, fmt.Errorf("%w: message type is not a string", ErrMalformedMessage)
	}
	id, ok := values[2].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: node id is not a string", ErrMalformedMessage)
	}

	env := Envelope{Type: MessageType(typ.StringValue), NodeID: id.StringValue}
	switch kind := values[1].GetKind().(type) {
	case *structpb.Value_NullValue:
	case *structpb.Value_StructValue:
		env.Payload = kind.StructValue
	default:
		return Envelope{}, fmt.Errorf("%w: payload is neither null nor a struct", ErrMalformedMessage)
	}
	return env, nil
}
