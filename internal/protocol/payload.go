package protocol

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Start is the payload of a start message.
type Start struct {
	UserCount int
	Rate      float64
	Host      string
}

// Heartbeat is the payload of a heartbeat message.
type Heartbeat struct {
	State    string
	CPUUsage float64
}

// Stats is the payload of a stats message: one request outcome plus the
// sender's current population.
type Stats struct {
	RequestName    string
	RequestMethod  string
	ResponseTimeMs float64
	ResponseLength int64
	Error          string
	UserCount      int
}

// UserError is the payload of an error message.
type UserError struct {
	Error     string
	UserCount int
}

// StartMessage addresses a start message to nodeID.
func StartMessage(nodeID string, p Start) (Envelope, error) {
	return New(TypeStart, map[string]any{
		"user_count": p.UserCount,
		"rate":       p.Rate,
		"host":       p.Host,
	}, nodeID)
}

// HeartbeatMessage builds a heartbeat from nodeID.
func HeartbeatMessage(nodeID string, p Heartbeat) (Envelope, error) {
	return New(TypeHeartbeat, map[string]any{
		"state":     p.State,
		"cpu_usage": p.CPUUsage,
	}, nodeID)
}

// StartCompleteMessage reports the population reached by nodeID.
func StartCompleteMessage(nodeID string, userCount int) (Envelope, error) {
	return New(TypeStartComplete, map[string]any{"user_count": userCount}, nodeID)
}

// StatsMessage reports one request outcome from nodeID.
func StatsMessage(nodeID string, p Stats) (Envelope, error) {
	return New(TypeStats, map[string]any{
		"request_name":    p.RequestName,
		"request_method":  p.RequestMethod,
		"response_time":   p.ResponseTimeMs,
		"response_length": p.ResponseLength,
		"error":           p.Error,
		"user_count":      p.UserCount,
	}, nodeID)
}

// ErrorMessage reports a user error from nodeID.
func ErrorMessage(nodeID string, p UserError) (Envelope, error) {
	return New(TypeError, map[string]any{
		"error":      p.Error,
		"user_count": p.UserCount,
	}, nodeID)
}

// Signal builds a message without payload (ready, stop, quit, ...).
func Signal(t MessageType, nodeID string) Envelope {
	return Envelope{Type: t, NodeID: nodeID}
}

// ParseStart reads a start payload.
func ParseStart(e Envelope) (Start, error) {
	if e.Payload == nil {
		return Start{}, fmt.Errorf("%w: start without payload", ErrMalformedMessage)
	}
	count, ok := number(e.Payload, "user_count")
	if !ok {
		return Start{}, fmt.Errorf("%w: start without user_count", ErrMalformedMessage)
	}
	rate, ok := number(e.Payload, "rate")
	if !ok {
		return Start{}, fmt.Errorf("%w: start without rate", ErrMalformedMessage)
	}
	return Start{UserCount: int(count), Rate: rate, Host: str(e.Payload, "host")}, nil
}

// ParseHeartbeat reads a heartbeat payload.
func ParseHeartbeat(e Envelope) (Heartbeat, error) {
	if e.Payload == nil {
		return Heartbeat{}, fmt.Errorf("%w: heartbeat without payload", ErrMalformedMessage)
	}
	cpu, _ := number(e.Payload, "cpu_usage")
	return Heartbeat{State: str(e.Payload, "state"), CPUUsage: cpu}, nil
}

// ParseStats reads a stats payload.
func ParseStats(e Envelope) (Stats, error) {
	if e.Payload == nil {
		return Stats{}, fmt.Errorf("%w: stats without payload", ErrMalformedMessage)
	}
	rt, _ := number(e.Payload, "response_time")
	length, _ := number(e.Payload, "response_length")
	return Stats{
		RequestName:    str(e.Payload, "request_name"),
		RequestMethod:  str(e.Payload, "request_method"),
		ResponseTimeMs: rt,
		ResponseLength: int64(length),
		Error:          str(e.Payload, "error"),
		UserCount:      UserCount(e),
	}, nil
}

// ParseUserError reads an error payload.
func ParseUserError(e Envelope) (UserError, error) {
	if e.Payload == nil {
		return UserError{}, fmt.Errorf("%w: error without payload", ErrMalformedMessage)
	}
	return UserError{Error: str(e.Payload, "error"), UserCount: UserCount(e)}, nil
}

// UserCount returns the user_count field of any payload, or 0.
func UserCount(e Envelope) int {
	if e.Payload == nil {
		return 0
	}
	n, _ := number(e.Payload, "user_count")
	return int(n)
}

func number(s *structpb.Struct, key string) (float64, bool) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}
