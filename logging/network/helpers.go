package network

import (
	"context"

	"tower-wars/lockstep/logging"
)

const (
	// EventPeerConnected is emitted when a transport to the peer is established.
	EventPeerConnected logging.EventType = "network.peer_connected"
	// EventRTTSample is emitted for each round-trip sample collected during the handshake.
	EventRTTSample logging.EventType = "network.rtt_sample"
	// EventSynchronized is emitted when the frame offset to the peer is fixed.
	EventSynchronized logging.EventType = "network.synchronized"
	// EventProtocolViolation is emitted when the peer breaks the handshake or scheduling contract.
	EventProtocolViolation logging.EventType = "network.protocol_violation"
	// EventDisconnected is emitted when the peer transport reaches end of stream.
	EventDisconnected logging.EventType = "network.disconnected"
)

// PeerConnectedPayload describes the role this side took for the connection.
type PeerConnectedPayload struct {
	Role   string `json:"role"`
	Remote string `json:"remote,omitempty"`
}

// RTTSamplePayload captures one round-trip measurement in frames.
type RTTSamplePayload struct {
	RTT     int64 `json:"rtt"`
	Samples int   `json:"samples"`
	Needed  int   `json:"needed"`
}

// SynchronizedPayload captures the agreed frame mapping.
type SynchronizedPayload struct {
	Offset  int64 `json:"offset"`
	HalfRTT int64 `json:"halfRtt,omitempty"`
	Samples int   `json:"samples,omitempty"`
}

// ViolationPayload describes why the connection was aborted.
type ViolationPayload struct {
	State  string `json:"state"`
	Record string `json:"record,omitempty"`
	Reason string `json:"reason"`
}

// DisconnectedPayload describes the transport failure.
type DisconnectedPayload struct {
	State  string `json:"state"`
	Reason string `json:"reason"`
}

// PeerConnected publishes an info event when the peer transport comes up.
func PeerConnected(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload PeerConnectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerConnected,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// RTTSample publishes a trace event for a collected round-trip sample.
func RTTSample(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload RTTSamplePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventRTTSample,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityTrace,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// Synchronized publishes an info event once the frame offset is known.
func Synchronized(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload SynchronizedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSynchronized,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ProtocolViolation publishes an error event when the connection is aborted.
func ProtocolViolation(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload ViolationPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventProtocolViolation,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityError,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// Disconnected publishes an error event when the peer stream ends.
func Disconnected(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload DisconnectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventDisconnected,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityError,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
