package lifecycle

import (
	"context"

	"tower-wars/lockstep/logging"
)

const (
	// EventSessionStarted is emitted when the process picks its role.
	EventSessionStarted logging.EventType = "lifecycle.session_started"
	// EventSessionEnded is emitted when the frame loop stops.
	EventSessionEnded logging.EventType = "lifecycle.session_ended"
)

// SessionStartedPayload captures the role and endpoint of the session.
type SessionStartedPayload struct {
	Role      string `json:"role"`
	Transport string `json:"transport,omitempty"`
	Address   string `json:"address,omitempty"`
	FrameRate int    `json:"frameRate"`
}

// SessionEndedPayload captures why the loop stopped.
type SessionEndedPayload struct {
	Reason string `json:"reason"`
}

// SessionStarted publishes a session start event.
func SessionStarted(ctx context.Context, pub logging.Publisher, frame int64, payload SessionStartedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSessionStarted,
		Frame:    frame,
		Actor:    logging.EntityRef{Kind: logging.EntityKindEngine},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// SessionEnded publishes a session end event.
func SessionEnded(ctx context.Context, pub logging.Publisher, frame int64, payload SessionEndedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventSessionEnded,
		Frame:    frame,
		Actor:    logging.EntityRef{Kind: logging.EntityKindEngine},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
