package simulation

import (
	"context"

	"tower-wars/lockstep/logging"
)

const (
	// EventLateFrame is emitted when the loop falls behind its deadline beyond tolerance.
	EventLateFrame logging.EventType = "simulation.late_frame"
	// EventFrameDropped is emitted when a frame's presentation step is skipped.
	EventFrameDropped logging.EventType = "simulation.frame_dropped"
	// EventUnknownHandler is emitted when a due event names no registered handler.
	EventUnknownHandler logging.EventType = "simulation.unknown_handler"
	// EventHandlerFailed is emitted when a handler, tick or presentation step fails.
	EventHandlerFailed logging.EventType = "simulation.handler_failed"
	// EventDispatched is emitted for every event handed to a handler.
	EventDispatched logging.EventType = "simulation.dispatched"
	// EventPresented is emitted by the presentation step.
	EventPresented logging.EventType = "simulation.presented"
	// EventCellMutated is emitted when the world tick rewrites a cell.
	EventCellMutated logging.EventType = "simulation.cell_mutated"
	// EventCellCleared is emitted when a clear event empties a cell.
	EventCellCleared logging.EventType = "simulation.cell_cleared"
)

// LateFramePayload captures how far behind the loop is.
type LateFramePayload struct {
	BehindMillis    int64 `json:"behindMillis"`
	ToleranceMillis int64 `json:"toleranceMillis"`
	Fatal           bool  `json:"fatal"`
}

// FrameDroppedPayload captures the missed deadline.
type FrameDroppedPayload struct {
	BehindMillis int64  `json:"behindMillis"`
	Dropped      uint64 `json:"dropped"`
}

// DispatchPayload names a dispatched or undeliverable event.
type DispatchPayload struct {
	Name   string   `json:"name"`
	Args   []string `json:"args,omitempty"`
	Origin string   `json:"origin"`
}

// HandlerFailedPayload describes a failing handler.
type HandlerFailedPayload struct {
	Name  string `json:"name"`
	Error string `json:"error"`
	Panic bool   `json:"panic,omitempty"`
}

// PresentedPayload carries the presented state digest.
type PresentedPayload struct {
	Checksum string `json:"checksum"`
}

// CellPayload locates a playfield cell.
type CellPayload struct {
	Row   int `json:"row"`
	Col   int `json:"col"`
	Value int `json:"value,omitempty"`
}

// LateFrame publishes a warning, or an error when the policy makes it fatal.
func LateFrame(ctx context.Context, pub logging.Publisher, frame int64, payload LateFramePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	severity := logging.SeverityWarn
	if payload.Fatal {
		severity = logging.SeverityError
	}
	event := logging.Event{
		Type:     EventLateFrame,
		Frame:    frame,
		Actor:    logging.EntityRef{Kind: logging.EntityKindEngine},
		Severity: severity,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// FrameDropped publishes a debug event for a skipped presentation step.
func FrameDropped(ctx context.Context, pub logging.Publisher, frame int64, payload FrameDroppedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventFrameDropped,
		Frame:    frame,
		Actor:    logging.EntityRef{Kind: logging.EntityKindEngine},
		Severity: logging.SeverityDebug,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// UnknownHandler publishes a warning for an event nobody handles.
func UnknownHandler(ctx context.Context, pub logging.Publisher, frame int64, payload DispatchPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventUnknownHandler,
		Frame:    frame,
		Actor:    logging.EntityRef{ID: payload.Name, Kind: logging.EntityKindHandler},
		Severity: logging.SeverityWarn,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// HandlerFailed publishes an error for a failing handler.
func HandlerFailed(ctx context.Context, pub logging.Publisher, frame int64, payload HandlerFailedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventHandlerFailed,
		Frame:    frame,
		Actor:    logging.EntityRef{ID: payload.Name, Kind: logging.EntityKindHandler},
		Severity: logging.SeverityError,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// Dispatched publishes a trace event for every delivered event.
func Dispatched(ctx context.Context, pub logging.Publisher, frame int64, payload DispatchPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventDispatched,
		Frame:    frame,
		Actor:    logging.EntityRef{ID: payload.Name, Kind: logging.EntityKindHandler},
		Severity: logging.SeverityTrace,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// Presented publishes a debug event carrying the presented state digest.
func Presented(ctx context.Context, pub logging.Publisher, frame int64, payload PresentedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPresented,
		Frame:    frame,
		Actor:    logging.EntityRef{Kind: logging.EntityKindEngine},
		Severity: logging.SeverityDebug,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// CellMutated publishes a trace event for the per-frame world mutation.
func CellMutated(ctx context.Context, pub logging.Publisher, frame int64, payload CellPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventCellMutated,
		Frame:    frame,
		Actor:    logging.EntityRef{ID: "playfield", Kind: logging.EntityKindEngine},
		Severity: logging.SeverityTrace,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// CellCleared publishes a debug event when a cell is emptied.
func CellCleared(ctx context.Context, pub logging.Publisher, frame int64, payload CellPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventCellCleared,
		Frame:    frame,
		Actor:    logging.EntityRef{ID: "playfield", Kind: logging.EntityKindEngine},
		Severity: logging.SeverityDebug,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
