package bus

import (
	"encoding/json"
	"time"
)

// EventType discriminates the StreamEvent union.
type EventType string

const (
	EventToken    EventType = "token"
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// ErrorClass is the stable error taxonomy carried on Error events and failed tasks.
type ErrorClass string

const (
	ClassValidation         ErrorClass = "validation"
	ClassCollaborator       ErrorClass = "collaborator"
	ClassTimeout            ErrorClass = "timeout"
	ClassCancelled          ErrorClass = "cancelled"
	ClassObserverOverflowed ErrorClass = "observer_overflowed"
	ClassUnknownKind        ErrorClass = "unknown_kind"
	ClassUnknownChannel     ErrorClass = "unknown_channel"
	ClassUnknownTask        ErrorClass = "unknown_task"
)

// ErrorInfo is a classified error with a human-readable message.
type ErrorInfo struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

// StreamEvent is one unit of information published on a channel.
// Seq is assigned by the hub and is strictly increasing per channel.
type StreamEvent struct {
	Seq     int64           `json:"seq"`
	Channel string          `json:"channel"`
	TaskID  string          `json:"task_id,omitempty"`
	Type    EventType       `json:"type"`
	Text    string          `json:"text,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
	Time    time.Time       `json:"time"`
}

// Terminal reports whether the event closes a task's stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventComplete
}

func Token(taskID, text string) StreamEvent {
	return StreamEvent{TaskID: taskID, Type: EventToken, Text: text}
}

func Progress(taskID, message string) StreamEvent {
	return StreamEvent{TaskID: taskID, Type: EventProgress, Message: message}
}

func Result(taskID string, payload json.RawMessage) StreamEvent {
	return StreamEvent{TaskID: taskID, Type: EventResult, Payload: payload}
}

func Error(taskID string, class ErrorClass, message string) StreamEvent {
	return StreamEvent{TaskID: taskID, Type: EventError, Error: &ErrorInfo{Class: class, Message: message}}
}

func Complete(taskID string) StreamEvent {
	return StreamEvent{TaskID: taskID, Type: EventComplete}
}
