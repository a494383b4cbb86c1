package pipeline

// Stage identifies one phase of the pipeline. Consumers must treat unknown
// stage names as opaque so new stages can be added without breaking them.
type Stage string

const (
	StageRouting    Stage = "routing"
	StageGenerating Stage = "generating"
	StageReviewing  Stage = "reviewing"
	StageComplete   Stage = "complete"
)

// EventType discriminates the event union on the wire.
type EventType string

const (
	EventStatus EventType = "status"
	EventToken  EventType = "token"
	EventError  EventType = "error"
)

// Event is one record of the newline-delimited stream sent to the client.
// Events are emitted in strict temporal order within a turn.
type Event struct {
	Type     EventType `json:"type"`
	Stage    Stage     `json:"stage,omitempty"`
	Model    string    `json:"model,omitempty"`
	IsUrgent *bool     `json:"is_urgent,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Content  string    `json:"content,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Sink receives events as they are produced. A Sink error means the
// consumer is gone; the pipeline stops promptly and does not persist the
// aborted turn.
type Sink func(Event) error

func statusEvent(stage Stage, model string) Event {
	return Event{Type: EventStatus, Stage: stage, Model: model}
}

func tokenEvent(stage Stage, content string) Event {
	return Event{Type: EventToken, Stage: stage, Content: content}
}

func errorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}
