package models

import "time"

type EventType string

const (
	EventCreated   EventType = "created"
	EventCalled    EventType = "called"
	EventCompleted EventType = "completed"
	EventSkipped   EventType = "skipped"
)

// TopicQueueUpdates is the default broadcast topic for ticket events.
const TopicQueueUpdates = "queue-updates"

type Event struct {
	Type       EventType `json:"type"`
	Ticket     Ticket    `json:"ticket"`
	OccurredAt time.Time `json:"occurred_at"`
}
