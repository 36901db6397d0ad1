package pubsub

// CreatedEvent is the broker's generic placeholder event type, exercised by
// its own test suite; domain code defines its own EventType values (see
// queue.jobFinalEvent) rather than reusing a resource-lifecycle vocabulary
// that doesn't fit a one-shot terminal broadcast.
const CreatedEvent EventType = "created"

type (
	// EventType identifies the type of event
	EventType string

	// Event represents an event in the lifecycle of a resource
	Event[T any] struct {
		Type    EventType
		Payload T
	}
)
