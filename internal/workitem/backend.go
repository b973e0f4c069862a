package workitem

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmpty is returned by Pop when no work item is visible.
	ErrEmpty = errors.New("no work item available")

	// ErrLeaseLost is returned when a message's lease expired and another
	// worker took it.
	ErrLeaseLost = errors.New("work item lease lost")

	// ErrMessageTooLarge is returned for a single item that cannot be split
	// below the message size limit.
	ErrMessageTooLarge = errors.New("work item too large")
)

// Message is one leased work item.
type Message struct {
	ID         string
	Queue      string
	Body       []byte
	Attempt    int
	EnqueuedAt time.Time
	Token      string
}

// Backend stores work items durably.
type Backend interface {
	// Push adds a work item that becomes visible after delay.
	Push(ctx context.Context, queue string, body []byte, delay time.Duration) error

	// Pop leases the next visible work item, or returns ErrEmpty.
	Pop(ctx context.Context, queue string, lease time.Duration) (*Message, error)

	// Complete removes a leased work item.
	Complete(ctx context.Context, msg *Message) error

	// Retry replaces the body of a leased item and makes it visible again
	// after delay.
	Retry(ctx context.Context, msg *Message, body []byte, delay time.Duration) error

	// Len counts the items of a queue, visible or not.
	Len(ctx context.Context, queue string) (int, error)
}
