package workitem

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxMessageBytes bounds the encoded size of one work item.
const DefaultMaxMessageBytes = 64 * 1024

// Queue publishes typed work items to one named queue.
type Queue[T any] struct {
	name     string
	backend  Backend
	maxBytes int
}

// NewQueue creates a typed queue. maxBytes <= 0 uses DefaultMaxMessageBytes.
func NewQueue[T any](backend Backend, name string, maxBytes int) *Queue[T] {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Queue[T]{name: name, backend: backend, maxBytes: maxBytes}
}

func (q *Queue[T]) Name() string { return q.name }

// Publish adds one work item.
func (q *Queue[T]) Publish(ctx context.Context, item *T, delay time.Duration) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s: %w", q.name, err)
	}
	if len(body) > q.maxBytes {
		return fmt.Errorf("%s: %d bytes: %w", q.name, len(body), ErrMessageTooLarge)
	}
	return q.backend.Push(ctx, q.name, body, delay)
}

func (q *Queue[T]) decode(body []byte) (*T, error) {
	var item T
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("decode %s: %w", q.name, err)
	}
	return &item, nil
}

// PublishWithSplit publishes items as one work item built by build, halving
// the set while the encoded item is over the size limit. Each published
// piece is a node of a binary tree: the root is position 0 and the children
// of n are 2n+1 and 2n+2. delay receives the position so pieces touching the
// same record can be spread out in time.
func PublishWithSplit[T, E any](ctx context.Context, q *Queue[T], items []E, build func([]E) *T, delay func(position int) time.Duration) error {
	return publishSplit(ctx, q, 0, items, build, delay)
}

func publishSplit[T, E any](ctx context.Context, q *Queue[T], position int, items []E, build func([]E) *T, delay func(int) time.Duration) error {
	if len(items) == 0 {
		return nil
	}

	item := build(items)
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s: %w", q.name, err)
	}

	var d time.Duration
	if delay != nil {
		d = delay(position)
	}

	if len(body) <= q.maxBytes {
		return q.backend.Push(ctx, q.name, body, d)
	}
	if len(items) == 1 {
		return fmt.Errorf("%s: %d bytes: %w", q.name, len(body), ErrMessageTooLarge)
	}

	left := len(items) / 2
	if err := publishSplit(ctx, q, 2*position+1, items[:left], build, delay); err != nil {
		return err
	}
	return publishSplit(ctx, q, 2*position+2, items[left:], build, delay)
}
