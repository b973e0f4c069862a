package events

import (
	"context"
	"fmt"
	"log"

	"github.com/withObsrvr/obsrvr-command-router/internal/config"
)

// Sink publishes lifecycle events.
type Sink interface {
	PublishBatch(ctx context.Context, events []Event) error
	Close() error
}

// NewSink creates the sink named by cfg.Sink.
func NewSink(cfg config.EventsConfig) (Sink, error) {
	switch cfg.Sink {
	case "", "noop":
		log.Println("[events] lifecycle events disabled")
		return Noop{}, nil
	case "file":
		log.Printf("[events] file sink (dir=%s)", cfg.BackupDir)
		return NewFileSink(cfg.BackupDir)
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("events: http sink requires an endpoint")
		}
		log.Printf("[events] http sink (endpoint=%s, backup=%s)", cfg.Endpoint, cfg.BackupDir)
		return NewHTTPSink(cfg.Endpoint, cfg.BackupDir)
	case "postgres":
		return NewPostgresSink(cfg.PostgresDSN, cfg.BackupDir)
	default:
		return nil, fmt.Errorf("events: unknown sink %q", cfg.Sink)
	}
}

// Noop drops every event.
type Noop struct{}

func (Noop) PublishBatch(context.Context, []Event) error { return nil }
func (Noop) Close() error                                { return nil }

// Publish sends a batch if it holds any events.
func Publish(ctx context.Context, s Sink, b *Batch) error {
	if s == nil || b == nil || b.Len() == 0 {
		return nil
	}
	return s.PublishBatch(ctx, b.Events())
}

// Tee publishes to every sink in order and stops at the first error.
type Tee []Sink

func (t Tee) PublishBatch(ctx context.Context, evts []Event) error {
	for _, s := range t {
		if err := s.PublishBatch(ctx, evts); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Close() error {
	var first error
	for _, s := range t {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
