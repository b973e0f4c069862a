package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-command-router/internal/metrics"
)

// HTTPSink posts event batches to an endpoint. Every batch is backed up to
// local files before it is sent.
type HTTPSink struct {
	endpoint     string
	client       *http.Client
	retries      uint64
	initialDelay time.Duration

	mu           sync.Mutex
	chainTracker *ChainTracker
	backup       *FileBackup
}

// NewHTTPSink creates a sink posting to endpoint and backing up to dir.
func NewHTTPSink(endpoint, dir string) (*HTTPSink, error) {
	chainTracker, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &HTTPSink{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		retries:      3,
		initialDelay: time.Second,
		chainTracker: chainTracker,
		backup:       backup,
	}, nil
}

func (s *HTTPSink) PublishBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	heads := s.chainTracker.Link(events)

	// Backup first; the POST is the primary path.
	if err := s.backup.Save(events); err != nil {
		log.Printf("[events] warning: backup failed: %v", err)
	}

	if err := s.postWithRetry(ctx, events); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncEventErrors(metrics.Labels{Sink: "http"})
		}
		return fmt.Errorf("publish events: %w", err)
	}

	if err := s.chainTracker.Commit(heads); err != nil {
		log.Printf("[events] warning: failed to update chain heads: %v", err)
	}
	return nil
}

func (s *HTTPSink) postWithRetry(ctx context.Context, events []Event) error {
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.initialDelay
	eb.Multiplier = 2
	b := backoff.WithContext(backoff.WithMaxRetries(eb, s.retries), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return s.post(ctx, body)
	}, b, func(err error, d time.Duration) {
		log.Printf("[events] attempt %d failed: %v, retrying in %v", attempt, err, d)
	})
}

func (s *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	err = fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

func (s *HTTPSink) Close() error { return nil }
