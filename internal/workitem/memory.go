package workitem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memItem struct {
	msg       Message
	visibleAt time.Time
	seq       int64
}

// MemoryBackend keeps work items in process.
type MemoryBackend struct {
	mu     sync.Mutex
	seq    int64
	queues map[string]map[string]*memItem
	now    func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		queues: make(map[string]map[string]*memItem),
		now:    time.Now,
	}
}

func (m *MemoryBackend) Push(_ context.Context, queue string, body []byte, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[queue]
	if q == nil {
		q = make(map[string]*memItem)
		m.queues[queue] = q
	}

	now := m.now()
	m.seq++
	id := uuid.NewString()
	q[id] = &memItem{
		msg: Message{
			ID:         id,
			Queue:      queue,
			Body:       append([]byte(nil), body...),
			EnqueuedAt: now,
		},
		visibleAt: now.Add(delay),
		seq:       m.seq,
	}
	return nil
}

func (m *MemoryBackend) Pop(_ context.Context, queue string, lease time.Duration) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var next *memItem
	for _, it := range m.queues[queue] {
		if it.visibleAt.After(now) {
			continue
		}
		if next == nil || it.visibleAt.Before(next.visibleAt) ||
			(it.visibleAt.Equal(next.visibleAt) && it.seq < next.seq) {
			next = it
		}
	}
	if next == nil {
		return nil, ErrEmpty
	}

	next.visibleAt = now.Add(lease)
	next.msg.Attempt++
	next.msg.Token = uuid.NewString()

	out := next.msg
	out.Body = append([]byte(nil), next.msg.Body...)
	return &out, nil
}

func (m *MemoryBackend) leased(msg *Message) (*memItem, error) {
	it, ok := m.queues[msg.Queue][msg.ID]
	if !ok || it.msg.Token != msg.Token {
		return nil, ErrLeaseLost
	}
	return it, nil
}

func (m *MemoryBackend) Complete(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.leased(msg); err != nil {
		return err
	}
	delete(m.queues[msg.Queue], msg.ID)
	return nil
}

func (m *MemoryBackend) Retry(_ context.Context, msg *Message, body []byte, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, err := m.leased(msg)
	if err != nil {
		return err
	}
	it.msg.Body = append([]byte(nil), body...)
	it.msg.Token = ""
	it.visibleAt = m.now().Add(delay)
	return nil
}

func (m *MemoryBackend) Len(_ context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue]), nil
}
