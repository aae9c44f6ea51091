package devicequeue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/idgen"
	"github.com/neighborhood-lab/care-commons-sub016/internal/metrics"
	"github.com/neighborhood-lab/care-commons-sub016/internal/retry"
)

// Manager owns the device queue. All mutation goes through its mutex
// and every change is written back to storage before the call returns,
// so the queue survives an app kill at any point.
type Manager struct {
	mu      sync.Mutex
	storage Storage
	sender  Sender
	conn    Connectivity
	logger  *slog.Logger

	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
	now         func() time.Time
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithRetryPolicy overrides the delivery retry pacing.
func WithRetryPolicy(maxAttempts int, base, max time.Duration) ManagerOption {
	return func(m *Manager) {
		m.maxAttempts = maxAttempts
		m.retryBase = base
		m.retryMax = max
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(storage Storage, sender Sender, conn Connectivity, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		storage:     storage,
		sender:      sender,
		conn:        conn,
		logger:      logger,
		maxAttempts: 5,
		retryBase:   30 * time.Second,
		retryMax:    30 * time.Minute,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue adds an event to the queue with its kind's default priority.
func (m *Manager) Enqueue(kind string, payload []byte) (*Item, error) {
	return m.EnqueueWithPriority(kind, payload, DefaultPriority(kind))
}

// EnqueueWithPriority adds an event with an explicit priority.
func (m *Manager) EnqueueWithPriority(kind string, payload []byte, priority Priority) (*Item, error) {
	if kind == "" {
		return nil, fmt.Errorf("event kind is required")
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("event payload is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.storage.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	item := &Item{
		ID:         idgen.WithPrefix("qi_"),
		Kind:       kind,
		Priority:   priority,
		Payload:    payload,
		Status:     StatusPending,
		EnqueuedAt: m.now(),
	}
	items = append(items, item)
	if err := m.storage.Save(items); err != nil {
		return nil, fmt.Errorf("save queue: %w", err)
	}
	m.updateDepth(items)
	cp := *item
	return &cp, nil
}

// ProcessQueue drains deliverable items in priority order, FIFO within
// a priority. It returns ErrOffline without touching the queue when the
// device has no connectivity. Items whose retry time has not arrived
// are skipped, not reordered. Rejected items and items that exhaust
// their retry budget are discarded; the queue never grows on failure.
func (m *Manager) ProcessQueue(ctx context.Context) (sent, failed int, err error) {
	if !m.conn.Online() {
		return 0, 0, ErrOffline
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.storage.Load()
	if err != nil {
		return 0, 0, fmt.Errorf("load queue: %w", err)
	}

	order := drainOrder(items)
	now := m.now()
	for _, item := range order {
		if ctx.Err() != nil {
			break
		}
		if item.Status != StatusPending {
			continue
		}
		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}

		item.Status = StatusSending
		sendErr := m.sender.Send(ctx, item)
		if sendErr == nil {
			at := m.now()
			item.Status = StatusSent
			item.SentAt = &at
			item.LastError = ""
			item.NextRetryAt = nil
			sent++
			continue
		}

		item.LastError = sendErr.Error()
		if !retryable(sendErr) {
			// Rejected outright. Retrying can never succeed, so the
			// item is discarded without charging an attempt.
			item.Status = StatusFailed
			item.NextRetryAt = nil
			failed++
			m.logger.Warn("discarding rejected queue item",
				"item_id", item.ID, "kind", item.Kind, "error", sendErr)
			continue
		}
		item.Attempts++
		if item.Attempts >= m.maxAttempts {
			item.Status = StatusFailed
			item.NextRetryAt = nil
			failed++
			m.logger.Warn("queue item exhausted its retry budget",
				"item_id", item.ID, "kind", item.Kind,
				"attempts", item.Attempts, "error", sendErr)
			continue
		}
		at := m.now().Add(retry.Delay(item.Attempts-1, m.retryBase, m.retryMax))
		item.Status = StatusPending
		item.NextRetryAt = &at
	}

	// Sent and discarded items are dropped from the durable snapshot.
	kept := items[:0]
	for _, item := range items {
		if item.Status == StatusSent || item.Status == StatusFailed {
			continue
		}
		kept = append(kept, item)
	}
	if err := m.storage.Save(kept); err != nil {
		return sent, failed, fmt.Errorf("save queue: %w", err)
	}
	m.updateDepth(kept)
	return sent, failed, nil
}

// Violation is one structural invariant a queued item breaks.
type Violation struct {
	ItemID string `json:"itemId,omitempty"`
	Detail string `json:"detail"`
}

// ValidateQueue checks structural invariants and reports violations
// without changing anything: every item must have an id, a kind, a
// payload, a known status, and an attempt count within the retry cap.
func (m *Manager) ValidateQueue() ([]Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.storage.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	var found []Violation
	flag := func(id, detail string) {
		found = append(found, Violation{ItemID: id, Detail: detail})
	}
	for _, item := range items {
		if item.ID == "" {
			flag("", "item has no id")
		}
		if item.Kind == "" {
			flag(item.ID, "item has no kind")
		}
		if len(item.Payload) == 0 {
			flag(item.ID, "item has no payload")
		}
		if !validStatus(item.Status) {
			flag(item.ID, fmt.Sprintf("unknown status %q", item.Status))
		}
		if item.Attempts > m.maxAttempts {
			flag(item.ID, fmt.Sprintf("attempt count %d exceeds the cap of %d", item.Attempts, m.maxAttempts))
		}
	}
	return found, nil
}

// RecoverInFlight resets items stuck in SENDING back to PENDING, as
// after an app kill mid-drain. Resending is safe: the backend
// deduplicates on the record's integrity hash.
func (m *Manager) RecoverInFlight() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.storage.Load()
	if err != nil {
		return 0, fmt.Errorf("load queue: %w", err)
	}
	reset := 0
	for _, item := range items {
		if item.Status != StatusSending {
			continue
		}
		item.Status = StatusPending
		reset++
	}
	if reset > 0 {
		if err := m.storage.Save(items); err != nil {
			return 0, fmt.Errorf("save queue: %w", err)
		}
		m.updateDepth(items)
	}
	return reset, nil
}

// Stats summarizes the queue.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	ByPriority map[string]int `json:"byPriority"`
	OldestAt   *time.Time     `json:"oldestAt,omitempty"`
}

// QueueStats reports current queue composition.
func (m *Manager) QueueStats() (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.storage.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	stats := &Stats{
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
	}
	for _, item := range items {
		stats.Total++
		stats.ByStatus[string(item.Status)]++
		stats.ByPriority[item.Priority.String()]++
		if stats.OldestAt == nil || item.EnqueuedAt.Before(*stats.OldestAt) {
			at := item.EnqueuedAt
			stats.OldestAt = &at
		}
	}
	return stats, nil
}

func (m *Manager) updateDepth(items []*Item) {
	pending := 0
	for _, item := range items {
		if item.Status == StatusPending {
			pending++
		}
	}
	metrics.DeviceQueueDepth.Set(float64(pending))
}

// drainOrder sorts by priority, then enqueue time, then ID for a total
// order. The input slice is not modified.
func drainOrder(items []*Item) []*Item {
	out := make([]*Item, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func validStatus(s ItemStatus) bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}
