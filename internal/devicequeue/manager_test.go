package devicequeue

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct{ online bool }

func (s *stubConn) Online() bool { return s.online }

// scriptedSender replies per item kind and records send order.
type scriptedSender struct {
	errs  map[string]error // kind -> error, nil means success
	order []string
}

func (s *scriptedSender) Send(ctx context.Context, item *Item) error {
	s.order = append(s.order, item.Kind)
	return s.errs[item.Kind]
}

func newManager(t *testing.T, sender Sender, conn Connectivity, opts ...ManagerOption) *Manager {
	t.Helper()
	return NewManager(NewMemoryStorage(), sender, conn, slog.Default(), opts...)
}

func TestEnqueue_DefaultPriorities(t *testing.T) {
	m := newManager(t, &scriptedSender{}, &stubConn{online: false})

	tests := []struct {
		kind string
		want Priority
	}{
		{KindClockIn, PriorityCritical},
		{KindClockOut, PriorityCritical},
		{KindSignature, PriorityCritical},
		{KindTaskCompletion, PriorityHigh},
		{KindIncidentReport, PriorityHigh},
		{KindNote, PriorityHigh},
		{KindPhoto, PriorityNormal},
		{"SOMETHING_ELSE", PriorityNormal},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			item, err := m.Enqueue(tt.kind, []byte(`{"x":1}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, item.Priority)
		})
	}
}

func TestEnqueue_RejectsEmptyEvents(t *testing.T) {
	m := newManager(t, &scriptedSender{}, &stubConn{online: false})

	_, err := m.Enqueue("", []byte("x"))
	assert.Error(t, err)
	_, err = m.Enqueue(KindClockIn, nil)
	assert.Error(t, err)
}

func TestProcessQueue_OfflineShortCircuits(t *testing.T) {
	sender := &scriptedSender{}
	m := newManager(t, sender, &stubConn{online: false})
	_, err := m.Enqueue(KindClockIn, []byte("x"))
	require.NoError(t, err)

	_, _, err = m.ProcessQueue(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Empty(t, sender.order, "offline drain must not send")

	stats, err := m.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[string(StatusPending)], "item must remain queued")
}

func TestProcessQueue_PriorityThenFIFO(t *testing.T) {
	sender := &scriptedSender{}
	m := newManager(t, sender, &stubConn{online: true})

	// Enqueued low priority first; clock events must still drain first.
	_, err := m.Enqueue(KindPhoto, []byte("p"))
	require.NoError(t, err)
	_, err = m.Enqueue(KindNote, []byte("n"))
	require.NoError(t, err)
	_, err = m.Enqueue(KindClockIn, []byte("ci"))
	require.NoError(t, err)
	_, err = m.Enqueue(KindClockOut, []byte("co"))
	require.NoError(t, err)

	sent, failed, err := m.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sent)
	assert.Equal(t, 0, failed)
	assert.Equal(t, []string{KindClockIn, KindClockOut, KindNote, KindPhoto}, sender.order)

	stats, _ := m.QueueStats()
	assert.Equal(t, 0, stats.Total, "sent items leave the durable queue")
}

func TestProcessQueue_RetryableFailureBacksOff(t *testing.T) {
	sender := &scriptedSender{errs: map[string]error{
		KindClockIn: Retriable(errors.New("backend 503")),
	}}
	m := newManager(t, sender, &stubConn{online: true})
	_, err := m.Enqueue(KindClockIn, []byte("x"))
	require.NoError(t, err)

	sent, failed, err := m.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 0, failed, "a retryable failure is not terminal")

	items, _ := m.storage.Load()
	require.Len(t, items, 1)
	assert.Equal(t, StatusPending, items[0].Status)
	assert.Equal(t, 1, items[0].Attempts)
	require.NotNil(t, items[0].NextRetryAt)
	assert.True(t, items[0].NextRetryAt.After(time.Now()))

	// The backoff window makes an immediate redrain skip the item.
	sender.order = nil
	_, _, err = m.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sender.order)
}

func TestProcessQueue_PermanentFailureDiscards(t *testing.T) {
	sender := &scriptedSender{errs: map[string]error{
		KindClockIn: Permanent(errors.New("visit does not exist")),
	}}
	m := newManager(t, sender, &stubConn{online: true})
	_, err := m.Enqueue(KindClockIn, []byte("x"))
	require.NoError(t, err)

	sent, failed, err := m.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, failed)

	items, _ := m.storage.Load()
	assert.Empty(t, items, "a rejected item leaves the queue")

	// A redrain finds nothing to send.
	sender.order = nil
	_, _, err = m.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sender.order)
}

func TestProcessQueue_AttemptCapDiscards(t *testing.T) {
	sender := &scriptedSender{errs: map[string]error{
		KindClockIn: Retriable(errors.New("flaky")),
	}}
	m := newManager(t, sender, &stubConn{online: true},
		WithRetryPolicy(3, time.Nanosecond, time.Nanosecond))
	_, err := m.Enqueue(KindClockIn, []byte("x"))
	require.NoError(t, err)

	ctx := context.Background()
	failures := 0
	for i := 0; i < 3; i++ {
		// Collapse the retry window between drains.
		items, _ := m.storage.Load()
		for _, item := range items {
			item.NextRetryAt = nil
		}
		require.NoError(t, m.storage.Save(items))
		_, failed, err := m.ProcessQueue(ctx)
		require.NoError(t, err)
		failures += failed
	}

	assert.Equal(t, 1, failures, "exhaustion is reported exactly once")
	items, _ := m.storage.Load()
	assert.Empty(t, items, "an exhausted item leaves the queue")
}

func TestValidateQueue_ReportsWithoutMutating(t *testing.T) {
	m := newManager(t, &scriptedSender{}, &stubConn{online: true})
	now := time.Now()
	snapshot := []*Item{
		{ID: "qi_ok", Kind: KindClockIn, Payload: []byte("x"), Status: StatusPending, EnqueuedAt: now},
		{ID: "", Kind: KindNote, Payload: []byte("x"), Status: StatusPending, EnqueuedAt: now},
		{ID: "qi_nokind", Payload: []byte("x"), Status: StatusPending, EnqueuedAt: now},
		{ID: "qi_badstatus", Kind: KindNote, Payload: []byte("x"), Status: "GARBAGE", EnqueuedAt: now},
		{ID: "qi_overcap", Kind: KindNote, Payload: []byte("x"), Status: StatusPending, Attempts: 99, EnqueuedAt: now},
	}
	require.NoError(t, m.storage.Save(snapshot))

	violations, err := m.ValidateQueue()
	require.NoError(t, err)
	require.Len(t, violations, 4)

	details := make([]string, 0, len(violations))
	for _, v := range violations {
		details = append(details, v.Detail)
	}
	assert.Contains(t, details, "item has no id")
	assert.Contains(t, details, "item has no kind")
	assert.Contains(t, details, `unknown status "GARBAGE"`)
	assert.Contains(t, details, "attempt count 99 exceeds the cap of 5")

	// Validation is a report, not a repair: the queue is untouched.
	items, _ := m.storage.Load()
	require.Len(t, items, 5)
	assert.Equal(t, ItemStatus("GARBAGE"), items[3].Status)
	assert.Equal(t, 99, items[4].Attempts)
}

func TestRecoverInFlight(t *testing.T) {
	sender := &scriptedSender{}
	m := newManager(t, sender, &stubConn{online: true})
	now := time.Now()
	require.NoError(t, m.storage.Save([]*Item{
		{ID: "qi_stuck", Kind: KindClockOut, Payload: []byte("x"), Status: StatusSending, EnqueuedAt: now},
		{ID: "qi_fine", Kind: KindNote, Payload: []byte("x"), Status: StatusPending, EnqueuedAt: now},
	}))

	reset, err := m.RecoverInFlight()
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	// The recovered item drains like any other.
	sent, _, err := m.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
}

func TestFileStorage_SurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	storage := NewFileStorage(path)

	m := NewManager(storage, &scriptedSender{}, &stubConn{online: false}, slog.Default())
	_, err := m.Enqueue(KindClockIn, []byte(`{"visit":"v1"}`))
	require.NoError(t, err)
	_, err = m.Enqueue(KindNote, []byte(`{"note":"n"}`))
	require.NoError(t, err)

	// A fresh manager over the same file sees the same queue.
	reopened := NewManager(NewFileStorage(path), &scriptedSender{}, &stubConn{online: false}, slog.Default())
	stats, err := reopened.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[string(StatusPending)])
}

func TestFileStorage_EmptyFileLoadsClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	items, err := NewFileStorage(path).Load()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueueStats(t *testing.T) {
	m := newManager(t, &scriptedSender{}, &stubConn{online: false})
	_, err := m.Enqueue(KindClockIn, []byte("a"))
	require.NoError(t, err)
	_, err = m.Enqueue(KindPhoto, []byte("b"))
	require.NoError(t, err)

	stats, err := m.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByPriority["CRITICAL"])
	assert.Equal(t, 1, stats.ByPriority["NORMAL"])
	require.NotNil(t, stats.OldestAt)
}
