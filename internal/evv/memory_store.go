package evv

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/compliance"
)

// MemoryStore is an in-memory implementation of Store for testing and
// single-node deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	records      map[string]*EVVRecord // id -> record
	byVisit      map[string]string     // visitID -> record id
	entries      map[string]*TimeEntry // id -> time entry
	entryByVisit map[string]string
}

// NewMemoryStore creates a new in-memory EVV store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:      make(map[string]*EVVRecord),
		byVisit:      make(map[string]string),
		entries:      make(map[string]*TimeEntry),
		entryByVisit: make(map[string]string),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateRecord(ctx context.Context, rec *EVVRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneRecord(rec)
	m.records[cp.ID] = cp
	m.byVisit[cp.VisitID] = cp.ID
	return nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, id string) (*EVVRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) GetRecordByVisit(ctx context.Context, visitID string) (*EVVRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byVisit[visitID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(m.records[id]), nil
}

func (m *MemoryStore) UpdateRecord(ctx context.Context, rec *EVVRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; !ok {
		return ErrRecordNotFound
	}
	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, q RecordQuery) ([]*EVVRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*EVVRecord
	for _, rec := range m.records {
		if q.OrganizationID != "" && rec.OrganizationID != q.OrganizationID {
			continue
		}
		if q.StateCode != "" && rec.StateCode != q.StateCode {
			continue
		}
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		if q.CaregiverID != "" && rec.CaregiverID != q.CaregiverID {
			continue
		}
		if !q.Start.IsZero() && rec.CreatedAt.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && rec.CreatedAt.After(q.End) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}

	// Newest first, ID tiebreak for stable cursoring
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if q.Cursor != "" {
		idx := -1
		for i, rec := range out {
			if rec.ID == q.Cursor {
				idx = i
				break
			}
		}
		if idx >= 0 {
			out = out[idx+1:]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListDueForSubmission(ctx context.Context, now time.Time, limit int) ([]*EVVRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*EVVRecord
	for _, rec := range m.records {
		if rec.Status != StatusComplete && rec.Status != StatusRetryScheduled {
			continue
		}
		if rec.NextAttemptAt == nil || rec.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextAttemptAt.Before(*out[j].NextAttemptAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateTimeEntry(ctx context.Context, entry *TimeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.entries[cp.ID] = &cp
	m.entryByVisit[cp.VisitID] = cp.ID
	return nil
}

func (m *MemoryStore) GetTimeEntry(ctx context.Context, id string) (*TimeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrTimeEntryNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *MemoryStore) GetTimeEntryByVisit(ctx context.Context, visitID string) (*TimeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.entryByVisit[visitID]
	if !ok {
		return nil, ErrTimeEntryNotFound
	}
	cp := *m.entries[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateTimeEntry(ctx context.Context, entry *TimeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[entry.ID]; !ok {
		return ErrTimeEntryNotFound
	}
	cp := *entry
	m.entries[entry.ID] = &cp
	return nil
}

func cloneRecord(rec *EVVRecord) *EVVRecord {
	cp := *rec
	if rec.ClockIn != nil {
		leg := *rec.ClockIn
		cp.ClockIn = &leg
	}
	if rec.ClockOut != nil {
		leg := *rec.ClockOut
		cp.ClockOut = &leg
	}
	cp.Flags = append([]compliance.Flag(nil), rec.Flags...)
	if rec.NextAttemptAt != nil {
		t := *rec.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	return &cp
}
