package devicequeue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MemoryStorage keeps the queue in memory. Used in tests and as the
// fallback when the device has no writable storage.
type MemoryStorage struct {
	mu    sync.Mutex
	items []*Item
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

var _ Storage = (*MemoryStorage)(nil)

func (s *MemoryStorage) Load() ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Item, len(s.items))
	for i, item := range s.items {
		cp := *item
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStorage) Save(items []*Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make([]*Item, len(items))
	for i, item := range items {
		cp := *item
		s.items[i] = &cp
	}
	return nil
}

// FileStorage persists the queue as a JSON file, written atomically via
// a temp file and rename so a crash mid-write never corrupts the queue.
type FileStorage struct {
	path string
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

var _ Storage = (*FileStorage)(nil)

func (s *FileStorage) Load() ([]*Item, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var items []*Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode queue file: %w", err)
	}
	return items, nil
}

func (s *FileStorage) Save(items []*Item) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".queue-*")
	if err != nil {
		return fmt.Errorf("create temp queue file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close queue file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}
