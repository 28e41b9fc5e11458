package store

import (
	"sort"
	"sync"

	"hls-capture/internal/acquisition"
)

// MemoryRepository is a concurrency-safe in-memory acquisition.Repository.
// It backs tests and can stand in for SQLite when no durable state is wanted.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[acquisition.ID]*acquisition.Record
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[acquisition.ID]*acquisition.Record)}
}

// Create implements Repository.Create.
func (r *MemoryRepository) Create(rec *acquisition.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *rec
	r.records[rec.ID] = &clone
	return nil
}

// Get implements Repository.Get.
func (r *MemoryRepository) Get(id acquisition.ID) (*acquisition.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, acquisition.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

// GetBySourceURL implements Repository.GetBySourceURL.
func (r *MemoryRepository) GetBySourceURL(normalized string) (*acquisition.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *acquisition.Record
	for _, rec := range r.records {
		if rec.NormalizedURL != normalized {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, acquisition.ErrNotFound
	}
	clone := *latest
	return &clone, nil
}

// Update implements Repository.Update.
func (r *MemoryRepository) Update(rec *acquisition.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; !ok {
		return acquisition.ErrNotFound
	}
	clone := *rec
	r.records[rec.ID] = &clone
	return nil
}

// List implements Repository.List: all records, newest first.
func (r *MemoryRepository) List() ([]*acquisition.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*acquisition.Record, 0, len(r.records))
	for _, rec := range r.records {
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete implements Repository.Delete; deleting a missing record is a no-op.
func (r *MemoryRepository) Delete(id acquisition.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

var _ acquisition.Repository = (*MemoryRepository)(nil)
