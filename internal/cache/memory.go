package cache

import (
	"context"
	"iter"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. Used for development and tests.
type MemoryStore struct {
	mu              sync.RWMutex
	byFingerprint   map[string]*Entry
	byID            map[string]string // id -> fingerprint
	now             func() time.Time
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// NewMemoryStore creates an in-memory store and starts its background purge.
// A non-positive interval defaults to five minutes.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	s := &MemoryStore{
		byFingerprint:   make(map[string]*Entry),
		byID:            make(map[string]string),
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}

	go s.cleanupExpired()

	return s
}

// SetClock overrides the time source. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) FindByFingerprint(_ context.Context, fingerprint string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byFingerprint[fingerprint]
	if !ok || !e.Valid(s.now()) {
		return nil, nil
	}
	return e.clone(), nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fp, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return s.byFingerprint[fp].clone(), nil
}

func (s *MemoryStore) FindLatest(_ context.Context, ownerID, domain string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var latest *Entry
	for _, e := range s.byFingerprint {
		if !e.IsLatest || e.OwnerID != ownerID || e.Domain != domain || !e.Valid(now) {
			continue
		}
		if latest == nil || e.UpdatedAt.After(latest.UpdatedAt) {
			latest = e
		}
	}
	return latest.clone(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, e *Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(e), nil
}

func (s *MemoryStore) upsertLocked(e *Entry) *Entry {
	now := s.now()
	row := e.clone()

	if existing, ok := s.byFingerprint[row.Fingerprint]; ok {
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
	} else {
		// An id owned by another fingerprint is never reused.
		if _, taken := s.byID[row.ID]; row.ID == "" || taken {
			row.ID = newID()
		}
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	s.byFingerprint[row.Fingerprint] = row
	s.byID[row.ID] = row.Fingerprint
	return row.clone()
}

func (s *MemoryStore) UnsetLatest(_ context.Context, ownerID, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsetLatestLocked(ownerID, domain)
	return nil
}

func (s *MemoryStore) unsetLatestLocked(ownerID, domain string) {
	now := s.now()
	for _, e := range s.byFingerprint {
		if e.IsLatest && e.OwnerID == ownerID && e.Domain == domain {
			e.IsLatest = false
			e.UpdatedAt = now
		}
	}
}

func (s *MemoryStore) StoreLatest(_ context.Context, e *Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsetLatestLocked(e.OwnerID, e.Domain)
	row := e.clone()
	row.IsLatest = true
	return s.upsertLocked(row), nil
}

func (s *MemoryStore) UpdateByID(_ context.Context, id string, a Artifact, expiresAt *time.Time) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	e := s.byFingerprint[fp]
	e.Artifact = a
	e.UpdatedAt = s.now()
	if expiresAt != nil {
		t := *expiresAt
		e.ExpiresAt = &t
	} else {
		e.ExpiresAt = nil
	}
	return e.clone(), nil
}

func (s *MemoryStore) DeleteByFingerprint(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byFingerprint[fingerprint]; ok {
		delete(s.byID, e.ID)
		delete(s.byFingerprint, fingerprint)
	}
	return nil
}

// ScanAll snapshots the rows when ranging starts.
func (s *MemoryStore) ScanAll(ctx context.Context) iter.Seq2[Summary, error] {
	return func(yield func(Summary, error) bool) {
		s.mu.RLock()
		rows := make([]Summary, 0, len(s.byFingerprint))
		for _, e := range s.byFingerprint {
			sum := Summary{ID: e.ID, CreatedAt: e.CreatedAt}
			if e.ExpiresAt != nil {
				t := *e.ExpiresAt
				sum.ExpiresAt = &t
			}
			rows = append(rows, sum)
		}
		s.mu.RUnlock()

		for _, r := range rows {
			if err := ctx.Err(); err != nil {
				yield(Summary{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(), nil
}

func (s *MemoryStore) purgeLocked() int64 {
	now := s.now()
	var n int64
	for fp, e := range s.byFingerprint {
		if !e.Valid(now) {
			delete(s.byID, e.ID)
			delete(s.byFingerprint, fp)
			n++
		}
	}
	return n
}

// cleanupExpired runs periodically to remove expired entries.
func (s *MemoryStore) cleanupExpired() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.purgeLocked()
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine. Call this on shutdown or in tests.
func (s *MemoryStore) Close() error {
	s.cleanupOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// Len returns the number of rows, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byFingerprint)
}
