package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock is a settable time source shared by store and service tests.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMemoryStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	s := NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = s.Close() })
	clock := newFakeClock()
	s.SetClock(clock.Now)
	return s, clock
}

func testEntry(owner, domain, topic string, expiresAt *time.Time) *Entry {
	p := Normalize(Request{Domain: domain, Topic: topic, Keywords: Keywords{"go"}})
	return &Entry{
		OwnerID:     owner,
		Domain:      p.Domain,
		Fingerprint: Fingerprint(owner, p),
		Params:      p,
		Artifact:    Artifact{Title: topic, Content: "body of " + topic},
		ExpiresAt:   expiresAt,
	}
}

func TestMemoryStore_ExpirationBoundary(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	expires := clock.Now().Add(time.Second)
	e := testEntry("u1", "a.com", "boundary", &expires)
	if _, err := s.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := s.FindByFingerprint(ctx, e.Fingerprint)
	if err != nil {
		t.Fatalf("FindByFingerprint failed: %v", err)
	}
	if got == nil {
		t.Fatalf("expected hit one second before expiry")
	}

	clock.Advance(time.Second)
	got, err = s.FindByFingerprint(ctx, e.Fingerprint)
	if err != nil {
		t.Fatalf("FindByFingerprint failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected miss at expires_at, got %+v", got)
	}
}

func TestMemoryStore_NeverExpires(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	e := testEntry("", "a.com", "forever", nil)
	if _, err := s.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	clock.Advance(10 * 365 * 24 * time.Hour)
	got, _ := s.FindByFingerprint(ctx, e.Fingerprint)
	if got == nil {
		t.Fatalf("expected entry without expiry to stay valid")
	}
	if n, _ := s.PurgeExpired(ctx); n != 0 {
		t.Fatalf("expected nothing purged, got %d", n)
	}
}

func TestMemoryStore_UpsertPreservesIdentity(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, testEntry("u1", "a.com", "same", nil))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	clock.Advance(time.Minute)
	again := testEntry("u1", "a.com", "same", nil)
	again.Artifact.Title = "rewritten"
	second, err := s.Upsert(ctx, again)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("expected id %q to survive upsert, got %q", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed on upsert")
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("updated_at not advanced")
	}
	if second.Artifact.Title != "rewritten" {
		t.Fatalf("artifact not replaced: %q", second.Artifact.Title)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one row, got %d", s.Len())
	}
}

func TestMemoryStore_StoreLatestIsExclusive(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	a, err := s.StoreLatest(ctx, testEntry("u1", "a.com", "first", nil))
	if err != nil {
		t.Fatalf("StoreLatest failed: %v", err)
	}
	clock.Advance(time.Second)
	b, err := s.StoreLatest(ctx, testEntry("u1", "a.com", "second", nil))
	if err != nil {
		t.Fatalf("StoreLatest failed: %v", err)
	}
	// Different owner, same domain: untouched.
	other, err := s.StoreLatest(ctx, testEntry("u2", "a.com", "other", nil))
	if err != nil {
		t.Fatalf("StoreLatest failed: %v", err)
	}

	latest, err := s.FindLatest(ctx, "u1", "a.com")
	if err != nil {
		t.Fatalf("FindLatest failed: %v", err)
	}
	if latest == nil || latest.ID != b.ID {
		t.Fatalf("expected latest %q, got %+v", b.ID, latest)
	}

	prev, _ := s.FindByFingerprint(ctx, a.Fingerprint)
	if prev == nil || prev.IsLatest {
		t.Fatalf("expected previous latest to be cleared, got %+v", prev)
	}

	o, _ := s.FindLatest(ctx, "u2", "a.com")
	if o == nil || o.ID != other.ID {
		t.Fatalf("expected other owner's latest untouched, got %+v", o)
	}
}

func TestMemoryStore_UnsetLatest(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx := context.Background()

	if _, err := s.StoreLatest(ctx, testEntry("u1", "a.com", "x", nil)); err != nil {
		t.Fatalf("StoreLatest failed: %v", err)
	}
	if err := s.UnsetLatest(ctx, "u1", "a.com"); err != nil {
		t.Fatalf("UnsetLatest failed: %v", err)
	}
	got, _ := s.FindLatest(ctx, "u1", "a.com")
	if got != nil {
		t.Fatalf("expected no latest after unset, got %+v", got)
	}
}

func TestMemoryStore_UpdateByID(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	stored, _ := s.Upsert(ctx, testEntry("u1", "a.com", "x", nil))

	clock.Advance(time.Minute)
	expires := clock.Now().Add(time.Hour)
	updated, err := s.UpdateByID(ctx, stored.ID, Artifact{Title: "new", Content: "new body"}, &expires)
	if err != nil {
		t.Fatalf("UpdateByID failed: %v", err)
	}
	if updated.Fingerprint != stored.Fingerprint {
		t.Fatalf("fingerprint must not change on update")
	}
	if updated.Artifact.Title != "new" || updated.ExpiresAt == nil || !updated.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	if _, err := s.UpdateByID(ctx, "missing", Artifact{}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_DeleteAndPurge(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	soon := clock.Now().Add(time.Minute)
	later := clock.Now().Add(time.Hour)
	a, _ := s.Upsert(ctx, testEntry("u1", "a.com", "soon", &soon))
	b, _ := s.Upsert(ctx, testEntry("u1", "a.com", "later", &later))
	c, _ := s.Upsert(ctx, testEntry("u1", "a.com", "gone", nil))

	if err := s.DeleteByFingerprint(ctx, c.Fingerprint); err != nil {
		t.Fatalf("DeleteByFingerprint failed: %v", err)
	}
	if got, _ := s.FindByFingerprint(ctx, c.Fingerprint); got != nil {
		t.Fatalf("expected miss after delete")
	}
	if _, err := s.UpdateByID(ctx, c.ID, Artifact{}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected id index cleaned on delete, got %v", err)
	}

	clock.Advance(2 * time.Minute)

	var total, expired int
	for sum, err := range s.ScanAll(ctx) {
		if err != nil {
			t.Fatalf("ScanAll failed: %v", err)
		}
		total++
		if sum.expired(clock.Now()) {
			expired++
		}
	}
	if total != 2 || expired != 1 {
		t.Fatalf("expected 2 rows with 1 expired, got %d/%d", total, expired)
	}

	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if got, _ := s.FindByFingerprint(ctx, b.Fingerprint); got == nil {
		t.Fatalf("valid entry purged")
	}
	if _, err := s.UpdateByID(ctx, a.ID, Artifact{}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected purged id gone, got %v", err)
	}
}

func TestMemoryStore_BackgroundCleanup(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	defer s.Close()

	ctx := context.Background()
	expires := time.Now().Add(20 * time.Millisecond)
	if _, err := s.Upsert(ctx, testEntry("", "a.com", "ttl", &expires)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Wait for expiry plus a few cleanup ticks
	time.Sleep(80 * time.Millisecond)

	if s.Len() != 0 {
		t.Fatalf("expected background cleanup to remove expired entry, %d left", s.Len())
	}
}

func TestMemoryStore_FindByIDIncludesExpired(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	ctx := context.Background()

	expires := clock.Now().Add(time.Minute)
	stored, err := s.Upsert(ctx, testEntry("u1", "a.com", "by id", &expires))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	clock.Advance(time.Hour)
	got, err := s.FindByID(ctx, stored.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got == nil || got.Fingerprint != stored.Fingerprint {
		t.Fatalf("expected expired row by id, got %+v", got)
	}

	if got, _ := s.FindByID(ctx, "missing"); got != nil {
		t.Fatalf("expected nil for unknown id, got %+v", got)
	}
}

func TestMemoryStore_UpsertDoesNotStealID(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, testEntry("u1", "a.com", "first", nil))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	other := testEntry("u2", "b.com", "second", nil)
	other.ID = first.ID
	second, err := s.Upsert(ctx, other)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a fresh id when the requested one is taken")
	}

	got, _ := s.FindByID(ctx, first.ID)
	if got == nil || got.Fingerprint != first.Fingerprint {
		t.Fatalf("expected id to keep pointing at the first row, got %+v", got)
	}
}
