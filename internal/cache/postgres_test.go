package cache

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryColumnNames = []string{
	"id", "owner_id", "domain", "topic", "keywords", "target_audience", "tone",
	"word_count", "include_images", "seo_optimized", "content_hash", "title", "excerpt", "content",
	"seo_score", "seo_grade", "seo_analysis", "word_count_actual", "is_latest", "expires_at", "created_at", "updated_at",
}

func newPostgresWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewPostgresStore(db)
	s.SetClock(func() time.Time { return now })
	return s, mock, now
}

func entryRow(e *Entry) []driver.Value {
	var owner, expires driver.Value
	if e.OwnerID != "" {
		owner = e.OwnerID
	}
	if e.ExpiresAt != nil {
		expires = *e.ExpiresAt
	}
	return []driver.Value{
		e.ID, owner, e.Domain, e.Params.Topic, `["go","redis"]`, e.Params.TargetAudience, e.Params.Tone,
		int64(e.Params.WordCount), e.Params.IncludeImages, e.Params.SEOOptimized, e.Fingerprint,
		e.Artifact.Title, e.Artifact.Excerpt, e.Artifact.Content,
		int64(e.Artifact.QualityScore), e.Artifact.QualityGrade, e.Artifact.QualityAnalysis, int64(e.Artifact.WordCount),
		e.IsLatest, expires, e.CreatedAt, e.UpdatedAt,
	}
}

func samplePostgresEntry(now time.Time) *Entry {
	expires := now.Add(DefaultTTL)
	p := Normalize(Request{Domain: "a.com", Topic: "caching", Keywords: Keywords{"redis", "go"}})
	return &Entry{
		ID:          "e1",
		OwnerID:     "u1",
		Domain:      p.Domain,
		Fingerprint: Fingerprint("u1", p),
		Params:      p,
		Artifact: Artifact{
			Title: "Caching", Excerpt: "ex", Content: "body", WordCount: 420,
			QualityScore: 80, QualityGrade: "B", QualityAnalysis: "ok",
		},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: &expires,
	}
}

func TestPostgresStore_FindByFingerprint(t *testing.T) {
	s, mock, now := newPostgresWithMock(t)
	want := samplePostgresEntry(now)

	mock.ExpectQuery(`SELECT .* FROM content_cache\s+WHERE content_hash = \$1 AND \(expires_at IS NULL OR expires_at > \$2\)`).
		WithArgs(want.Fingerprint, now).
		WillReturnRows(sqlmock.NewRows(entryColumnNames).AddRow(entryRow(want)...))

	got, err := s.FindByFingerprint(context.Background(), want.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, []string{"go", "redis"}, got.Params.Keywords)
	assert.Equal(t, "a.com", got.Params.Domain)
	assert.Equal(t, 80, got.Artifact.QualityScore)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(*want.ExpiresAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByFingerprintMiss(t *testing.T) {
	s, mock, now := newPostgresWithMock(t)

	mock.ExpectQuery(`SELECT .* FROM content_cache`).
		WithArgs("nope", now).
		WillReturnRows(sqlmock.NewRows(entryColumnNames))

	got, err := s.FindByFingerprint(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByFingerprintError(t *testing.T) {
	s, mock, _ := newPostgresWithMock(t)

	mock.ExpectQuery(`SELECT .* FROM content_cache`).WillReturnError(errors.New("db is down"))

	_, err := s.FindByFingerprint(context.Background(), "fp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "select by fingerprint")
	assert.Contains(t, err.Error(), "db is down")
}

func TestPostgresStore_FindLatestAnonymous(t *testing.T) {
	s, mock, now := newPostgresWithMock(t)
	want := samplePostgresEntry(now)
	want.OwnerID = ""
	want.IsLatest = true

	mock.ExpectQuery(`WHERE owner_id IS NOT DISTINCT FROM \$1 AND domain = \$2 AND is_latest AND .*ORDER BY updated_at DESC\s+LIMIT 1`).
		WithArgs(nil, "a.com", now).
		WillReturnRows(sqlmock.NewRows(entryColumnNames).AddRow(entryRow(want)...))

	got, err := s.FindLatest(context.Background(), "", "a.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.OwnerID)
	assert.True(t, got.IsLatest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert(t *testing.T) {
	s, mock, now := newPostgresWithMock(t)
	in := samplePostgresEntry(now)
	in.ID = ""

	out := samplePostgresEntry(now)

	mock.ExpectQuery(`INSERT INTO content_cache .* ON CONFLICT \(content_hash\)\s+DO UPDATE SET .* RETURNING`).
		WithArgs(
			sqlmock.AnyArg(), "u1", "a.com", "caching", `["go","redis"]`, "", "",
			int64(DefaultWordCount), false, false, in.Fingerprint,
			"Caching", "ex", "body", int64(80), "B",
			"ok", int64(420), false, *in.ExpiresAt, now,
		).
		WillReturnRows(sqlmock.NewRows(entryColumnNames).AddRow(entryRow(out)...))

	got, err := s.Upsert(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StoreLatestCommits(t *testing.T) {
	s, mock, now := newPostgresWithMock(t)
	in := samplePostgresEntry(now)
	out := samplePostgresEntry(now)
	out.IsLatest = true

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE content_cache SET is_latest = false`).
		WithArgs("u1", "a.com", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO content_cache`).
		WillReturnRows(sqlmock.NewRows(entryColumnNames).AddRow(entryRow(out)...))
	mock.ExpectCommit()

	got, err := s.StoreLatest(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, got.IsLatest)
	assert.False(t, in.IsLatest, "input must not be mutated")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StoreLatestRollsBack(t *testing.T) {
	s, mock, now := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE content_cache SET is_latest = false`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO content_cache`).
		WillReturnError(errors.New("unique violation"))
	mock.ExpectRollback()

	_, err := s.StoreLatest(context.Background(), samplePostgresEntry(now))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store latest")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateByIDNotFound(t *testing.T) {
	s, mock, now := newPostgresWithMock(t)

	mock.ExpectQuery(`UPDATE content_cache SET .* WHERE id = \$1\s+RETURNING`).
		WithArgs("missing", "t", "", "c", int64(0), "", "", int64(0), nil, now).
		WillReturnError(sql.ErrNoRows)

	_, err := s.UpdateByID(context.Background(), "missing", Artifact{Title: "t", Content: "c"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteByFingerprint(t *testing.T) {
	s, mock, _ := newPostgresWithMock(t)

	mock.ExpectExec(`DELETE FROM content_cache WHERE content_hash = \$1`).
		WithArgs("fp").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.DeleteByFingerprint(context.Background(), "fp"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ScanAll(t *testing.T) {
	s, mock, now := newPostgresWithMock(t)
	past := now.Add(-time.Hour)

	mock.ExpectQuery(`SELECT id, created_at, expires_at FROM content_cache ORDER BY created_at`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "expires_at"}).
			AddRow("a", past, past).
			AddRow("b", past, nil).
			AddRow("c", past, now.Add(time.Hour)))

	var ids []string
	expired := 0
	for sum, err := range s.ScanAll(context.Background()) {
		require.NoError(t, err)
		ids = append(ids, sum.ID)
		if sum.expired(now) {
			expired++
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 1, expired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PurgeExpired(t *testing.T) {
	s, mock, now := newPostgresWithMock(t)

	mock.ExpectExec(`DELETE FROM content_cache WHERE expires_at IS NOT NULL AND expires_at <= \$1`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByID(t *testing.T) {
	s, mock, now := newPostgresWithMock(t)
	want := samplePostgresEntry(now)

	mock.ExpectQuery(`SELECT .* FROM content_cache WHERE id = \$1$`).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows(entryColumnNames).AddRow(entryRow(want)...))
	mock.ExpectQuery(`SELECT .* FROM content_cache WHERE id = \$1$`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(entryColumnNames))

	got, err := s.FindByID(context.Background(), "e1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Fingerprint, got.Fingerprint)
	assert.Equal(t, "u1", got.OwnerID)

	got, err = s.FindByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
