package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"mozarex-cache/internal/dbx"
)

// PostgresStore implements Store over the content_cache table.
// Keywords travel as JSON text so the driver never has to map arrays.
type PostgresStore struct {
	db    dbx.DBTX
	begin dbx.TxBeginner
	now   func() time.Time
}

// NewPostgresStore binds a store to an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, begin: db, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (s *PostgresStore) SetClock(now func() time.Time) { s.now = now }

const entryColumns = `id, owner_id, domain, topic, COALESCE(array_to_json(keywords), '[]'::json), target_audience, tone,
		word_count, include_images, seo_optimized, content_hash, title, excerpt, content,
		seo_score, seo_grade, seo_analysis, word_count_actual, is_latest, expires_at, created_at, updated_at`

const validClause = `(expires_at IS NULL OR expires_at > $%d)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e         Entry
		owner     sql.NullString
		keywords  []byte
		expiresAt sql.NullTime
	)
	err := row.Scan(
		&e.ID, &owner, &e.Domain, &e.Params.Topic, &keywords, &e.Params.TargetAudience, &e.Params.Tone,
		&e.Params.WordCount, &e.Params.IncludeImages, &e.Params.SEOOptimized, &e.Fingerprint,
		&e.Artifact.Title, &e.Artifact.Excerpt, &e.Artifact.Content,
		&e.Artifact.QualityScore, &e.Artifact.QualityGrade, &e.Artifact.QualityAnalysis, &e.Artifact.WordCount,
		&e.IsLatest, &expiresAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &e.Params.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords: %w", err)
		}
	}
	e.OwnerID = owner.String
	e.Params.Domain = e.Domain
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	return &e, nil
}

func nullOwner(ownerID string) sql.NullString {
	return sql.NullString{String: ownerID, Valid: ownerID != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *PostgresStore) FindByFingerprint(ctx context.Context, fingerprint string) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM content_cache
		WHERE content_hash = $1 AND ` + fmt.Sprintf(validClause, 2)

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, fingerprint, s.now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select by fingerprint: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM content_cache WHERE id = $1`

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select by id: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) FindLatest(ctx context.Context, ownerID, domain string) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM content_cache
		WHERE owner_id IS NOT DISTINCT FROM $1 AND domain = $2 AND is_latest AND ` + fmt.Sprintf(validClause, 3) + `
		ORDER BY updated_at DESC
		LIMIT 1`

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, nullOwner(ownerID), domain, s.now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, e *Entry) (*Entry, error) {
	query := `
		INSERT INTO content_cache (id, owner_id, domain, topic, keywords, target_audience, tone, word_count,
			include_images, seo_optimized, content_hash, title, excerpt, content, seo_score, seo_grade,
			seo_analysis, word_count_actual, is_latest, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, ARRAY(SELECT json_array_elements_text($5::json)), $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $21)
		ON CONFLICT (content_hash)
		DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			domain = EXCLUDED.domain,
			topic = EXCLUDED.topic,
			keywords = EXCLUDED.keywords,
			target_audience = EXCLUDED.target_audience,
			tone = EXCLUDED.tone,
			word_count = EXCLUDED.word_count,
			include_images = EXCLUDED.include_images,
			seo_optimized = EXCLUDED.seo_optimized,
			title = EXCLUDED.title,
			excerpt = EXCLUDED.excerpt,
			content = EXCLUDED.content,
			seo_score = EXCLUDED.seo_score,
			seo_grade = EXCLUDED.seo_grade,
			seo_analysis = EXCLUDED.seo_analysis,
			word_count_actual = EXCLUDED.word_count_actual,
			is_latest = EXCLUDED.is_latest,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + entryColumns

	keywords, err := json.Marshal(nonNilKeywords(e.Params.Keywords))
	if err != nil {
		return nil, fmt.Errorf("encode keywords: %w", err)
	}

	id := e.ID
	if id == "" {
		id = newID()
	}

	row := s.db.QueryRowContext(ctx, query,
		id, nullOwner(e.OwnerID), e.Domain, e.Params.Topic, string(keywords), e.Params.TargetAudience, e.Params.Tone,
		e.Params.WordCount, e.Params.IncludeImages, e.Params.SEOOptimized, e.Fingerprint,
		e.Artifact.Title, e.Artifact.Excerpt, e.Artifact.Content, e.Artifact.QualityScore, e.Artifact.QualityGrade,
		e.Artifact.QualityAnalysis, e.Artifact.WordCount, e.IsLatest, nullTime(e.ExpiresAt), s.now(),
	)

	stored, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("upsert entry: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) UnsetLatest(ctx context.Context, ownerID, domain string) error {
	query := `UPDATE content_cache SET is_latest = false, updated_at = $3
		WHERE owner_id IS NOT DISTINCT FROM $1 AND domain = $2 AND is_latest`

	if _, err := s.db.ExecContext(ctx, query, nullOwner(ownerID), domain, s.now()); err != nil {
		return fmt.Errorf("unset latest: %w", err)
	}
	return nil
}

// StoreLatest runs the unset and the upsert in one transaction.
func (s *PostgresStore) StoreLatest(ctx context.Context, e *Entry) (*Entry, error) {
	if s.begin == nil {
		return nil, errors.New("store latest: no transaction support")
	}

	row := *e
	row.IsLatest = true

	var stored *Entry
	err := dbx.WithTx(ctx, s.begin, nil, func(ctx context.Context, tx dbx.DBTX) error {
		txStore := &PostgresStore{db: tx, now: s.now}
		if err := txStore.UnsetLatest(ctx, row.OwnerID, row.Domain); err != nil {
			return err
		}
		var err error
		stored, err = txStore.Upsert(ctx, &row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store latest: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) UpdateByID(ctx context.Context, id string, a Artifact, expiresAt *time.Time) (*Entry, error) {
	query := `UPDATE content_cache SET
			title = $2, excerpt = $3, content = $4, seo_score = $5, seo_grade = $6,
			seo_analysis = $7, word_count_actual = $8, expires_at = $9, updated_at = $10
		WHERE id = $1
		RETURNING ` + entryColumns

	e, err := scanEntry(s.db.QueryRowContext(ctx, query,
		id, a.Title, a.Excerpt, a.Content, a.QualityScore, a.QualityGrade,
		a.QualityAnalysis, a.WordCount, nullTime(expiresAt), s.now(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) DeleteByFingerprint(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM content_cache WHERE content_hash = $1`, fingerprint); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ScanAll(ctx context.Context) iter.Seq2[Summary, error] {
	return func(yield func(Summary, error) bool) {
		rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, expires_at FROM content_cache ORDER BY created_at`)
		if err != nil {
			yield(Summary{}, fmt.Errorf("scan entries: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				sum       Summary
				expiresAt sql.NullTime
			)
			if err := rows.Scan(&sum.ID, &sum.CreatedAt, &expiresAt); err != nil {
				yield(Summary{}, fmt.Errorf("scan entry row: %w", err))
				return
			}
			if expiresAt.Valid {
				t := expiresAt.Time
				sum.ExpiresAt = &t
			}
			if !yield(sum, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Summary{}, err)
		}
	}
}

func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM content_cache WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func nonNilKeywords(k []string) []string {
	if k == nil {
		return []string{}
	}
	return k
}
