package cache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mozarex-cache/internal/metrics"
	"mozarex-cache/pkg/logging/logging"
)

const (
	// DefaultTTL is how long generated content stays valid.
	DefaultTTL = 30 * 24 * time.Hour

	// DefaultGenerationTimeout bounds a single generator call.
	DefaultGenerationTimeout = 2 * time.Minute
)

// GenerationInput is what the generator receives on a miss.
type GenerationInput struct {
	Params Params
	// Exclusions lists titles the generator should not repeat.
	Exclusions []string
}

// Generator produces an artifact for a cache miss. It is expensive and
// non-deterministic.
type Generator interface {
	Generate(ctx context.Context, in GenerationInput) (Artifact, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, in GenerationInput) (Artifact, error)

func (f GeneratorFunc) Generate(ctx context.Context, in GenerationInput) (Artifact, error) {
	return f(ctx, in)
}

type GenerateOptions struct {
	OwnerID string
	// MakeLatest marks the stored entry as the owner's latest for its domain.
	MakeLatest bool
	// TargetID regenerates the caller's existing entry in place. It must be a
	// UUID; ids of other owners or other parameters are ignored.
	TargetID   string
	Exclusions []string
}

type StoreOptions struct {
	MakeLatest bool
	TargetID   string
}

// Result of a read-through call. Persisted is false when the artifact was
// generated but could not be written.
type Result struct {
	Entry     *Entry
	Hit       bool
	Persisted bool
}

// Service is the read-through/write-through cache in front of a Generator.
// Build one per process and share it.
type Service struct {
	store             Store
	generator         Generator
	validate          *validator.Validate
	ttl               time.Duration
	generationTimeout time.Duration
	now               func() time.Time
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithGenerationTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.generationTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store Store, generator Generator, opts ...Option) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	s := &Service{
		store:             store,
		generator:         generator,
		validate:          v,
		ttl:               DefaultTTL,
		generationTimeout: DefaultGenerationTimeout,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// prepare validates the normalized request and derives its fingerprint.
func (s *Service) prepare(ownerID string, req Request) (string, Params, error) {
	p := Normalize(req)
	if err := s.validate.Struct(p); err != nil {
		return "", Params{}, fmt.Errorf("%w: %s", ErrInvalidParameters, describeValidation(err))
	}
	return Fingerprint(ownerID, p), p, nil
}

// parseTargetID canonicalizes an entry id supplied by a caller.
func parseTargetID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", nil
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: entryId is not a valid id", ErrInvalidParameters)
	}
	return u.String(), nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

// GetOrGenerate returns the cached artifact for req, generating and storing
// it on a miss. A valid entry is always served without calling the generator.
func (s *Service) GetOrGenerate(ctx context.Context, req Request, opts GenerateOptions) (*Result, error) {
	start := time.Now()

	fp, params, err := s.prepare(opts.OwnerID, req)
	if err != nil {
		return nil, err
	}
	if opts.TargetID, err = parseTargetID(opts.TargetID); err != nil {
		return nil, err
	}

	logger := logging.L(ctx).With(
		zap.String("fingerprint", fp),
		zap.String("owner_id", opts.OwnerID),
		zap.String("domain", params.Domain),
	)

	if e := s.lookup(ctx, logger, fp); e != nil {
		logger.Info("cache_decision",
			zap.Bool("cache_hit", true),
			zap.String("entry_id", e.ID),
			zap.Duration("total_latency_ms", time.Since(start)),
		)
		return &Result{Entry: e, Hit: true, Persisted: true}, nil
	}

	res, err := s.generateAndStore(ctx, logger, fp, params, opts)
	if err != nil {
		return nil, err
	}

	logger.Info("cache_decision",
		zap.Bool("cache_hit", false),
		zap.Bool("persisted", res.Persisted),
		zap.String("entry_id", res.Entry.ID),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	return res, nil
}

// Lookup is the fingerprint read path. Store failures count as a miss.
func (s *Service) Lookup(ctx context.Context, ownerID string, req Request) (*Entry, error) {
	fp, _, err := s.prepare(ownerID, req)
	if err != nil {
		return nil, err
	}
	return s.lookup(ctx, logging.L(ctx), fp), nil
}

func (s *Service) lookup(ctx context.Context, logger *zap.Logger, fp string) *Entry {
	e, err := s.store.FindByFingerprint(ctx, fp)
	switch {
	case err != nil:
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		// Cache is best-effort; log and treat as miss.
		logger.Warn("cache_lookup_error", zap.Error(err))
		return nil
	case e == nil:
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil
	default:
		metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return e
	}
}

// Regenerate drops the cached entry for req and generates a fresh one,
// passing opts.Exclusions to the generator. The cache is never consulted.
func (s *Service) Regenerate(ctx context.Context, req Request, opts GenerateOptions) (*Result, error) {
	fp, params, err := s.prepare(opts.OwnerID, req)
	if err != nil {
		return nil, err
	}
	if opts.TargetID, err = parseTargetID(opts.TargetID); err != nil {
		return nil, err
	}

	logger := logging.L(ctx).With(
		zap.String("fingerprint", fp),
		zap.String("owner_id", opts.OwnerID),
		zap.String("domain", params.Domain),
	)

	if err := s.store.DeleteByFingerprint(ctx, fp); err != nil {
		logger.Warn("cache_invalidate_error", zap.Error(err))
	}

	res, err := s.generateAndStore(ctx, logger, fp, params, opts)
	if err != nil {
		return nil, err
	}

	logger.Info("cache_regenerated",
		zap.Bool("persisted", res.Persisted),
		zap.String("entry_id", res.Entry.ID),
		zap.Int("exclusions", len(opts.Exclusions)),
	)
	return res, nil
}

func (s *Service) generateAndStore(ctx context.Context, logger *zap.Logger, fp string, params Params, opts GenerateOptions) (*Result, error) {
	art, err := s.generate(ctx, logger, GenerationInput{
		Params:     params,
		Exclusions: cleanExclusions(opts.Exclusions),
	})
	if err != nil {
		return nil, err
	}

	storeOpts := StoreOptions{MakeLatest: opts.MakeLatest, TargetID: opts.TargetID}
	e, err := s.persist(ctx, fp, opts.OwnerID, params, art, storeOpts)
	if err != nil {
		// The caller still gets the fresh artifact.
		logger.Warn("cache_store_error", zap.Error(err))
		return &Result{Entry: s.unsaved(fp, opts.OwnerID, params, art, storeOpts), Persisted: false}, nil
	}
	return &Result{Entry: e, Persisted: true}, nil
}

func (s *Service) generate(ctx context.Context, logger *zap.Logger, in GenerationInput) (Artifact, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.generationTimeout)
	defer cancel()

	start := time.Now()
	art, err := s.generator.Generate(genCtx, in)
	latency := time.Since(start)
	metrics.GenerationLatencySeconds.Observe(latency.Seconds())

	if err == nil && strings.TrimSpace(art.Content) == "" {
		err = errors.New("generator returned empty content")
	}
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("failure").Inc()
		logger.Error("generation_failed", zap.Error(err), zap.Duration("llm_latency_ms", latency))
		return Artifact{}, fmt.Errorf("%w: %w", ErrGenerationFailure, err)
	}

	metrics.GenerationsTotal.WithLabelValues("success").Inc()
	logger.Debug("generation_completed", zap.Duration("llm_latency_ms", latency))
	return art, nil
}

// Store caches art for req. TargetID names the entry to update in place; it
// is only honored for the caller's own entry with the same parameters, and a
// new row is written under it when no entry has that id.
func (s *Service) Store(ctx context.Context, ownerID string, req Request, art Artifact, opts StoreOptions) (*Entry, error) {
	fp, params, err := s.prepare(ownerID, req)
	if err != nil {
		return nil, err
	}
	if opts.TargetID, err = parseTargetID(opts.TargetID); err != nil {
		return nil, err
	}
	return s.persist(ctx, fp, ownerID, params, art, opts)
}

func (s *Service) persist(ctx context.Context, fp, ownerID string, params Params, art Artifact, opts StoreOptions) (*Entry, error) {
	expiresAt := s.now().Add(s.ttl)

	if opts.TargetID != "" {
		target, err := s.store.FindByID(ctx, opts.TargetID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
		}
		switch {
		case target == nil:
			// Gone, typically just invalidated; the new row keeps the id.
		case target.OwnerID != ownerID || target.Domain != params.Domain || target.Fingerprint != fp:
			logging.L(ctx).Warn("cache_target_ignored",
				zap.String("entry_id", opts.TargetID),
				zap.String("fingerprint", fp),
			)
			opts.TargetID = ""
		default:
			e, err := s.store.UpdateByID(ctx, opts.TargetID, art, &expiresAt)
			switch {
			case err == nil:
				if opts.MakeLatest && !e.IsLatest {
					if e, err = s.store.StoreLatest(ctx, e); err != nil {
						return nil, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
					}
				}
				return e, nil
			case !errors.Is(err, ErrNotFound):
				return nil, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
			}
		}
	}

	entry := &Entry{
		ID:          opts.TargetID,
		OwnerID:     ownerID,
		Domain:      params.Domain,
		Fingerprint: fp,
		Params:      params,
		Artifact:    art,
		ExpiresAt:   &expiresAt,
	}

	var (
		stored *Entry
		err    error
	)
	if opts.MakeLatest {
		stored, err = s.store.StoreLatest(ctx, entry)
	} else {
		stored, err = s.store.Upsert(ctx, entry)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	return stored, nil
}

// unsaved builds the entry returned when persistence failed.
func (s *Service) unsaved(fp, ownerID string, params Params, art Artifact, opts StoreOptions) *Entry {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	return &Entry{
		ID:          newID(),
		OwnerID:     ownerID,
		Domain:      params.Domain,
		Fingerprint: fp,
		Params:      params,
		Artifact:    art,
		IsLatest:    opts.MakeLatest,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   &expiresAt,
	}
}

// Invalidate removes the cached entry for req so the next lookup misses.
func (s *Service) Invalidate(ctx context.Context, ownerID string, req Request) error {
	fp, _, err := s.prepare(ownerID, req)
	if err != nil {
		return err
	}
	if err := s.store.DeleteByFingerprint(ctx, fp); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	logging.L(ctx).Info("cache_invalidated", zap.String("fingerprint", fp))
	return nil
}

// LatestUserContent returns the entry flagged latest for the pair, or nil.
// It ignores fingerprints entirely.
func (s *Service) LatestUserContent(ctx context.Context, ownerID, domain string) (*Entry, error) {
	e, err := s.store.FindLatest(ctx, ownerID, normalizeString(domain))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	return e, nil
}

// Stats scans every row. O(n); diagnostics only.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	now := s.now()

	var st Stats
	for sum, err := range s.store.ScanAll(ctx) {
		if err != nil {
			return Stats{}, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
		}
		st.Total++
		if sum.expired(now) {
			st.Expired++
		} else {
			st.Active++
		}
	}
	return st, nil
}

// CleanupExpired deletes expired rows and reports how many were removed.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	logging.L(ctx).Info("cache_cleanup", zap.Int64("purged", n))
	return n, nil
}

func cleanExclusions(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
