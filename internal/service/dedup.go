package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-uploads/internal/domain"
	"github.com/prn-tf/alexander-uploads/internal/repository"
	"github.com/prn-tf/alexander-uploads/internal/storage"
)

// DedupIndex resolves a content hash to the reference file record whose
// object can be shared by a quick upload. Positive lookups are cached.
type DedupIndex struct {
	files    repository.FileRepository
	cache    repository.Cache
	gateway  storage.Gateway
	cacheTTL time.Duration
	logger   zerolog.Logger
}

// NewDedupIndex creates a dedup index. cache may be nil.
func NewDedupIndex(files repository.FileRepository, cache repository.Cache, gateway storage.Gateway, cacheTTL time.Duration, logger zerolog.Logger) *DedupIndex {
	return &DedupIndex{
		files:    files,
		cache:    cache,
		gateway:  gateway,
		cacheTTL: cacheTTL,
		logger:   logger.With().Str("component", "dedup").Logger(),
	}
}

// Lookup returns the reference record for contentHash, or nil when the hash
// is unknown or its object is gone from storage.
func (d *DedupIndex) Lookup(ctx context.Context, contentHash string) (*domain.FileRecord, error) {
	ref := d.fromCache(ctx, contentHash)
	if ref == nil {
		var err error
		ref, err = d.files.GetDedupReference(ctx, contentHash)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
	}

	exists, err := d.gateway.Exists(ctx, ref.Bucket, ref.ObjectKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		d.logger.Warn().
			Str("content_hash", contentHash).
			Str("object_key", ref.ObjectKey).
			Msg("dedup reference points at a missing object, dropping entry")
		d.Forget(ctx, contentHash)
		return nil, nil
	}

	d.toCache(ctx, ref)
	return ref, nil
}

// Forget removes contentHash from the index and the cache.
func (d *DedupIndex) Forget(ctx context.Context, contentHash string) {
	if err := d.files.DeleteDedup(ctx, contentHash); err != nil {
		d.logger.Error().Err(err).Str("content_hash", contentHash).Msg("failed to delete dedup entry")
	}
	if d.cache != nil {
		if err := d.cache.Delete(ctx, repository.CacheKeys.DedupReference(contentHash)); err != nil {
			d.logger.Warn().Err(err).Str("content_hash", contentHash).Msg("failed to evict dedup cache entry")
		}
	}
}

func (d *DedupIndex) fromCache(ctx context.Context, contentHash string) *domain.FileRecord {
	if d.cache == nil {
		return nil
	}

	raw, err := d.cache.Get(ctx, repository.CacheKeys.DedupReference(contentHash))
	if err != nil {
		if !errors.Is(err, repository.ErrCacheMiss) {
			d.logger.Warn().Err(err).Msg("dedup cache read failed")
		}
		return nil
	}

	var ref domain.FileRecord
	if err := json.Unmarshal(raw, &ref); err != nil {
		d.logger.Warn().Err(err).Str("content_hash", contentHash).Msg("discarding corrupt dedup cache entry")
		return nil
	}
	return &ref
}

func (d *DedupIndex) toCache(ctx context.Context, ref *domain.FileRecord) {
	if d.cache == nil {
		return
	}

	raw, err := json.Marshal(ref)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, repository.CacheKeys.DedupReference(ref.ContentHash), raw, d.cacheTTL); err != nil {
		d.logger.Warn().Err(err).Msg("dedup cache write failed")
	}
}
