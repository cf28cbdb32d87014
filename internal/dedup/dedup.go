// Package dedup answers "has this content already been uploaded?" from a
// short-lived cache in front of the file record store.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/logging"
	"github.com/dmitrijs2005/uploadgate/internal/server/models"
	"github.com/dmitrijs2005/uploadgate/internal/server/repositories/files"
)

const (
	DefaultCacheSize = 10_000
	DefaultCacheTTL  = 5 * time.Minute
)

// Service maps content hashes to active file records. The cache only holds
// record ids; every hit is re-read from the store, so a record deleted
// elsewhere stops being a hit on the next lookup.
type Service struct {
	repo   files.Repository
	cache  *expirable.LRU[string, string]
	logger logging.Logger
}

func New(repo files.Repository, size int, ttl time.Duration, l logging.Logger) *Service {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		repo:   repo,
		cache:  expirable.NewLRU[string, string](size, nil, ttl),
		logger: l.With("module", "dedup"),
	}
}

// Check returns the active record for hash, or nil when there is none.
// Errors are store failures only.
func (s *Service) Check(ctx context.Context, hash string) (*models.FileRecord, error) {
	if id, ok := s.cache.Get(hash); ok {
		rec, err := s.repo.GetByID(ctx, id)
		switch {
		case err == nil && rec.IsActive() && rec.Hash == hash:
			return rec, nil
		case err == nil, errors.Is(err, common.ErrorNotFound):
			s.logger.Debug(ctx, "stale dedup entry dropped", "hash", hash, "record_id", id)
			s.cache.Remove(hash)
		default:
			return nil, fmt.Errorf("dedup lookup %s: %w", id, err)
		}
	}

	rec, err := s.repo.FindByHash(ctx, hash)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if !rec.IsActive() {
		return nil, nil
	}
	s.cache.Add(hash, rec.ID)
	return rec, nil
}

// Record caches rec as the dedup target for hash. Records that are not
// active are ignored.
func (s *Service) Record(hash string, rec *models.FileRecord) {
	if !rec.IsActive() {
		return
	}
	s.cache.Add(hash, rec.ID)
}

// Invalidate drops the cached entry for hash.
func (s *Service) Invalidate(hash string) {
	s.cache.Remove(hash)
}

func (s *Service) Len() int { return s.cache.Len() }
