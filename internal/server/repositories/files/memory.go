package files

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/server/models"
)

// MemoryRepository keeps records in process memory. It backs deployments
// without a database and the orchestration tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*models.FileRecord
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*models.FileRecord), now: time.Now}
}

// WithClock overrides the clock used for timestamps.
func (r *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	r.now = now
	return r
}

func (r *MemoryRepository) Insert(_ context.Context, rec *models.FileRecord) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("insert file record: %w: %q", common.ErrInvalidStatus, rec.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, ok := r.records[rec.ID]; ok {
		return fmt.Errorf("insert file record %s: %w", rec.ID, common.ErrAlreadyExists)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	r.records[rec.ID] = rec.Clone()
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*models.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) FindByHash(_ context.Context, hash string) (*models.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *models.FileRecord
	for _, rec := range r.records {
		if rec.Hash != hash {
			continue
		}
		if best == nil || better(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, common.ErrorNotFound
	}
	return best.Clone(), nil
}

// better orders active records first, then newest first.
func better(a, b *models.FileRecord) bool {
	if a.IsActive() != b.IsActive() {
		return a.IsActive()
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (r *MemoryRepository) MarkActive(_ context.Context, id, providerFileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Status != models.StatusUploading {
		return common.ErrorNotFound
	}
	rec.Status = models.StatusActive
	rec.ProviderFileID = providerFileID
	rec.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id string, status models.UploadStatus, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("update status: %w: %q", common.ErrInvalidStatus, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Status == models.StatusDeleted {
		return common.ErrorNotFound
	}
	now := r.now().UTC()
	rec.Status = status
	rec.UpdatedAt = now
	if status == models.StatusDeleted {
		rec.DeletedAt = &now
		rec.DeletionReason = &reason
	}
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return common.ErrorNotFound
	}
	delete(r.records, id)
	return nil
}

func (r *MemoryRepository) FindExpired(_ context.Context, cutoff time.Time, limit int) ([]*models.FileRecord, error) {
	return r.selectWhere(limit, func(rec *models.FileRecord) bool {
		return rec.Status == models.StatusActive && rec.CreatedAt.Before(cutoff)
	}), nil
}

func (r *MemoryRepository) FindStaleUploading(_ context.Context, cutoff time.Time, limit int) ([]*models.FileRecord, error) {
	return r.selectWhere(limit, func(rec *models.FileRecord) bool {
		return rec.Status == models.StatusUploading && rec.CreatedAt.Before(cutoff) && rec.ReviewFlaggedAt == nil
	}), nil
}

func (r *MemoryRepository) selectWhere(limit int, match func(*models.FileRecord) bool) []*models.FileRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.FileRecord
	for _, rec := range r.records {
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepository) FlagForReview(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Status != models.StatusUploading || rec.ReviewFlaggedAt != nil {
		return false, nil
	}
	t := at
	rec.ReviewFlaggedAt = &t
	rec.UpdatedAt = r.now().UTC()
	return true, nil
}

// All returns every record, oldest first.
func (r *MemoryRepository) All() []*models.FileRecord {
	return r.selectWhere(0, func(*models.FileRecord) bool { return true })
}
