package files

import (
	"context"
	"time"

	"github.com/dmitrijs2005/uploadgate/internal/server/models"
)

// Repository persists FileRecords. Lookups return common.ErrorNotFound when
// nothing matches.
type Repository interface {
	Insert(ctx context.Context, rec *models.FileRecord) error
	GetByID(ctx context.Context, id string) (*models.FileRecord, error)
	// FindByHash returns the most relevant record for hash: an active one if
	// any exists, otherwise the newest.
	FindByHash(ctx context.Context, hash string) (*models.FileRecord, error)
	// MarkActive promotes an uploading record once the provider accepted the
	// content.
	MarkActive(ctx context.Context, id, providerFileID string) error
	// UpdateStatus moves a record to status. Moving to deleted stamps
	// deleted_at and stores reason.
	UpdateStatus(ctx context.Context, id string, status models.UploadStatus, reason string) error
	// Delete removes the row. Used for uploads that never succeeded.
	Delete(ctx context.Context, id string) error
	// FindExpired returns active records created before cutoff, oldest first.
	FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*models.FileRecord, error)
	// FindStaleUploading returns uploading records created before cutoff that
	// have not been flagged for review yet.
	FindStaleUploading(ctx context.Context, cutoff time.Time, limit int) ([]*models.FileRecord, error)
	// FlagForReview marks a stale uploading record. It reports false when the
	// record was already flagged or is no longer uploading.
	FlagForReview(ctx context.Context, id string, at time.Time) (bool, error)
}
