package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/dbx"
	"github.com/dmitrijs2005/uploadgate/internal/server/models"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectColumns = `id, hash, provider, provider_file_id, purpose, name, mime_type, size, status, user_id,
	created_at, updated_at, deleted_at, deletion_reason, review_flagged_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.FileRecord, error) {
	var (
		rec       models.FileRecord
		status    string
		deletedAt sql.NullTime
		reason    sql.NullString
		flaggedAt sql.NullTime
	)
	err := s.Scan(&rec.ID, &rec.Hash, &rec.Provider, &rec.ProviderFileID, &rec.Purpose, &rec.Name, &rec.MimeType,
		&rec.Size, &status, &rec.UserID, &rec.CreatedAt, &rec.UpdatedAt, &deletedAt, &reason, &flaggedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = models.UploadStatus(status)
	if deletedAt.Valid {
		t := deletedAt.Time
		rec.DeletedAt = &t
	}
	if reason.Valid {
		r := reason.String
		rec.DeletionReason = &r
	}
	if flaggedAt.Valid {
		t := flaggedAt.Time
		rec.ReviewFlaggedAt = &t
	}
	return &rec, nil
}

// Insert stores rec. A missing ID or timestamp is filled in on rec.
func (r *PostgresRepository) Insert(ctx context.Context, rec *models.FileRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("insert file record: %w: %q", common.ErrInvalidStatus, rec.Status)
	}

	query := `INSERT INTO file_records (id, hash, provider, provider_file_id, purpose, name, mime_type, size, status, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.ExecContext(ctx, query, rec.ID, rec.Hash, rec.Provider, rec.ProviderFileID, rec.Purpose, rec.Name,
		rec.MimeType, rec.Size, string(rec.Status), rec.UserID, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return fmt.Errorf("insert file record %s: %w", rec.ID, common.ErrAlreadyExists)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.FileRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM file_records WHERE id=$1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select file record: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) FindByHash(ctx context.Context, hash string) (*models.FileRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM file_records WHERE hash=$1
		ORDER BY (status = 'active') DESC, created_at DESC LIMIT 1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select file record: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) MarkActive(ctx context.Context, id, providerFileID string) error {
	query := `UPDATE file_records SET status='active', provider_file_id=$2, updated_at=now()
		WHERE id=$1 AND status='uploading'`
	return dbx.ExecOne(ctx, r.db, "mark active", query, id, providerFileID)
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status models.UploadStatus, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("update status: %w: %q", common.ErrInvalidStatus, status)
	}
	if status == models.StatusDeleted {
		query := `UPDATE file_records SET status='deleted', deleted_at=now(), deletion_reason=$2, updated_at=now()
			WHERE id=$1 AND status<>'deleted'`
		return dbx.ExecOne(ctx, r.db, "update status", query, id, reason)
	}
	query := `UPDATE file_records SET status=$2, updated_at=now() WHERE id=$1 AND status<>'deleted'`
	return dbx.ExecOne(ctx, r.db, "update status", query, id, string(status))
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	return dbx.ExecOne(ctx, r.db, "delete", `DELETE FROM file_records WHERE id=$1`, id)
}

func (r *PostgresRepository) FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*models.FileRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM file_records
		WHERE status='active' AND created_at<$1 ORDER BY created_at LIMIT $2`
	return r.selectMany(ctx, query, cutoff, limit)
}

func (r *PostgresRepository) FindStaleUploading(ctx context.Context, cutoff time.Time, limit int) ([]*models.FileRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM file_records
		WHERE status='uploading' AND created_at<$1 AND review_flagged_at IS NULL ORDER BY created_at LIMIT $2`
	return r.selectMany(ctx, query, cutoff, limit)
}

func (r *PostgresRepository) selectMany(ctx context.Context, query string, args ...any) ([]*models.FileRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select file records: %w", err)
	}
	defer rows.Close()

	var result []*models.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) FlagForReview(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE file_records SET review_flagged_at=$2, updated_at=now()
		WHERE id=$1 AND status='uploading' AND review_flagged_at IS NULL`
	err := dbx.ExecOne(ctx, r.db, "flag for review", query, id, at)
	if errors.Is(err, common.ErrorNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
