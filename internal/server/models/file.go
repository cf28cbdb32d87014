// Package models defines server-side data models persisted in the database.
package models

import "time"

// UploadStatus tracks a FileRecord through its lifecycle:
// uploading -> active -> deleted.
type UploadStatus string

const (
	StatusUploading UploadStatus = "uploading"
	StatusActive    UploadStatus = "active"
	StatusDeleted   UploadStatus = "deleted"
)

func (s UploadStatus) Valid() bool {
	switch s {
	case StatusUploading, StatusActive, StatusDeleted:
		return true
	}
	return false
}

// FileRecord describes a file uploaded through one of the providers. The
// content itself lives with the provider; this is the local metadata that
// drives deduplication, retention and quota.
type FileRecord struct {
	// ID is the persisted-record identifier (UUID).
	ID string
	// Hash is the SHA-256 content digest. Several records may share a hash.
	Hash string
	// Provider is the name of the provider holding the content.
	Provider string
	// ProviderFileID is the identifier the provider issued; empty while uploading.
	ProviderFileID string
	// Purpose is the provider-defined semantic tag the file was uploaded with.
	Purpose  string
	Name     string
	MimeType string
	Size     int64

	Status UploadStatus
	// UserID is the owner of the file.
	UserID string

	CreatedAt time.Time
	UpdatedAt time.Time

	DeletedAt      *time.Time
	DeletionReason *string

	// ReviewFlaggedAt is set when a stale uploading record was handed over to
	// manual review.
	ReviewFlaggedAt *time.Time
}

// IsActive reports whether the record is a valid deduplication target.
func (r *FileRecord) IsActive() bool {
	return r != nil && r.Status == StatusActive
}

// Clone returns a deep copy, so cached records can be handed out safely.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	if r.DeletionReason != nil {
		s := *r.DeletionReason
		c.DeletionReason = &s
	}
	if r.ReviewFlaggedAt != nil {
		t := *r.ReviewFlaggedAt
		c.ReviewFlaggedAt = &t
	}
	return &c
}
