package filemanager

import (
	"io"
	"time"
)

// UploadRequest describes one upload. Exactly one of Path or Content is set.
type UploadRequest struct {
	Path    string
	Content io.ReadSeeker
	// Name defaults to the base name of Path.
	Name              string
	Purpose           string
	PreferredProvider string
	UserID            string
}

type UploadResult struct {
	ProviderFileID string `json:"provider_file_id"`
	Provider       string `json:"provider"`
	RecordID       string `json:"record_id"`
	Hash           string `json:"hash"`
	Size           int64  `json:"size"`
	MimeType       string `json:"mime_type"`
	// Duplicate is set when the content was already uploaded and no provider
	// call was made.
	Duplicate bool `json:"duplicate"`
}

// DeleteResult reports both phases of a delete. Local is authoritative; the
// remote phase is best effort and its failure is reported in RemoteErr.
type DeleteResult struct {
	RecordID       string
	Provider       string
	ProviderFileID string
	Local          bool
	Remote         bool
	RemoteErr      error
}

type Config struct {
	// ProviderCallTimeout bounds every single provider call (default: 2m).
	ProviderCallTimeout time.Duration
}

const DefaultProviderCallTimeout = 2 * time.Minute
