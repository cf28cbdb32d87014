// Package providers defines the capability every upload backend implements.
// Concrete adapters live in sub-packages and are registered with the
// isolation manager at startup.
package providers

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/dmitrijs2005/uploadgate/internal/common"
)

// Limits are the constraints a provider enforces on uploads.
type Limits struct {
	// MaxFileSize in bytes; 0 means unlimited.
	MaxFileSize int64
	// Purposes accepted by the provider; empty accepts any purpose.
	Purposes []string
}

func (l Limits) AcceptsPurpose(purpose string) bool {
	return len(l.Purposes) == 0 || slices.Contains(l.Purposes, purpose)
}

func (l Limits) AcceptsSize(size int64) bool {
	return l.MaxFileSize <= 0 || size <= l.MaxFileSize
}

// Upload is one upload call. Body is read exactly once.
type Upload struct {
	Name     string
	Purpose  string
	MimeType string
	Size     int64
	Body     io.Reader
}

type Provider interface {
	Name() string
	Limits() Limits
	// Upload sends the content and returns the provider-issued file id.
	Upload(ctx context.Context, u Upload) (string, error)
	Delete(ctx context.Context, fileID string) error
}

// HealthChecker is implemented by providers that can be probed without
// uploading anything.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatusError is a provider failure with an HTTP-like status code. Retry and
// breaker classification read the code through StatusCode.
type StatusError struct {
	Provider string
	Op       string
	Code     int
	Err      error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: status %d", e.Provider, e.Op, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.Code, e.Err)
}

func (e *StatusError) Unwrap() error   { return e.Err }
func (e *StatusError) StatusCode() int { return e.Code }

// CheckLimits validates an upload against a provider's limits before any
// network call is made.
func CheckLimits(name string, l Limits, u Upload) error {
	if !l.AcceptsPurpose(u.Purpose) {
		return &StatusError{Provider: name, Op: "upload", Code: 400,
			Err: fmt.Errorf("purpose %q: %w", u.Purpose, common.ErrInvalidPurpose)}
	}
	if !l.AcceptsSize(u.Size) {
		return &StatusError{Provider: name, Op: "upload", Code: 413,
			Err: fmt.Errorf("%d bytes over limit %d: %w", u.Size, l.MaxFileSize, common.ErrFileTooLarge)}
	}
	return nil
}
