// Package filemanager is the single entry point for uploads and deletes. It
// composes hashing, deduplication, locking, provider selection, retries and
// circuit breaking.
package filemanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/dedup"
	"github.com/dmitrijs2005/uploadgate/internal/events"
	"github.com/dmitrijs2005/uploadgate/internal/hashing"
	"github.com/dmitrijs2005/uploadgate/internal/isolation"
	"github.com/dmitrijs2005/uploadgate/internal/locks"
	"github.com/dmitrijs2005/uploadgate/internal/logging"
	"github.com/dmitrijs2005/uploadgate/internal/providers"
	"github.com/dmitrijs2005/uploadgate/internal/retry"
	"github.com/dmitrijs2005/uploadgate/internal/server/models"
	"github.com/dmitrijs2005/uploadgate/internal/server/repositories/files"
)

// Deps are the collaborators of a Manager. Hasher may be nil.
type Deps struct {
	Repo      files.Repository
	Isolation *isolation.Manager
	Retry     *retry.Handler
	Locks     *locks.Manager
	Dedup     *dedup.Service
	Hasher    *hashing.Hasher
}

type Manager struct {
	repo   files.Repository
	iso    *isolation.Manager
	retry  *retry.Handler
	locks  *locks.Manager
	dedup  *dedup.Service
	hasher *hashing.Hasher
	cfg    Config
	logger logging.Logger
	sink   events.Sink
}

func New(d Deps, cfg Config, l logging.Logger, sink events.Sink) (*Manager, error) {
	if d.Repo == nil || d.Isolation == nil || d.Retry == nil || d.Locks == nil || d.Dedup == nil {
		return nil, errors.New("filemanager: missing dependency")
	}
	if d.Hasher == nil {
		d.Hasher = hashing.New(0)
	}
	if cfg.ProviderCallTimeout <= 0 {
		cfg.ProviderCallTimeout = DefaultProviderCallTimeout
	}
	return &Manager{
		repo:   d.Repo,
		iso:    d.Isolation,
		retry:  d.Retry,
		locks:  d.Locks,
		dedup:  d.Dedup,
		hasher: d.Hasher,
		cfg:    cfg,
		logger: l.With("module", "filemanager"),
		sink:   events.OrNop(sink),
	}, nil
}

// content is an opened upload body with everything learned about it.
type content struct {
	body  io.ReadSeeker
	name  string
	size  int64
	mime  string
	hash  string
	close func() error
}

func (m *Manager) open(req UploadRequest) (*content, error) {
	c := &content{name: req.Name, close: func() error { return nil }}
	switch {
	case req.Path != "" && req.Content != nil:
		return nil, fmt.Errorf("both path and content given: %w", common.ErrInvalidRequest)
	case req.Path != "":
		f, err := os.Open(req.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", req.Path, common.ErrInvalidRequest)
		}
		c.body, c.close = f, f.Close
		if c.name == "" {
			c.name = filepath.Base(req.Path)
		}
	case req.Content != nil:
		c.body = req.Content
	default:
		return nil, fmt.Errorf("no content: %w", common.ErrEmptyFile)
	}

	size, err := c.body.Seek(0, io.SeekEnd)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("measure content: %w", err)
	}
	c.size = size
	if _, err := c.body.Seek(0, io.SeekStart); err != nil {
		c.close()
		return nil, fmt.Errorf("rewind content: %w", err)
	}
	return c, nil
}

// inspect detects the mime type and hashes the content, leaving it rewound.
func (m *Manager) inspect(ctx context.Context, c *content) error {
	mt, err := mimetype.DetectReader(c.body)
	if err != nil {
		return fmt.Errorf("detect mime type: %w", err)
	}
	c.mime = mt.String()
	if _, err := c.body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind content: %w", err)
	}

	hash, n, err := m.hasher.Hash(ctx, c.body)
	if err != nil {
		return err
	}
	if n != c.size {
		return fmt.Errorf("content changed while hashing: %d of %d bytes", n, c.size)
	}
	c.hash = hash
	_, err = c.body.Seek(0, io.SeekStart)
	return err
}

func (m *Manager) validate(req UploadRequest, c *content) error {
	if c.size == 0 {
		return common.ErrEmptyFile
	}
	if !m.iso.AcceptsPurpose(req.Purpose) {
		return fmt.Errorf("purpose %q: %w", req.Purpose, common.ErrInvalidPurpose)
	}
	if limit := m.iso.MaxFileSize(req.Purpose); limit > 0 && c.size > limit {
		return fmt.Errorf("%d bytes, largest limit %d: %w", c.size, limit, common.ErrFileTooLarge)
	}
	return nil
}

// Upload stores the content with a healthy provider, or returns the existing
// upload of identical content.
func (m *Manager) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	const op = "upload"

	c, err := m.open(req)
	if err != nil {
		return nil, m.fail(op, "", 0, err)
	}
	defer c.close()

	if err := m.validate(req, c); err != nil {
		return nil, common.E(common.KindValidation, op, err)
	}
	if err := m.inspect(ctx, c); err != nil {
		return nil, common.E(common.KindSystem, op, err)
	}

	if res, err := m.duplicate(ctx, c); res != nil || err != nil {
		return res, err
	}

	lock, err := m.locks.Acquire(ctx, c.hash)
	if err != nil {
		return nil, m.fail(op, "", 0, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn(ctx, "lock release failed", "hash", c.hash, "error", err)
		}
	}()

	// Another uploader may have finished while we waited for the lock.
	if res, err := m.duplicate(ctx, c); res != nil || err != nil {
		return res, err
	}

	route, err := m.iso.Select(ctx, isolation.Criteria{Preferred: req.PreferredProvider, Size: c.size, Purpose: req.Purpose})
	if err != nil {
		return nil, common.E(common.KindValidation, op, err)
	}
	return m.upload(ctx, req, c, route)
}

func (m *Manager) duplicate(ctx context.Context, c *content) (*UploadResult, error) {
	rec, err := m.dedup.Check(ctx, c.hash)
	if err != nil {
		return nil, common.E(common.KindStorage, "upload", err)
	}
	if rec == nil {
		return nil, nil
	}
	m.logger.Info(ctx, "duplicate content, skipping upload", "hash", c.hash, "record_id", rec.ID, "provider", rec.Provider)
	m.sink.Emit(ctx, events.Event{Type: events.DedupHit, Provider: rec.Provider, Hash: c.hash, RecordID: rec.ID})
	return &UploadResult{
		ProviderFileID: rec.ProviderFileID,
		Provider:       rec.Provider,
		RecordID:       rec.ID,
		Hash:           c.hash,
		Size:           rec.Size,
		MimeType:       rec.MimeType,
		Duplicate:      true,
	}, nil
}

func (m *Manager) upload(ctx context.Context, req UploadRequest, c *content, route *isolation.Route) (*UploadResult, error) {
	const op = "upload"
	name := route.Name()

	rec := &models.FileRecord{
		ID:       uuid.NewString(),
		Hash:     c.hash,
		Provider: name,
		Purpose:  req.Purpose,
		Name:     c.name,
		MimeType: c.mime,
		Size:     c.size,
		Status:   models.StatusUploading,
		UserID:   req.UserID,
	}
	if err := m.repo.Insert(ctx, rec); err != nil {
		return nil, common.E(common.KindStorage, op, err)
	}

	m.logger.Info(ctx, "upload started", "provider", name, "hash", c.hash, "size", c.size, "degraded", route.Degraded)
	m.sink.Emit(ctx, events.Event{Type: events.UploadStarted, Provider: name, Hash: c.hash, RecordID: rec.ID})

	calls := 0
	fileID, err := retry.Do(ctx, m.retry.ForProvider(name), func(ctx context.Context) (string, error) {
		var id string
		err := route.Breaker.Call(ctx, func(ctx context.Context) error {
			calls++
			if _, err := c.body.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind content: %w", err)
			}
			cctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderCallTimeout)
			defer cancel()
			var err error
			id, err = route.Provider.Upload(cctx, providers.Upload{
				Name:     c.name,
				Purpose:  req.Purpose,
				MimeType: c.mime,
				Size:     c.size,
				Body:     c.body,
			})
			return err
		})
		return id, err
	})

	dctx := context.WithoutCancel(ctx)
	if err != nil {
		if derr := m.repo.Delete(dctx, rec.ID); derr != nil {
			m.logger.Error(ctx, "failed to remove record of failed upload", "record_id", rec.ID, "error", derr)
		}
		m.logger.Warn(ctx, "upload failed", "provider", name, "hash", c.hash, "calls", calls, "error", err)
		m.sink.Emit(ctx, events.Event{Type: events.UploadFailed, Provider: name, Hash: c.hash, Attempt: calls, Err: err.Error()})
		return nil, m.fail(op, name, calls, err)
	}

	if err := m.repo.MarkActive(dctx, rec.ID, fileID); err != nil {
		m.logger.Error(ctx, "uploaded file could not be recorded, removing it", "provider", name, "file_id", fileID, "error", err)
		m.removeOrphan(dctx, route.Provider, fileID)
		if derr := m.repo.Delete(dctx, rec.ID); derr != nil {
			m.logger.Error(ctx, "failed to remove record of failed upload", "record_id", rec.ID, "error", derr)
		}
		return nil, &common.Error{Kind: common.KindStorage, Op: op, Provider: name, Attempts: calls, Err: err}
	}
	rec.Status = models.StatusActive
	rec.ProviderFileID = fileID
	m.dedup.Record(c.hash, rec)

	m.logger.Info(ctx, "upload succeeded", "provider", name, "file_id", fileID, "record_id", rec.ID, "calls", calls)
	m.sink.Emit(ctx, events.Event{Type: events.UploadSucceeded, Provider: name, Hash: c.hash, RecordID: rec.ID, Attempt: calls})

	return &UploadResult{
		ProviderFileID: fileID,
		Provider:       name,
		RecordID:       rec.ID,
		Hash:           c.hash,
		Size:           c.size,
		MimeType:       c.mime,
	}, nil
}

func (m *Manager) removeOrphan(ctx context.Context, p providers.Provider, fileID string) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderCallTimeout)
	defer cancel()
	if err := p.Delete(cctx, fileID); err != nil {
		m.logger.Error(ctx, "orphaned provider file left behind", "provider", p.Name(), "file_id", fileID, "error", err)
	}
}

// fail translates err into the shared taxonomy. calls is the number of
// provider calls actually made; zero means the provider was never tried.
func (m *Manager) fail(op, provider string, calls int, err error) error {
	var ce *common.Error
	if errors.As(err, &ce) {
		return err
	}
	kind := common.KindOf(err)
	if kind == common.KindSystem && provider != "" && !errors.Is(err, context.Canceled) {
		kind = common.KindProvider
	}
	return &common.Error{
		Kind:      kind,
		Op:        op,
		Provider:  provider,
		Attempts:  calls,
		Retryable: retry.ShouldRetry(err),
		Err:       err,
	}
}

// Delete removes a record on behalf of its user.
func (m *Manager) Delete(ctx context.Context, recordID string) error {
	_, err := m.DeleteWithReason(ctx, recordID, common.ReasonUserRequested)
	return err
}

// DeleteWithReason asks the provider to delete the file, then marks the record
// deleted whatever the provider answered. An error is returned only when the
// local transition failed.
func (m *Manager) DeleteWithReason(ctx context.Context, recordID, reason string) (*DeleteResult, error) {
	const op = "delete"

	rec, err := m.repo.GetByID(ctx, recordID)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, common.E(common.KindValidation, op, fmt.Errorf("record %s: %w", recordID, err))
	}
	if err != nil {
		return nil, common.E(common.KindStorage, op, err)
	}
	switch rec.Status {
	case models.StatusDeleted:
		return nil, common.E(common.KindValidation, op, fmt.Errorf("record %s already deleted: %w", recordID, common.ErrorNotFound))
	case models.StatusUploading:
		return nil, common.E(common.KindValidation, op, fmt.Errorf("record %s is still uploading: %w", recordID, common.ErrInvalidStatus))
	}

	res := &DeleteResult{RecordID: rec.ID, Provider: rec.Provider, ProviderFileID: rec.ProviderFileID}
	res.RemoteErr = m.deleteRemote(ctx, rec)
	res.Remote = res.RemoteErr == nil
	if res.RemoteErr != nil {
		m.logger.Warn(ctx, "remote delete failed, deleting locally anyway",
			"record_id", rec.ID, "provider", rec.Provider, "file_id", rec.ProviderFileID, "error", res.RemoteErr)
	}

	if err := m.repo.UpdateStatus(context.WithoutCancel(ctx), rec.ID, models.StatusDeleted, reason); err != nil {
		return res, &common.Error{Kind: common.KindStorage, Op: op, Provider: rec.Provider, Err: err}
	}
	res.Local = true
	m.dedup.Invalidate(rec.Hash)

	m.logger.Info(ctx, "file deleted", "record_id", rec.ID, "provider", rec.Provider, "reason", reason, "remote", res.Remote)
	return res, nil
}

// deleteRemote deletes the provider copy through the provider's breaker. A
// file the provider no longer has counts as deleted.
func (m *Manager) deleteRemote(ctx context.Context, rec *models.FileRecord) error {
	p, ok := m.iso.Provider(rec.Provider)
	if !ok {
		return fmt.Errorf("%q: %w", rec.Provider, common.ErrUnknownProvider)
	}
	if rec.ProviderFileID == "" {
		return nil
	}
	b, _ := m.iso.Breaker(rec.Provider)
	err := b.Call(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderCallTimeout)
		defer cancel()
		return p.Delete(cctx, rec.ProviderFileID)
	})
	if code, ok := common.StatusCode(err); ok && code == 404 {
		return nil
	}
	return err
}

// Health reports every provider's derived health.
func (m *Manager) Health(ctx context.Context) map[string]isolation.ProviderHealth {
	return m.iso.Health(ctx)
}

// Isolation exposes the provider registry, for health surfaces.
func (m *Manager) Isolation() *isolation.Manager { return m.iso }
