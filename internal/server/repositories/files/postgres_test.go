package files

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/dmitrijs2005/uploadgate/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

var columns = []string{"id", "hash", "provider", "provider_file_id", "purpose", "name", "mime_type", "size", "status",
	"user_id", "created_at", "updated_at", "deleted_at", "deletion_reason", "review_flagged_at"}

var t0 = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func TestInsert_OK(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+file_records\b.*VALUES`).
		WithArgs("r1", "h1", "openai", "", "assistants", "a.pdf", "application/pdf", int64(10), "uploading", "u1", t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &models.FileRecord{ID: "r1", Hash: "h1", Provider: "openai", Purpose: "assistants", Name: "a.pdf",
		MimeType: "application/pdf", Size: 10, Status: models.StatusUploading, UserID: "u1", CreatedAt: t0}
	if err := repo.Insert(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.UpdatedAt.Equal(t0) {
		t.Fatalf("updated_at not defaulted: %v", rec.UpdatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsert_GeneratesID(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO file_records`).WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &models.FileRecord{Hash: "h1", Status: models.StatusUploading}
	if err := repo.Insert(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.ID) != 36 {
		t.Fatalf("expected uuid id, got %q", rec.ID)
	}
}

func TestInsert_UniqueViolation(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO file_records`).WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.Insert(context.Background(), &models.FileRecord{ID: "r1", Status: models.StatusUploading})
	if !errors.Is(err, common.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
}

func TestInsert_InvalidStatus(t *testing.T) {
	repo, _, db := newRepoWithMock(t)
	defer db.Close()

	err := repo.Insert(context.Background(), &models.FileRecord{ID: "r1", Status: "pending"})
	if !errors.Is(err, common.ErrInvalidStatus) {
		t.Fatalf("want ErrInvalidStatus, got %v", err)
	}
}

func TestInsert_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO file_records`).WillReturnError(errors.New("db down"))

	err := repo.Insert(context.Background(), &models.FileRecord{ID: "r1", Status: models.StatusUploading})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestGetByID_OK(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	deleted := t0.Add(time.Hour)
	rows := sqlmock.NewRows(columns).
		AddRow("r1", "h1", "openai", "file-1", "assistants", "a.pdf", "application/pdf", int64(10), "deleted", "u1",
			t0, deleted, deleted, "expired", nil)
	mock.ExpectQuery(`SELECT .* FROM file_records WHERE id=\$1`).WithArgs("r1").WillReturnRows(rows)

	got, err := repo.GetByID(context.Background(), "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.StatusDeleted || got.ProviderFileID != "file-1" || got.Size != 10 {
		t.Fatalf("bad row: %+v", got)
	}
	if got.DeletedAt == nil || !got.DeletedAt.Equal(deleted) || got.DeletionReason == nil || *got.DeletionReason != "expired" {
		t.Fatalf("nullable columns not mapped: %+v", got)
	}
	if got.ReviewFlaggedAt != nil {
		t.Fatalf("expected nil review_flagged_at")
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM file_records WHERE id=\$1`).WithArgs("nope").WillReturnRows(sqlmock.NewRows(columns))

	_, err := repo.GetByID(context.Background(), "nope")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want ErrorNotFound, got %v", err)
	}
}

func TestFindByHash_PrefersActive(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows(columns).
		AddRow("r2", "h1", "openai", "file-2", "assistants", "a.pdf", "", int64(10), "active", "u1", t0, t0, nil, nil, nil)
	mock.ExpectQuery(`(?s)FROM file_records WHERE hash=\$1\s+ORDER BY \(status = 'active'\) DESC, created_at DESC LIMIT 1`).
		WithArgs("h1").WillReturnRows(rows)

	got, err := repo.FindByHash(context.Background(), "h1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "r2" || !got.IsActive() {
		t.Fatalf("bad row: %+v", got)
	}
}

func TestFindByHash_QueryErr(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM file_records WHERE hash=\$1`).WithArgs("h1").WillReturnError(errors.New("db err"))

	_, err := repo.FindByHash(context.Background(), "h1")
	if err == nil || !regexp.MustCompile(`failed to select file record: .*db err`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped select error, got %v", err)
	}
}

func TestMarkActive(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)UPDATE file_records SET status='active', provider_file_id=\$2, updated_at=now\(\)\s+WHERE id=\$1 AND status='uploading'`
	mock.ExpectExec(q).WithArgs("r1", "file-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("r1", "file-1").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.MarkActive(context.Background(), "r1", "file-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.MarkActive(context.Background(), "r1", "file-1"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want ErrorNotFound for a record no longer uploading, got %v", err)
	}
}

func TestUpdateStatus_DeletedStampsReason(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)UPDATE file_records SET status='deleted', deleted_at=now\(\), deletion_reason=\$2.*WHERE id=\$1 AND status<>'deleted'`).
		WithArgs("r1", "expired").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateStatus(context.Background(), "r1", models.StatusDeleted, "expired"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateStatus_Errors(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	if err := repo.UpdateStatus(context.Background(), "r1", "bogus", ""); !errors.Is(err, common.ErrInvalidStatus) {
		t.Fatalf("want ErrInvalidStatus, got %v", err)
	}

	mock.ExpectExec(`UPDATE file_records SET status=\$2`).WithArgs("r1", "active").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("rows-err")))
	err := repo.UpdateStatus(context.Background(), "r1", models.StatusActive, "")
	if err == nil || !regexp.MustCompile(`failed to get rows affected: .*rows-err`).MatchString(err.Error()) {
		t.Fatalf("expected rows affected error, got %v", err)
	}

	mock.ExpectExec(`UPDATE file_records SET status=\$2`).WithArgs("r1", "active").
		WillReturnResult(sqlmock.NewResult(0, 2))
	err = repo.UpdateStatus(context.Background(), "r1", models.StatusActive, "")
	if err == nil || !regexp.MustCompile(`unexpected rows affected: 2`).MatchString(err.Error()) {
		t.Fatalf("expected unexpected rows affected error, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM file_records WHERE id=\$1`).WithArgs("r1").WillReturnError(errors.New("db err"))

	err := repo.Delete(context.Background(), "r1")
	if err == nil || !regexp.MustCompile(`failed to delete: .*db err`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestFindExpired_OnlyActive(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows(columns).
		AddRow("r1", "h1", "openai", "f1", "assistants", "", "", int64(1), "active", "u1", t0, t0, nil, nil, nil).
		AddRow("r2", "h2", "mistral", "f2", "ocr", "", "", int64(2), "active", "u1", t0, t0, nil, nil, nil)
	mock.ExpectQuery(`(?s)FROM file_records\s+WHERE status='active' AND created_at<\$1 ORDER BY created_at LIMIT \$2`).
		WithArgs(t0, 50).WillReturnRows(rows)

	got, err := repo.FindExpired(context.Background(), t0, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[1].Provider != "mistral" {
		t.Fatalf("bad rows: %+v", got)
	}
}

func TestFindStaleUploading_RowsErr(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows(columns).
		AddRow("r1", "h1", "openai", "", "assistants", "", "", int64(1), "uploading", "u1", t0, t0, nil, nil, nil).
		RowError(0, errors.New("row-err"))
	mock.ExpectQuery(`(?s)WHERE status='uploading' AND created_at<\$1 AND review_flagged_at IS NULL`).
		WithArgs(t0, 10).WillReturnRows(rows)

	_, err := repo.FindStaleUploading(context.Background(), t0, 10)
	if err == nil || err.Error() != "row-err" {
		t.Fatalf("expected rows.Err 'row-err', got %v", err)
	}
}

func TestFlagForReview(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)UPDATE file_records SET review_flagged_at=\$2.*WHERE id=\$1 AND status='uploading' AND review_flagged_at IS NULL`
	mock.ExpectExec(q).WithArgs("r1", t0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("r1", t0).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.FlagForReview(context.Background(), "r1", t0)
	if err != nil || !ok {
		t.Fatalf("first flag: ok=%v err=%v", ok, err)
	}
	ok, err = repo.FlagForReview(context.Background(), "r1", t0)
	if err != nil || ok {
		t.Fatalf("second flag must be a no-op: ok=%v err=%v", ok, err)
	}
}
