package dbx

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/uploadgate/internal/common"
)

func TestExecOne(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(m sqlmock.Sqlmock)
		wantErr error
		errText string
	}{
		{
			name: "one row",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec("UPDATE file_records").WithArgs("id1").WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "no rows",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec("UPDATE file_records").WithArgs("id1").WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr: common.ErrorNotFound,
		},
		{
			name: "many rows",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec("UPDATE file_records").WithArgs("id1").WillReturnResult(sqlmock.NewResult(0, 3))
			},
			errText: "unexpected rows affected: 3",
		},
		{
			name: "exec error",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec("UPDATE file_records").WithArgs("id1").WillReturnError(errors.New("conn reset"))
			},
			errText: "failed to touch: conn reset",
		},
		{
			name: "rows affected error",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec("UPDATE file_records").WithArgs("id1").
					WillReturnResult(sqlmock.NewErrorResult(errors.New("driver")))
			},
			errText: "failed to get rows affected",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			tc.setup(mock)

			err = ExecOne(context.Background(), db, "touch", "UPDATE file_records SET x=1 WHERE id=$1", "id1")
			switch {
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
			case tc.errText != "":
				assert.ErrorContains(t, err, tc.errText)
			default:
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
}
