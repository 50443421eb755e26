package observation

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockLog(t *testing.T) (*SQLLog, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS observations").
		WillReturnResult(sqlmock.NewResult(0, 0))

	l, err := NewSQLLog(context.Background(), db)
	require.NoError(t, err)
	return l, mock
}

func TestSQLLogAppendFirstEntry(t *testing.T) {
	l, mock := newMockLog(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, content_hash FROM observations").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "content_hash"}))
	mock.ExpectExec("INSERT INTO observations").
		WithArgs(uint64(1), string(KindCreditsIssued), "mgr", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "genesis").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r, err := l.Append(context.Background(), KindCreditsIssued, "mgr", map[string]string{"credit_id": "cr1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Sequence)
	assert.Equal(t, "genesis", r.PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLogAppendChainsToHead(t *testing.T) {
	l, mock := newMockLog(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, content_hash FROM observations").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "content_hash"}).AddRow(uint64(7), "sha256:abc"))
	mock.ExpectExec("INSERT INTO observations").
		WithArgs(uint64(8), string(KindCreditsUsed), "acct1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "sha256:abc").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r, err := l.Append(context.Background(), KindCreditsUsed, "acct1", map[string]string{"amount": "0.1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), r.Sequence)
	assert.Equal(t, "sha256:abc", r.PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLogGet(t *testing.T) {
	l, mock := newMockLog(t)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT sequence, kind, actor, fields, timestamp, content_hash, prev_hash").
		WithArgs(uint64(3)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"sequence", "kind", "actor", "fields", "timestamp", "content_hash", "prev_hash"},
		).AddRow(uint64(3), "CREDITS_ISSUED", "mgr", `{"credit_id":"cr1"}`, ts, "sha256:x", "sha256:y"))

	r, err := l.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, KindCreditsIssued, r.Kind)
	assert.Equal(t, "cr1", r.Fields["credit_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLogGetNotFound(t *testing.T) {
	l, mock := newMockLog(t)

	mock.ExpectQuery("SELECT sequence, kind, actor, fields, timestamp, content_hash, prev_hash").
		WithArgs(uint64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "kind", "actor", "fields", "timestamp", "content_hash", "prev_hash"}))

	_, err := l.Get(context.Background(), 42)
	assert.Error(t, err)
}
