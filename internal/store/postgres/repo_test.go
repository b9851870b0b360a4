package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Emmyhack/osem-sub002/internal/domain/model"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = sqlDB.Close()
	})
	return Wrap(sqlDB), mock
}

func TestEventRepo_Insert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)
	observed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := &model.EventRecord{
		ProgramID:     "GroupProgram",
		ProgramLabel:  "group",
		Signature:     "sig1",
		Kind:          "GroupCreated",
		LogIndex:      1,
		Slot:          100,
		Payload:       json.RawMessage(`{"groupId":7}`),
		PayloadDigest: "abc",
		Source:        "stream",
		ObservedAt:    observed,
	}

	mock.ExpectExec("INSERT INTO program_events").
		WithArgs("GroupProgram", "group", "sig1", "GroupCreated", 1, int64(100),
			sqlmock.AnyArg(), "abc", "stream", observed).
		WillReturnResult(sqlmock.NewResult(1, 1))

	inserted, err := repo.Insert(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestEventRepo_InsertDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectExec("ON CONFLICT \\(signature, kind, log_index\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Insert(context.Background(), &model.EventRecord{Signature: "sig1", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestEventRepo_InsertError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectExec("INSERT INTO program_events").WillReturnError(errors.New("connection reset"))

	_, err := repo.Insert(context.Background(), &model.EventRecord{Payload: json.RawMessage(`{}`)})
	require.ErrorContains(t, err, "insert program event")
}

func TestEventRepo_CountBySignature(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM program_events").
		WithArgs("sig1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := repo.CountBySignature(context.Background(), "sig1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCursorRepo_GetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCursorRepo(db)

	mock.ExpectQuery("SELECT name, last_synced_slot, updated_at").
		WithArgs(model.DefaultCursorName).
		WillReturnRows(sqlmock.NewRows([]string{"name", "last_synced_slot", "updated_at"}))

	c, err := repo.Get(context.Background(), model.DefaultCursorName)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestCursorRepo_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCursorRepo(db)
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT name, last_synced_slot, updated_at").
		WithArgs(model.DefaultCursorName).
		WillReturnRows(sqlmock.NewRows([]string{"name", "last_synced_slot", "updated_at"}).
			AddRow(model.DefaultCursorName, int64(123456), updated))

	c, err := repo.Get(context.Background(), model.DefaultCursorName)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint64(123456), c.LastSyncedSlot)
	assert.Equal(t, updated, c.UpdatedAt)
}

func TestCursorRepo_AdvanceUsesGreatest(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCursorRepo(db)

	mock.ExpectExec("GREATEST\\(reconcile_cursors.last_synced_slot, EXCLUDED.last_synced_slot\\)").
		WithArgs(model.DefaultCursorName, int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Advance(context.Background(), model.DefaultCursorName, 500))
}

func TestCursorRepo_AdvanceError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCursorRepo(db)

	mock.ExpectExec("INSERT INTO reconcile_cursors").WillReturnError(errors.New("read-only transaction"))
	require.ErrorContains(t, repo.Advance(context.Background(), model.DefaultCursorName, 1), "advance reconcile cursor")
}

func TestNotificationRepo_Insert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewNotificationRepo(db)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	n := &model.Notification{
		ID:        uuid.New(),
		Recipient: "member1",
		Type:      model.NotificationMemberJoined,
		Title:     "New member",
		Message:   "member1 joined group 7",
		Payload:   json.RawMessage(`{"groupId":7}`),
		Signature: "sig1",
		Slot:      100,
		CreatedAt: created,
	}

	mock.ExpectExec("INSERT INTO notifications").
		WithArgs(sqlmock.AnyArg(), "member1", "member_joined", "New member", "member1 joined group 7",
			sqlmock.AnyArg(), "sig1", int64(100), created).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("ON CONFLICT \\(signature, type, recipient\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Insert(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Insert(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestDB_RecordPoolStats(t *testing.T) {
	db, _ := newMockDB(t)
	assert.NotPanics(t, db.recordPoolStats)
}
