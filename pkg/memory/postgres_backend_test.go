package memory_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grace-platform/grace/pkg/memory"
)

func TestPostgresBackend_StoreUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := memory.NewPostgresBackend(db)
	storedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO memory_items")).
		WithArgs("greeting", "knowledge", "user_1", []byte(`{"text":"hi"}`),
			sqlmock.AnyArg(), "sig_abc", "", storedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = b.Store(context.Background(), memory.Item{
		Key:       "greeting",
		Domain:    "knowledge",
		UserID:    "user_1",
		Content:   json.RawMessage(`{"text":"hi"}`),
		Signature: "sig_abc",
		StoredAt:  storedAt,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_FetchFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := memory.NewPostgresBackend(db)
	storedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"key", "domain", "user_id", "content", "metadata",
		"signature", "logic_update_id", "stored_at",
	}).AddRow("greeting", "knowledge", "user_1", []byte(`{"text":"hi"}`),
		[]byte(`{"source":"test"}`), "sig_abc", "", storedAt)

	mock.ExpectQuery("SELECT key, domain, user_id, content").
		WithArgs("knowledge", "user_1", "%hi%", 10).
		WillReturnRows(rows)

	res, err := b.Fetch(context.Background(), memory.Query{
		Domain: "knowledge",
		UserID: "user_1",
		Text:   "hi",
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "greeting", res.Items[0].Key)
	assert.Equal(t, "test", res.Items[0].Metadata["source"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_StoreFailureIsUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := memory.NewPostgresBackend(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO memory_items")).
		WillReturnError(assert.AnError)

	err = b.Store(context.Background(), memory.Item{Key: "k", Domain: "d"})
	assert.ErrorIs(t, err, memory.ErrBackendUnavailable)
}
