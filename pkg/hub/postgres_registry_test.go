package hub_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grace-platform/grace/pkg/hub"
)

func TestPostgresRegistry_SaveUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := hub.NewPostgresRegistry(db)
	u := &hub.LogicUpdate{
		UpdateID:         "upd_1",
		UpdateType:       hub.TypeConfig,
		ComponentTargets: []string{"metrics_collector"},
		Content:          json.RawMessage(`{"aggregation_interval":60}`),
		Status:           hub.StatusDistributed,
		CreatedAt:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO logic_updates")).
		WithArgs("upd_1", "distributed", u.CreatedAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, reg.Save(context.Background(), u))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegistry_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := hub.NewPostgresRegistry(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT doc FROM logic_updates WHERE update_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	_, err = reg.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, hub.ErrUpdateNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegistry_ListDecodesDocs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := hub.NewPostgresRegistry(db)
	doc := `{"update_id":"upd_2","update_type":"schema","status":"stable"}`
	mock.ExpectQuery(regexp.QuoteMeta("SELECT doc FROM logic_updates ORDER BY created_at DESC LIMIT $1")).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow([]byte(doc)))

	got, err := reg.List(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "upd_2", got[0].UpdateID)
	assert.Equal(t, hub.StatusStable, got[0].Status)
}
