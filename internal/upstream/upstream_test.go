package upstream

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Client{db: db}, mock
}

func TestCountAppliesActiveFilter(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM "lead" WHERE active = true`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := c.Count(context.Background(), "lead", Domain{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchReadOrdersByIDAndPages(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery(`SELECT "id", "name" FROM "lead" WHERE active = true ORDER BY id ASC OFFSET 0 LIMIT 2`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(1, "Alpha").
			AddRow(2, "Beta"))

	recs, err := c.SearchRead(context.Background(), "lead", Domain{}, []string{"name"}, 0, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Alpha", recs[0]["name"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchReadWatermarkSuppressedByRecordIDs(t *testing.T) {
	c, mock := newMockClient(t)
	wd := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT "id" FROM "lead" WHERE active = true AND id IN \(\$1, \$2\) ORDER BY id ASC OFFSET 0 LIMIT 10`).
		WithArgs(int64(7), int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7).AddRow(9))

	_, err := c.SearchRead(context.Background(), "lead", Domain{
		WriteDateAfter: &wd,
		RecordIDs:      []int64{7, 9},
	}, nil, 0, 10)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyOrWrapDetectsUndefinedColumn(t *testing.T) {
	err := classifyOrWrap(assertErr(`pq: column "secret_margin" does not exist`))
	var fae *FieldAccessError
	require.ErrorAs(t, err, &fae)
	assert.Equal(t, "secret_margin", fae.Field)
}

func TestClassifyOrWrapPassesThroughOtherErrors(t *testing.T) {
	base := assertErr("connection refused")
	err := classifyOrWrap(base)
	assert.Equal(t, base, err)
}

type stringError string

func (e stringError) Error() string { return string(e) }

func assertErr(msg string) error { return stringError(msg) }
