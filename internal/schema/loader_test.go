package schema

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromPostgresMarksForeignKeys(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("lead").AddRow("partner"))

	mock.ExpectQuery("FROM information_schema.table_constraints").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "target_table"}).
			AddRow("lead", "partner_id", "partner"))

	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("lead").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type"}).
			AddRow("id", "integer").
			AddRow("partner_id", "integer"))

	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("partner").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type"}).
			AddRow("id", "integer"))

	reg, err := LoadFromPostgres(context.Background(), db, nil)
	require.NoError(t, err)

	f, ok := reg.Find("lead", "partner_id")
	require.True(t, ok)
	assert.True(t, f.IsForeignKey)
	assert.Equal(t, "partner", f.TargetModel)
	require.NoError(t, mock.ExpectationsWereMet())
}
