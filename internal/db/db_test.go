package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoMigrate(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	d := &Database{Conn: conn}
	require.NoError(t, d.AutoMigrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAutoMigrateStopsOnError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnError(errors.New("permission denied"))

	d := &Database{Conn: conn}
	err = d.AutoMigrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
