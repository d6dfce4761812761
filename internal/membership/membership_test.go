package membership

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsActiveMember(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := NewRepository(db).IsActiveMember(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveMembers(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT user_id FROM conversation_members`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(1)).AddRow(int64(4)))

	ids, err := NewRepository(db).ActiveMembers(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, ids)
}

func TestMarkReadIsGuarded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`GREATEST\(last_read_message_id, \$3\)`).
		WithArgs(int64(3), int64(5), int64(70)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewRepository(db).MarkRead(context.Background(), 3, 5, 70))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockListAuthorizer(t *testing.T) {
	tests := []struct {
		name     string
		blocked  bool
		disabled bool
		allowed  bool
	}{
		{"allowed", false, false, true},
		{"blocked", true, false, false},
		{"privacy", false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			mock.ExpectQuery(`user_blocks`).
				WithArgs(int64(1), int64(2)).
				WillReturnRows(sqlmock.NewRows([]string{"blocked", "disabled"}).AddRow(tt.blocked, tt.disabled))

			d, err := NewBlockListAuthorizer(db).CanInteract(context.Background(), 1, 2, ActionSendMessage)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}
