package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Get(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		want      string
		wantOK    bool
		wantErr   bool
	}{
		{
			name: "found",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM records WHERE key = \$1`).
					WithArgs("stats/alice").
					WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("7"))
			},
			want:   "7",
			wantOK: true,
		},
		{
			name: "missing",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM records WHERE key = \$1`).
					WithArgs("stats/alice").
					WillReturnError(pgx.ErrNoRows)
			},
		},
		{
			name: "database error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM records WHERE key = \$1`).
					WithArgs("stats/alice").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()
			tt.setupMock(mock)

			got, ok, err := NewPostgresStore(mock).Get(context.Background(), "stats/alice")
			if tt.wantErr {
				require.Error(t, err)
				oopsErr, isOops := oops.AsOops(err)
				require.True(t, isOops)
				assert.Equal(t, "STORAGE_READ", oopsErr.Code())
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				assert.Equal(t, tt.wantOK, ok)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_Put(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO records`).
		WithArgs("poll/#dunamis", "open").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO records`).
		WithArgs("poll/#dunamis", "closed").
		WillReturnError(errors.New("disk full"))

	s := NewPostgresStore(mock)
	require.NoError(t, s.Put(context.Background(), "poll/#dunamis", "open"))
	err = s.Put(context.Background(), "poll/#dunamis", "closed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Query(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	limit := 2

	tests := []struct {
		name     string
		criteria Criteria
		limitArg any
	}{
		{"with limit", Criteria{Prefix: "stats/", Limit: 2}, &limit},
		{"no limit", Criteria{Prefix: "stats/"}, (*int)(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			mock.ExpectQuery(`SELECT key, value, updated_at FROM records`).
				WithArgs("stats/", tt.limitArg).
				WillReturnRows(pgxmock.NewRows([]string{"key", "value", "updated_at"}).
					AddRow("stats/alice", "3", now).
					AddRow("stats/bob", "1", now))

			recs, err := NewPostgresStore(mock).Query(context.Background(), tt.criteria)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, Record{Key: "stats/alice", Value: "3", UpdatedAt: now}, recs[0])
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

type mockMigrate struct {
	upErr      error
	downErr    error
	version    uint
	dirty      bool
	versionErr error
	srcErr     error
	dbErr      error
}

func (m *mockMigrate) Up() error                    { return m.upErr }
func (m *mockMigrate) Down() error                  { return m.downErr }
func (m *mockMigrate) Version() (uint, bool, error) { return m.version, m.dirty, m.versionErr }
func (m *mockMigrate) Close() (error, error)        { return m.srcErr, m.dbErr }

func TestMigrator(t *testing.T) {
	t.Run("up with no change", func(t *testing.T) {
		m := &Migrator{m: &mockMigrate{upErr: migrate.ErrNoChange}}
		assert.NoError(t, m.Up())
	})

	t.Run("up failure", func(t *testing.T) {
		m := &Migrator{m: &mockMigrate{upErr: errors.New("syntax error")}}
		err := m.Up()
		require.Error(t, err)
		oopsErr, ok := oops.AsOops(err)
		require.True(t, ok)
		assert.Equal(t, "MIGRATION_UP_FAILED", oopsErr.Code())
	})

	t.Run("nil version", func(t *testing.T) {
		m := &Migrator{m: &mockMigrate{versionErr: migrate.ErrNilVersion}}
		v, dirty, err := m.Version()
		require.NoError(t, err)
		assert.Zero(t, v)
		assert.False(t, dirty)
	})

	t.Run("dirty version", func(t *testing.T) {
		m := &Migrator{m: &mockMigrate{version: 1, dirty: true}}
		v, dirty, err := m.Version()
		require.NoError(t, err)
		assert.Equal(t, uint(1), v)
		assert.True(t, dirty)
	})

	t.Run("close keeps both errors", func(t *testing.T) {
		m := &Migrator{m: &mockMigrate{srcErr: errors.New("src"), dbErr: errors.New("db")}}
		err := m.Close()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "src")
		assert.Contains(t, err.Error(), "db")
	})
}

func TestNewMigrator_InvalidURL(t *testing.T) {
	_, err := NewMigrator("badscheme://localhost:5432/dunamis")
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "MIGRATION_INIT_FAILED", oopsErr.Code())
}
