package database

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestConnString_EscapesCredentials(t *testing.T) {
	cfg := &CockroachConfig{
		Host:     "db",
		Port:     26257,
		User:     "app",
		Password: "p@ss/word",
		Database: "callsession",
		SSLMode:  "disable",
	}

	assert.Equal(t, "postgresql://app:p%40ss%2Fword@db:26257/callsession?sslmode=disable", cfg.ConnString())
}

func TestMigrationFiles_AreEmbeddedInOrder(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "001_rtc_sessions.sql", files[0])

	body, err := embeddedMigrations.ReadFile("migrations/" + files[0])
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "WHERE leave_time IS NULL"))
}

// MockExecer is a mock implementation of execer
type MockExecer struct {
	mock.Mock
}

func (m *MockExecer) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return pgconn.CommandTag{}, args.Error(0)
}

func TestApplyMigration_RecordsInSameTx(t *testing.T) {
	tx := new(MockExecer)
	tx.On("Exec", mock.Anything, "CREATE TABLE t (id INT)", []any(nil)).Return(nil).Once()
	tx.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "INSERT INTO schema_migrations")
	}), []any{"002_t.sql"}).Return(nil).Once()

	require.NoError(t, applyMigration(context.Background(), tx, "002_t.sql", []byte("CREATE TABLE t (id INT)")))
	tx.AssertExpectations(t)
}

func TestApplyMigration_FailedBodyIsNotRecorded(t *testing.T) {
	tx := new(MockExecer)
	tx.On("Exec", mock.Anything, "CREATE TABLE t (", []any(nil)).Return(errors.New("syntax error")).Once()

	err := applyMigration(context.Background(), tx, "002_t.sql", []byte("CREATE TABLE t ("))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply migration 002_t.sql")
	tx.AssertNumberOfCalls(t, "Exec", 1)
}
