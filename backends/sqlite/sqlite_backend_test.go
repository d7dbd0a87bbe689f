package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/acaloiaro/jobq/backends"
	"github.com/acaloiaro/jobq/backends/sqlite"
	"github.com/acaloiaro/jobq/config"
	"github.com/acaloiaro/jobq/handler"
	"github.com/acaloiaro/jobq/jobs"
	"github.com/acaloiaro/jobq/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var jobColumns = []string{
	"id", "queue", "payload", "status", "created", "delay", "retries", "attempts", "priority", "dependencies",
	"result", "error",
}

func dbPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "jobq.db")
}

func TestSuite(t *testing.T) {
	suite.Run(t, backends.NewQueueTestSuite(sqlite.Backend, config.WithConnectionString("sqlite3://"+dbPath(t))))
}

func TestBackendRequiresPath(t *testing.T) {
	_, err := sqlite.Backend(context.Background())
	assert.ErrorIs(t, err, sqlite.ErrNoDatabasePath)
}

// TestJobsSurviveReopen verifies that jobs are persisted in the database file
func TestJobsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)

	b, err := sqlite.Backend(ctx, config.WithConnectionString(path))
	require.NoError(t, err)
	id, err := b.Dispatch(ctx, jobs.Payload{Task: "persist", Args: map[string]any{"n": "1"}}, jobs.WithPriority(4))
	require.NoError(t, err)
	b.Shutdown(ctx)

	b, err = sqlite.Backend(ctx, config.WithConnectionString(path))
	require.NoError(t, err)
	defer b.Shutdown(ctx)

	j, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "persist", j.Payload.Task)
	assert.Equal(t, "1", j.Payload.Args["n"])
	assert.Equal(t, 4, j.Priority)
}

func TestDispatchPropagatesStorageErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ioErr := errors.New("disk I/O error")
	mock.ExpectExec("INSERT INTO jobq_jobs").WillReturnError(ioErr)

	b := sqlite.New(db)
	b.SetLogger(&testutils.TestLogger{})

	_, err = b.Dispatch(context.Background(), jobs.Payload{Task: "t"})
	assert.ErrorIs(t, err, ioErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessPropagatesStorageErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ioErr := errors.New("database is locked")
	mock.ExpectQuery("SELECT (.+) FROM jobq_jobs WHERE queue = (.+) AND status IN").WillReturnError(ioErr)

	b := sqlite.New(db)
	b.SetLogger(&testutils.TestLogger{})

	err = b.Process(context.Background())
	assert.ErrorIs(t, err, ioErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestLostClaimSkipsJob verifies that a job claimed by another worker between the scan and the claim is not run
func TestLostClaimSkipsJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows(jobColumns).
		AddRow("018c0000-0000-7000-8000-000000000001", "default", `{"task":"t"}`, "pending", 1_700_000_000, 0, 0, 0, 0,
			"[]", nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM jobq_jobs").WillReturnRows(rows)
	mock.ExpectExec("UPDATE jobq_jobs SET status").WillReturnResult(sqlmock.NewResult(0, 0))

	b := sqlite.New(db)
	b.SetLogger(&testutils.TestLogger{})

	var ran bool
	b.Register("t", handler.New(handler.Func(func(context.Context) (any, error) {
		ran = true
		return nil, nil
	})))

	require.NoError(t, b.Process(context.Background()))
	assert.False(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}
