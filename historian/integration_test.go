//go:build integration

package historian

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rbaliyan/scadaflow/envelope"
	"github.com/rbaliyan/scadaflow/migrations"
)

func setupTestDatabase(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("historian_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, migrations.Up(ctx, db, migrations.Historian, nil), "apply historian schema")
	// a second run is a no-op
	require.NoError(t, migrations.Up(ctx, db, migrations.Historian, nil))

	return db
}

func countRows(t *testing.T, db *sql.DB, table, id string) int {
	t.Helper()
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE event_id = $1", id).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestPostgresRepositoryIntegration(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	repo := NewPostgresRepository(db).WithChunkSize(2)

	tel := testEnvelope("FLOW_RATE", envelope.CategoryTelemetry)
	evt := testEnvelope("SETPOINT_CHANGE", envelope.CategoryEvent)
	alarm := testEnvelope("CRITICAL_TEMP", envelope.CategoryAlarm)
	alarm.Severity = ""
	batch := []envelope.Envelope{tel, evt, alarm}

	t.Run("redelivery produces one row per event id", func(t *testing.T) {
		n, err := repo.InsertAll(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = repo.InsertAll(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		assert.Equal(t, 1, countRows(t, db, TableTelemetry, tel.EventID))
		assert.Equal(t, 1, countRows(t, db, TableEvents, evt.EventID))
		assert.Equal(t, 1, countRows(t, db, TableAlarms, alarm.EventID))
	})

	t.Run("alarm severity defaults to medium", func(t *testing.T) {
		var severity string
		err := db.QueryRow("SELECT severity FROM alarms WHERE event_id = $1", alarm.EventID).Scan(&severity)
		require.NoError(t, err)
		assert.Equal(t, "MEDIUM", severity)
	})

	t.Run("chunked bucket counts only new rows", func(t *testing.T) {
		envs := []envelope.Envelope{tel}
		for i := 0; i < 4; i++ {
			envs = append(envs, testEnvelope("PRESSURE", envelope.CategoryTelemetry))
		}
		n, err := repo.InsertAll(ctx, envs)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
	})

	t.Run("stored values are not overwritten", func(t *testing.T) {
		changed := tel
		changed.Value = -1
		_, err := repo.InsertAll(ctx, []envelope.Envelope{changed})
		require.NoError(t, err)

		var value float64
		err = db.QueryRow("SELECT value FROM telemetry WHERE event_id = $1", tel.EventID).Scan(&value)
		require.NoError(t, err)
		assert.Equal(t, tel.Value, value)
	})
}
