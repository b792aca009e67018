package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/storage"
	"github.com/ashita-ai/unso/internal/storage/storetest"
	"github.com/ashita-ai/unso/internal/testutil"
	"github.com/ashita-ai/unso/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc, err := testutil.StartPostgres()
	if err != nil {
		fmt.Fprintf(os.Stderr, "skipping postgres storage tests: %v\n", err)
		os.Exit(0)
	}

	ctx := context.Background()
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, testDB)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.Postgres))
}

func TestAppendPublishesNotices(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.True(t, testDB.HasNotifyConn())
	require.NoError(t, testDB.Listen(ctx, storage.ChannelJobNotices))

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	j, events := storetest.AcceptedJob(t, "notice-hauler", at)
	require.NoError(t, testDB.AppendEvents(ctx, j.Record(at), events))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelJobNotices, channel)

	var n model.Notice
	require.NoError(t, json.Unmarshal([]byte(payload), &n))
	assert.Equal(t, j.ID, n.JobID)
	assert.Equal(t, int64(1), n.Seq)
	assert.Equal(t, model.EventJobAccepted, n.Kind)
}

func TestEventsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	j, events := storetest.AcceptedJob(t, "tamper-hauler", at)
	require.NoError(t, testDB.AppendEvents(ctx, j.Record(at), events))

	_, err := testDB.Pool().Exec(ctx, `UPDATE job_events SET kind = 'delivered' WHERE job_id = $1`, j.ID)
	assert.Error(t, err)
	_, err = testDB.Pool().Exec(ctx, `DELETE FROM job_events WHERE job_id = $1`, j.ID)
	assert.Error(t, err)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return fmt.Errorf("permanent")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "non-retriable errors are returned immediately")
}
