package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/unso/internal/storage/sqlite"
	"github.com/ashita-ai/unso/internal/storage/storetest"
	"github.com/ashita-ai/unso/internal/testutil"
	"github.com/ashita-ai/unso/migrations"
)

var j0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, testutil.NewSQLiteStore(t))
}

func TestReopenKeepsLogAndSkipsApplied(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "unso.db")

	s, err := sqlite.Open(ctx, path, migrations.SQLite, testutil.TestLogger())
	require.NoError(t, err)
	j, events := storetest.AcceptedJob(t, "hauler-1", j0)
	require.NoError(t, s.AppendEvents(ctx, j.Record(j0), events))
	s.Close(ctx)

	s, err = sqlite.Open(ctx, path, migrations.SQLite, testutil.TestLogger())
	require.NoError(t, err)
	defer s.Close(ctx)

	got, err := s.LoadEvents(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, events[0].Hash, got[0].Hash)
}
