// Command verify-chains re-verifies the hash chain of job event logs.
//
// Usage:
//
//	go run ./scripts/verify-chains            # every open job
//	go run ./scripts/verify-chains -job <id>  # one job, open or archived
//
// Storage is selected the same way the server selects it: DATABASE_URL for
// PostgreSQL, otherwise UNSO_SQLITE_PATH. For an archived job the recomputed
// Merkle root is also compared with the one sealed at archive time.
//
// Exits non-zero when any log fails verification.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/unso/internal/integrity"
	"github.com/ashita-ai/unso/internal/model"
	"github.com/ashita-ai/unso/internal/storage"
	"github.com/ashita-ai/unso/internal/storage/sqlite"
	"github.com/ashita-ai/unso/migrations"
)

func main() {
	bad, err := run()
	if err != nil {
		log.Fatal(err)
	}
	if bad > 0 {
		os.Exit(1)
	}
}

func run() (int, error) {
	_ = godotenv.Load()

	jobFlag := flag.String("job", "", "verify a single job by ID")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := open(ctx, logger)
	if err != nil {
		return 0, err
	}
	defer store.Close(context.Background())

	var jobs []model.JobRecord
	if *jobFlag != "" {
		id, err := uuid.Parse(*jobFlag)
		if err != nil {
			return 0, fmt.Errorf("invalid -job: %w", err)
		}
		rec, err := store.GetJob(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("get job: %w", err)
		}
		jobs = []model.JobRecord{rec}
	} else {
		jobs, err = store.ListOpenJobs(ctx)
		if err != nil {
			return 0, fmt.Errorf("list open jobs: %w", err)
		}
	}

	var bad int
	for _, rec := range jobs {
		events, err := store.LoadEvents(ctx, rec.ID)
		if err != nil {
			return bad, fmt.Errorf("load events for %s: %w", rec.ID, err)
		}
		if i := integrity.VerifyChain(events); i >= 0 {
			fmt.Printf("FAIL %s: event seq %d does not verify\n", rec.ID, events[i].Seq)
			bad++
			continue
		}
		if rec.MerkleRoot != nil && *rec.MerkleRoot != integrity.EventRoot(events) {
			fmt.Printf("FAIL %s: merkle root differs from the one sealed at archive\n", rec.ID)
			bad++
			continue
		}
		fmt.Printf("ok   %s: %d events\n", rec.ID, len(events))
	}
	fmt.Printf("%d jobs checked, %d failed\n", len(jobs), bad)
	return bad, nil
}

func open(ctx context.Context, logger *slog.Logger) (storage.Store, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		db, err := storage.New(ctx, url, "", logger)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		return db, nil
	}
	path := os.Getenv("UNSO_SQLITE_PATH")
	if path == "" {
		path = "unso.db"
	}
	st, err := sqlite.Open(ctx, path, migrations.SQLite, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return st, nil
}
