package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	// Verify database file was created.
	dbPath := filepath.Join(dir, "voiceclient.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	// Verify WAL mode is active.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	// Verify tables exist.
	for _, table := range []string{"schema_migrations", "call_records"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	// Open twice to verify migrations don't fail on re-run.
	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestCallRepositoryCreateAndList(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallRepository(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	records := []*CallRecord{
		{CallID: "call-1", Direction: "inbound", Peer: "sip:a@x", Disposition: "admitted", StartedAt: base.Add(-2 * time.Minute)},
		{CallID: "call-2", Direction: "outbound", Peer: "2002", Disposition: "admitted", StartedAt: base.Add(-time.Minute)},
		{CallID: "call-3", Direction: "inbound", Peer: "sip:b@x", Disposition: "rejected", Cause: "busy", StartedAt: base},
	}
	for _, rec := range records {
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create(%s): %v", rec.CallID, err)
		}
		if rec.ID == 0 {
			t.Errorf("Create(%s) did not set ID", rec.CallID)
		}
	}

	got, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListRecent returned %d records, want 3", len(got))
	}
	// Most recent first.
	if got[0].CallID != "call-3" || got[2].CallID != "call-1" {
		t.Errorf("order = [%s %s %s], want most recent first", got[0].CallID, got[1].CallID, got[2].CallID)
	}
	if got[0].Disposition != "rejected" || got[0].Cause != "busy" {
		t.Errorf("call-3 = %+v, want rejected/busy", got[0])
	}

	limited, err := repo.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent(2): %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("ListRecent(2) returned %d records", len(limited))
	}
}

func TestCallRepositoryMarkEnded(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallRepository(db)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	rec := &CallRecord{CallID: "call-1", Direction: "outbound", Peer: "2002", Disposition: "admitted", StartedAt: started}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	endedAt := started.Add(90 * time.Second)
	if err := repo.MarkEnded(ctx, "call-1", "user hangup", endedAt); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}

	got, err := repo.ListRecent(ctx, 1)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if got[0].Disposition != "ended" || got[0].Cause != "user hangup" {
		t.Errorf("record = %+v, want ended/user hangup", got[0])
	}
	if got[0].EndedAt == nil || !got[0].EndedAt.Equal(endedAt) {
		t.Errorf("EndedAt = %v, want %v", got[0].EndedAt, endedAt)
	}

	// Marking an unknown call is a no-op, not an error.
	if err := repo.MarkEnded(ctx, "no-such-call", "x", endedAt); err != nil {
		t.Errorf("MarkEnded(unknown): %v", err)
	}
}

func TestCallRepositoryCountByDirection(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, dir := range []string{"inbound", "inbound", "outbound"} {
		rec := &CallRecord{
			CallID:      "call-" + string(rune('a'+i)),
			Direction:   dir,
			Peer:        "peer",
			Disposition: "admitted",
			StartedAt:   now,
		}
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	inbound, outbound, err := repo.CountByDirection(ctx)
	if err != nil {
		t.Fatalf("CountByDirection: %v", err)
	}
	if inbound != 2 || outbound != 1 {
		t.Errorf("counts = %d/%d, want 2/1", inbound, outbound)
	}
}

func TestCallRepositoryRejectsBadDirection(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallRepository(db)

	rec := &CallRecord{
		CallID:      "call-1",
		Direction:   "sideways",
		Peer:        "peer",
		Disposition: "admitted",
		StartedAt:   time.Now(),
	}
	if err := repo.Create(context.Background(), rec); err == nil {
		t.Fatal("Create accepted an invalid direction")
	}
}
