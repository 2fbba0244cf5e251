package issuancedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "issuance.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cur, tgt, err := db.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if cur != 0 {
		t.Fatalf("current version = %d, want 0", cur)
	}
	if err := db.MigrateUp(context.Background(), tgt); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	return db
}

func TestInsertAndRecentByClientID(t *testing.T) {
	db := openTestDB(t)

	now := time.Unix(1700000000, 0)
	if err := db.Insert(Record{
		ClientID:   42,
		HMACPrefix: "deadbeef",
		RequestIP:  "203.0.113.5",
		Region:     "US East",
		Expire:     1700000100,
		Outcome:    OutcomeIssued,
		IssuedAt:   now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Insert(Record{
		ClientID:   42,
		HMACPrefix: "cafef00d",
		RequestIP:  "203.0.113.5",
		Region:     "US East",
		Expire:     1700000200,
		Outcome:    OutcomeDenied,
		IssuedAt:   now.Add(time.Second),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	recs, err := db.RecentByClientID(42, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Outcome != OutcomeDenied {
		t.Fatalf("recs[0].Outcome = %q, want newest-first %q", recs[0].Outcome, OutcomeDenied)
	}
	if recs[1].HMACPrefix != "deadbeef" {
		t.Fatalf("recs[1].HMACPrefix = %q, want %q", recs[1].HMACPrefix, "deadbeef")
	}
}

func TestRecentByClientIDLimit(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		if err := db.Insert(Record{
			ClientID: 7,
			Outcome:  OutcomeIssued,
			IssuedAt: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	recs, err := db.RecentByClientID(7, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
}
