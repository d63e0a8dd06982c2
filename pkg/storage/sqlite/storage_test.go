package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sipeed/wabridge/pkg/storage/repository"
	"github.com/sipeed/wabridge/pkg/storage/schema"
)

func openTestStorage(t *testing.T, maxJournal int) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "state", "wabridge.db"), maxJournal)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	return s
}

func TestDiagnosticsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t, 0)
	repo := s.Diagnostics()

	if got, err := repo.Load(ctx); err != nil || got != nil {
		t.Fatalf("Load() on empty db = %+v, %v", got, err)
	}

	now := time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)
	for i := 1; i <= 2; i++ {
		d := repository.Diagnostics{QREventCount: i, LastReadyAt: &now, UpdatedAt: now}
		if err := repo.Save(ctx, d); err != nil {
			t.Fatalf("Save() #%d = %v", i, err)
		}
	}

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.QREventCount != 2 || !got.LastReadyAt.Equal(now) {
		t.Fatalf("Load() = %+v", got)
	}
}

func TestTransitionsNewestFirstAndTrimmed(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t, 2)
	repo := s.Diagnostics()

	base := time.Unix(1_700_000_000, 0).UTC()
	for i, to := range []string{"initializing", "qr_pending", "authenticated"} {
		tr := repository.Transition{From: "x", To: to, Reason: "r", At: base.Add(time.Duration(i) * time.Second)}
		if err := repo.AppendTransition(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	ts, err := repo.RecentTransitions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 2 || ts[0].To != "authenticated" || ts[1].To != "qr_pending" {
		t.Fatalf("transitions = %+v", ts)
	}
	if !ts[0].At.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("At = %s", ts[0].At)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t, 0)

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("second Connect() = %v", err)
	}
	versions, err := schema.Applied(ctx, s.db)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 || versions[0] != 1 {
		t.Fatalf("applied = %v", versions)
	}
}
