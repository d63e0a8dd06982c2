package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sipeed/wabridge/pkg/storage/repository"
)

func TestWithSSLMode(t *testing.T) {
	tests := []struct {
		url  string
		ssl  bool
		want string
	}{
		{"postgres://u@h/db", false, "postgres://u@h/db?sslmode=disable"},
		{"postgres://u@h/db?connect_timeout=5", true, "postgres://u@h/db?connect_timeout=5&sslmode=require"},
		{"postgres://u@h/db?sslmode=verify-full", false, "postgres://u@h/db?sslmode=verify-full"},
	}
	for _, tt := range tests {
		if got := withSSLMode(tt.url, tt.ssl); got != tt.want {
			t.Errorf("withSSLMode(%q, %v) = %q, want %q", tt.url, tt.ssl, got, tt.want)
		}
	}
}

func TestNewPostgresStorageRequiresURL(t *testing.T) {
	if _, err := NewPostgresStorage("", false, 0, 0, 0); err == nil {
		t.Fatal("expected error for empty database URL")
	}
}

// TestDiagnosticsAgainstDatabase runs only when WABRIDGE_TEST_POSTGRES_URL
// points at a disposable database.
func TestDiagnosticsAgainstDatabase(t *testing.T) {
	url := os.Getenv("WABRIDGE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("WABRIDGE_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStorage(url, false, 2, 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	repo := s.Diagnostics()
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := repo.Save(ctx, repository.Diagnostics{Restarts: 3, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	got, err := repo.Load(ctx)
	if err != nil || got == nil || got.Restarts != 3 {
		t.Fatalf("Load() = %+v, %v", got, err)
	}

	if err := repo.AppendTransition(ctx, repository.Transition{From: "initializing", To: "qr_pending", At: now}); err != nil {
		t.Fatal(err)
	}
	ts, err := repo.RecentTransitions(ctx, 1)
	if err != nil || len(ts) != 1 || ts[0].To != "qr_pending" {
		t.Fatalf("RecentTransitions() = %+v, %v", ts, err)
	}
}
