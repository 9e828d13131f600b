package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/exoframed/internal/domain"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := Migrations.ReadDir(MigrationsDir)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected embedded migrations")
	}
}

// Runs against a migrated database when DATABASE_URL is set.
func TestRepositoryAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	repo := New(pool)
	user := "test-" + uuid.NewString()

	for i := 0; i < 2; i++ {
		rec := &domain.DeployTokenRecord{ID: uuid.NewString(), Username: user, TokenName: "ci", CreatedAt: time.Now()}
		if err := repo.CreateDeployToken(ctx, rec); err != nil {
			t.Fatalf("CreateDeployToken: %v", err)
		}
	}
	ok, err := repo.DeployTokenExists(ctx, user, "ci")
	if err != nil || !ok {
		t.Fatalf("expected token to exist, ok=%v err=%v", ok, err)
	}
	removed, err := repo.DeleteDeployTokens(ctx, user, "ci")
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d err=%v", removed, err)
	}
	list, err := repo.ListDeployTokens(ctx, user)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no tokens, got %d err=%v", len(list), err)
	}
}
