// Package postgres implements the deploy token registry on PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/repository"
)

// Migrations holds the goose migrations for the registry schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations.
const MigrationsDir = "migrations"

// Repository implements repository.TokenRegistry.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ repository.TokenRegistry = (*Repository)(nil)
	_ repository.Pinger        = (*Repository)(nil)
)

const (
	tokenInsert = `INSERT INTO deploy_tokens (id, username, token_name, created_at)
		VALUES ($1, $2, $3, $4)`
	tokenList = `SELECT id, username, token_name, created_at FROM deploy_tokens
		WHERE username = $1 ORDER BY created_at ASC`
	tokenExists = `SELECT EXISTS (SELECT 1 FROM deploy_tokens WHERE username = $1 AND token_name = $2)`
	tokenDelete = `DELETE FROM deploy_tokens WHERE username = $1 AND token_name = $2`
)

// CreateDeployToken inserts a deploy token record.
func (r *Repository) CreateDeployToken(ctx context.Context, record *domain.DeployTokenRecord) error {
	if record == nil || record.ID == "" || strings.TrimSpace(record.Username) == "" || strings.TrimSpace(record.TokenName) == "" {
		return repository.ErrInvalidArgument
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, tokenInsert, record.ID, record.Username, record.TokenName, record.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			return repository.ErrInvalidArgument
		}
		return err
	}
	return nil
}

// ListDeployTokens returns a user's records, oldest first.
func (r *Repository) ListDeployTokens(ctx context.Context, username string) ([]domain.DeployTokenRecord, error) {
	rows, err := r.pool.Query(ctx, tokenList, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.DeployTokenRecord
	for rows.Next() {
		var rec domain.DeployTokenRecord
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.TokenName, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeployTokenExists reports whether a matching record exists.
func (r *Repository) DeployTokenExists(ctx context.Context, username, tokenName string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, tokenExists, username, tokenName).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// DeleteDeployTokens removes all matching records.
func (r *Repository) DeleteDeployTokens(ctx context.Context, username, tokenName string) (int, error) {
	tag, err := r.pool.Exec(ctx, tokenDelete, username, tokenName)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks the pool.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
