package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	logx "castbot/pkg/logx"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var pgMigrations embed.FS

// pgxDB is the part of pgxpool.Pool the store uses (pgxmock satisfies it too).
type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type postgresStore struct {
	db  pgxDB
	log logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if err := migratePostgres(dsn); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info("postgres store opened", logx.Int("max_conns", int(poolCfg.MaxConns)))
	return newPostgresStore(pool, log), nil
}

func newPostgresStore(db pgxDB, log logx.Logger) *postgresStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &postgresStore{db: db, log: log}
}

// migratePostgres applies the embedded migrations. Already applied
// migrations are skipped.
func migratePostgres(dsn string) error {
	src, err := iofs.New(pgMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrationURL(dsn))
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// migrationURL rewrites a postgres URL to the scheme of golang-migrate's pgx/v5 driver.
func migrationURL(dsn string) string {
	for _, p := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, p) {
			return "pgx5://" + dsn[len(p):]
		}
	}
	return dsn
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.db.Close()
	return nil
}

func (s *postgresStore) ListActive(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT identity FROM subscribers WHERE active ORDER BY identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *postgresStore) Deactivate(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE subscribers SET active = FALSE, updated_at = now() WHERE identity = $1 AND active`, id)
	return err
}

func (s *postgresStore) UpsertActive(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO subscribers (identity, active) VALUES ($1, TRUE)
		 ON CONFLICT (identity) DO UPDATE SET active = TRUE, updated_at = now()`, id)
	return err
}

func (s *postgresStore) Counts(ctx context.Context) (Counts, error) {
	var total, active int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE active) FROM subscribers`).Scan(&total, &active)
	if err != nil {
		return Counts{}, err
	}
	return Counts{Total: int(total), Active: int(active)}, nil
}
