package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// DB wraps the connection pool shared by the Postgres storage backend
type DB struct {
	*sql.DB
	logger *zap.Logger
}

func NewConnection(cfg Config, logger *zap.Logger) (*DB, error) {
	sqlDB, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("Database connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("db_name", cfg.DBName))

	return &DB{DB: sqlDB, logger: logger}, nil
}

// Wrap adopts an existing pool, e.g. one opened by sqlmock in tests
func Wrap(sqlDB *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: sqlDB, logger: logger}
}

func (db *DB) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS workers (
	name       TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	lstatus    TEXT NOT NULL DEFAULT 'normal',
	last_ping  TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS topologies (
	uuid            TEXT PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'unassigned',
	worker          TEXT,
	enabled         BOOLEAN NOT NULL DEFAULT FALSE,
	weight          DOUBLE PRECISION NOT NULL DEFAULT 1,
	worker_affinity TEXT[] NOT NULL DEFAULT '{}',
	last_ping       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	error           TEXT,
	pid             INTEGER,
	config          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_topologies_worker ON topologies (worker);

CREATE TABLE IF NOT EXISTS messages (
	id          BIGSERIAL PRIMARY KEY,
	worker      TEXT NOT NULL,
	cmd         TEXT NOT NULL,
	content     JSONB NOT NULL,
	created     TIMESTAMPTZ NOT NULL,
	valid_until TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_worker ON messages (worker, id);

CREATE TABLE IF NOT EXISTS leader_candidacy (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	worker    TEXT NOT NULL,
	announced TIMESTAMPTZ NOT NULL
);`

// EnsureSchema creates the coordination tables when they are missing
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	db.logger.Info("Database schema ensured")
	return nil
}
