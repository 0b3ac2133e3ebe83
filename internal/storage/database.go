package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"synthtune/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the run history database described by cfg.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "sqlite3":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// one connection: keeps :memory: databases shared and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			cfg.Username,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.DBName,
			cfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				model_type TEXT NOT NULL,
				epochs INTEGER NOT NULL,
				batch_size INTEGER NOT NULL,
				dataset_digest TEXT NOT NULL DEFAULT '',
				dataset_size INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				stage TEXT NOT NULL,
				row_count INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				finished_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_digest ON runs(dataset_digest)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS runs (
				id VARCHAR(32) NOT NULL,
				model_type VARCHAR(255) NOT NULL,
				epochs INT NOT NULL,
				batch_size INT NOT NULL,
				dataset_digest CHAR(64) NOT NULL DEFAULT '',
				dataset_size BIGINT NOT NULL DEFAULT 0,
				status VARCHAR(32) NOT NULL,
				stage VARCHAR(32) NOT NULL,
				row_count BIGINT NOT NULL DEFAULT 0,
				error TEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				finished_at DATETIME(6) NULL,
				PRIMARY KEY (id),
				INDEX idx_runs_created_at (created_at),
				INDEX idx_runs_digest (dataset_digest)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
