// Package database provides the relational database connection wrapper
// shared by the relational store adapter and the SQLite-backed document
// store, with production-grade PRAGMA tuning and connection-pool
// configuration per database profile.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Profile defines different configuration profiles for databases,
// trading off durability against speed per table's role.
type Profile string

const (
	// ProfileLedger gives maximum safety, suited to the immutable order
	// and correction history.
	ProfileLedger Profile = "ledger"
	// ProfileCache gives maximum speed for ephemeral data (checkpoints,
	// interval-staleness bookkeeping).
	ProfileCache Profile = "cache"
	// ProfileStandard is a balanced configuration for calibration tables
	// and most other state.
	ProfileStandard Profile = "standard"
)

// DB wraps a *sql.DB with its originating configuration for logging and
// introspection.
type DB struct {
	conn    *sql.DB
	path    string
	profile Profile
	name    string
}

// Config holds database connection configuration.
type Config struct {
	Path    string
	Profile Profile
	Name    string
}

// New opens a database connection with production-grade PRAGMA tuning.
func New(cfg Config) (*DB, error) {
	if strings.HasPrefix(cfg.Path, "file:") {
		// file: URIs (in-memory test databases) skip filesystem setup.
	} else {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path to absolute: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cfg.Path = absPath
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	connStr := buildConnectionString(cfg.Path, cfg.Profile)

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}

	configureConnectionPool(conn, cfg.Profile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	db := &DB{conn: conn, path: cfg.Path, profile: cfg.Profile, name: cfg.Name}
	if err := db.applyRuntimePragmas(); err != nil {
		return nil, fmt.Errorf("failed to apply runtime PRAGMAs for %s: %w", cfg.Name, err)
	}
	return db, nil
}

func buildConnectionString(path string, profile Profile) string {
	params := []string{"_pragma=busy_timeout(5000)"}
	switch profile {
	case ProfileLedger:
		params = append(params, "_pragma=synchronous(FULL)", "_pragma=journal_mode(WAL)")
	case ProfileCache:
		params = append(params, "_pragma=synchronous(OFF)", "_pragma=journal_mode(MEMORY)")
	default:
		params = append(params, "_pragma=synchronous(NORMAL)", "_pragma=journal_mode(WAL)")
	}
	params = append(params, "_pragma=foreign_keys(ON)")
	return path + "?" + strings.Join(params, "&")
}

func configureConnectionPool(conn *sql.DB, profile Profile) {
	maxOpen := 10
	if profile == ProfileLedger {
		maxOpen = 4 // fewer writers against the immutable audit trail
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)
	conn.SetConnMaxLifetime(30 * time.Minute)
}

func (db *DB) applyRuntimePragmas() error {
	_, err := db.conn.Exec("PRAGMA wal_autocheckpoint=1000;")
	return err
}

// Conn returns the underlying *sql.DB for direct query execution.
func (db *DB) Conn() *sql.DB { return db.conn }

// Name returns the friendly database name used for logging.
func (db *DB) Name() string { return db.name }

// Close closes the underlying connection pool.
func (db *DB) Close() error { return db.conn.Close() }
