// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package store is the embedded persistent store of the agent: a single
// sqlite file under the data directory holding the device identity, the
// target state, sensor configuration and the anomaly history. Writes are
// serialized through a store-level mutex; readers run concurrently under
// WAL.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// FileName is the database file created under the data directory.
const FileName = "device.db"

// ErrCorrupt marks a database that failed its boot integrity check. It is
// fatal: the agent reports it to the operator and refuses to start rather
// than silently wiping state.
var ErrCorrupt = errors.New("device database failed integrity check")

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
	// writeMu serializes writers; sqlite only supports one at a time and
	// callers must not hold this across long operations.
	writeMu sync.Mutex
	logger  *log.ComponentLogger
}

// Open opens (creating if necessary) the database at dataDir, verifies its
// integrity and runs pending migrations. Migration failure is fatal to
// startup.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, FileName)

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: log.ForComponent(log.ComponentDatabase),
	}

	if err := s.integrityCheck(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	if err := s.runMigrations(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	s.logger.Infof("device database ready at %s", path)
	return s, nil
}

func (s *Store) integrityCheck() error {
	var result string
	if err := s.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

// runMigrations applies the embedded migrations in lexical order; each runs
// at most once, tracked in goose's version table.
func (s *Store) runMigrations() error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(s.db, "migrations")
}

// Check verifies the database is reachable and intact. Used by the
// diagnostics endpoint.
func (s *Store) Check() error {
	return s.integrityCheck()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// FactoryReset destroys the identity, target state and sensor configuration.
// The next boot behaves like a first boot.
func (s *Store) FactoryReset() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("factory reset: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		"DELETE FROM identity",
		"DELETE FROM target_state",
		"DELETE FROM sensor_configs",
		"DELETE FROM sensor_outputs",
		"DELETE FROM anomalies",
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("factory reset: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("factory reset: %w", err)
	}
	s.logger.Infof("factory reset: all device state destroyed")
	return nil
}
