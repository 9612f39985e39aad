// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Iotistica/iotistic-sub001/pkg/state"
)

// StoredTarget is a target state as persisted, with its version and hash.
type StoredTarget struct {
	Target  *state.TargetState
	Version int64
	Hash    string
}

// LoadTargetState returns the persisted target state, or nil when none has
// ever been stored.
func (s *Store) LoadTargetState() (*StoredTarget, error) {
	var (
		blob    string
		version int64
		hash    string
	)
	err := s.db.QueryRow("SELECT json, version, hash FROM target_state WHERE id = 1").Scan(&blob, &version, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load target state: %w", err)
	}
	target, err := state.ParseTargetState([]byte(blob))
	if err != nil {
		return nil, fmt.Errorf("load target state: %w", err)
	}
	return &StoredTarget{Target: target, Version: version, Hash: hash}, nil
}

// SaveTargetState atomically replaces the whole target state, computing and
// storing its canonical hash. Returns the stored hash.
func (s *Store) SaveTargetState(target *state.TargetState, version int64) (string, error) {
	blob, err := json.Marshal(target)
	if err != nil {
		return "", fmt.Errorf("save target state: %w", err)
	}
	hash, err := state.HashDocument(blob)
	if err != nil {
		return "", fmt.Errorf("save target state: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO target_state (id, json, version, hash, updated_at) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			json = excluded.json,
			version = excluded.version,
			hash = excluded.hash,
			updated_at = excluded.updated_at`,
		string(blob), version, hash, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("save target state: %w", err)
	}
	return hash, nil
}
