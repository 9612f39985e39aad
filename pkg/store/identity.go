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

	"github.com/Iotistica/iotistic-sub001/pkg/device"
)

// LoadIdentity returns the device identity, or nil when the device has
// never been provisioned or seeded.
func (s *Store) LoadIdentity() (*device.Identity, error) {
	var blob string
	err := s.db.QueryRow("SELECT json FROM identity WHERE id = 1").Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	var id device.Identity
	if err := json.Unmarshal([]byte(blob), &id); err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return &id, nil
}

// SaveIdentity upserts the single identity row. The write is atomic; all
// identity fields land together or not at all.
func (s *Store) SaveIdentity(id *device.Identity) error {
	blob, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO identity (id, json, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET json = excluded.json, updated_at = excluded.updated_at`,
		string(blob), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// DeleteIdentity removes the identity row. Only the factory-reset path uses
// this directly.
func (s *Store) DeleteIdentity() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.Exec("DELETE FROM identity"); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}
