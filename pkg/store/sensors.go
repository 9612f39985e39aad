// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iotistica/iotistic-sub001/pkg/sensor"
)

// ListSensorConfigs returns every stored sensor config, enabled or not,
// ordered by config id.
func (s *Store) ListSensorConfigs() ([]sensor.Config, error) {
	rows, err := s.db.Query("SELECT json FROM sensor_configs ORDER BY config_id")
	if err != nil {
		return nil, fmt.Errorf("list sensor configs: %w", err)
	}
	defer rows.Close()

	var configs []sensor.Config
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("list sensor configs: %w", err)
		}
		var cfg sensor.Config
		if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
			return nil, fmt.Errorf("list sensor configs: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// UpsertSensorConfig stores a sensor config keyed by its cloud-assigned id.
func (s *Store) UpsertSensorConfig(cfg sensor.Config) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("upsert sensor config: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO sensor_configs (config_id, json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (config_id) DO UPDATE SET json = excluded.json, updated_at = excluded.updated_at`,
		cfg.ConfigID, string(blob), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert sensor config: %w", err)
	}
	return nil
}

// DeleteSensorConfig removes a sensor config by id.
func (s *Store) DeleteSensorConfig(configID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.Exec("DELETE FROM sensor_configs WHERE config_id = ?", configID); err != nil {
		return fmt.Errorf("delete sensor config: %w", err)
	}
	return nil
}

// ListSensorOutputs returns the per-protocol output socket configs.
func (s *Store) ListSensorOutputs() ([]sensor.Output, error) {
	rows, err := s.db.Query("SELECT json FROM sensor_outputs ORDER BY protocol")
	if err != nil {
		return nil, fmt.Errorf("list sensor outputs: %w", err)
	}
	defer rows.Close()

	var outputs []sensor.Output
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("list sensor outputs: %w", err)
		}
		var out sensor.Output
		if err := json.Unmarshal([]byte(blob), &out); err != nil {
			return nil, fmt.Errorf("list sensor outputs: %w", err)
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

// UpsertSensorOutput stores the output socket config for one protocol.
func (s *Store) UpsertSensorOutput(out sensor.Output) error {
	blob, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("upsert sensor output: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO sensor_outputs (protocol, json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (protocol) DO UPDATE SET json = excluded.json, updated_at = excluded.updated_at`,
		string(out.Protocol), string(blob), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert sensor output: %w", err)
	}
	return nil
}
