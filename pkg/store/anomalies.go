// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AnomalyRecord is one append-only entry in the anomaly history. The
// reconciler writes one for every service failure event.
type AnomalyRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	ServiceID string    `json:"service_id,omitempty"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
}

// AppendAnomaly appends a record. The record's ID is ignored on input.
func (s *Store) AppendAnomaly(rec AnomalyRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO anomalies (timestamp, component, service_id, message, details)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Component,
		nullable(rec.ServiceID), rec.Message, nullable(rec.Details))
	if err != nil {
		return fmt.Errorf("append anomaly: %w", err)
	}
	return nil
}

// RecentAnomalies returns records at or after since, oldest first.
func (s *Store) RecentAnomalies(since time.Time) ([]AnomalyRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, component, COALESCE(service_id, ''), message, COALESCE(details, '')
		FROM anomalies WHERE timestamp >= ? ORDER BY timestamp`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("recent anomalies: %w", err)
	}
	defer rows.Close()

	var records []AnomalyRecord
	for rows.Next() {
		var (
			rec AnomalyRecord
			ts  string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Component, &rec.ServiceID, &rec.Message, &rec.Details); err != nil {
			return nil, fmt.Errorf("recent anomalies: %w", err)
		}
		rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("recent anomalies: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
