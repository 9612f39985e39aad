// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package sensor defines the configuration and sample types shared by the
// persistent store and the protocol adapters.
package sensor

import (
	"encoding/json"
	"time"
)

// Protocol tags the adapter implementation a config binds to.
type Protocol string

// Compiled-in protocols. The adapter registry rejects configs whose
// protocol has no registered factory.
const (
	ProtocolModbus Protocol = "modbus"
	ProtocolOPCUA  Protocol = "opcua"
)

// Config is one sensor endpoint definition, cloud-assigned.
type Config struct {
	ConfigID       int64             `json:"config_id"`
	Name           string            `json:"name"`
	Protocol       Protocol          `json:"protocol"`
	Enabled        bool              `json:"enabled"`
	PollIntervalMS int64             `json:"poll_interval_ms"`
	Connection     json.RawMessage   `json:"connection"`
	DataPoints     []DataPoint       `json:"data_points"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// PollInterval returns the poll period, defaulting to 5s when unset.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// DataPoint is one register or node to acquire.
type DataPoint struct {
	Name string `json:"name"`
	// Address is protocol specific: a register number for modbus, a node
	// id string for opc-ua.
	Address string  `json:"address"`
	Unit    string  `json:"unit,omitempty"`
	Scale   float64 `json:"scale,omitempty"`
}

// WireFormat selects the sample encoding on the output socket.
type WireFormat string

// Output encodings.
const (
	FormatJSON WireFormat = "json"
	FormatCSV  WireFormat = "csv"
)

// Output configures the per-protocol unix-domain socket samples are
// written to.
type Output struct {
	Protocol          Protocol   `json:"protocol"`
	SocketPath        string     `json:"socket_path"`
	Format            WireFormat `json:"format"`
	Delimiter         string     `json:"delimiter,omitempty"`
	IncludeTimestamp  bool       `json:"include_timestamp"`
	IncludeDeviceName bool       `json:"include_device_name"`
}

// Quality grades a sample.
type Quality string

// Sample qualities.
const (
	QualityGood      Quality = "GOOD"
	QualityUncertain Quality = "UNCERTAIN"
	QualityBad       Quality = "BAD"
)

// Sample is one acquired value emitted to the output socket.
type Sample struct {
	DeviceName   string      `json:"device_name,omitempty"`
	RegisterName string      `json:"register_name"`
	Value        interface{} `json:"value"`
	Unit         string      `json:"unit,omitempty"`
	Timestamp    *time.Time  `json:"timestamp,omitempty"`
	Quality      Quality     `json:"quality"`
	QualityCode  uint32      `json:"quality_code,omitempty"`
}

// CommunicationQuality summarizes an adapter's connection health.
type CommunicationQuality string

// Communication quality buckets.
const (
	CommGood     CommunicationQuality = "good"
	CommDegraded CommunicationQuality = "degraded"
	CommPoor     CommunicationQuality = "poor"
	CommOffline  CommunicationQuality = "offline"
	CommDisabled CommunicationQuality = "disabled"
)

// Health is the per-adapter status surfaced by the supervisor.
type Health struct {
	ConfigID             int64                `json:"config_id"`
	Name                 string               `json:"name"`
	Connected            bool                 `json:"connected"`
	LastPoll             *time.Time           `json:"last_poll,omitempty"`
	LastSeen             *time.Time           `json:"last_seen,omitempty"`
	ErrorCount           int64                `json:"error_count"`
	LastError            string               `json:"last_error,omitempty"`
	ResponseTimeMS       int64                `json:"response_time_ms"`
	PollSuccessRate      float64              `json:"poll_success_rate"`
	RegistersUpdated     int64                `json:"registers_updated"`
	CommunicationQuality CommunicationQuality `json:"communication_quality"`
}
