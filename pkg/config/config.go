// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package config holds the agent settings. Values come from environment
// variables over built-in defaults; a handful of keys may also be changed at
// runtime through the local control API.
package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// Settings is the agent configuration. It wraps a dedicated viper instance;
// the agent never uses a global one so tests can build isolated settings.
type Settings struct {
	v *viper.Viper
}

// Keys recognized by the runtime-config endpoint of the local API.
var RuntimeWhitelist = []string{
	"log_level",
	"poll_interval_ms",
	"report_interval_ms",
	"reconciliation_interval_ms",
}

// New builds Settings from defaults and the process environment.
func New() *Settings {
	v := viper.New()

	v.SetDefault("data_dir", "/var/lib/iotistic")
	v.SetDefault("cloud_api_endpoint", "")
	v.SetDefault("require_provisioning", false)
	v.SetDefault("provisioning_secret", "")
	v.SetDefault("device_name", defaultDeviceName())
	v.SetDefault("device_type", "generic")
	v.SetDefault("poll_interval_ms", 60_000)
	v.SetDefault("report_interval_ms", 10_000)
	v.SetDefault("force_report_interval_ms", 300_000)
	v.SetDefault("reconciliation_interval_ms", 30_000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_compression", true)
	v.SetDefault("log_upload_interval_ms", 30_000)
	v.SetDefault("log_buffer_size", 1000)
	v.SetDefault("device_api_port", 48484)
	v.SetDefault("device_api_bind", "127.0.0.1")

	for key, env := range map[string]string{
		"data_dir":                   "DATA_DIR",
		"cloud_api_endpoint":         "CLOUD_API_ENDPOINT",
		"require_provisioning":       "REQUIRE_PROVISIONING",
		"provisioning_secret":        "PROVISIONING_SECRET",
		"device_name":                "DEVICE_NAME",
		"device_type":                "DEVICE_TYPE",
		"poll_interval_ms":           "POLL_INTERVAL_MS",
		"report_interval_ms":         "REPORT_INTERVAL_MS",
		"log_level":                  "LOG_LEVEL",
		"log_compression":            "LOG_COMPRESSION",
		"device_api_port":            "DEVICE_API_PORT",
		"reconciliation_interval_ms": "RECONCILIATION_INTERVAL_MS",
	} {
		v.BindEnv(key, env) //nolint:errcheck
	}

	return &Settings{v: v}
}

func defaultDeviceName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "iotistic-device"
}

// Set overrides a key at runtime. Callers are responsible for checking
// RuntimeWhitelist when the value comes from the local API.
func (s *Settings) Set(key string, value interface{}) {
	s.v.Set(key, value)
}

// Get returns the raw value for a key.
func (s *Settings) Get(key string) interface{} {
	return s.v.Get(key)
}

// DataDir is the directory holding the device database.
func (s *Settings) DataDir() string { return s.v.GetString("data_dir") }

// CloudAPIEndpoint is the base URL of the control plane, used before an
// identity exists; afterwards the identity's endpoint wins.
func (s *Settings) CloudAPIEndpoint() string { return s.v.GetString("cloud_api_endpoint") }

// RequireProvisioning makes a missing identity fatal after provisioning
// retries are exhausted.
func (s *Settings) RequireProvisioning() bool { return s.v.GetBool("require_provisioning") }

// ProvisioningSecret is the pre-shared registration secret. It is read once
// during provisioning and never persisted.
func (s *Settings) ProvisioningSecret() string { return s.v.GetString("provisioning_secret") }

// DeviceName returns the configured device name.
func (s *Settings) DeviceName() string { return s.v.GetString("device_name") }

// DeviceType returns the configured device type.
func (s *Settings) DeviceType() string { return s.v.GetString("device_type") }

// PollInterval is the target-state poll period.
func (s *Settings) PollInterval() time.Duration {
	return time.Duration(s.v.GetInt("poll_interval_ms")) * time.Millisecond
}

// ReportInterval is the current-state report period.
func (s *Settings) ReportInterval() time.Duration {
	return time.Duration(s.v.GetInt("report_interval_ms")) * time.Millisecond
}

// ForceReportInterval bounds how long an unchanged report may be skipped.
func (s *Settings) ForceReportInterval() time.Duration {
	return time.Duration(s.v.GetInt("force_report_interval_ms")) * time.Millisecond
}

// ReconcileInterval is the periodic reconcile period.
func (s *Settings) ReconcileInterval() time.Duration {
	return time.Duration(s.v.GetInt("reconciliation_interval_ms")) * time.Millisecond
}

// LogLevel is the minimum log level.
func (s *Settings) LogLevel() string { return s.v.GetString("log_level") }

// LogCompression gzips remote log uploads.
func (s *Settings) LogCompression() bool { return s.v.GetBool("log_compression") }

// LogUploadInterval is the remote sink flush period.
func (s *Settings) LogUploadInterval() time.Duration {
	return time.Duration(s.v.GetInt("log_upload_interval_ms")) * time.Millisecond
}

// LogBufferSize is the remote sink ring capacity.
func (s *Settings) LogBufferSize() int { return s.v.GetInt("log_buffer_size") }

// APIPort is the local control API port.
func (s *Settings) APIPort() int { return s.v.GetInt("device_api_port") }

// APIBindAddress is the local control API bind address, loopback by default.
func (s *Settings) APIBindAddress() string { return s.v.GetString("device_api_bind") }
