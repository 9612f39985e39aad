// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package device holds the device identity and the credentials issued at
// registration. Exactly one identity exists per device; it is created at
// first boot and destroyed only by a factory reset.
package device

import (
	"time"

	"github.com/google/uuid"
)

// MQTTProtocol selects plain TCP or TLS for the broker connection.
type MQTTProtocol string

// Broker protocols.
const (
	MQTTPlain MQTTProtocol = "plain"
	MQTTTLS   MQTTProtocol = "tls"
)

// MQTTConfig is the broker configuration issued by the cloud.
type MQTTConfig struct {
	BrokerHost string       `json:"broker_host"`
	BrokerPort int          `json:"broker_port"`
	Protocol   MQTTProtocol `json:"protocol"`
	Username   string       `json:"username"`
	Password   string       `json:"password"`
	CACert     string       `json:"ca_cert,omitempty"`
	Verify     bool         `json:"verify"`
}

// TLSConfig is the trust configuration for cloud HTTP.
type TLSConfig struct {
	CACert string `json:"ca_cert,omitempty"`
	Verify bool   `json:"verify"`
}

// Identity is the single device identity record.
type Identity struct {
	UUID         string     `json:"uuid"`
	DeviceID     int64      `json:"device_id"`
	DeviceName   string     `json:"device_name"`
	DeviceType   string     `json:"device_type"`
	APIEndpoint  string     `json:"api_endpoint"`
	DeviceAPIKey string     `json:"device_api_key"`
	MQTT         MQTTConfig `json:"mqtt"`
	APITLS       TLSConfig  `json:"api_tls"`
	Provisioned  bool       `json:"provisioned"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
}

// NewIdentity returns an unprovisioned identity with a fresh uuid.
func NewIdentity(name, deviceType string) *Identity {
	return &Identity{
		UUID:       uuid.NewString(),
		DeviceName: name,
		DeviceType: deviceType,
	}
}

// Deprovision clears everything the cloud issued, keeping the uuid and the
// API key so the device can still authenticate a re-registration.
func (i *Identity) Deprovision() {
	i.DeviceID = 0
	i.APIEndpoint = ""
	i.MQTT = MQTTConfig{}
	i.APITLS = TLSConfig{}
	i.Provisioned = false
	i.RegisteredAt = nil
}
