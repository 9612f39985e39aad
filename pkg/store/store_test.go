// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iotistica/iotistic-sub001/pkg/device"
	"github.com/Iotistica/iotistic-sub001/pkg/sensor"
	"github.com/Iotistica/iotistic-sub001/pkg/state"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening must not rerun migrations destructively.
	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.LoadIdentity()
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestIdentityRoundTrip(t *testing.T) {
	s := openTestStore(t)

	loaded, err := s.LoadIdentity()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	now := time.Now().UTC().Truncate(time.Second)
	id := &device.Identity{
		UUID:         "0190b2a6-1111-7000-8000-000000000001",
		DeviceID:     42,
		DeviceName:   "edge-01",
		DeviceType:   "raspberrypi4",
		APIEndpoint:  "https://api.iotistic.cloud",
		DeviceAPIKey: "dk_test",
		MQTT: device.MQTTConfig{
			BrokerHost: "broker.iotistic.cloud",
			BrokerPort: 8883,
			Protocol:   device.MQTTTLS,
			Username:   "edge-01",
			Password:   "p",
			Verify:     true,
		},
		Provisioned:  true,
		RegisteredAt: &now,
	}
	require.NoError(t, s.SaveIdentity(id))

	loaded, err = s.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, id, loaded)

	// Upsert keeps a single row.
	id.DeviceName = "edge-01-renamed"
	require.NoError(t, s.SaveIdentity(id))
	loaded, err = s.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, "edge-01-renamed", loaded.DeviceName)
}

func TestTargetStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	stored, err := s.LoadTargetState()
	require.NoError(t, err)
	assert.Nil(t, stored)

	target, err := state.ParseTargetState([]byte(`{
		"apps": {"1001": {"app_id": 1001, "app_name": "web", "services": [
			{"service_id": "s1", "service_name": "nginx", "image_name": "nginx:1.25", "config": {"ports": ["80:80"]}}
		]}},
		"config": {"tz": "UTC"}
	}`))
	require.NoError(t, err)

	hash, err := s.SaveTargetState(target, 7)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	stored, err = s.LoadTargetState()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(7), stored.Version)
	assert.Equal(t, hash, stored.Hash)
	assert.Equal(t, target, stored.Target)

	// Whole-document replacement.
	empty := &state.TargetState{Apps: map[string]state.App{}, Config: map[string]interface{}{}}
	hash2, err := s.SaveTargetState(empty, 8)
	require.NoError(t, err)
	assert.NotEqual(t, hash, hash2)
	stored, err = s.LoadTargetState()
	require.NoError(t, err)
	assert.Equal(t, int64(8), stored.Version)
	assert.Empty(t, stored.Target.Apps)
}

func TestSensorConfigCRUD(t *testing.T) {
	s := openTestStore(t)

	cfg := sensor.Config{
		ConfigID:       3,
		Name:           "boiler-plc",
		Protocol:       sensor.ProtocolModbus,
		Enabled:        true,
		PollIntervalMS: 1000,
		Connection:     json.RawMessage(`{"host":"10.0.0.9","port":502,"unit_id":1}`),
		DataPoints: []sensor.DataPoint{
			{Name: "temp", Address: "30001", Unit: "C", Scale: 0.1},
		},
	}
	require.NoError(t, s.UpsertSensorConfig(cfg))

	configs, err := s.ListSensorConfigs()
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, cfg, configs[0])

	cfg.Enabled = false
	require.NoError(t, s.UpsertSensorConfig(cfg))
	configs, err = s.ListSensorConfigs()
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.False(t, configs[0].Enabled)

	require.NoError(t, s.DeleteSensorConfig(3))
	configs, err = s.ListSensorConfigs()
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestSensorOutputs(t *testing.T) {
	s := openTestStore(t)

	out := sensor.Output{
		Protocol:          sensor.ProtocolOPCUA,
		SocketPath:        "/run/iotistic/opcua.sock",
		Format:            sensor.FormatJSON,
		IncludeTimestamp:  true,
		IncludeDeviceName: true,
	}
	require.NoError(t, s.UpsertSensorOutput(out))

	outputs, err := s.ListSensorOutputs()
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, out, outputs[0])
}

func TestAnomalies(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendAnomaly(AnomalyRecord{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Component: "state-reconciler",
			ServiceID: "s1",
			Message:   "service failed to start",
		}))
	}

	all, err := s.RecentAnomalies(base)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	recent, err := s.RecentAnomalies(base.Add(90 * time.Second))
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	assert.Equal(t, "service failed to start", recent[0].Message)
	assert.Equal(t, "s1", recent[0].ServiceID)
}

func TestFactoryReset(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveIdentity(device.NewIdentity("edge-01", "x86_64")))
	_, err := s.SaveTargetState(&state.TargetState{Apps: map[string]state.App{}}, 1)
	require.NoError(t, err)
	require.NoError(t, s.AppendAnomaly(AnomalyRecord{Component: "agent", Message: "m"}))

	require.NoError(t, s.FactoryReset())

	id, err := s.LoadIdentity()
	require.NoError(t, err)
	assert.Nil(t, id)
	stored, err := s.LoadTargetState()
	require.NoError(t, err)
	assert.Nil(t, stored)
}
