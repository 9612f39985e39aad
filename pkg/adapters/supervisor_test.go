// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iotistica/iotistic-sub001/pkg/sensor"
)

const testProtocol = sensor.Protocol("fake")

var (
	testSessionsMu sync.Mutex
	testSessions   []*fakeSession
)

func init() {
	Register(testProtocol, func(cfg sensor.Config) (Session, error) {
		s := newFakeSession()
		s.values["v"] = uint16(42)
		testSessionsMu.Lock()
		testSessions = append(testSessions, s)
		testSessionsMu.Unlock()
		return s, nil
	})
}

func fakeConfig(id int64, name string) sensor.Config {
	return sensor.Config{
		ConfigID:       id,
		Name:           name,
		Protocol:       testProtocol,
		Enabled:        true,
		PollIntervalMS: 10,
		DataPoints:     []sensor.DataPoint{{Name: "v", Address: "1"}},
	}
}

func TestRegistryRejectsUnknownProtocol(t *testing.T) {
	_, err := NewSession(sensor.Config{Protocol: "bacnet"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown protocol")
}

func TestSupervisorStartsAndStopsAdapters(t *testing.T) {
	s := NewSupervisor()
	defer s.Stop()
	ctx := context.Background()

	socket := filepath.Join(t.TempDir(), "fake.sock")
	output := sensor.Output{Protocol: testProtocol, SocketPath: socket, Format: sensor.FormatJSON}

	require.NoError(t, s.Apply(ctx, []sensor.Config{fakeConfig(1, "plc-1")}, []sensor.Output{output}))
	health := s.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "plc-1", health[0].Name)

	require.NoError(t, s.Apply(ctx, nil, []sensor.Output{output}))
	assert.Empty(t, s.Health())
}

func TestSupervisorDisabledConfigReportsDisabled(t *testing.T) {
	s := NewSupervisor()
	defer s.Stop()

	cfg := fakeConfig(7, "idle")
	cfg.Enabled = false
	require.NoError(t, s.Apply(context.Background(), []sensor.Config{cfg}, nil))

	health := s.Health()
	require.Len(t, health, 1)
	assert.Equal(t, sensor.CommDisabled, health[0].CommunicationQuality)
	assert.False(t, health[0].Connected)
}

func TestSupervisorRestartsOnConfigChange(t *testing.T) {
	s := NewSupervisor()
	defer s.Stop()
	ctx := context.Background()

	cfg := fakeConfig(3, "plc-3")
	require.NoError(t, s.Apply(ctx, []sensor.Config{cfg}, nil))

	testSessionsMu.Lock()
	before := len(testSessions)
	testSessionsMu.Unlock()

	// Unchanged config does not restart the adapter.
	require.NoError(t, s.Apply(ctx, []sensor.Config{cfg}, nil))
	testSessionsMu.Lock()
	assert.Equal(t, before, len(testSessions))
	testSessionsMu.Unlock()

	cfg.PollIntervalMS = 25
	require.NoError(t, s.Apply(ctx, []sensor.Config{cfg}, nil))
	testSessionsMu.Lock()
	assert.Equal(t, before+1, len(testSessions))
	testSessionsMu.Unlock()
}

func TestSamplesReachSocketClients(t *testing.T) {
	s := NewSupervisor()
	defer s.Stop()
	ctx := context.Background()

	socket := filepath.Join(t.TempDir(), "fake.sock")
	output := sensor.Output{
		Protocol:          testProtocol,
		SocketPath:        socket,
		Format:            sensor.FormatJSON,
		IncludeTimestamp:  true,
		IncludeDeviceName: true,
	}
	require.NoError(t, s.Apply(ctx, []sensor.Config{fakeConfig(1, "plc-1")}, []sensor.Output{output}))

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	var sample sensor.Sample
	require.NoError(t, json.Unmarshal(line, &sample))
	assert.Equal(t, "v", sample.RegisterName)
	assert.Equal(t, "plc-1", sample.DeviceName)
	assert.Equal(t, sensor.QualityGood, sample.Quality)
	assert.NotNil(t, sample.Timestamp)
}

func TestSocketWriterCSVFormat(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "csv.sock")
	w, err := NewSocketWriter(sensor.Output{
		Protocol:   testProtocol,
		SocketPath: socket,
		Format:     sensor.FormatCSV,
		Delimiter:  ";",
	})
	require.NoError(t, err)
	defer w.Close() //nolint:errcheck

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	// Give the accept loop a beat to register the client.
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.conns) == 1
	}, time.Second, 5*time.Millisecond)

	now := time.Now().UTC()
	w.Emit(sensor.Sample{
		DeviceName:   "ignored",
		RegisterName: "temp",
		Value:        21.5,
		Unit:         "C",
		Quality:      sensor.QualityGood,
		Timestamp:    &now,
	})

	conn.SetReadDeadline(time.Now().Add(time.Second)) //nolint:errcheck
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	// Device name and timestamp excluded by config.
	assert.Equal(t, "temp;21.5;C;GOOD\n", line)
}

func TestSocketWriterReplacesStaleSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "stale.sock")
	output := sensor.Output{Protocol: testProtocol, SocketPath: socket, Format: sensor.FormatJSON}

	w1, err := NewSocketWriter(output)
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	// The socket file from the closed writer must not block a rebind.
	w2, err := NewSocketWriter(output)
	require.NoError(t, err)
	defer w2.Close() //nolint:errcheck
}
