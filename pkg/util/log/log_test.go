// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	records []Record
	flushes int
}

func (s *recordingSink) Write(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *recordingSink) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func TestLocalSinkWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(&buf, "debug")

	ForComponent(ComponentStateReconciler).Infof("service %s started", "s1")

	line := strings.TrimSpace(buf.String())
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	assert.Equal(t, "info", decoded["level"])
	assert.Equal(t, "state-reconciler", decoded["component"])
	assert.Equal(t, "service s1 started", decoded["message"])
}

func TestLevelGate(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(&buf, "warn")

	Debugf("not visible")
	Infof("not visible either")
	Warnf("visible") //nolint:errcheck

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "visible")
}

func TestChangeLogLevel(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(&buf, "error")

	Infof("dropped")
	require.NoError(t, ChangeLogLevel("debug"))
	Infof("kept")
	require.Error(t, ChangeLogLevel("loud"))

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")

	lvl, err := GetLogLevel()
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, lvl)
}

func TestAdditionalSinkReceivesRecords(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(&buf, "debug")

	sink := &recordingSink{}
	require.NoError(t, RegisterAdditionalLogger("remote", sink))
	defer UnregisterAdditionalLogger("remote") //nolint:errcheck

	require.Error(t, RegisterAdditionalLogger("remote", sink))

	ForComponent(ComponentCloudSync).Infow("poll failed", map[string]string{"attempt": "2"})

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, ComponentCloudSync, records[0].Component)
	assert.Equal(t, "poll failed", records[0].Message)
	assert.Equal(t, "2", records[0].Fields["attempt"])

	Flush()
	assert.Equal(t, 1, sink.flushes)
}

// reentrantSink logs and touches logger settings from inside Flush, the way
// the cloud uploader's flush path does.
type reentrantSink struct{}

func (s *reentrantSink) Write(Record) {}

func (s *reentrantSink) Flush() {
	ForComponent(ComponentLogUpload).Infof("flushing buffered records")
	_ = ChangeLogLevel("debug")
}

func TestFlushAllowsSinksToLog(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(&buf, "debug")

	require.NoError(t, RegisterAdditionalLogger("uploader", &reentrantSink{}))
	defer UnregisterAdditionalLogger("uploader") //nolint:errcheck

	done := make(chan struct{})
	go func() {
		Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Flush blocked on a sink that logs")
	}
	assert.Contains(t, buf.String(), "flushing buffered records")
}

func TestSensitiveFieldsRedacted(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(&buf, "debug")

	sink := &recordingSink{}
	require.NoError(t, RegisterAdditionalLogger("redaction", sink))
	defer UnregisterAdditionalLogger("redaction") //nolint:errcheck

	ForComponent(ComponentProvisioning).Infow("registering device", map[string]string{
		"provisioning_secret": "sk_live_abc",
		"device_name":         "edge-01",
	})

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, redacted, records[0].Fields["provisioning_secret"])
	assert.Equal(t, "edge-01", records[0].Fields["device_name"])
	assert.NotContains(t, buf.String(), "sk_live_abc")
}

func TestWarnfAndErrorfReturnScrubbedError(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(&buf, "debug")

	err := Errorf("auth failed with api_key=sk_live_abcdef")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "sk_live_abcdef")
}
