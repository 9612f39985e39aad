// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package adapters

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Iotistica/iotistic-sub001/pkg/sensor"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
)

// SocketWriter serves one unix-domain socket per protocol and fans each
// sample out to every connected client. A client that cannot keep up is
// dropped rather than allowed to stall acquisition.
type SocketWriter struct {
	output sensor.Output
	logger *log.ComponentLogger

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewSocketWriter binds the socket, replacing a stale file from a previous
// run.
func NewSocketWriter(output sensor.Output) (*SocketWriter, error) {
	if output.SocketPath == "" {
		return nil, fmt.Errorf("output for %s has no socket path", output.Protocol)
	}
	if err := os.MkdirAll(filepath.Dir(output.SocketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(output.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", output.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", output.SocketPath, err)
	}

	w := &SocketWriter{
		output:   output,
		logger:   log.ForComponent(log.ComponentAdapter),
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}
	go w.accept()
	return w, nil
}

func (w *SocketWriter) accept() {
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			w.mu.Lock()
			closed := w.closed
			w.mu.Unlock()
			if !closed {
				w.logger.Warnf("accept on %s: %v", w.output.SocketPath, err) //nolint:errcheck
			}
			return
		}
		w.mu.Lock()
		w.conns[conn] = struct{}{}
		w.mu.Unlock()
	}
}

// Emit encodes the sample per the configured format and writes it to every
// client.
func (w *SocketWriter) Emit(sample sensor.Sample) {
	line, err := w.encode(sample)
	if err != nil {
		w.logger.Warnf("encode sample: %v", err) //nolint:errcheck
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for conn := range w.conns {
		conn.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck
		if _, err := conn.Write(line); err != nil {
			conn.Close() //nolint:errcheck
			delete(w.conns, conn)
		}
	}
}

func (w *SocketWriter) encode(sample sensor.Sample) ([]byte, error) {
	if !w.output.IncludeDeviceName {
		sample.DeviceName = ""
	}
	if !w.output.IncludeTimestamp {
		sample.Timestamp = nil
	}

	if w.output.Format == sensor.FormatCSV {
		delim := w.output.Delimiter
		if delim == "" {
			delim = ","
		}
		fields := make([]string, 0, 6)
		if w.output.IncludeDeviceName {
			fields = append(fields, sample.DeviceName)
		}
		fields = append(fields, sample.RegisterName, formatValue(sample.Value), sample.Unit, string(sample.Quality))
		if w.output.IncludeTimestamp && sample.Timestamp != nil {
			fields = append(fields, sample.Timestamp.UTC().Format(time.RFC3339Nano))
		}
		return []byte(strings.Join(fields, delim) + "\n"), nil
	}

	data, err := json.Marshal(sample)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case bool:
		return strconv.FormatBool(val)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Close stops accepting, disconnects clients and removes the socket file.
func (w *SocketWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	for conn := range w.conns {
		conn.Close() //nolint:errcheck
	}
	w.conns = map[net.Conn]struct{}{}
	w.mu.Unlock()

	err := w.listener.Close()
	os.Remove(w.output.SocketPath) //nolint:errcheck
	return err
}
