// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package logs

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iotistica/iotistic-sub001/pkg/httpclient"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
)

type uploadCapture struct {
	mu       sync.Mutex
	batches  [][]log.Record
	gzipped  bool
	status   int
	failures int
}

func (u *uploadCapture) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		defer u.mu.Unlock()
		if u.failures > 0 {
			u.failures--
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		var reader io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			u.gzipped = true
			gz, err := gzip.NewReader(r.Body)
			require.NoError(t, err)
			reader = gz
		}
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))

		var batch []log.Record
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			var rec log.Record
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
			batch = append(batch, rec)
		}
		u.batches = append(u.batches, batch)
		if u.status != 0 {
			w.WriteHeader(u.status)
		}
	})
}

func (u *uploadCapture) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.batches)
}

func newTestSink(t *testing.T, handler http.Handler, opts Options) *RemoteSink {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := httpclient.New(httpclient.Options{BaseURL: server.URL, MaxAttempts: 1})
	require.NoError(t, err)
	opts.Client = client
	opts.UUID = "u-1"
	opts.APIKey = "dk_test"
	if opts.Interval == 0 {
		opts.Interval = 30 * time.Second
	}
	return NewRemoteSink(opts)
}

func rec(level log.Level, msg string) log.Record {
	return log.Record{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Component: log.ComponentAgent,
		Message:   msg,
	}
}

func TestFlushUploadsNDJSON(t *testing.T) {
	capture := &uploadCapture{}
	sink := newTestSink(t, capture.handler(t), Options{BufferSize: 10})

	sink.Write(rec(log.LevelError, "boom"))
	sink.Write(rec(log.LevelWarn, "careful"))
	require.NoError(t, sink.flush(context.Background()))

	require.Equal(t, 1, capture.count())
	require.Len(t, capture.batches[0], 2)
	assert.Equal(t, "boom", capture.batches[0][0].Message)
	assert.Equal(t, "careful", capture.batches[0][1].Message)
	assert.Zero(t, sink.Buffered())
}

func TestFlushGzipsWhenConfigured(t *testing.T) {
	capture := &uploadCapture{}
	sink := newTestSink(t, capture.handler(t), Options{BufferSize: 10, Compress: true})

	sink.Write(rec(log.LevelError, "compressed"))
	require.NoError(t, sink.flush(context.Background()))

	assert.True(t, capture.gzipped)
	require.Equal(t, 1, capture.count())
	assert.Equal(t, "compressed", capture.batches[0][0].Message)
}

func TestSamplingAdmitsByLevel(t *testing.T) {
	sink := newTestSink(t, http.NotFoundHandler(), Options{BufferSize: 100})

	draw := 0.7
	sink.randFn = func() float64 { return draw }

	// error and warn always pass; info at 0.5 and debug at 0.1 reject 0.7.
	sink.Write(rec(log.LevelError, "e"))
	sink.Write(rec(log.LevelWarn, "w"))
	sink.Write(rec(log.LevelInfo, "i"))
	sink.Write(rec(log.LevelDebug, "d"))
	assert.Equal(t, 2, sink.Buffered())

	draw = 0.05
	sink.Write(rec(log.LevelInfo, "i2"))
	sink.Write(rec(log.LevelDebug, "d2"))
	assert.Equal(t, 4, sink.Buffered())
}

func TestRingDropsOldestWhenFull(t *testing.T) {
	sink := newTestSink(t, http.NotFoundHandler(), Options{BufferSize: 3})

	sink.Write(rec(log.LevelError, "one"))
	sink.Write(rec(log.LevelError, "two"))
	sink.Write(rec(log.LevelError, "three"))
	sink.Write(rec(log.LevelError, "four"))

	assert.Equal(t, 3, sink.Buffered())
	assert.Equal(t, uint64(1), sink.Dropped())
	assert.Equal(t, "two", sink.ring[0].Message)
	assert.Equal(t, "four", sink.ring[2].Message)
}

func TestWatermarkRequestsFlush(t *testing.T) {
	sink := newTestSink(t, http.NotFoundHandler(), Options{BufferSize: 8})

	for i := 0; i < 5; i++ {
		sink.Write(rec(log.LevelError, "x"))
	}
	// 6th record crosses the 3/4 watermark.
	sink.Write(rec(log.LevelError, "x"))
	assert.Len(t, sink.flushReq, 1)
}

func TestFlushDeferredWhileOffline(t *testing.T) {
	capture := &uploadCapture{}
	online := false
	sink := newTestSink(t, capture.handler(t), Options{
		BufferSize: 10,
		Online:     func() bool { return online },
	})

	sink.Write(rec(log.LevelError, "held"))
	require.NoError(t, sink.flush(context.Background()))
	assert.Zero(t, capture.count())
	assert.Equal(t, 1, sink.Buffered())

	online = true
	require.NoError(t, sink.flush(context.Background()))
	assert.Equal(t, 1, capture.count())
	assert.Zero(t, sink.Buffered())
}

func TestFailedUploadRequeuesInOrder(t *testing.T) {
	capture := &uploadCapture{failures: 1}
	sink := newTestSink(t, capture.handler(t), Options{BufferSize: 10})

	sink.Write(rec(log.LevelError, "first"))
	require.Error(t, sink.flush(context.Background()))
	assert.Equal(t, 1, sink.Buffered())

	sink.Write(rec(log.LevelError, "second"))
	require.NoError(t, sink.flush(context.Background()))

	require.Equal(t, 1, capture.count())
	require.Len(t, capture.batches[0], 2)
	assert.Equal(t, "first", capture.batches[0][0].Message)
	assert.Equal(t, "second", capture.batches[0][1].Message)
}

func TestRegisteredAsAdditionalLoggerReceivesRecords(t *testing.T) {
	capture := &uploadCapture{}
	sink := newTestSink(t, capture.handler(t), Options{BufferSize: 10})

	log.SetupLogger(io.Discard, "info")
	require.NoError(t, log.RegisterAdditionalLogger("remote-test", sink))
	defer log.UnregisterAdditionalLogger("remote-test") //nolint:errcheck

	log.ForComponent(log.ComponentAgent).Errorf("shipped remotely") //nolint:errcheck

	require.Equal(t, 1, sink.Buffered())
	require.NoError(t, sink.flush(context.Background()))
	require.Equal(t, 1, capture.count())
	assert.Contains(t, capture.batches[0][0].Message, "shipped remotely")
}
