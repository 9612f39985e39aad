// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package logs uploads log records to the cloud. Records are sampled per
// level into a bounded ring, then shipped as NDJSON on an interval or when
// the ring crosses its watermark. Every record still reaches the local sink
// regardless of sampling; the cloud only loses what the ring sheds.
package logs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/gzip"

	"github.com/Iotistica/iotistic-sub001/pkg/httpclient"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
)

// DefaultSampling is the per-level admission rate into the upload buffer.
var DefaultSampling = map[log.Level]float64{
	log.LevelError: 1.0,
	log.LevelWarn:  1.0,
	log.LevelInfo:  0.5,
	log.LevelDebug: 0.1,
}

// Options configures a RemoteSink.
type Options struct {
	Client     *httpclient.Client
	UUID       string
	APIKey     string
	BufferSize int
	Interval   time.Duration
	Compress   bool
	// Sampling overrides DefaultSampling when non-nil.
	Sampling map[log.Level]float64
	// Online gates uploads; when it returns false the flush is deferred
	// and records keep accumulating in the ring. Nil means always online.
	Online func() bool
	// Clock is substituted in tests; nil means the wall clock.
	Clock clock.Clock
}

// RemoteSink is a log.Sink shipping records to the cloud.
type RemoteSink struct {
	client   *httpclient.Client
	uuid     string
	apiKey   string
	size     int
	interval time.Duration
	compress bool
	sampling map[log.Level]float64
	online   func() bool
	clk      clock.Clock

	// randFn is the sampling draw, replaced in tests.
	randFn func() float64

	mu      sync.Mutex
	ring    []log.Record
	dropped uint64

	flushReq chan struct{}
}

// NewRemoteSink builds the sink; Run starts the upload loop.
func NewRemoteSink(opts Options) *RemoteSink {
	size := opts.BufferSize
	if size <= 0 {
		size = 1000
	}
	sampling := opts.Sampling
	if sampling == nil {
		sampling = DefaultSampling
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &RemoteSink{
		client:   opts.Client,
		uuid:     opts.UUID,
		apiKey:   opts.APIKey,
		size:     size,
		interval: opts.Interval,
		compress: opts.Compress,
		sampling: sampling,
		online:   opts.Online,
		clk:      clk,
		randFn:   rand.Float64,
		ring:     make([]log.Record, 0, size),
		flushReq: make(chan struct{}, 1),
	}
}

// Write admits a record into the ring if it passes its level's sampling
// draw. A full ring drops its oldest record and counts the loss.
func (r *RemoteSink) Write(rec log.Record) {
	rate, ok := r.sampling[rec.Level]
	if !ok {
		rate = 1.0
	}
	if rate < 1.0 && r.randFn() >= rate {
		return
	}

	r.mu.Lock()
	if len(r.ring) >= r.size {
		r.ring = r.ring[1:]
		r.dropped++
	}
	r.ring = append(r.ring, rec)
	watermark := len(r.ring) >= r.size*3/4
	r.mu.Unlock()

	if watermark {
		select {
		case r.flushReq <- struct{}{}:
		default:
		}
	}
}

// Dropped returns how many records the ring has shed.
func (r *RemoteSink) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Buffered returns the number of records waiting for upload.
func (r *RemoteSink) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ring)
}

// Flush uploads synchronously with a short deadline. Part of log.Sink so a
// final flush happens on shutdown.
func (r *RemoteSink) Flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.flush(ctx) //nolint:errcheck
}

// Run uploads on the interval and on watermark wake-ups until cancelled.
func (r *RemoteSink) Run(ctx context.Context) error {
	ticker := r.clk.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.flushReq:
		}
		r.flush(ctx) //nolint:errcheck
	}
}

// flush drains the ring and uploads it. On upload failure the batch is
// re-queued in front of anything written meanwhile, still bounded by the
// ring size.
func (r *RemoteSink) flush(ctx context.Context) error {
	if r.online != nil && !r.online() {
		return nil
	}

	r.mu.Lock()
	if len(r.ring) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := r.ring
	r.ring = make([]log.Record, 0, r.size)
	r.mu.Unlock()

	if err := r.upload(ctx, batch); err != nil {
		r.requeue(batch)
		return err
	}
	return nil
}

func (r *RemoteSink) requeue(batch []log.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := append(batch, r.ring...)
	if over := len(merged) - r.size; over > 0 {
		merged = merged[over:]
		r.dropped += uint64(over)
	}
	r.ring = merged
}

func (r *RemoteSink) upload(ctx context.Context, batch []log.Record) error {
	var lines bytes.Buffer
	enc := json.NewEncoder(&lines)
	for _, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}

	body := lines.Bytes()
	headers := httpclient.BearerHeader(r.apiKey)
	headers.Set("Content-Type", "application/x-ndjson")
	if r.compress {
		var compressed bytes.Buffer
		gz := gzip.NewWriter(&compressed)
		if _, err := gz.Write(body); err != nil {
			return err
		}
		if err := gz.Close(); err != nil {
			return err
		}
		body = compressed.Bytes()
		headers.Set("Content-Encoding", "gzip")
	}
	headers.Set("X-Log-Count", strconv.Itoa(len(batch)))

	resp, err := r.client.Do(ctx, http.MethodPost, "/device/"+r.uuid+"/logs", headers, body)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("log upload: unexpected status %d", resp.Status)
	}
	return nil
}

var _ log.Sink = (*RemoteSink)(nil)
