// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package cloudsync keeps the device and the control plane in agreement:
// a poll loop fetches the target state with entity-tag short-circuiting and
// a report loop pushes the observed state with system metrics. Cloud
// reachability is tracked as a three-state health value other components
// read to defer their own uploads.
package cloudsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/Iotistica/iotistic-sub001/pkg/eventbus"
	"github.com/Iotistica/iotistic-sub001/pkg/httpclient"
	"github.com/Iotistica/iotistic-sub001/pkg/state"
	"github.com/Iotistica/iotistic-sub001/pkg/util/backoff"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
	"github.com/Iotistica/iotistic-sub001/pkg/util/system"
)

// Health is the cloud reachability state.
type Health string

// Reachability states. Degraded after two consecutive failures, offline
// after three or more.
const (
	HealthOnline   Health = "online"
	HealthDegraded Health = "degraded"
	HealthOffline  Health = "offline"
)

const (
	degradedAfter = 2
	offlineAfter  = 3
)

// Reconciler is the part of the state reconciler cloud sync drives.
type Reconciler interface {
	SetTarget(target *state.TargetState) error
	GetTarget() (*state.TargetState, int64, string)
	GetCurrent(ctx context.Context) (*state.CurrentState, error)
}

// Options configures a Syncer.
type Options struct {
	Client     *httpclient.Client
	UUID       string
	APIKey     string
	Reconciler Reconciler
	Sampler    system.Sampler
	Bus        *eventbus.Bus

	PollInterval        time.Duration
	ReportInterval      time.Duration
	ForceReportInterval time.Duration

	// Clock is substituted in tests; nil means the wall clock.
	Clock clock.Clock
}

// Syncer runs the poll and report loops.
type Syncer struct {
	client  *httpclient.Client
	uuid    string
	apiKey  string
	rec     Reconciler
	sampler system.Sampler
	bus     *eventbus.Bus
	clk     clock.Clock
	logger  *log.ComponentLogger

	pollInterval        time.Duration
	reportInterval      time.Duration
	forceReportInterval time.Duration

	pollBackoff *backoff.ExpBackoffPolicy
	wake        chan struct{}

	mu             sync.Mutex
	etag           string
	failures       int
	health         Health
	lastReportHash string
	lastReportAt   time.Time
}

// New builds a Syncer. Health starts online; the first failed exchange
// starts the downgrade count.
func New(opts Options) *Syncer {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Syncer{
		client:              opts.Client,
		uuid:                opts.UUID,
		apiKey:              opts.APIKey,
		rec:                 opts.Reconciler,
		sampler:             opts.Sampler,
		bus:                 opts.Bus,
		clk:                 clk,
		logger:              log.ForComponent(log.ComponentCloudSync),
		pollInterval:        opts.PollInterval,
		reportInterval:      opts.ReportInterval,
		forceReportInterval: opts.ForceReportInterval,
		pollBackoff:         backoff.NewExpBackoffPolicy(2, time.Second, 60*time.Second, false),
		wake:                make(chan struct{}, 1),
		health:              HealthOnline,
	}
}

// Health returns the current reachability state.
func (s *Syncer) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// TriggerPoll requests an immediate poll, coalesced with any pending one.
// Called by the MQTT listener on a cloud wake-up.
func (s *Syncer) TriggerPoll() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run executes both loops until the context is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runPoll(ctx) })
	g.Go(func() error { return s.runReport(ctx) })
	return g.Wait()
}

func (s *Syncer) runPoll(ctx context.Context) error {
	s.pollOnceLogged(ctx)
	for {
		s.mu.Lock()
		failures := s.failures
		s.mu.Unlock()

		wait := s.pollInterval
		if failures > 0 {
			wait = s.pollBackoff.GetBackoffDuration(failures)
		}

		timer := s.clk.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		}
		s.pollOnceLogged(ctx)
	}
}

func (s *Syncer) pollOnceLogged(ctx context.Context) {
	if err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warnf("poll failed: %v", err) //nolint:errcheck
	}
}

// PollOnce fetches the target state once. A 304 is a successful no-op; a
// 200 with an unchanged hash only refreshes the entity tag; a 4xx is a
// permanent failure logged and not counted against health.
func (s *Syncer) PollOnce(ctx context.Context) error {
	s.mu.Lock()
	etag := s.etag
	s.mu.Unlock()

	resp, err := s.client.Get(ctx, "/device/"+s.uuid+"/state", etag, httpclient.BearerHeader(s.apiKey))
	if err != nil {
		s.recordFailure()
		return err
	}

	switch {
	case resp.Status == http.StatusNotModified:
		s.recordSuccess()
		return nil
	case resp.Status >= 400 && resp.Status < 500:
		// Permanent: surfaced, loop continues, health unaffected.
		return s.logger.Errorf("target state poll rejected: status %d", resp.Status)
	case resp.Status != http.StatusOK:
		s.recordFailure()
		return fmt.Errorf("target state poll: unexpected status %d", resp.Status)
	}
	s.recordSuccess()

	target, err := state.ParseTargetState(resp.Body)
	if err != nil {
		// Protocol error: discard the document, keep the previous target.
		return s.logger.Errorf("discarding invalid target state: %v", err)
	}
	// Hash the parsed document, not the raw body: the stored hash is
	// computed over the same form, so an unchanged document compares equal
	// regardless of the server's key order or number formatting.
	newHash, err := target.Hash()
	if err != nil {
		return err
	}

	_, _, localHash := s.rec.GetTarget()
	if newHash == localHash {
		s.setETag(resp.ETag)
		return nil
	}

	if err := s.rec.SetTarget(target); err != nil {
		return err
	}
	s.setETag(resp.ETag)
	s.logger.Infow("new target state accepted", map[string]string{"hash": newHash})
	return nil
}

func (s *Syncer) setETag(etag string) {
	if etag == "" {
		return
	}
	s.mu.Lock()
	s.etag = etag
	s.mu.Unlock()
}

func (s *Syncer) runReport(ctx context.Context) error {
	ticker := s.clk.Ticker(s.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.ReportOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warnf("state report failed: %v", err) //nolint:errcheck
			}
		}
	}
}

type reportBody struct {
	Apps        map[string]state.CurrentApp `json:"apps"`
	Config      map[string]interface{}      `json:"config"`
	CPUUsage    float64                     `json:"cpu_usage"`
	MemoryUsage float64                     `json:"memory_usage"`
	MemoryTotal uint64                      `json:"memory_total"`
	Temperature float64                     `json:"temperature"`
	Uptime      uint64                      `json:"uptime"`
	Load1       float64                     `json:"load_1"`
}

// ReportOnce sends the current state unless it is identical to the last
// successful report and the force interval has not elapsed.
func (s *Syncer) ReportOnce(ctx context.Context) error {
	current, err := s.rec.GetCurrent(ctx)
	if err != nil {
		return fmt.Errorf("collect current state: %w", err)
	}
	metrics := s.sampler.Sample(ctx)

	payload := map[string]reportBody{
		s.uuid: {
			Apps:        current.Apps,
			Config:      current.Config,
			CPUUsage:    metrics.CPUUsage,
			MemoryUsage: metrics.MemoryUsage,
			MemoryTotal: metrics.MemoryTotal,
			Temperature: metrics.Temperature,
			Uptime:      metrics.Uptime,
			Load1:       metrics.Load1,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	hash, err := state.HashDocument(body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	unchanged := hash == s.lastReportHash
	fresh := s.clk.Now().Sub(s.lastReportAt) < s.forceReportInterval
	s.mu.Unlock()
	if unchanged && fresh {
		return nil
	}

	resp, err := s.client.PatchJSON(ctx, "/device/state", body, httpclient.BearerHeader(s.apiKey))
	if err != nil {
		s.recordFailure()
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		if resp.Status >= 500 {
			s.recordFailure()
		}
		return fmt.Errorf("state report: unexpected status %d", resp.Status)
	}
	s.recordSuccess()

	s.mu.Lock()
	s.lastReportHash = hash
	s.lastReportAt = s.clk.Now()
	s.mu.Unlock()
	return nil
}

func (s *Syncer) recordSuccess() {
	s.transition(func() { s.failures = 0 })
}

func (s *Syncer) recordFailure() {
	s.transition(func() { s.failures++ })
}

// transition recomputes health under the lock and emits an event on change.
func (s *Syncer) transition(apply func()) {
	s.mu.Lock()
	apply()
	next := HealthOnline
	switch {
	case s.failures >= offlineAfter:
		next = HealthOffline
	case s.failures >= degradedAfter:
		next = HealthDegraded
	}
	prev := s.health
	s.health = next
	failures := s.failures
	s.mu.Unlock()

	if prev == next {
		return
	}
	s.logger.Infow("connection health changed", map[string]string{
		"from":     string(prev),
		"to":       string(next),
		"failures": strconv.Itoa(failures),
	})
	s.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeConnectionHealth,
		Message: string(next),
		Fields:  map[string]string{"previous": string(prev)},
	})
}
