// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Iotistica/iotistic-sub001/pkg/sensor"
	"github.com/Iotistica/iotistic-sub001/pkg/util/backoff"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
)

// ConnState is the adapter connection state machine.
type ConnState string

// Connection states.
const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateValidated    ConnState = "validated"
	StateActive       ConnState = "active"
	StateError        ConnState = "error"
)

const (
	// readRetries bounds transient read retries within one tick.
	readRetries   = 2
	readRetryWait = 100 * time.Millisecond

	readTimeout = 5 * time.Second

	// pollWindow is how many recent ticks feed the success rate.
	pollWindow = 50
)

// runner drives one session: connect with backoff, validate points, then
// poll (or subscribe) until stopped.
type runner struct {
	cfg     sensor.Config
	session Session
	emit    func(sensor.Sample)
	logger  *log.ComponentLogger

	// sessionMu serializes every protocol request; sessions do not
	// tolerate concurrent I/O.
	sessionMu sync.Mutex

	reconnect *backoff.ExpBackoffPolicy

	mu          sync.Mutex
	state       ConnState
	validPoints []sensor.DataPoint
	health      sensor.Health
	window      []bool

	sleep func(ctx context.Context, d time.Duration) error
}

func newRunner(cfg sensor.Config, session Session, emit func(sensor.Sample)) *runner {
	return &runner{
		cfg:       cfg,
		session:   session,
		emit:      emit,
		logger:    log.ForComponent(log.ComponentAdapter),
		reconnect: backoff.NewExpBackoffPolicy(2, 5*time.Second, 60*time.Second, true),
		state:     StateDisconnected,
		health: sensor.Health{
			ConfigID:             cfg.ConfigID,
			Name:                 cfg.Name,
			CommunicationQuality: sensor.CommOffline,
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// run is the adapter main loop: one connect/validate/acquire cycle per
// iteration, with backoff between failed cycles.
func (r *runner) run(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		err := r.cycle(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			r.sessionMu.Lock()
			r.session.Close() //nolint:errcheck
			r.sessionMu.Unlock()
			failures = r.reconnect.IncError(failures)
			r.recordError(err)
			wait := r.reconnect.GetBackoffDuration(failures)
			r.logger.Warnf("adapter %s: %v, reconnecting in %s", r.cfg.Name, err, wait) //nolint:errcheck
			if r.sleep(ctx, wait) != nil {
				break
			}
			continue
		}
		failures = 0
	}

	r.sessionMu.Lock()
	r.session.Close() //nolint:errcheck
	r.sessionMu.Unlock()
	r.setState(StateDisconnected, sensor.CommOffline)
}

// cycle runs connect → validate → acquire. It returns when the connection
// dies or the context is cancelled.
func (r *runner) cycle(ctx context.Context) error {
	r.setState(StateConnecting, sensor.CommOffline)

	r.sessionMu.Lock()
	err := r.session.Connect(ctx)
	r.sessionMu.Unlock()
	if err != nil {
		return err
	}

	valid := r.validate(ctx)
	if len(valid) == 0 {
		return errors.New("no data point passed validation")
	}
	r.mu.Lock()
	r.validPoints = valid
	r.health.Connected = true
	r.mu.Unlock()
	r.setState(StateValidated, sensor.CommGood)

	r.setState(StateActive, sensor.CommGood)
	if sub, ok := r.session.(Subscriber); ok {
		err := sub.Subscribe(ctx, valid, r.emitSample)
		if !errors.Is(err, ErrNotSubscribing) {
			return err
		}
	}
	return r.poll(ctx)
}

// validate probes each point once. Invalid points are skipped for the rest
// of the session.
func (r *runner) validate(ctx context.Context) []sensor.DataPoint {
	valid := make([]sensor.DataPoint, 0, len(r.cfg.DataPoints))
	for _, p := range r.cfg.DataPoints {
		r.sessionMu.Lock()
		err := r.session.ValidatePoint(ctx, p)
		r.sessionMu.Unlock()
		if err != nil {
			r.logger.Warnf("adapter %s: point %s failed validation: %v", r.cfg.Name, p.Name, err) //nolint:errcheck
			continue
		}
		valid = append(valid, p)
	}
	return valid
}

func (r *runner) poll(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := r.pollOnce(ctx); err != nil {
			return err
		}
	}
}

// pollOnce reads every valid point. A point that stays transiently broken
// after the in-tick retries is emitted as BAD; a non-transient error ends
// the session.
func (r *runner) pollOnce(ctx context.Context) error {
	r.mu.Lock()
	points := r.validPoints
	r.mu.Unlock()

	start := time.Now()
	updated := int64(0)
	var sessionErr error
	for _, p := range points {
		value, err := r.readPoint(ctx, p)
		switch {
		case err == nil:
			r.emitSample(sensor.Sample{
				RegisterName: p.Name,
				Value:        scale(value, p.Scale),
				Unit:         p.Unit,
				Quality:      sensor.QualityGood,
			})
			updated++
		case errors.Is(err, ErrTransient):
			r.emitSample(sensor.Sample{
				RegisterName: p.Name,
				Value:        nil,
				Unit:         p.Unit,
				Quality:      sensor.QualityBad,
			})
		default:
			sessionErr = err
		}
		if sessionErr != nil {
			break
		}
	}

	r.recordPoll(sessionErr == nil, time.Since(start), updated)
	return sessionErr
}

// readPoint serializes the read and retries transient failures within the
// tick.
func (r *runner) readPoint(ctx context.Context, p sensor.DataPoint) (interface{}, error) {
	var err error
	for attempt := 0; attempt <= readRetries; attempt++ {
		if attempt > 0 {
			if serr := r.sleep(ctx, readRetryWait); serr != nil {
				return nil, serr
			}
		}
		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		r.sessionMu.Lock()
		var value interface{}
		value, err = r.session.Read(readCtx, p)
		r.sessionMu.Unlock()
		cancel()
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrTransient) {
			return nil, err
		}
	}
	return nil, err
}

func scale(value interface{}, factor float64) interface{} {
	if factor == 0 || factor == 1 {
		return value
	}
	switch v := value.(type) {
	case float64:
		return v * factor
	case float32:
		return float64(v) * factor
	case int:
		return float64(v) * factor
	case int64:
		return float64(v) * factor
	case uint16:
		return float64(v) * factor
	case uint32:
		return float64(v) * factor
	default:
		return value
	}
}

func (r *runner) emitSample(s sensor.Sample) {
	now := time.Now().UTC()
	s.DeviceName = r.cfg.Name
	s.Timestamp = &now
	if s.Quality == sensor.QualityGood {
		r.mu.Lock()
		r.health.LastSeen = &now
		r.mu.Unlock()
	}
	r.emit(s)
}

func (r *runner) setState(s ConnState, q sensor.CommunicationQuality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	r.health.CommunicationQuality = q
	if s != StateActive && s != StateValidated {
		r.health.Connected = false
	}
}

func (r *runner) recordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health.ErrorCount++
	r.health.LastError = err.Error()
	r.health.Connected = false
	r.health.CommunicationQuality = sensor.CommOffline
	r.state = StateError
}

func (r *runner) recordPoll(ok bool, took time.Duration, updated int64) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.health.LastPoll = &now
	r.health.ResponseTimeMS = took.Milliseconds()
	r.health.RegistersUpdated += updated
	if !ok {
		r.health.ErrorCount++
	}

	r.window = append(r.window, ok)
	if len(r.window) > pollWindow {
		r.window = r.window[1:]
	}
	succeeded := 0
	for _, s := range r.window {
		if s {
			succeeded++
		}
	}
	rate := float64(succeeded) / float64(len(r.window))
	r.health.PollSuccessRate = rate

	switch {
	case rate >= 0.95:
		r.health.CommunicationQuality = sensor.CommGood
	case rate >= 0.7:
		r.health.CommunicationQuality = sensor.CommDegraded
	case rate > 0:
		r.health.CommunicationQuality = sensor.CommPoor
	default:
		r.health.CommunicationQuality = sensor.CommOffline
	}
}

// snapshot returns a copy of the health surface.
func (r *runner) snapshot() sensor.Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health
}
