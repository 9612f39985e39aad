// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package adapters

import (
	"context"
	"sort"
	"sync"

	"github.com/Iotistica/iotistic-sub001/pkg/sensor"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
)

// Supervisor owns the running adapters and the output sockets. All mutation
// goes through Apply; queries copy a snapshot so callers never see the
// internal maps.
type Supervisor struct {
	logger *log.ComponentLogger

	mu       sync.Mutex
	runners  map[int64]*managedRunner
	disabled map[int64]sensor.Config

	// writers has its own lock: runner goroutines look it up on every
	// sample while Apply may be blocked waiting for a runner to stop.
	writersMu sync.RWMutex
	writers   map[sensor.Protocol]*SocketWriter
}

type managedRunner struct {
	runner *runner
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor returns an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		logger:   log.ForComponent(log.ComponentAdapter),
		runners:  make(map[int64]*managedRunner),
		writers:  make(map[sensor.Protocol]*SocketWriter),
		disabled: make(map[int64]sensor.Config),
	}
}

// Apply reconciles the adapter set to the given configs and outputs:
// removed or disabled adapters are stopped, new enabled ones started,
// changed ones restarted. ctx is the lifetime of the started adapters.
func (s *Supervisor) Apply(ctx context.Context, configs []sensor.Config, outputs []sensor.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.applyOutputs(outputs); err != nil {
		return err
	}

	want := make(map[int64]sensor.Config, len(configs))
	for _, cfg := range configs {
		want[cfg.ConfigID] = cfg
	}

	for id, mr := range s.runners {
		cfg, keep := want[id]
		if keep && configsEqual(mr.runner.cfg, cfg) {
			delete(want, id)
			continue
		}
		s.stopLocked(id, mr)
	}
	s.disabled = make(map[int64]sensor.Config)

	for id, cfg := range want {
		if !cfg.Enabled {
			s.disabled[id] = cfg
			continue
		}
		if err := s.startLocked(ctx, cfg); err != nil {
			s.logger.Warnf("adapter %s not started: %v", cfg.Name, err) //nolint:errcheck
		}
	}
	return nil
}

func (s *Supervisor) applyOutputs(outputs []sensor.Output) error {
	want := make(map[sensor.Protocol]sensor.Output, len(outputs))
	for _, o := range outputs {
		want[o.Protocol] = o
	}

	s.writersMu.Lock()
	defer s.writersMu.Unlock()
	for protocol, w := range s.writers {
		if o, keep := want[protocol]; keep && o == w.output {
			delete(want, protocol)
			continue
		}
		w.Close() //nolint:errcheck
		delete(s.writers, protocol)
	}

	for protocol, o := range want {
		w, err := NewSocketWriter(o)
		if err != nil {
			return err
		}
		s.writers[protocol] = w
	}
	return nil
}

func (s *Supervisor) startLocked(ctx context.Context, cfg sensor.Config) error {
	session, err := NewSession(cfg)
	if err != nil {
		return err
	}

	protocol := cfg.Protocol
	emit := func(sample sensor.Sample) {
		s.writersMu.RLock()
		w := s.writers[protocol]
		s.writersMu.RUnlock()
		if w != nil {
			w.Emit(sample)
		}
	}

	r := newRunner(cfg, session, emit)
	runCtx, cancel := context.WithCancel(ctx)
	mr := &managedRunner{runner: r, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(mr.done)
		r.run(runCtx)
	}()
	s.runners[cfg.ConfigID] = mr
	s.logger.Infof("adapter %s (%s) started", cfg.Name, cfg.Protocol)
	return nil
}

func (s *Supervisor) stopLocked(id int64, mr *managedRunner) {
	mr.cancel()
	<-mr.done
	delete(s.runners, id)
	s.logger.Infof("adapter %s stopped", mr.runner.cfg.Name)
}

// Stop stops every adapter and closes the output sockets.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, mr := range s.runners {
		s.stopLocked(id, mr)
	}
	s.writersMu.Lock()
	for protocol, w := range s.writers {
		w.Close() //nolint:errcheck
		delete(s.writers, protocol)
	}
	s.writersMu.Unlock()
}

// Health returns the health surface of every adapter, disabled ones
// included, sorted by config id.
func (s *Supervisor) Health() []sensor.Health {
	s.mu.Lock()
	out := make([]sensor.Health, 0, len(s.runners)+len(s.disabled))
	for _, mr := range s.runners {
		out = append(out, mr.runner.snapshot())
	}
	for _, cfg := range s.disabled {
		out = append(out, sensor.Health{
			ConfigID:             cfg.ConfigID,
			Name:                 cfg.Name,
			CommunicationQuality: sensor.CommDisabled,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })
	return out
}

func configsEqual(a, b sensor.Config) bool {
	if a.ConfigID != b.ConfigID || a.Name != b.Name || a.Protocol != b.Protocol ||
		a.Enabled != b.Enabled || a.PollIntervalMS != b.PollIntervalMS ||
		string(a.Connection) != string(b.Connection) || len(a.DataPoints) != len(b.DataPoints) {
		return false
	}
	for i := range a.DataPoints {
		if a.DataPoints[i] != b.DataPoints[i] {
			return false
		}
	}
	return true
}
