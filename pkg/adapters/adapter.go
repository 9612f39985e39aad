// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package adapters runs one protocol adapter per enabled sensor config and
// fans acquired samples out to local unix-domain sockets. The supervisor
// owns the adapter set; protocol implementations register themselves in the
// registry at init time.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Iotistica/iotistic-sub001/pkg/sensor"
)

// ErrTransient marks a read failure worth retrying within the same tick.
// Protocol implementations wrap recoverable errors with it; anything else
// fails the tick immediately.
var ErrTransient = errors.New("transient read error")

// ErrNotSubscribing is returned by a Subscriber whose configuration selects
// polling; the runner falls back to its own poll loop.
var ErrNotSubscribing = errors.New("session not subscribing")

// Session is one protocol connection. Implementations need not be safe for
// concurrent use; the runner serializes all calls.
type Session interface {
	// Connect establishes the protocol connection.
	Connect(ctx context.Context) error
	// ValidatePoint probes one configured data point. Points failing
	// validation are skipped for the rest of the session.
	ValidatePoint(ctx context.Context, p sensor.DataPoint) error
	// Read acquires one value. A nil value with nil error is a valid null
	// reading.
	Read(ctx context.Context, p sensor.DataPoint) (interface{}, error)
	// Close tears the connection down. Safe to call in any state.
	Close() error
}

// Subscriber is implemented by sessions supporting server push. Emit may be
// called from the session's own goroutines.
type Subscriber interface {
	// Subscribe registers the points for push delivery and blocks until
	// ctx is cancelled or the subscription dies.
	Subscribe(ctx context.Context, points []sensor.DataPoint, emit func(sensor.Sample)) error
}

// Factory builds a Session from a config's connection parameters.
type Factory func(cfg sensor.Config) (Session, error)

var (
	registryMu sync.RWMutex
	registry   = map[sensor.Protocol]Factory{}
)

// Register binds a protocol tag to a session factory. Called from the
// protocol packages' init functions; a duplicate registration panics.
func Register(p sensor.Protocol, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[p]; dup {
		panic(fmt.Sprintf("adapter factory for %q registered twice", p))
	}
	registry[p] = f
}

// NewSession builds a session for the config's protocol.
func NewSession(cfg sensor.Config) (Session, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Protocol]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}
	return f(cfg)
}

// Protocols lists the registered protocol tags, sorted.
func Protocols() []sensor.Protocol {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]sensor.Protocol, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
