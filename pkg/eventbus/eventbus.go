// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package eventbus is the in-process notification fabric between the
// reconciler, cloud sync, the anomaly recorder and the logger. Queues are
// bounded; a slow subscriber loses its oldest events, never blocks a
// publisher.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event family.
type Type string

// Event families published by the agent.
const (
	TypeServiceStarted   Type = "service-started"
	TypeServiceStopped   Type = "service-stopped"
	TypeServicePaused    Type = "service-paused"
	TypeServiceFailed    Type = "service-failed"
	TypeImagePulled      Type = "image-pulled"
	TypeReconcilePass    Type = "reconcile-pass"
	TypeConnectionHealth Type = "connection-health"
	TypeProvisioned      Type = "provisioned"
)

// Event is a single notification. AppID and ServiceID are set for service
// lifecycle families, zero otherwise.
type Event struct {
	Type      Type
	Timestamp time.Time
	AppID     int
	ServiceID string
	Message   string
	Fields    map[string]string
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	C       chan Event
	types   map[Type]struct{}
	dropped atomic.Int64
	once    sync.Once
}

// Dropped returns how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus is a multi-producer multi-consumer event bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	size int
}

// New returns a Bus whose subscriber queues hold size events.
func New(size int) *Bus {
	if size <= 0 {
		size = 64
	}
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		size: size,
	}
}

// Subscribe registers a subscriber for the given event families; no families
// means all of them.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	sub := &Subscription{
		C:     make(chan Event, b.size),
		types: make(map[Type]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		sub.once.Do(func() { close(sub.C) })
	}
}

// Publish delivers ev to every interested subscriber without blocking. A
// full queue sheds its oldest event first.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			// Shed the oldest queued event, then retry once.
			select {
			case <-sub.C:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.C <- ev:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}
