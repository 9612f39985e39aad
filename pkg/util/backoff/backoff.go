// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package backoff provides the exponential backoff policy shared by the
// cloud-sync loops and the adapter connection state machines.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes backoff durations from a consecutive error count.
type Policy interface {
	// IncError increments the error count, saturating at the count whose
	// backoff equals the configured cap.
	IncError(numErrors int) int
	// DecError decrements the error count down to zero.
	DecError(numErrors int) int
	// GetBackoffDuration returns the wait before the next attempt.
	GetBackoffDuration(numErrors int) time.Duration
}

// ExpBackoffPolicy is a jittered exponential policy:
// backoff = min(base * factor^(n-1), max), uniformly jittered downward.
type ExpBackoffPolicy struct {
	factor    float64
	base      time.Duration
	max       time.Duration
	maxErrors int
	jitter    bool
}

// NewExpBackoffPolicy builds a policy. factor must be >= 2, base and max
// positive; out-of-range arguments are clamped.
func NewExpBackoffPolicy(factor float64, base, max time.Duration, jitter bool) *ExpBackoffPolicy {
	if factor < 2 {
		factor = 2
	}
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	// Error counts beyond this point all map to the cap.
	maxErrors := int(math.Ceil(math.Log(float64(max)/float64(base))/math.Log(factor))) + 1

	return &ExpBackoffPolicy{
		factor:    factor,
		base:      base,
		max:       max,
		maxErrors: maxErrors,
		jitter:    jitter,
	}
}

// IncError implements Policy.
func (p *ExpBackoffPolicy) IncError(numErrors int) int {
	numErrors++
	if numErrors > p.maxErrors {
		return p.maxErrors
	}
	return numErrors
}

// DecError implements Policy.
func (p *ExpBackoffPolicy) DecError(numErrors int) int {
	numErrors--
	if numErrors < 0 {
		return 0
	}
	return numErrors
}

// GetBackoffDuration implements Policy.
func (p *ExpBackoffPolicy) GetBackoffDuration(numErrors int) time.Duration {
	if numErrors <= 0 {
		return 0
	}
	backoff := float64(p.base) * math.Pow(p.factor, float64(numErrors-1))
	if backoff > float64(p.max) {
		backoff = float64(p.max)
	}
	if p.jitter {
		// Jitter down to half the computed value to spread reconnects.
		backoff = backoff/2 + rand.Float64()*backoff/2
	}
	return time.Duration(backoff)
}
