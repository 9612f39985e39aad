// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package system samples host metrics reported to the cloud alongside the
// current state.
package system

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics is one sample of host-level metrics. Zero values mean the metric
// could not be collected on this platform.
type Metrics struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	MemoryTotal uint64  `json:"memory_total"`
	Temperature float64 `json:"temperature"`
	Uptime      uint64  `json:"uptime"`
	Load1       float64 `json:"load_1"`
}

// Sampler collects Metrics. The interface exists so tests can substitute a
// canned sampler.
type Sampler interface {
	Sample(ctx context.Context) Metrics
}

type hostSampler struct{}

// NewSampler returns a Sampler backed by gopsutil.
func NewSampler() Sampler {
	return &hostSampler{}
}

// Sample collects what it can and never fails: a metric that cannot be read
// is reported as its zero value.
func (s *hostSampler) Sample(ctx context.Context) Metrics {
	var m Metrics

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		m.CPUUsage = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryUsage = vm.UsedPercent
		m.MemoryTotal = vm.Total
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		m.Uptime = uptime
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.Load1 = avg.Load1
	}
	m.Temperature = cpuTemperature(ctx)

	return m
}

// cpuTemperature returns the first CPU-ish temperature sensor reading. On
// a Raspberry Pi this is the cpu_thermal zone; on x86 coretemp.
func cpuTemperature(ctx context.Context) float64 {
	sensors, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil {
		return 0
	}
	for _, s := range sensors {
		key := strings.ToLower(s.SensorKey)
		if strings.Contains(key, "cpu") || strings.Contains(key, "coretemp") || strings.Contains(key, "k10temp") {
			return s.Temperature
		}
	}
	if len(sensors) > 0 {
		return sensors[0].Temperature
	}
	return 0
}
