// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package container

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iotistica/iotistic-sub001/pkg/state"
)

func TestBuildConfigs(t *testing.T) {
	cfg, hostCfg, err := buildConfigs(Spec{
		Name:       "1001_web",
		Image:      "nginx:1.25",
		AppID:      "1001",
		ServiceID:  "web",
		ConfigHash: "abc123",
		Config: state.ServiceConfig{
			Ports:         []string{"8080:80"},
			Volumes:       []string{"/data:/var/www"},
			Environment:   map[string]string{"MODE": "edge"},
			RestartPolicy: "unless-stopped",
			Privileged:    true,
			Command:       []string{"nginx", "-g", "daemon off;"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "nginx:1.25", cfg.Image)
	assert.Contains(t, cfg.Env, "MODE=edge")
	assert.Equal(t, []string(cfg.Cmd), []string{"nginx", "-g", "daemon off;"})
	assert.Equal(t, "1001", cfg.Labels[LabelAppID])
	assert.Equal(t, "web", cfg.Labels[LabelServiceID])
	assert.Equal(t, ManagedByValue, cfg.Labels[LabelManagedBy])
	assert.Equal(t, "abc123", cfg.Labels[LabelConfigHash])

	assert.True(t, hostCfg.Privileged)
	assert.Equal(t, "unless-stopped", string(hostCfg.RestartPolicy.Name))
	assert.Equal(t, []string{"/data:/var/www"}, hostCfg.Binds)
	require.Len(t, hostCfg.PortBindings, 1)
	_, ok := cfg.ExposedPorts["80/tcp"]
	assert.True(t, ok)
}

func TestBuildConfigsHealthcheck(t *testing.T) {
	cfg, _, err := buildConfigs(Spec{
		Name:  "1_db",
		Image: "postgres:16",
		Config: state.ServiceConfig{
			Healthcheck: &state.Healthcheck{
				Test:     []string{"CMD", "pg_isready"},
				Interval: "30s",
				Timeout:  "5s",
				Retries:  3,
			},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, cfg.Healthcheck)
	assert.Equal(t, []string{"CMD", "pg_isready"}, cfg.Healthcheck.Test)
	assert.Equal(t, 30*time.Second, cfg.Healthcheck.Interval)
	assert.Equal(t, 5*time.Second, cfg.Healthcheck.Timeout)
	assert.Equal(t, 3, cfg.Healthcheck.Retries)

	_, _, err = buildConfigs(Spec{
		Name:  "1_db",
		Image: "postgres:16",
		Config: state.ServiceConfig{
			Healthcheck: &state.Healthcheck{Interval: "soon"},
		},
	})
	require.Error(t, err)
}

func TestBuildConfigsRejectsBadPortSpec(t *testing.T) {
	_, _, err := buildConfigs(Spec{
		Name:  "x",
		Image: "img",
		Config: state.ServiceConfig{
			Ports: []string{"not-a-port"},
		},
	})
	require.Error(t, err)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, state.StatusRunning, mapStatus("running"))
	assert.Equal(t, state.StatusPaused, mapStatus("paused"))
	assert.Equal(t, state.StatusExited, mapStatus("exited"))
	assert.Equal(t, state.StatusCreating, mapStatus("created"))
	assert.Equal(t, state.StatusUnknown, mapStatus("zombie"))
}

func TestFakeDriverLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFakeDriver()

	id, err := f.Create(ctx, Spec{Name: "1_svc", Image: "img:1", AppID: "1", ServiceID: "svc", ConfigHash: "h1"})
	require.NoError(t, err)
	require.NoError(t, f.Start(ctx, id))

	d, err := f.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, d.Status)

	require.NoError(t, f.Pause(ctx, id))
	d, _ = f.Inspect(ctx, id)
	assert.Equal(t, state.StatusPaused, d.Status)

	require.NoError(t, f.Unpause(ctx, id))
	require.NoError(t, f.Stop(ctx, id, time.Second))
	require.NoError(t, f.Remove(ctx, id, false))

	_, err = f.Inspect(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFakeDriverRemoveRunningNeedsForce(t *testing.T) {
	ctx := context.Background()
	f := NewFakeDriver()

	id, err := f.Create(ctx, Spec{Name: "1_svc", Image: "img:1", ServiceID: "svc"})
	require.NoError(t, err)
	require.NoError(t, f.Start(ctx, id))

	err = f.Remove(ctx, id, false)
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, f.Remove(ctx, id, true))
}

func TestFakeDriverFailureInjection(t *testing.T) {
	ctx := context.Background()
	f := NewFakeDriver()
	f.FailNext["create:svc"] = ErrConflict

	_, err := f.Create(ctx, Spec{Name: "1_svc", ServiceID: "svc"})
	assert.ErrorIs(t, err, ErrConflict)

	// One-shot: the next attempt succeeds.
	_, err = f.Create(ctx, Spec{Name: "1_svc", ServiceID: "svc"})
	assert.NoError(t, err)
}
