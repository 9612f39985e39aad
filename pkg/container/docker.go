// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package container

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/Iotistica/iotistic-sub001/pkg/state"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
)

// DockerDriver implements Driver against a local Docker daemon.
type DockerDriver struct {
	client *client.Client
	logger *log.ComponentLogger
}

// NewDockerDriver connects to the daemon using the environment's settings
// and negotiates the API version.
func NewDockerDriver() (*DockerDriver, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeDown, err)
	}
	return &DockerDriver{
		client: c,
		logger: log.ForComponent(log.ComponentContainerManager),
	}, nil
}

// classify maps a Docker error to a driver failure class. Unmapped errors
// pass through unchanged and are treated as transient by callers.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", ErrRuntimeDown, err)
	default:
		return err
	}
}

func mapStatus(dockerState string) state.ServiceStatus {
	switch dockerState {
	case "created":
		return state.StatusCreating
	case "running":
		return state.StatusRunning
	case "paused":
		return state.StatusPaused
	case "exited", "dead":
		return state.StatusExited
	case "restarting":
		return state.StatusRunning
	default:
		return state.StatusUnknown
	}
}

// ListManaged returns every container stamped with the manage label.
func (d *DockerDriver) ListManaged(ctx context.Context) ([]Summary, error) {
	f := filters.NewArgs()
	f.Add("label", LabelManagedBy+"="+ManagedByValue)
	containers, err := d.client.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, classify(err)
	}

	out := make([]Summary, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Summary{
			ID:         c.ID,
			Name:       name,
			Image:      c.Image,
			ImageID:    c.ImageID,
			AppID:      c.Labels[LabelAppID],
			ServiceID:  c.Labels[LabelServiceID],
			ConfigHash: c.Labels[LabelConfigHash],
			Status:     mapStatus(c.State),
			Labels:     c.Labels,
		})
	}
	return out, nil
}

// Inspect returns the detail view of one container.
func (d *DockerDriver) Inspect(ctx context.Context, id string) (*Detail, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, classify(err)
	}

	detail := &Detail{
		Summary: Summary{
			ID:     info.ID,
			Name:   strings.TrimPrefix(info.Name, "/"),
			Image:  info.Config.Image,
			Labels: info.Config.Labels,
		},
	}
	if info.Config.Labels != nil {
		detail.AppID = info.Config.Labels[LabelAppID]
		detail.ServiceID = info.Config.Labels[LabelServiceID]
		detail.ConfigHash = info.Config.Labels[LabelConfigHash]
	}
	if info.State != nil {
		detail.Status = mapStatus(info.State.Status)
		if info.State.Status == "exited" || info.State.Status == "dead" {
			code := info.State.ExitCode
			detail.ExitCode = &code
		}
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			detail.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
			detail.FinishedAt = t
		}
	}
	return detail, nil
}

// PullImage fetches an image and drains the progress stream; the pull is
// only complete once the stream closes.
func (d *DockerDriver) PullImage(ctx context.Context, image string) error {
	d.logger.Infof("pulling image %s", image)
	reader, err := d.client.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsUnauthorized(err) || errdefs.IsInvalidParameter(err) {
			return fmt.Errorf("%w: %s: %v", ErrImageUnavailable, image, err)
		}
		return classify(err)
	}
	defer reader.Close() //nolint:errcheck
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull %s interrupted: %w", image, err)
	}
	return nil
}

// Create materializes a container from a spec.
func (d *DockerDriver) Create(ctx context.Context, spec Spec) (string, error) {
	cfg, hostCfg, err := buildConfigs(spec)
	if err != nil {
		return "", err
	}
	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classify(err)
	}
	return resp.ID, nil
}

func buildConfigs(spec Spec) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(spec.Config.Environment))
	for k, v := range spec.Config.Environment {
		env = append(env, k+"="+v)
	}

	labels := map[string]string{
		LabelAppID:      spec.AppID,
		LabelServiceID:  spec.ServiceID,
		LabelManagedBy:  ManagedByValue,
		LabelConfigHash: spec.ConfigHash,
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
	}
	if len(spec.Config.Command) > 0 {
		cfg.Cmd = spec.Config.Command
	}
	if len(spec.Config.Entrypoint) > 0 {
		cfg.Entrypoint = spec.Config.Entrypoint
	}

	hostCfg := &container.HostConfig{
		Privileged: spec.Config.Privileged,
	}
	if spec.Config.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Config.NetworkMode)
	}
	if spec.Config.RestartPolicy != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.Config.RestartPolicy),
		}
	}
	for _, v := range spec.Config.Volumes {
		hostCfg.Binds = append(hostCfg.Binds, v)
	}

	if hc := spec.Config.Healthcheck; hc != nil {
		health := &container.HealthConfig{
			Test:    hc.Test,
			Retries: hc.Retries,
		}
		if hc.Interval != "" {
			d, err := time.ParseDuration(hc.Interval)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid healthcheck interval: %w", err)
			}
			health.Interval = d
		}
		if hc.Timeout != "" {
			d, err := time.ParseDuration(hc.Timeout)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid healthcheck timeout: %w", err)
			}
			health.Timeout = d
		}
		cfg.Healthcheck = health
	}

	if len(spec.Config.Ports) > 0 {
		exposed, bindings, err := nat.ParsePortSpecs(spec.Config.Ports)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port spec: %w", err)
		}
		cfg.ExposedPorts = exposed
		hostCfg.PortBindings = bindings
	}
	return cfg, hostCfg, nil
}

// Start starts a created or stopped container.
func (d *DockerDriver) Start(ctx context.Context, id string) error {
	return classify(d.client.ContainerStart(ctx, id, container.StartOptions{}))
}

// Stop stops a container with the given grace period.
func (d *DockerDriver) Stop(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	return classify(d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}))
}

// Pause freezes a running container.
func (d *DockerDriver) Pause(ctx context.Context, id string) error {
	return classify(d.client.ContainerPause(ctx, id))
}

// Unpause resumes a paused container.
func (d *DockerDriver) Unpause(ctx context.Context, id string) error {
	return classify(d.client.ContainerUnpause(ctx, id))
}

// Remove deletes a container.
func (d *DockerDriver) Remove(ctx context.Context, id string, force bool) error {
	return classify(d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}))
}

// StreamLogs returns the container's log stream in Docker's multiplexed
// format. The caller closes it; with follow the stream ends when the
// context does.
func (d *DockerDriver) StreamLogs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error) {
	if tail == "" {
		tail = "100"
	}
	reader, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: true,
		Tail:       tail,
	})
	if err != nil {
		return nil, classify(err)
	}
	return reader, nil
}
