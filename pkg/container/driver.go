// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package container abstracts the container runtime behind a narrow driver
// interface so the reconciler can be tested without a daemon. The only real
// implementation talks to Docker.
package container

import (
	"context"
	"errors"
	"time"

	"github.com/Iotistica/iotistic-sub001/pkg/state"
)

// Labels stamped on every managed container. The manage label scopes all
// list operations; containers without it are never touched.
const (
	LabelAppID      = "io.iotistic.app-id"
	LabelServiceID  = "io.iotistic.service-id"
	LabelManagedBy  = "io.iotistic.managed-by"
	LabelConfigHash = "io.iotistic.config-hash"

	ManagedByValue = "agent"
)

// Driver failure classes. Callers pick the recovery strategy by class, never
// by matching runtime error strings.
var (
	// ErrNotFound: the referenced container does not exist.
	ErrNotFound = errors.New("container not found")
	// ErrConflict: a name or id collision, usually a leftover container.
	ErrConflict = errors.New("container conflict")
	// ErrImageUnavailable: the image cannot be pulled (bad reference,
	// registry denial). Retrying without a target change is pointless.
	ErrImageUnavailable = errors.New("image unavailable")
	// ErrRuntimeDown: the container runtime itself is unreachable.
	ErrRuntimeDown = errors.New("container runtime unavailable")
)

// Summary is one managed container as seen in a list.
type Summary struct {
	ID         string
	Name       string
	Image      string
	ImageID    string
	AppID      string
	ServiceID  string
	ConfigHash string
	Status     state.ServiceStatus
	Labels     map[string]string
}

// Detail is the full inspect view of one container.
type Detail struct {
	Summary
	ExitCode   *int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Spec is everything needed to create one service container. ConfigHash is
// the fingerprint of the declared service configuration; it is stamped as a
// label so drift is detected by comparing labels, not by diffing runtime
// state.
type Spec struct {
	Name       string
	Image      string
	AppID      string
	ServiceID  string
	ConfigHash string
	Config     state.ServiceConfig
}

// Driver is the runtime interface the reconciler drives. All operations are
// bounded by the caller's context.
type Driver interface {
	// ListManaged returns every container carrying the manage label,
	// whatever its run state.
	ListManaged(ctx context.Context) ([]Summary, error)
	// Inspect returns the detail view of one container.
	Inspect(ctx context.Context, id string) (*Detail, error)
	// PullImage fetches an image, blocking until complete.
	PullImage(ctx context.Context, image string) error
	// Create materializes a container from a spec without starting it.
	Create(ctx context.Context, spec Spec) (string, error)
	// Start starts a created or stopped container.
	Start(ctx context.Context, id string) error
	// Stop stops a container, giving it the grace period before the kill.
	Stop(ctx context.Context, id string, grace time.Duration) error
	// Pause freezes a running container keeping it materialized.
	Pause(ctx context.Context, id string) error
	// Unpause resumes a paused container.
	Unpause(ctx context.Context, id string) error
	// Remove deletes a container. Force removes even when running.
	Remove(ctx context.Context, id string, force bool) error
}
