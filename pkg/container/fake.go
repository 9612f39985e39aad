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
	"sync"
	"time"

	"github.com/Iotistica/iotistic-sub001/pkg/state"
)

// FakeDriver is an in-memory Driver used by tests. It tracks calls and can
// inject one-shot failures per operation keyed by service id.
type FakeDriver struct {
	mu     sync.Mutex
	nextID int
	byID   map[string]*fakeContainer
	pulled map[string]bool
	Calls  []string
	// FailNext maps "op:key" (e.g. "create:svc-1", "pull:img:tag") to the
	// error returned once on the next matching call.
	FailNext map[string]error
}

type fakeContainer struct {
	detail Detail
	spec   Spec
}

// NewFakeDriver returns an empty fake runtime.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		byID:     make(map[string]*fakeContainer),
		pulled:   make(map[string]bool),
		FailNext: make(map[string]error),
	}
}

func (f *FakeDriver) record(op, key string) error {
	f.Calls = append(f.Calls, op+":"+key)
	if err, ok := f.FailNext[op+":"+key]; ok {
		delete(f.FailNext, op+":"+key)
		return err
	}
	return nil
}

// ListManaged lists the fake containers.
func (f *FakeDriver) ListManaged(ctx context.Context) ([]Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list", ""); err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(f.byID))
	for _, c := range f.byID {
		out = append(out, c.detail.Summary)
	}
	return out, nil
}

// Inspect returns one fake container.
func (f *FakeDriver) Inspect(ctx context.Context, id string) (*Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	detail := c.detail
	return &detail, nil
}

// PullImage records the pull.
func (f *FakeDriver) PullImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("pull", image); err != nil {
		return err
	}
	f.pulled[image] = true
	return nil
}

// Pulled reports whether an image was pulled.
func (f *FakeDriver) Pulled(image string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulled[image]
}

// Create adds a fake container in created state.
func (f *FakeDriver) Create(ctx context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create", spec.ServiceID); err != nil {
		return "", err
	}
	for _, c := range f.byID {
		if c.detail.Name == spec.Name {
			return "", fmt.Errorf("%w: name %s in use", ErrConflict, spec.Name)
		}
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.byID[id] = &fakeContainer{
		detail: Detail{
			Summary: Summary{
				ID:         id,
				Name:       spec.Name,
				Image:      spec.Image,
				AppID:      spec.AppID,
				ServiceID:  spec.ServiceID,
				ConfigHash: spec.ConfigHash,
				Status:     state.StatusCreating,
				Labels: map[string]string{
					LabelAppID:      spec.AppID,
					LabelServiceID:  spec.ServiceID,
					LabelManagedBy:  ManagedByValue,
					LabelConfigHash: spec.ConfigHash,
				},
			},
		},
		spec: spec,
	}
	return id, nil
}

func (f *FakeDriver) setStatus(op, id string, from []state.ServiceStatus, to state.ServiceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := f.record(op, c.detail.ServiceID); err != nil {
		return err
	}
	for _, s := range from {
		if c.detail.Status == s {
			c.detail.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s is %s", ErrConflict, id, c.detail.Status)
}

// Start moves created or exited to running.
func (f *FakeDriver) Start(ctx context.Context, id string) error {
	return f.setStatus("start", id, []state.ServiceStatus{state.StatusCreating, state.StatusExited}, state.StatusRunning)
}

// Stop moves running or paused to exited.
func (f *FakeDriver) Stop(ctx context.Context, id string, grace time.Duration) error {
	return f.setStatus("stop", id, []state.ServiceStatus{state.StatusRunning, state.StatusPaused}, state.StatusExited)
}

// Pause moves running to paused.
func (f *FakeDriver) Pause(ctx context.Context, id string) error {
	return f.setStatus("pause", id, []state.ServiceStatus{state.StatusRunning}, state.StatusPaused)
}

// Unpause moves paused to running.
func (f *FakeDriver) Unpause(ctx context.Context, id string) error {
	return f.setStatus("unpause", id, []state.ServiceStatus{state.StatusPaused}, state.StatusRunning)
}

// Remove deletes a fake container; without force only stopped ones.
func (f *FakeDriver) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := f.record("remove", c.detail.ServiceID); err != nil {
		return err
	}
	if !force && (c.detail.Status == state.StatusRunning || c.detail.Status == state.StatusPaused) {
		return fmt.Errorf("%w: %s is %s", ErrConflict, id, c.detail.Status)
	}
	delete(f.byID, id)
	return nil
}

// MarkExited flips a container to exited with the given code, simulating a
// crash between reconcile passes.
func (f *FakeDriver) MarkExited(id string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byID[id]; ok {
		c.detail.Status = state.StatusExited
		c.detail.ExitCode = &code
	}
}

// StreamLogs returns canned log lines for the container.
func (f *FakeDriver) StreamLogs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return io.NopCloser(strings.NewReader("log line from " + id + "\n")), nil
}

// Containers returns a snapshot keyed by service id for assertions.
func (f *FakeDriver) Containers() map[string]Detail {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Detail, len(f.byID))
	for _, c := range f.byID {
		out[c.detail.ServiceID] = c.detail
	}
	return out
}

var _ Driver = (*FakeDriver)(nil)
var _ Driver = (*DockerDriver)(nil)
