// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package reconciler owns the target state and continuously drives the
// container runtime toward it. One pass diffs declared services against
// observed containers and executes the resulting plan; passes are coalesced
// so at most one runs and at most one is queued.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Iotistica/iotistic-sub001/pkg/container"
	"github.com/Iotistica/iotistic-sub001/pkg/eventbus"
	"github.com/Iotistica/iotistic-sub001/pkg/state"
	"github.com/Iotistica/iotistic-sub001/pkg/store"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
)

const (
	// transientRetries bounds in-pass retries of one service action.
	transientRetries = 3
	transientDelay   = 250 * time.Millisecond

	stopGrace = 10 * time.Second
)

// ErrRuntimeDown aborts a whole pass; the orchestrator retries later.
var ErrRuntimeDown = container.ErrRuntimeDown

// Reconciler drives the runtime toward the stored target state.
type Reconciler struct {
	store  *store.Store
	driver container.Driver
	bus    *eventbus.Bus
	logger *log.ComponentLogger

	mu      sync.Mutex
	target  *state.TargetState
	version int64
	hash    string
	paused  bool

	// running and queued implement the coalescer: at most one pass runs,
	// at most one follow-up is pending.
	running bool
	queued  bool
	wake    chan struct{}

	sleep func(ctx context.Context, d time.Duration) error
}

// New loads the persisted target (empty if none) and returns a stopped
// reconciler; Run starts the loop.
func New(st *store.Store, driver container.Driver, bus *eventbus.Bus) (*Reconciler, error) {
	r := &Reconciler{
		store:  st,
		driver: driver,
		bus:    bus,
		logger: log.ForComponent(log.ComponentStateReconciler),
		wake:   make(chan struct{}, 1),
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}

	stored, err := st.LoadTargetState()
	if err != nil {
		return nil, err
	}
	if stored != nil {
		r.target = stored.Target
		r.version = stored.Version
		r.hash = stored.Hash
	} else {
		r.target = &state.TargetState{}
	}
	return r, nil
}

// SetTarget atomically persists a new target and queues a reconcile. It
// returns after persistence, not after application.
func (r *Reconciler) SetTarget(target *state.TargetState) error {
	if err := target.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	version := r.version + 1
	hash, err := r.store.SaveTargetState(target, version)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.target = target
	r.version = version
	r.hash = hash
	r.mu.Unlock()

	r.logger.Infow("target state updated", map[string]string{
		"version": strconv.FormatInt(version, 10),
		"hash":    hash,
	})
	r.TriggerReconcile()
	return nil
}

// GetTarget returns the current target and its metadata.
func (r *Reconciler) GetTarget() (*state.TargetState, int64, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target, r.version, r.hash
}

// GetCurrent reconstructs the observed state: the target mirrored with what
// the runtime reports per service.
func (r *Reconciler) GetCurrent(ctx context.Context) (*state.CurrentState, error) {
	target, _, _ := r.GetTarget()

	observed, err := r.observe(ctx)
	if err != nil {
		return nil, err
	}

	current := &state.CurrentState{
		Apps:   make(map[string]state.CurrentApp),
		Config: target.Config,
	}
	for _, app := range target.AppsInOrder() {
		ca := state.CurrentApp{AppID: app.AppID, AppName: app.AppName}
		for _, svc := range app.Services {
			cs := state.CurrentService{
				ServiceID:   svc.ServiceID,
				ServiceName: svc.ServiceName,
				ImageName:   svc.ImageName,
				Status:      state.StatusMissing,
			}
			if obs, ok := observed[serviceKey{app.AppID, svc.ServiceID}]; ok {
				cs.Status = obs.Status
				cs.ContainerID = obs.ID
				cs.ImageDigest = obs.ImageID
				if obs.Status == state.StatusExited {
					if detail, err := r.driver.Inspect(ctx, obs.ID); err == nil {
						cs.ExitCode = detail.ExitCode
					}
				}
			}
			ca.Services = append(ca.Services, cs)
		}
		current.Apps[strconv.Itoa(app.AppID)] = ca
	}
	return current, nil
}

// TriggerReconcile queues one pass. Calls arriving while a pass runs
// coalesce into a single follow-up.
func (r *Reconciler) TriggerReconcile() {
	r.mu.Lock()
	if r.running {
		r.queued = true
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// PauseReconciliation stops new passes from starting. The in-flight pass,
// if any, completes.
func (r *Reconciler) PauseReconciliation() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	r.logger.Infof("reconciliation paused")
}

// ResumeReconciliation re-enables passes and queues one.
func (r *Reconciler) ResumeReconciliation() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	r.logger.Infof("reconciliation resumed")
	r.TriggerReconcile()
}

// Run executes the reconcile loop until the context is cancelled: one
// immediate pass, then one per interval or wake-up.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.runPass(ctx)
		case <-r.wake:
			r.runPass(ctx)
		}
	}
}

// runPass runs one pass plus any follow-up queued while it ran.
func (r *Reconciler) runPass(ctx context.Context) {
	r.mu.Lock()
	if r.paused || r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	for {
		if err := r.Reconcile(ctx); err != nil {
			if errors.Is(err, container.ErrRuntimeDown) {
				r.logger.Errorf("reconcile aborted, runtime down: %v", err) //nolint:errcheck
			} else {
				r.logger.Warnf("reconcile pass incomplete: %v", err) //nolint:errcheck
			}
		}

		r.mu.Lock()
		if !r.queued || ctx.Err() != nil {
			r.running = false
			r.mu.Unlock()
			return
		}
		r.queued = false
		r.mu.Unlock()
	}
}

type serviceKey struct {
	appID     int
	serviceID string
}

func (r *Reconciler) observe(ctx context.Context) (map[serviceKey]container.Summary, error) {
	list, err := r.driver.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	observed := make(map[serviceKey]container.Summary, len(list))
	for _, c := range list {
		appID, _ := strconv.Atoi(c.AppID)
		observed[serviceKey{appID, c.ServiceID}] = c
	}
	return observed, nil
}

// Reconcile executes one diff-and-apply pass. Per-service failures do not
// abort the pass; the returned error aggregates them. A runtime-down error
// aborts immediately.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	target, _, _ := r.GetTarget()

	observed, err := r.observe(ctx)
	if err != nil {
		return err
	}

	declared := make(map[serviceKey]struct{})
	apps := target.AppsInOrder()
	for _, app := range apps {
		for _, svc := range app.Services {
			declared[serviceKey{app.AppID, svc.ServiceID}] = struct{}{}
		}
	}

	var result *multierror.Error

	// Removals first, freeing names and ports for the creations below.
	for key, summary := range observed {
		if _, ok := declared[key]; ok {
			continue
		}
		if err := r.removeService(ctx, key, summary); err != nil {
			if errors.Is(err, container.ErrRuntimeDown) {
				return err
			}
			result = multierror.Append(result, fmt.Errorf("remove %d/%s: %w", key.appID, key.serviceID, err))
		}
	}

	for _, app := range apps {
		for _, svc := range app.Services {
			key := serviceKey{app.AppID, svc.ServiceID}
			summary, exists := observed[key]
			var sp *container.Summary
			if exists {
				sp = &summary
			}
			if err := r.applyService(ctx, app, svc, sp); err != nil {
				if errors.Is(err, container.ErrRuntimeDown) {
					return err
				}
				result = multierror.Append(result, fmt.Errorf("apply %d/%s: %w", app.AppID, svc.ServiceID, err))
				r.recordFailure(app.AppID, svc.ServiceID, err)
			}
		}
	}

	failures := 0
	if result != nil {
		failures = result.Len()
	}
	r.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeReconcilePass,
		Message: "reconcile pass complete",
		Fields:  map[string]string{"failures": strconv.Itoa(failures)},
	})
	return result.ErrorOrNil()
}

// retry runs op up to transientRetries times. Classified driver errors are
// not retried here; only unclassified (transient) ones are.
func (r *Reconciler) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < transientRetries; attempt++ {
		if attempt > 0 {
			if serr := r.sleep(ctx, transientDelay); serr != nil {
				return serr
			}
		}
		err = op()
		if err == nil {
			return nil
		}
		if errors.Is(err, container.ErrRuntimeDown) ||
			errors.Is(err, container.ErrImageUnavailable) ||
			errors.Is(err, container.ErrNotFound) ||
			errors.Is(err, container.ErrConflict) {
			return err
		}
	}
	return err
}

func (r *Reconciler) removeService(ctx context.Context, key serviceKey, summary container.Summary) error {
	if summary.Status == state.StatusRunning || summary.Status == state.StatusPaused {
		if err := r.retry(ctx, func() error { return r.driver.Stop(ctx, summary.ID, stopGrace) }); err != nil {
			return err
		}
	}
	if err := r.retry(ctx, func() error { return r.driver.Remove(ctx, summary.ID, false) }); err != nil {
		return err
	}
	r.publish(eventbus.TypeServiceStopped, key.appID, key.serviceID, "service removed")
	return nil
}

// configHash fingerprints the declared service configuration. It is stamped
// on the container at create time; drift is detected by comparing labels.
func configHash(svc state.Service) string {
	data, err := json.Marshal(svc.Config)
	if err != nil {
		return ""
	}
	h, err := state.HashDocument(data)
	if err != nil {
		return ""
	}
	return h
}

func containerName(appID int, serviceID string) string {
	return fmt.Sprintf("%d_%s", appID, serviceID)
}

// applyService executes the transition table for one service.
func (r *Reconciler) applyService(ctx context.Context, app state.App, svc state.Service, observed *container.Summary) error {
	desired := svc.Desired()

	if observed != nil {
		drift := observed.ConfigHash != configHash(svc)
		imageChanged := observed.Image != svc.ImageName
		if drift || imageChanged {
			return r.recreate(ctx, app, svc, observed, desired)
		}

		switch {
		case desired == state.DesiredRunning && observed.Status == state.StatusRunning:
			return nil
		case desired == state.DesiredRunning && observed.Status == state.StatusPaused:
			if err := r.retry(ctx, func() error { return r.driver.Unpause(ctx, observed.ID) }); err != nil {
				return err
			}
			r.publish(eventbus.TypeServiceStarted, app.AppID, svc.ServiceID, "service unpaused")
			return nil
		case desired == state.DesiredRunning && observed.Status == state.StatusExited:
			return r.recreate(ctx, app, svc, observed, desired)
		case desired == state.DesiredPaused && observed.Status == state.StatusRunning:
			if err := r.retry(ctx, func() error { return r.driver.Pause(ctx, observed.ID) }); err != nil {
				return err
			}
			r.publish(eventbus.TypeServicePaused, app.AppID, svc.ServiceID, "service paused")
			return nil
		case desired == state.DesiredPaused && observed.Status == state.StatusPaused:
			return nil
		case desired == state.DesiredPaused && observed.Status == state.StatusExited:
			return r.recreate(ctx, app, svc, observed, desired)
		case desired == state.DesiredStopped && observed.Status == state.StatusRunning:
			if err := r.retry(ctx, func() error { return r.driver.Stop(ctx, observed.ID, stopGrace) }); err != nil {
				return err
			}
			r.publish(eventbus.TypeServiceStopped, app.AppID, svc.ServiceID, "service stopped")
			return nil
		case desired == state.DesiredStopped && observed.Status == state.StatusPaused:
			if err := r.retry(ctx, func() error { return r.driver.Unpause(ctx, observed.ID) }); err != nil {
				return err
			}
			if err := r.retry(ctx, func() error { return r.driver.Stop(ctx, observed.ID, stopGrace) }); err != nil {
				return err
			}
			r.publish(eventbus.TypeServiceStopped, app.AppID, svc.ServiceID, "service stopped")
			return nil
		case desired == state.DesiredStopped && observed.Status == state.StatusExited:
			return nil
		case observed.Status == state.StatusCreating:
			// A container left in created state by a previous interrupted
			// pass; bring it to the desired state.
			return r.bringUp(ctx, app, svc, observed.ID, desired)
		default:
			return r.recreate(ctx, app, svc, observed, desired)
		}
	}

	// Not materialized yet.
	if err := r.ensureImage(ctx, app.AppID, svc); err != nil {
		return err
	}
	id, err := r.createContainer(ctx, app, svc)
	if err != nil {
		return err
	}
	if desired == state.DesiredStopped {
		return nil
	}
	return r.bringUp(ctx, app, svc, id, desired)
}

func (r *Reconciler) bringUp(ctx context.Context, app state.App, svc state.Service, id string, desired state.DesiredState) error {
	if desired == state.DesiredStopped {
		return nil
	}
	if err := r.retry(ctx, func() error { return r.driver.Start(ctx, id) }); err != nil {
		return err
	}
	r.publish(eventbus.TypeServiceStarted, app.AppID, svc.ServiceID, "service started")
	if desired == state.DesiredPaused {
		if err := r.retry(ctx, func() error { return r.driver.Pause(ctx, id) }); err != nil {
			return err
		}
		r.publish(eventbus.TypeServicePaused, app.AppID, svc.ServiceID, "service paused")
	}
	return nil
}

func (r *Reconciler) ensureImage(ctx context.Context, appID int, svc state.Service) error {
	if err := r.retry(ctx, func() error { return r.driver.PullImage(ctx, svc.ImageName) }); err != nil {
		return err
	}
	r.publish(eventbus.TypeImagePulled, appID, svc.ServiceID, "image "+svc.ImageName)
	return nil
}

// createContainer creates with a single conflict recovery: a leftover
// container holding the name is force-removed and the create retried once.
func (r *Reconciler) createContainer(ctx context.Context, app state.App, svc state.Service) (string, error) {
	spec := container.Spec{
		Name:       containerName(app.AppID, svc.ServiceID),
		Image:      svc.ImageName,
		AppID:      strconv.Itoa(app.AppID),
		ServiceID:  svc.ServiceID,
		ConfigHash: configHash(svc),
		Config:     svc.Config,
	}

	id, err := r.driver.Create(ctx, spec)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, container.ErrConflict) {
		return "", err
	}

	r.logger.Warnf("name conflict creating %s, removing holder: %v", spec.Name, err) //nolint:errcheck
	if holder := r.findByName(ctx, spec.Name); holder != "" {
		if rmErr := r.driver.Remove(ctx, holder, true); rmErr != nil {
			return "", fmt.Errorf("conflict recovery: %w", rmErr)
		}
	}
	return r.driver.Create(ctx, spec)
}

func (r *Reconciler) findByName(ctx context.Context, name string) string {
	list, err := r.driver.ListManaged(ctx)
	if err != nil {
		return ""
	}
	for _, c := range list {
		if c.Name == name {
			return c.ID
		}
	}
	return ""
}

// recreate is always stop-if-running, remove, create, start (and pause when
// so desired).
func (r *Reconciler) recreate(ctx context.Context, app state.App, svc state.Service, observed *container.Summary, desired state.DesiredState) error {
	if observed.Status == state.StatusRunning || observed.Status == state.StatusPaused {
		if err := r.retry(ctx, func() error { return r.driver.Stop(ctx, observed.ID, stopGrace) }); err != nil {
			return err
		}
	}
	if err := r.retry(ctx, func() error { return r.driver.Remove(ctx, observed.ID, false) }); err != nil {
		return err
	}
	if err := r.ensureImage(ctx, app.AppID, svc); err != nil {
		return err
	}
	id, err := r.createContainer(ctx, app, svc)
	if err != nil {
		return err
	}
	return r.bringUp(ctx, app, svc, id, desired)
}

func (r *Reconciler) publish(t eventbus.Type, appID int, serviceID, msg string) {
	r.bus.Publish(eventbus.Event{
		Type:      t,
		AppID:     appID,
		ServiceID: serviceID,
		Message:   msg,
	})
}

// recordFailure publishes the failure on the bus; the orchestrator's event
// consumer appends it to the anomaly history.
func (r *Reconciler) recordFailure(appID int, serviceID string, err error) {
	r.publish(eventbus.TypeServiceFailed, appID, serviceID, err.Error())
}
