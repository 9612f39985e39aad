// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package agent assembles the components into the running device agent and
// owns their lifecycle: bring-up in dependency order, run, and a graceful
// reverse-order shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iotistica/iotistic-sub001/pkg/adapters"
	// Protocol adapters register themselves on import.
	_ "github.com/Iotistica/iotistic-sub001/pkg/adapters/modbus"
	_ "github.com/Iotistica/iotistic-sub001/pkg/adapters/opcua"
	"github.com/Iotistica/iotistic-sub001/pkg/api"
	"github.com/Iotistica/iotistic-sub001/pkg/cloudsync"
	"github.com/Iotistica/iotistic-sub001/pkg/config"
	"github.com/Iotistica/iotistic-sub001/pkg/container"
	"github.com/Iotistica/iotistic-sub001/pkg/device"
	"github.com/Iotistica/iotistic-sub001/pkg/eventbus"
	"github.com/Iotistica/iotistic-sub001/pkg/httpclient"
	"github.com/Iotistica/iotistic-sub001/pkg/logs"
	"github.com/Iotistica/iotistic-sub001/pkg/mqtt"
	"github.com/Iotistica/iotistic-sub001/pkg/provisioning"
	"github.com/Iotistica/iotistic-sub001/pkg/reconciler"
	"github.com/Iotistica/iotistic-sub001/pkg/store"
	"github.com/Iotistica/iotistic-sub001/pkg/util/backoff"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
	"github.com/Iotistica/iotistic-sub001/pkg/util/system"
)

const (
	shutdownGrace = 10 * time.Second
	eventBusSize  = 256

	// maxConsecutivePanics gives a crashing task this many restarts
	// before the process gives up with ErrRuntime.
	maxConsecutivePanics = 3
)

// ErrConfig marks unusable configuration. Fatal at startup.
var ErrConfig = errors.New("invalid configuration")

// ErrRuntime marks an unrecoverable failure after startup completed; the
// process exits with a distinct code so supervisors can tell it apart from
// a startup failure.
var ErrRuntime = errors.New("unrecoverable runtime error")

// Agent is the assembled device agent.
type Agent struct {
	settings *config.Settings
	logger   *log.ComponentLogger

	store  *store.Store
	driver container.Driver
	bus    *eventbus.Bus

	mu       sync.Mutex
	identity *device.Identity

	provisioner *provisioning.Provisioner
	rec         *reconciler.Reconciler
	syncer      *cloudsync.Syncer
	remote      *logs.RemoteSink
	supervisor  *adapters.Supervisor
	mqtt        *mqtt.Listener
	api         *api.Server
	events      *eventbus.Subscription
}

// New returns an agent that boots on Run.
func New(settings *config.Settings) *Agent {
	return &Agent{
		settings: settings,
		logger:   log.ForComponent(log.ComponentAgent),
	}
}

// Run boots the agent and blocks until ctx is cancelled or a fatal startup
// error occurs. The bring-up order is load-bearing: each stage only depends
// on the ones before it.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Infof("agent starting")

	st, err := store.Open(a.settings.DataDir())
	if err != nil {
		return err
	}
	a.store = st
	defer a.closeStore()

	driver, err := container.NewDockerDriver()
	if err != nil {
		return err
	}
	a.driver = driver
	a.bus = eventbus.New(eventBusSize)
	// Subscribe before anything publishes so the initial reconcile's
	// events are not lost.
	a.events = a.bus.Subscribe()

	if err := a.ensureIdentity(ctx); err != nil {
		return err
	}

	cloud, err := a.cloudClient()
	if err != nil {
		return err
	}

	a.rec, err = reconciler.New(a.store, a.driver, a.bus)
	if err != nil {
		return err
	}
	// First pass before the loops start so a reboot converges immediately.
	if err := a.rec.Reconcile(ctx); err != nil {
		a.logger.Warnf("initial reconcile: %v", err) //nolint:errcheck
	}

	if cloud != nil {
		a.buildCloudComponents(cloud)
	}

	a.supervisor = adapters.NewSupervisor()
	if err := a.applySensorConfig(ctx); err != nil {
		a.logger.Warnf("sensor adapters: %v", err) //nolint:errcheck
	}

	a.api = api.NewServer(a.apiDependencies())
	if err := a.api.Start(a.settings.APIBindAddress(), a.settings.APIPort()); err != nil {
		return err
	}

	a.startMQTT()

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runGuarded(runCtx, "events", func(c context.Context) error {
			return a.consumeEvents(c, a.events)
		})
	})
	g.Go(func() error {
		return a.runGuarded(runCtx, "reconciler", func(c context.Context) error {
			return a.rec.Run(c, a.settings.ReconcileInterval())
		})
	})
	if a.syncer != nil {
		g.Go(func() error { return a.runGuarded(runCtx, "cloudsync", a.syncer.Run) })
	}
	if a.remote != nil {
		g.Go(func() error { return a.runGuarded(runCtx, "remote-logs", a.remote.Run) })
	}

	err = g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, ErrRuntime) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	a.logger.Infof("agent stopped")
	return nil
}

// runGuarded runs one long-lived task, restarting it after a panic with
// backoff. A task that keeps crashing takes the process down rather than
// silently running degraded.
func (a *Agent) runGuarded(ctx context.Context, name string, fn func(context.Context) error) error {
	policy := backoff.NewExpBackoffPolicy(2, time.Second, time.Minute, true)
	panics := 0
	for {
		err, panicked := a.runTask(ctx, name, fn)
		if !panicked {
			return err
		}
		panics++
		if panics >= maxConsecutivePanics {
			return fmt.Errorf("%w: task %s panicked %d times", ErrRuntime, name, panics)
		}
		wait := policy.GetBackoffDuration(panics)
		a.logger.Warnf("restarting task %s in %s", name, wait) //nolint:errcheck
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (a *Agent) runTask(ctx context.Context, name string, fn func(context.Context) error) (err error, panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			a.logger.Errorf("task %s panicked: %v\n%s", name, rec, debug.Stack()) //nolint:errcheck
		}
	}()
	return fn(ctx), false
}

// ensureIdentity loads the stored identity, provisioning first when the
// device requires it and has none. Denied provisioning is fatal; transient
// failures retry with backoff until ctx ends.
func (a *Agent) ensureIdentity(ctx context.Context) error {
	identity, err := a.store.LoadIdentity()
	if err != nil {
		return err
	}
	a.setIdentity(identity)
	if identity != nil && identity.Provisioned {
		a.logger.Infof("device %s already provisioned", identity.UUID)
		return nil
	}
	if !a.settings.RequireProvisioning() {
		a.logger.Infof("running unprovisioned; cloud sync disabled")
		return nil
	}

	if a.settings.CloudAPIEndpoint() == "" {
		return fmt.Errorf("%w: provisioning required but cloud_api_endpoint is empty", ErrConfig)
	}
	if a.settings.ProvisioningSecret() == "" {
		return fmt.Errorf("%w: provisioning required but provisioning_secret is empty", ErrConfig)
	}

	policy := backoff.NewExpBackoffPolicy(2, 5*time.Second, 5*time.Minute, true)
	failures := 0
	for {
		identity, err := a.provision(ctx)
		if err == nil {
			a.setIdentity(identity)
			return nil
		}
		if errors.Is(err, provisioning.ErrDenied) {
			return err
		}
		failures = policy.IncError(failures)
		wait := policy.GetBackoffDuration(failures)
		a.logger.Warnf("provisioning failed, retrying in %s: %v", wait, err) //nolint:errcheck
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// provision runs one registration attempt against the configured endpoint.
func (a *Agent) provision(ctx context.Context) (*device.Identity, error) {
	client, err := httpclient.New(httpclient.Options{BaseURL: a.settings.CloudAPIEndpoint()})
	if err != nil {
		return nil, err
	}
	p := provisioning.New(client, a.store, a.settings.DeviceName(), a.settings.DeviceType())
	a.provisioner = p
	return p.Provision(ctx, a.settings.ProvisioningSecret())
}

// cloudClient builds the HTTP client for the provisioned endpoint, nil when
// the device has no cloud to talk to.
func (a *Agent) cloudClient() (*httpclient.Client, error) {
	identity := a.Identity()
	if identity == nil || !identity.Provisioned {
		return nil, nil
	}
	client, err := httpclient.New(httpclient.Options{
		BaseURL: identity.APIEndpoint,
		TLS:     &identity.APITLS,
	})
	if err != nil {
		return nil, err
	}
	// The provisioner keeps working against the provisioned endpoint for
	// deprovision and factory reset.
	a.provisioner = provisioning.New(client, a.store, a.settings.DeviceName(), a.settings.DeviceType())
	return client, nil
}

func (a *Agent) buildCloudComponents(cloud *httpclient.Client) {
	identity := a.Identity()

	a.syncer = cloudsync.New(cloudsync.Options{
		Client:              cloud,
		UUID:                identity.UUID,
		APIKey:              identity.DeviceAPIKey,
		Reconciler:          a.rec,
		Sampler:             system.NewSampler(),
		Bus:                 a.bus,
		PollInterval:        a.settings.PollInterval(),
		ReportInterval:      a.settings.ReportInterval(),
		ForceReportInterval: a.settings.ForceReportInterval(),
	})

	a.remote = logs.NewRemoteSink(logs.Options{
		Client:     cloud,
		UUID:       identity.UUID,
		APIKey:     identity.DeviceAPIKey,
		BufferSize: a.settings.LogBufferSize(),
		Interval:   a.settings.LogUploadInterval(),
		Compress:   a.settings.LogCompression(),
		Online: func() bool {
			return a.syncer.Health() != cloudsync.HealthOffline
		},
	})
	if err := log.RegisterAdditionalLogger("cloud", a.remote); err != nil {
		a.logger.Warnf("cloud log upload disabled: %v", err) //nolint:errcheck
		a.remote = nil
	}
}

// applySensorConfig loads the persisted sensor configuration and hands it to
// the adapter supervisor.
func (a *Agent) applySensorConfig(ctx context.Context) error {
	configs, err := a.store.ListSensorConfigs()
	if err != nil {
		return err
	}
	outputs, err := a.store.ListSensorOutputs()
	if err != nil {
		return err
	}
	if len(configs) == 0 && len(outputs) == 0 {
		return nil
	}
	return a.supervisor.Apply(ctx, configs, outputs)
}

// startMQTT subscribes to cloud-pushed update notifications when the broker
// is configured. Failure is not fatal; polling still converges.
func (a *Agent) startMQTT() {
	identity := a.Identity()
	if identity == nil || !identity.Provisioned || identity.MQTT.BrokerHost == "" || a.syncer == nil {
		return
	}
	listener, err := mqtt.New(identity, a.syncer.TriggerPoll)
	if err != nil {
		a.logger.Warnf("mqtt listener disabled: %v", err) //nolint:errcheck
		return
	}
	if err := listener.Connect(); err != nil {
		a.logger.Warnf("mqtt connect failed, relying on polling: %v", err) //nolint:errcheck
		return
	}
	a.mqtt = listener
}

func (a *Agent) apiDependencies() api.Dependencies {
	return api.Dependencies{
		Reconciler: a.rec,
		Driver:     a.driver,
		Store:      a.store,
		Settings:   a.settings,
		Supervisor: a.supervisor,
		Identity:   a.Identity,
		Health: func() string {
			if a.syncer == nil {
				return string(cloudsync.HealthOffline)
			}
			return string(a.syncer.Health())
		},
		Provision: func(ctx context.Context) error {
			identity, err := a.provision(ctx)
			if err != nil {
				return err
			}
			a.setIdentity(identity)
			return nil
		},
		Deprovision: func(ctx context.Context) error {
			if a.provisioner == nil {
				return errors.New("no provisioner configured")
			}
			if err := a.provisioner.Deprovision(ctx); err != nil {
				return err
			}
			identity, err := a.store.LoadIdentity()
			if err != nil {
				return err
			}
			a.setIdentity(identity)
			return nil
		},
		FactoryReset: func(ctx context.Context) error {
			if a.provisioner == nil {
				return a.store.FactoryReset()
			}
			if err := a.provisioner.FactoryReset(ctx); err != nil {
				return err
			}
			a.setIdentity(nil)
			return nil
		},
	}
}

// Identity returns the current identity, nil before provisioning.
func (a *Agent) Identity() *device.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

func (a *Agent) setIdentity(identity *device.Identity) {
	a.mu.Lock()
	a.identity = identity
	a.mu.Unlock()
}

// shutdown stops the outward-facing surfaces first, then the workers, then
// flushes what is left. The reverse of bring-up.
func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil {
			a.logger.Warnf("local api shutdown: %v", err) //nolint:errcheck
		}
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.supervisor != nil {
		a.supervisor.Stop()
	}
	if a.events != nil {
		a.bus.Unsubscribe(a.events)
	}
	if a.remote != nil {
		a.remote.Flush()
	}
	log.Flush()
}

func (a *Agent) closeStore() {
	if err := a.store.Close(); err != nil {
		a.logger.Warnf("closing device database: %v", err) //nolint:errcheck
	}
}
