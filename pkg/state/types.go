// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package state defines the declarative device state exchanged with the
// cloud: the target state polled from the control plane and the current
// state reported back. Parsing preserves unknown fields so a document can be
// round-tripped byte-equivalently through the agent.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// DesiredState is what a service should be doing.
type DesiredState string

// Valid desired states. An absent field means running.
const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
	DesiredPaused  DesiredState = "paused"
)

// ServiceStatus is the observed runtime state of a service.
type ServiceStatus string

// Observed runtime states.
const (
	StatusMissing  ServiceStatus = "missing"
	StatusCreating ServiceStatus = "creating"
	StatusRunning  ServiceStatus = "running"
	StatusPaused   ServiceStatus = "paused"
	StatusExited   ServiceStatus = "exited"
	StatusUnknown  ServiceStatus = "unknown"
)

// TargetState is the whole declarative intent for the device. It is always
// replaced atomically, never patched.
type TargetState struct {
	Apps   map[string]App         `json:"apps"`
	Config map[string]interface{} `json:"config"`

	// Fields the agent does not understand, kept verbatim for round-trips.
	Extra map[string]json.RawMessage `json:"-"`
}

// App groups the services sharing an app id. The map key in TargetState is
// the decimal string form of AppID.
type App struct {
	AppID    int       `json:"app_id"`
	AppName  string    `json:"app_name"`
	Services []Service `json:"services"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Service is one container spec.
type Service struct {
	ServiceID    string        `json:"service_id"`
	ServiceName  string        `json:"service_name"`
	ImageName    string        `json:"image_name"`
	DesiredState DesiredState  `json:"desired_state,omitempty"`
	Config       ServiceConfig `json:"config"`

	// Fields the agent does not understand, kept verbatim for round-trips.
	Extra map[string]json.RawMessage `json:"-"`
}

// ServiceConfig is the container spec of a service.
type ServiceConfig struct {
	Ports         []string          `json:"ports,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	RestartPolicy string            `json:"restart,omitempty"`
	NetworkMode   string            `json:"network_mode,omitempty"`
	Privileged    bool              `json:"privileged,omitempty"`
	Command       []string          `json:"command,omitempty"`
	Entrypoint    []string          `json:"entrypoint,omitempty"`
	Healthcheck   *Healthcheck      `json:"healthcheck,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Healthcheck mirrors the container runtime health probe.
type Healthcheck struct {
	Test     []string `json:"test,omitempty"`
	Interval string   `json:"interval,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	Retries  int      `json:"retries,omitempty"`
}

var targetKnownKeys = []string{"apps", "config"}

var appKnownKeys = []string{"app_id", "app_name", "services"}

var serviceKnownKeys = []string{"service_id", "service_name", "image_name", "desired_state", "config"}

var configKnownKeys = []string{"ports", "volumes", "environment", "restart", "network_mode", "privileged", "command", "entrypoint", "healthcheck"}

// Desired returns the effective desired state, defaulting to running.
func (s *Service) Desired() DesiredState {
	if s.DesiredState == "" {
		return DesiredRunning
	}
	return s.DesiredState
}

type targetAlias TargetState

// UnmarshalJSON decodes known fields and stashes the rest in Extra.
func (t *TargetState) UnmarshalJSON(data []byte) error {
	var alias targetAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range targetKnownKeys {
		delete(raw, k)
	}
	if len(raw) == 0 {
		raw = nil
	}
	alias.Extra = raw
	*t = TargetState(alias)
	return nil
}

// MarshalJSON re-emits known fields merged with the preserved unknown ones.
func (t TargetState) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(targetAlias(t))
	if err != nil {
		return nil, err
	}
	return mergeExtra(data, t.Extra)
}

type appAlias App

// UnmarshalJSON decodes known fields and stashes the rest in Extra.
func (a *App) UnmarshalJSON(data []byte) error {
	var alias appAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range appKnownKeys {
		delete(raw, k)
	}
	if len(raw) == 0 {
		raw = nil
	}
	alias.Extra = raw
	*a = App(alias)
	return nil
}

// MarshalJSON re-emits known fields merged with the preserved unknown ones.
func (a App) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(appAlias(a))
	if err != nil {
		return nil, err
	}
	return mergeExtra(data, a.Extra)
}

type serviceAlias Service

// UnmarshalJSON decodes known fields and stashes the rest in Extra.
func (s *Service) UnmarshalJSON(data []byte) error {
	var alias serviceAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range serviceKnownKeys {
		delete(raw, k)
	}
	if len(raw) == 0 {
		raw = nil
	}
	alias.Extra = raw
	*s = Service(alias)
	return nil
}

// MarshalJSON re-emits known fields merged with the preserved unknown ones.
func (s Service) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(serviceAlias(s))
	if err != nil {
		return nil, err
	}
	return mergeExtra(data, s.Extra)
}

type serviceConfigAlias ServiceConfig

// UnmarshalJSON decodes known fields and stashes the rest in Extra.
func (c *ServiceConfig) UnmarshalJSON(data []byte) error {
	var alias serviceConfigAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range configKnownKeys {
		delete(raw, k)
	}
	if len(raw) == 0 {
		raw = nil
	}
	alias.Extra = raw
	*c = ServiceConfig(alias)
	return nil
}

// MarshalJSON re-emits known fields merged with the preserved unknown ones.
func (c ServiceConfig) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(serviceConfigAlias(c))
	if err != nil {
		return nil, err
	}
	return mergeExtra(data, c.Extra)
}

func mergeExtra(known []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// ParseTargetState decodes and validates a target-state document.
func ParseTargetState(data []byte) (*TargetState, error) {
	var target TargetState
	if err := json.Unmarshal(data, &target); err != nil {
		return nil, fmt.Errorf("invalid target state document: %w", err)
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return &target, nil
}

// Validate checks the structural invariants of the document.
func (t *TargetState) Validate() error {
	for key, app := range t.Apps {
		id, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("app key %q is not an integer id", key)
		}
		if app.AppID != 0 && app.AppID != id {
			return fmt.Errorf("app key %q does not match app_id %d", key, app.AppID)
		}
		seen := make(map[string]struct{}, len(app.Services))
		for _, svc := range app.Services {
			if svc.ServiceID == "" {
				return fmt.Errorf("app %s: service with empty service_id", key)
			}
			if _, dup := seen[svc.ServiceID]; dup {
				return fmt.Errorf("app %s: duplicate service_id %q", key, svc.ServiceID)
			}
			seen[svc.ServiceID] = struct{}{}
			if svc.ImageName == "" {
				return fmt.Errorf("app %s service %s: image_name is required", key, svc.ServiceID)
			}
			switch svc.DesiredState {
			case "", DesiredRunning, DesiredStopped, DesiredPaused:
			default:
				return fmt.Errorf("app %s service %s: unknown desired_state %q", key, svc.ServiceID, svc.DesiredState)
			}
		}
	}
	return nil
}

// Empty reports whether the target has no apps and no config.
func (t *TargetState) Empty() bool {
	return len(t.Apps) == 0 && len(t.Config) == 0
}

// AppsInOrder returns the apps sorted by ascending numeric id.
func (t *TargetState) AppsInOrder() []App {
	apps := make([]App, 0, len(t.Apps))
	for key, app := range t.Apps {
		if app.AppID == 0 {
			app.AppID, _ = strconv.Atoi(key)
		}
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].AppID < apps[j].AppID })
	return apps
}

// CurrentState mirrors the target with observed runtime status per service.
type CurrentState struct {
	Apps   map[string]CurrentApp  `json:"apps"`
	Config map[string]interface{} `json:"config"`
}

// CurrentApp is the observed counterpart of App.
type CurrentApp struct {
	AppID    int              `json:"app_id"`
	AppName  string           `json:"app_name"`
	Services []CurrentService `json:"services"`
}

// CurrentService is a service annotated with what the runtime reports.
type CurrentService struct {
	ServiceID   string        `json:"service_id"`
	ServiceName string        `json:"service_name"`
	ImageName   string        `json:"image_name"`
	Status      ServiceStatus `json:"status"`
	ContainerID string        `json:"container_id,omitempty"`
	ImageDigest string        `json:"image_digest,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
}
