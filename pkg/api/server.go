// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package api exposes the local control surface: a loopback HTTP server
// operators and on-device tooling use to inspect and nudge the agent.
// It is deliberately unauthenticated; binding beyond loopback is an
// explicit operator decision.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Iotistica/iotistic-sub001/pkg/adapters"
	"github.com/Iotistica/iotistic-sub001/pkg/config"
	"github.com/Iotistica/iotistic-sub001/pkg/container"
	"github.com/Iotistica/iotistic-sub001/pkg/device"
	"github.com/Iotistica/iotistic-sub001/pkg/reconciler"
	"github.com/Iotistica/iotistic-sub001/pkg/sensor"
	"github.com/Iotistica/iotistic-sub001/pkg/state"
	"github.com/Iotistica/iotistic-sub001/pkg/store"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
	"github.com/Iotistica/iotistic-sub001/pkg/version"
)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Error *APIError `json:"error,omitempty"`
}

// APIError is an error payload.
type APIError struct {
	Message string `json:"message"`
}

// LogStreamer is the optional driver capability behind the service logs
// endpoint.
type LogStreamer interface {
	StreamLogs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error)
}

// Dependencies wires the server to the rest of the agent. Function fields
// decouple the server from the orchestrator's lifecycle management.
type Dependencies struct {
	Reconciler *reconciler.Reconciler
	Driver     container.Driver
	Store      *store.Store
	Settings   *config.Settings
	Supervisor *adapters.Supervisor

	Identity     func() *device.Identity
	Health       func() string
	Provision    func(ctx context.Context) error
	Deprovision  func(ctx context.Context) error
	FactoryReset func(ctx context.Context) error
}

// Server is the local control HTTP server.
type Server struct {
	deps   Dependencies
	server *http.Server
	logger *log.ComponentLogger
}

// NewServer builds the server; Start binds and serves.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:   deps,
		logger: log.ForComponent(log.ComponentAPI),
	}
	s.server = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/diagnostics", s.diagnostics).Methods(http.MethodGet)
	r.HandleFunc("/version", s.version).Methods(http.MethodGet)

	r.HandleFunc("/apps/{app_id}/{action:start|stop|restart}", s.appAction).Methods(http.MethodPost)
	r.HandleFunc("/services/{id}/{action:start|stop|restart|pause|unpause}", s.serviceAction).Methods(http.MethodPost)
	r.HandleFunc("/services", s.services).Methods(http.MethodGet)
	r.HandleFunc("/services/{id}/logs", s.serviceLogs).Methods(http.MethodGet)

	r.HandleFunc("/provision", s.provision).Methods(http.MethodPost)
	r.HandleFunc("/deprovision", s.deprovision).Methods(http.MethodPost)
	r.HandleFunc("/factory-reset", s.factoryReset).Methods(http.MethodPost)

	r.HandleFunc("/config", s.getConfig).Methods(http.MethodGet)
	r.HandleFunc("/config", s.setConfig).Methods(http.MethodPost)

	r.HandleFunc("/target-state", s.getTargetState).Methods(http.MethodGet)
	r.HandleFunc("/target-state", s.setTargetState).Methods(http.MethodPost)
	return r
}

// Start serves on the given bind address until Stop.
func (s *Server) Start(bind string, port int) error {
	addr := net.JoinHostPort(bind, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("local api: bind %s: %w", addr, err)
	}
	s.logger.Infof("local api listening on %s", addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("local api server stopped: %v", err) //nolint:errcheck
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, APIResponse{Error: &APIError{Message: fmt.Sprintf(format, args...)}})
}

// StatusResponse is the response to the status endpoint.
type StatusResponse struct {
	APIResponse
	UUID          string `json:"uuid"`
	DeviceID      int64  `json:"device_id,omitempty"`
	DeviceName    string `json:"device_name"`
	Provisioned   bool   `json:"provisioned"`
	Connection    string `json:"connection"`
	AgentVersion  string `json:"agent_version"`
	TargetVersion int64  `json:"target_version"`
	TargetHash    string `json:"target_hash,omitempty"`
	Services      struct {
		Total   int `json:"total"`
		Running int `json:"running"`
	} `json:"services"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	resp.AgentVersion = version.AgentVersion
	if identity := s.deps.Identity(); identity != nil {
		resp.UUID = identity.UUID
		resp.DeviceID = identity.DeviceID
		resp.DeviceName = identity.DeviceName
		resp.Provisioned = identity.Provisioned
	}
	resp.Connection = s.deps.Health()
	_, resp.TargetVersion, resp.TargetHash = s.deps.Reconciler.GetTarget()

	if current, err := s.deps.Reconciler.GetCurrent(r.Context()); err == nil {
		for _, app := range current.Apps {
			for _, svc := range app.Services {
				resp.Services.Total++
				if svc.Status == state.StatusRunning {
					resp.Services.Running++
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// DiagnosticsResponse is the self-test report.
type DiagnosticsResponse struct {
	APIResponse
	Checks    []DiagnosticCheck     `json:"checks"`
	Adapters  []sensor.Health       `json:"adapters"`
	Anomalies []store.AnomalyRecord `json:"anomalies,omitempty"`
	Healthy   bool                  `json:"healthy"`
}

// DiagnosticCheck is one self-test outcome.
type DiagnosticCheck struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	resp := DiagnosticsResponse{Healthy: true}
	check := func(name string, err error) {
		c := DiagnosticCheck{Name: name, OK: err == nil}
		if err != nil {
			c.Error = err.Error()
			resp.Healthy = false
		}
		resp.Checks = append(resp.Checks, c)
	}

	check("store", s.deps.Store.Check())
	_, runtimeErr := s.deps.Driver.ListManaged(r.Context())
	check("container-runtime", runtimeErr)
	if s.deps.Health() == "offline" {
		check("cloud", errors.New("connection offline"))
	} else {
		check("cloud", nil)
	}

	if s.deps.Supervisor != nil {
		resp.Adapters = s.deps.Supervisor.Health()
	}
	if anomalies, err := s.deps.Store.RecentAnomalies(time.Now().Add(-24 * time.Hour)); err == nil {
		resp.Anomalies = anomalies
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": version.AgentVersion,
		"commit":  version.Commit,
	})
}

// ServiceView is one entry of the services listing.
type ServiceView struct {
	ServiceID   string              `json:"service_id"`
	AppID       string              `json:"app_id"`
	ContainerID string              `json:"container_id"`
	Image       string              `json:"image"`
	Status      state.ServiceStatus `json:"status"`
}

func (s *Server) services(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Driver.ListManaged(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "list containers: %v", err)
		return
	}
	views := make([]ServiceView, 0, len(list))
	for _, c := range list {
		views = append(views, ServiceView{
			ServiceID:   c.ServiceID,
			AppID:       c.AppID,
			ContainerID: c.ID,
			Image:       c.Image,
			Status:      c.Status,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"services": views})
}

func (s *Server) findService(ctx context.Context, serviceID string) (*container.Summary, error) {
	list, err := s.deps.Driver.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		if c.ServiceID == serviceID {
			return &c, nil
		}
	}
	return nil, nil
}

// applyAction runs one runtime action on one container. Manual actions are
// an operator override; the next reconcile pass restores declared intent.
func (s *Server) applyAction(ctx context.Context, c container.Summary, action string) error {
	const grace = 10 * time.Second
	switch action {
	case "start":
		return s.deps.Driver.Start(ctx, c.ID)
	case "stop":
		return s.deps.Driver.Stop(ctx, c.ID, grace)
	case "restart":
		if c.Status == state.StatusRunning || c.Status == state.StatusPaused {
			if err := s.deps.Driver.Stop(ctx, c.ID, grace); err != nil {
				return err
			}
		}
		return s.deps.Driver.Start(ctx, c.ID)
	case "pause":
		return s.deps.Driver.Pause(ctx, c.ID)
	case "unpause":
		return s.deps.Driver.Unpause(ctx, c.ID)
	}
	return fmt.Errorf("unknown action %q", action)
}

func (s *Server) serviceAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, err := s.findService(r.Context(), vars["id"])
	if err != nil {
		writeError(w, http.StatusBadGateway, "list containers: %v", err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "service %q has no container", vars["id"])
		return
	}
	if err := s.applyAction(r.Context(), *c, vars["action"]); err != nil {
		writeError(w, http.StatusConflict, "%s %s: %v", vars["action"], vars["id"], err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{})
}

func (s *Server) appAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	appID := vars["app_id"]
	if _, err := strconv.Atoi(appID); err != nil {
		writeError(w, http.StatusBadRequest, "app id %q is not numeric", appID)
		return
	}

	list, err := s.deps.Driver.ListManaged(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "list containers: %v", err)
		return
	}
	matched := 0
	for _, c := range list {
		if c.AppID != appID {
			continue
		}
		matched++
		if err := s.applyAction(r.Context(), c, vars["action"]); err != nil {
			writeError(w, http.StatusConflict, "%s %s/%s: %v", vars["action"], appID, c.ServiceID, err)
			return
		}
	}
	if matched == 0 {
		writeError(w, http.StatusNotFound, "app %s has no containers", appID)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{})
}

func (s *Server) serviceLogs(w http.ResponseWriter, r *http.Request) {
	streamer, ok := s.deps.Driver.(LogStreamer)
	if !ok {
		writeError(w, http.StatusNotImplemented, "runtime does not support log streaming")
		return
	}
	vars := mux.Vars(r)
	c, err := s.findService(r.Context(), vars["id"])
	if err != nil {
		writeError(w, http.StatusBadGateway, "list containers: %v", err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "service %q has no container", vars["id"])
		return
	}

	follow := r.URL.Query().Get("follow") == "true"
	reader, err := streamer.StreamLogs(r.Context(), c.ID, follow, r.URL.Query().Get("tail"))
	if err != nil {
		writeError(w, http.StatusBadGateway, "stream logs: %v", err)
		return
	}
	defer reader.Close() //nolint:errcheck

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) provision(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Provision(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "provision: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{})
}

func (s *Server) deprovision(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Deprovision(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "deprovision: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{})
}

func (s *Server) factoryReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.FactoryReset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "factory reset: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{})
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	values := make(map[string]interface{}, len(config.RuntimeWhitelist))
	for _, key := range config.RuntimeWhitelist {
		values[key] = s.deps.Settings.Get(key)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"config": values})
}

func (s *Server) setConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}

	allowed := make(map[string]struct{}, len(config.RuntimeWhitelist))
	for _, key := range config.RuntimeWhitelist {
		allowed[key] = struct{}{}
	}
	for key := range updates {
		if _, ok := allowed[key]; !ok {
			writeError(w, http.StatusBadRequest, "key %q is not runtime-settable", key)
			return
		}
	}

	for key, value := range updates {
		s.deps.Settings.Set(key, value)
		if key == "log_level" {
			if lvl, ok := value.(string); ok {
				if err := log.ChangeLogLevel(lvl); err != nil {
					writeError(w, http.StatusBadRequest, "log level: %v", err)
					return
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, APIResponse{})
}

func (s *Server) getTargetState(w http.ResponseWriter, _ *http.Request) {
	target, targetVersion, hash := s.deps.Reconciler.GetTarget()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target":  target,
		"version": targetVersion,
		"hash":    hash,
	})
}

// setTargetState seeds a target locally, for air-gapped bring-up and
// development. The next cloud poll with a differing document wins.
func (s *Server) setTargetState(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}
	target, err := state.ParseTargetState(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := s.deps.Reconciler.SetTarget(target); err != nil {
		writeError(w, http.StatusInternalServerError, "set target: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, APIResponse{})
}
