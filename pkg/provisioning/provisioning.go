// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package provisioning implements the two-phase identity bootstrap against
// the cloud control plane: an RSA key exchange authorized by a pre-shared
// provisioning secret, followed by an encrypted registration that yields
// the durable device credentials. The secret is held in memory for the
// duration of the two phases and never persisted or logged.
package provisioning

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/Iotistica/iotistic-sub001/pkg/device"
	"github.com/Iotistica/iotistic-sub001/pkg/httpclient"
	"github.com/Iotistica/iotistic-sub001/pkg/store"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
	"github.com/Iotistica/iotistic-sub001/pkg/version"
)

// Provisioning failure classes. Anything else returned from Provision is a
// transient network failure the orchestrator may retry with backoff.
var (
	// ErrDenied means the provisioning secret was rejected. Never retried.
	ErrDenied = errors.New("provisioning denied")
	// ErrProtocol means the cloud answered with a malformed or incomplete
	// payload. Aborted, surfaced to the operator.
	ErrProtocol = errors.New("provisioning protocol error")
)

const (
	keyExchangePath = "/provisioning/v2/key-exchange"
	registerPath    = "/provisioning/v2/register"
	deprovisionPath = "/provisioning/v2/deprovision"
)

// Provisioner drives the bootstrap protocol and persists its outcome.
type Provisioner struct {
	client     *httpclient.Client
	store      *store.Store
	deviceName string
	deviceType string
	logger     *log.ComponentLogger
}

// New builds a Provisioner talking to the given cloud endpoint.
func New(client *httpclient.Client, st *store.Store, deviceName, deviceType string) *Provisioner {
	return &Provisioner{
		client:     client,
		store:      st,
		deviceName: deviceName,
		deviceType: deviceType,
		logger:     log.ForComponent(log.ComponentProvisioning),
	}
}

type keyExchangeRequest struct {
	DeviceUUID         string `json:"device_uuid"`
	ProvisioningSecret string `json:"provisioning_secret"`
	DevicePublicKey    string `json:"device_public_key,omitempty"`
}

type keyExchangeResponse struct {
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key"`
}

type registrationPayload struct {
	DeviceUUID         string `json:"device_uuid"`
	ProvisioningSecret string `json:"provisioning_secret"`
	DeviceName         string `json:"device_name"`
	DeviceType         string `json:"device_type"`
	MAC                string `json:"mac"`
	OSVersion          string `json:"os_version"`
	AgentVersion       string `json:"agent_version"`
}

type registerRequest struct {
	DeviceUUID       string `json:"device_uuid"`
	KeyID            string `json:"key_id"`
	EncryptedPayload string `json:"encrypted_payload"`
}

type registerResponse struct {
	DeviceID int64 `json:"device_id"`
	MQTT     struct {
		BrokerURL    string `json:"broker_url"`
		Username     string `json:"username"`
		Password     string `json:"password"`
		BrokerConfig struct {
			Protocol device.MQTTProtocol `json:"protocol"`
			Port     int                 `json:"port"`
			CACert   string              `json:"ca_cert"`
			Verify   bool                `json:"verify"`
		} `json:"broker_config"`
	} `json:"mqtt"`
	API struct {
		Endpoint     string `json:"endpoint"`
		DeviceAPIKey string `json:"device_api_key"`
		TLSConfig    struct {
			CACert string `json:"ca_cert"`
			Verify bool   `json:"verify"`
		} `json:"tls_config"`
	} `json:"api"`
}

// Provision runs both phases and atomically persists the resulting
// identity. It is safe to call again after a transient failure; the device
// uuid is stable across attempts.
func (p *Provisioner) Provision(ctx context.Context, secret string) (*device.Identity, error) {
	identity, err := p.store.LoadIdentity()
	if err != nil {
		return nil, err
	}
	if identity == nil {
		identity = device.NewIdentity(p.deviceName, p.deviceType)
		if err := p.store.SaveIdentity(identity); err != nil {
			return nil, err
		}
		p.logger.Infof("assigned device uuid %s", identity.UUID)
	}
	if identity.Provisioned {
		return identity, nil
	}

	// Phase 1: fetch the cloud public key, then announce ours.
	cloudKey, keyID, err := p.exchangeKeys(ctx, identity.UUID, secret)
	if err != nil {
		return nil, err
	}

	// Phase 2: encrypted registration.
	payload := registrationPayload{
		DeviceUUID:         identity.UUID,
		ProvisioningSecret: secret,
		DeviceName:         identity.DeviceName,
		DeviceType:         identity.DeviceType,
		MAC:                primaryMAC(),
		OSVersion:          osVersion(),
		AgentVersion:       version.AgentVersion,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ciphertext, err := encryptOAEP(cloudKey, plaintext)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(registerRequest{
		DeviceUUID:       identity.UUID,
		KeyID:            keyID,
		EncryptedPayload: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, err
	}
	resp, err := p.client.PostJSON(ctx, registerPath, body, nil)
	if err != nil {
		return nil, err
	}
	if err := classifyStatus(resp.Status); err != nil {
		return nil, err
	}

	var reg registerResponse
	if err := json.Unmarshal(resp.Body, &reg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if reg.DeviceID == 0 || reg.API.Endpoint == "" || reg.API.DeviceAPIKey == "" {
		return nil, fmt.Errorf("%w: registration response missing required fields", ErrProtocol)
	}

	brokerHost, brokerPort, err := splitBroker(reg.MQTT.BrokerURL, reg.MQTT.BrokerConfig.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	now := time.Now().UTC()
	identity.DeviceID = reg.DeviceID
	identity.APIEndpoint = reg.API.Endpoint
	identity.DeviceAPIKey = reg.API.DeviceAPIKey
	identity.APITLS = device.TLSConfig{CACert: reg.API.TLSConfig.CACert, Verify: reg.API.TLSConfig.Verify}
	identity.MQTT = device.MQTTConfig{
		BrokerHost: brokerHost,
		BrokerPort: brokerPort,
		Protocol:   reg.MQTT.BrokerConfig.Protocol,
		Username:   reg.MQTT.Username,
		Password:   reg.MQTT.Password,
		CACert:     reg.MQTT.BrokerConfig.CACert,
		Verify:     reg.MQTT.BrokerConfig.Verify,
	}
	identity.Provisioned = true
	identity.RegisteredAt = &now

	// All credential fields land in one store write.
	if err := p.store.SaveIdentity(identity); err != nil {
		return nil, err
	}
	p.logger.Infow("device registered", map[string]string{
		"device_id": fmt.Sprintf("%d", identity.DeviceID),
		"endpoint":  identity.APIEndpoint,
	})
	return identity, nil
}

func (p *Provisioner) exchangeKeys(ctx context.Context, uuid, secret string) (cloudKey *rsa.PublicKey, keyID string, err error) {
	body, err := json.Marshal(keyExchangeRequest{DeviceUUID: uuid, ProvisioningSecret: secret})
	if err != nil {
		return nil, "", err
	}
	resp, err := p.client.PostJSON(ctx, keyExchangePath, body, nil)
	if err != nil {
		return nil, "", err
	}
	if err := classifyStatus(resp.Status); err != nil {
		return nil, "", err
	}
	var kx keyExchangeResponse
	if err := json.Unmarshal(resp.Body, &kx); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if kx.KeyID == "" || kx.PublicKey == "" {
		return nil, "", fmt.Errorf("%w: key exchange response missing key", ErrProtocol)
	}
	pub, err := parsePublicKeyPEM(kx.PublicKey)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	// Announce the device public key; the private half never leaves the
	// process.
	deviceKey, err := generateKeyPair()
	if err != nil {
		return nil, "", err
	}
	devicePub, err := marshalPublicKeyPEM(&deviceKey.PublicKey)
	if err != nil {
		return nil, "", err
	}
	body, err = json.Marshal(keyExchangeRequest{DeviceUUID: uuid, ProvisioningSecret: secret, DevicePublicKey: devicePub})
	if err != nil {
		return nil, "", err
	}
	resp, err = p.client.PostJSON(ctx, keyExchangePath, body, nil)
	if err != nil {
		return nil, "", err
	}
	if err := classifyStatus(resp.Status); err != nil {
		return nil, "", err
	}
	return pub, kx.KeyID, nil
}

// Deprovision informs the cloud, then clears the issued credentials keeping
// the uuid and API key.
func (p *Provisioner) Deprovision(ctx context.Context) error {
	identity, err := p.store.LoadIdentity()
	if err != nil {
		return err
	}
	if identity == nil || !identity.Provisioned {
		return nil
	}

	body, err := json.Marshal(map[string]string{"device_uuid": identity.UUID})
	if err != nil {
		return err
	}
	if _, err := p.client.PostJSON(ctx, deprovisionPath, body, httpclient.BearerHeader(identity.DeviceAPIKey)); err != nil {
		// The cloud not being reachable must not block a local
		// deprovision; the operator asked for it.
		p.logger.Warnf("could not inform cloud of deprovision: %v", err) //nolint:errcheck
	}

	identity.Deprovision()
	return p.store.SaveIdentity(identity)
}

// FactoryReset destroys all device state. The next boot is a first boot.
func (p *Provisioner) FactoryReset(ctx context.Context) error {
	if err := p.Deprovision(ctx); err != nil {
		p.logger.Warnf("deprovision before factory reset failed: %v", err) //nolint:errcheck
	}
	return p.store.FactoryReset()
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrDenied
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: unexpected status %d", ErrProtocol, status)
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
}

func splitBroker(brokerURL string, fallbackPort int) (string, int, error) {
	if brokerURL == "" {
		return "", 0, fmt.Errorf("registration response missing broker url")
	}
	host := brokerURL
	for _, prefix := range []string{"mqtts://", "mqtt://", "tcp://", "ssl://"} {
		if len(host) > len(prefix) && host[:len(prefix)] == prefix {
			host = host[len(prefix):]
			break
		}
	}
	if h, port, err := net.SplitHostPort(host); err == nil {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil {
			return h, p, nil
		}
	}
	if fallbackPort == 0 {
		fallbackPort = 1883
	}
	return host, fallbackPort, nil
}

func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

func osVersion() string {
	info, err := host.Info()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
}
