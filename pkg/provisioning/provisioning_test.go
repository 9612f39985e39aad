// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package provisioning

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iotistica/iotistic-sub001/pkg/httpclient"
	"github.com/Iotistica/iotistic-sub001/pkg/store"
)

// fakeCloud implements the provisioning side of the control plane: it hands
// out its RSA public key, records the device's, and decrypts registrations.
type fakeCloud struct {
	t      *testing.T
	secret string
	key    *rsa.PrivateKey

	mu            sync.Mutex
	exchangeCalls int
	registerCalls int
	devicePubKey  string
	registered    registrationPayload
}

func newFakeCloud(t *testing.T, secret string) *fakeCloud {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &fakeCloud{t: t, secret: secret, key: key}
}

func (f *fakeCloud) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/provisioning/v2/key-exchange", func(w http.ResponseWriter, r *http.Request) {
		var req keyExchangeRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		if req.ProvisioningSecret != f.secret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.exchangeCalls++
		if req.DevicePublicKey != "" {
			f.devicePubKey = req.DevicePublicKey
		}
		f.mu.Unlock()

		pub, err := marshalPublicKeyPEM(&f.key.PublicKey)
		require.NoError(f.t, err)
		json.NewEncoder(w).Encode(keyExchangeResponse{KeyID: "kx-1", PublicKey: pub}) //nolint:errcheck
	})
	mux.HandleFunc("/provisioning/v2/register", func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(f.t, "kx-1", req.KeyID)

		ciphertext, err := base64.StdEncoding.DecodeString(req.EncryptedPayload)
		require.NoError(f.t, err)
		plaintext, err := decryptOAEP(f.key, ciphertext)
		require.NoError(f.t, err)

		var payload registrationPayload
		require.NoError(f.t, json.Unmarshal(plaintext, &payload))
		if payload.ProvisioningSecret != f.secret {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		f.mu.Lock()
		f.registerCalls++
		f.registered = payload
		f.mu.Unlock()

		w.Write([]byte(`{
			"device_id": 4711,
			"mqtt": {
				"broker_url": "mqtts://broker.iotistic.cloud:8883",
				"username": "dev-4711",
				"password": "broker-pass",
				"broker_config": {"protocol": "tls", "port": 8883, "verify": true}
			},
			"api": {
				"endpoint": "https://api.iotistic.cloud",
				"device_api_key": "dk_issued",
				"tls_config": {"verify": true}
			}
		}`)) //nolint:errcheck
	})
	return mux
}

func newTestProvisioner(t *testing.T, handler http.Handler) (*Provisioner, *store.Store) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	client, err := httpclient.New(httpclient.Options{BaseURL: server.URL, MaxAttempts: 2})
	require.NoError(t, err)
	return New(client, st, "edge-01", "gateway"), st
}

func TestProvisionHappyPath(t *testing.T) {
	cloud := newFakeCloud(t, "s3cret")
	p, st := newTestProvisioner(t, cloud.handler())

	identity, err := p.Provision(context.Background(), "s3cret")
	require.NoError(t, err)

	assert.True(t, identity.Provisioned)
	assert.Equal(t, int64(4711), identity.DeviceID)
	assert.Equal(t, "https://api.iotistic.cloud", identity.APIEndpoint)
	assert.Equal(t, "dk_issued", identity.DeviceAPIKey)
	assert.Equal(t, "broker.iotistic.cloud", identity.MQTT.BrokerHost)
	assert.Equal(t, 8883, identity.MQTT.BrokerPort)
	assert.NotNil(t, identity.RegisteredAt)

	// Both key-exchange calls happened and the device announced its key.
	assert.Equal(t, 2, cloud.exchangeCalls)
	assert.Equal(t, 1, cloud.registerCalls)
	assert.NotEmpty(t, cloud.devicePubKey)
	_, err = parsePublicKeyPEM(cloud.devicePubKey)
	assert.NoError(t, err)

	// The cloud saw the real device attributes through the envelope.
	assert.Equal(t, "edge-01", cloud.registered.DeviceName)
	assert.Equal(t, "gateway", cloud.registered.DeviceType)
	assert.Equal(t, identity.UUID, cloud.registered.DeviceUUID)

	// Persisted in one piece.
	loaded, err := st.LoadIdentity()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, identity.DeviceAPIKey, loaded.DeviceAPIKey)
	assert.True(t, loaded.Provisioned)
}

func TestProvisionIsIdempotentOnceProvisioned(t *testing.T) {
	cloud := newFakeCloud(t, "s3cret")
	p, _ := newTestProvisioner(t, cloud.handler())

	first, err := p.Provision(context.Background(), "s3cret")
	require.NoError(t, err)
	again, err := p.Provision(context.Background(), "s3cret")
	require.NoError(t, err)

	assert.Equal(t, first.UUID, again.UUID)
	assert.Equal(t, 2, cloud.exchangeCalls)
	assert.Equal(t, 1, cloud.registerCalls)
}

func TestProvisionWrongSecretIsDenied(t *testing.T) {
	cloud := newFakeCloud(t, "s3cret")
	p, st := newTestProvisioner(t, cloud.handler())

	_, err := p.Provision(context.Background(), "wrong")
	require.ErrorIs(t, err, ErrDenied)

	// The uuid is assigned and survives the denial for a later retry.
	identity, err := st.LoadIdentity()
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.False(t, identity.Provisioned)
	assert.NotEmpty(t, identity.UUID)
}

func TestProvisionUUIDStableAcrossAttempts(t *testing.T) {
	cloud := newFakeCloud(t, "s3cret")
	p, st := newTestProvisioner(t, cloud.handler())

	_, err := p.Provision(context.Background(), "wrong")
	require.ErrorIs(t, err, ErrDenied)
	before, err := st.LoadIdentity()
	require.NoError(t, err)

	identity, err := p.Provision(context.Background(), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, before.UUID, identity.UUID)
}

func TestProvisionMalformedResponseIsProtocolError(t *testing.T) {
	p, _ := newTestProvisioner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"key_id": "kx-1"}`)) //nolint:errcheck
	}))

	_, err := p.Provision(context.Background(), "s3cret")
	require.ErrorIs(t, err, ErrProtocol)
}

func TestProvisionServerErrorIsTransient(t *testing.T) {
	p, _ := newTestProvisioner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := p.Provision(context.Background(), "s3cret")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDenied)
	assert.NotErrorIs(t, err, ErrProtocol)
}

func TestDeprovisionKeepsUUIDAndAPIKey(t *testing.T) {
	cloud := newFakeCloud(t, "s3cret")
	p, st := newTestProvisioner(t, cloud.handler())

	identity, err := p.Provision(context.Background(), "s3cret")
	require.NoError(t, err)

	require.NoError(t, p.Deprovision(context.Background()))

	loaded, err := st.LoadIdentity()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.False(t, loaded.Provisioned)
	assert.Equal(t, identity.UUID, loaded.UUID)
	assert.Equal(t, identity.DeviceAPIKey, loaded.DeviceAPIKey)
	assert.Zero(t, loaded.DeviceID)
	assert.Empty(t, loaded.MQTT.BrokerHost)
}

func TestFactoryResetDestroysIdentity(t *testing.T) {
	cloud := newFakeCloud(t, "s3cret")
	p, st := newTestProvisioner(t, cloud.handler())

	_, err := p.Provision(context.Background(), "s3cret")
	require.NoError(t, err)

	require.NoError(t, p.FactoryReset(context.Background()))

	loaded, err := st.LoadIdentity()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := generateKeyPair()
	require.NoError(t, err)

	// Larger than one OAEP chunk to exercise the chunking path.
	plaintext := make([]byte, 1000)
	for i := range plaintext {
		plaintext[i] = byte(i % 251)
	}

	ciphertext, err := encryptOAEP(&key.PublicKey, plaintext)
	require.NoError(t, err)
	assert.Zero(t, len(ciphertext)%key.Size())
	assert.Greater(t, len(ciphertext), key.Size())

	decrypted, err := decryptOAEP(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestSplitBroker(t *testing.T) {
	host, port, err := splitBroker("mqtts://broker.example.com:8883", 0)
	require.NoError(t, err)
	assert.Equal(t, "broker.example.com", host)
	assert.Equal(t, 8883, port)

	host, port, err = splitBroker("broker.example.com", 0)
	require.NoError(t, err)
	assert.Equal(t, "broker.example.com", host)
	assert.Equal(t, 1883, port)

	_, _, err = splitBroker("", 0)
	require.Error(t, err)
}
