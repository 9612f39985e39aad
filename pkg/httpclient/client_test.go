// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Options{BaseURL: server.URL, MaxAttempts: 3})
	require.NoError(t, err)
	return client, server
}

func TestGetRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	}))

	resp, err := client.Get(context.Background(), "/device/u-1/state", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, `"abc"`, resp.ETag)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.Get(context.Background(), "/x", "", nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNonIdempotentNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.PatchJSON(context.Background(), "/device/state", []byte(`{}`), nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func Test4xxIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	resp, err := client.Get(context.Background(), "/x", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIfNoneMatchAndBearer(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
		assert.Equal(t, "Bearer dk_test", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNotModified)
	}))

	resp, err := client.Get(context.Background(), "/device/u-1/state", `"v1"`, BearerHeader("dk_test"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.Status)
}

func TestContextCancellationStopsRetries(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Do(ctx, http.MethodGet, "/x", nil, nil)
	require.Error(t, err)
}
