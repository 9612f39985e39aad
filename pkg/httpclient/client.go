// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package httpclient is the retry-aware HTTP client used for every call to
// the cloud control plane. Connection errors and 5xx responses are retried
// with jittered exponential backoff, but only for idempotent methods;
// anything carrying a mutation is attempted exactly once. Credentials are
// injected per call and never stored on the client.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iotistica/iotistic-sub001/pkg/device"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxAttempts = 4
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	TLS         *device.TLSConfig
}

// Client issues requests against one base URL.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	logger      *log.ComponentLogger
}

// Response is the outcome of a completed exchange. Any HTTP status counts as
// completed; callers branch on Status.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// ETag is the entity tag of the response, verbatim, empty if absent.
	ETag string
}

// New builds a Client. The TLS trust set comes from the identity's CA chain
// when present, the system pool otherwise.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("http client: base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("http client: invalid base URL: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	tlsConfig := &tls.Config{}
	if opts.TLS != nil {
		if opts.TLS.CACert != "" {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM([]byte(opts.TLS.CACert)) {
				return nil, fmt.Errorf("http client: no usable certificate in configured CA chain")
			}
			tlsConfig.RootCAs = pool
		}
		tlsConfig.InsecureSkipVerify = !opts.TLS.Verify && opts.TLS.CACert == ""
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
		maxAttempts: maxAttempts,
		logger:      log.ForComponent(log.ComponentCloudSync),
	}, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

// Do performs one exchange. Idempotent methods are retried on connection
// errors and 5xx up to the configured attempt budget; other methods run
// once. The caller's context bounds the whole operation including backoff.
func (c *Client) Do(ctx context.Context, method, path string, headers http.Header, body []byte) (*Response, error) {
	fullURL := c.baseURL + "/" + strings.TrimLeft(path, "/")

	attempts := 1
	if isIdempotent(method) {
		attempts = c.maxAttempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	var response *Response
	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, vals := range headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Debugf("%s %s attempt %d failed: %v", method, path, attempt, err)
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			c.logger.Debugf("%s %s attempt %d: status %d", method, path, attempt, resp.StatusCode)
			return fmt.Errorf("server error: status %d", resp.StatusCode)
		}

		response = &Response{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   data,
			ETag:   resp.Header.Get("ETag"),
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return response, nil
}

// Get issues a GET with an optional If-None-Match entity tag.
func (c *Client) Get(ctx context.Context, path, etag string, headers http.Header) (*Response, error) {
	h := cloneHeader(headers)
	if etag != "" {
		h.Set("If-None-Match", etag)
	}
	return c.Do(ctx, http.MethodGet, path, h, nil)
}

// PostJSON issues a POST with a JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, body []byte, headers http.Header) (*Response, error) {
	h := cloneHeader(headers)
	h.Set("Content-Type", "application/json")
	return c.Do(ctx, http.MethodPost, path, h, body)
}

// PatchJSON issues a PATCH with a JSON body.
func (c *Client) PatchJSON(ctx context.Context, path string, body []byte, headers http.Header) (*Response, error) {
	h := cloneHeader(headers)
	h.Set("Content-Type", "application/json")
	return c.Do(ctx, http.MethodPatch, path, h, body)
}

// BearerHeader returns a header carrying the device API key. The key is
// used for this call only.
func BearerHeader(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+apiKey)
	return h
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
