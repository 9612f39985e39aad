// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package opcua implements the opc-ua adapter session. Register it by
// importing this package for side effects. Both acquisition modes are
// supported: server-push subscriptions when enabled in the connection
// config, polling otherwise.
package opcua

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	gocache "github.com/patrickmn/go-cache"

	"github.com/Iotistica/iotistic-sub001/pkg/adapters"
	"github.com/Iotistica/iotistic-sub001/pkg/sensor"
)

func init() {
	adapters.Register(sensor.ProtocolOPCUA, newSession)
}

// connection is the protocol-specific half of sensor.Config.Connection.
type connection struct {
	Endpoint string `json:"endpoint"`
	// Subscribe selects server push over polling.
	Subscribe bool `json:"subscribe"`
	// PublishIntervalMS is the requested subscription publish interval.
	PublishIntervalMS int64 `json:"publish_interval_ms"`
}

type session struct {
	conn   connection
	client *opcua.Client
	// nodes caches parsed-and-validated node ids by address so reads skip
	// both the parse and the probe for the rest of the session.
	nodes *gocache.Cache
}

func newSession(cfg sensor.Config) (adapters.Session, error) {
	var conn connection
	if err := json.Unmarshal(cfg.Connection, &conn); err != nil {
		return nil, fmt.Errorf("opc-ua connection config: %w", err)
	}
	if conn.Endpoint == "" {
		return nil, errors.New("opc-ua connection config: endpoint is required")
	}
	return &session{
		conn:  conn,
		nodes: gocache.New(gocache.NoExpiration, 0),
	}, nil
}

func (s *session) Connect(ctx context.Context) error {
	client, err := opcua.NewClient(s.conn.Endpoint,
		opcua.SecurityMode(ua.MessageSecurityModeNone),
	)
	if err != nil {
		return fmt.Errorf("opc-ua client for %s: %w", s.conn.Endpoint, err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("opc-ua connect %s: %w", s.conn.Endpoint, err)
	}
	s.client = client
	// A reconnect invalidates the previous session's probes.
	s.nodes.Flush()
	return nil
}

// ValidatePoint parses the node id and probes it once; the validated id is
// cached for the session.
func (s *session) ValidatePoint(ctx context.Context, p sensor.DataPoint) error {
	id, err := ua.ParseNodeID(p.Address)
	if err != nil {
		return fmt.Errorf("node id %q: %w", p.Address, err)
	}
	if _, err := s.readNode(ctx, id); err != nil {
		return fmt.Errorf("probe of %s: %w", p.Address, err)
	}
	s.nodes.Set(p.Address, id, gocache.NoExpiration)
	return nil
}

// Read acquires one node value. Bad status codes are transient: the point
// reports BAD for the tick and the session survives.
func (s *session) Read(ctx context.Context, p sensor.DataPoint) (interface{}, error) {
	var id *ua.NodeID
	if cached, ok := s.nodes.Get(p.Address); ok {
		id = cached.(*ua.NodeID)
	} else {
		parsed, err := ua.ParseNodeID(p.Address)
		if err != nil {
			return nil, fmt.Errorf("node id %q: %w", p.Address, err)
		}
		id = parsed
		s.nodes.Set(p.Address, id, gocache.NoExpiration)
	}
	return s.readNode(ctx, id)
}

func (s *session) readNode(ctx context.Context, id *ua.NodeID) (interface{}, error) {
	if s.client == nil {
		return nil, errors.New("opc-ua session not connected")
	}
	req := &ua.ReadRequest{
		MaxAge:             2000,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead: []*ua.ReadValueID{
			{NodeID: id},
		},
	}
	resp, err := s.client.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, errors.New("empty read response")
	}
	result := resp.Results[0]
	if result.Status != ua.StatusOK {
		return nil, fmt.Errorf("%w: status 0x%08X", adapters.ErrTransient, uint32(result.Status))
	}
	if result.Value == nil {
		return nil, nil
	}
	return result.Value.Value(), nil
}

// Subscribe implements adapters.Subscriber: monitored items deliver value
// changes which are emitted as samples until ctx ends.
func (s *session) Subscribe(ctx context.Context, points []sensor.DataPoint, emit func(sensor.Sample)) error {
	if !s.conn.Subscribe {
		// Polling mode: the runner falls back to Read ticks.
		return adapters.ErrNotSubscribing
	}
	if s.client == nil {
		return errors.New("opc-ua session not connected")
	}

	interval := 1000 * time.Millisecond
	if s.conn.PublishIntervalMS > 0 {
		interval = time.Duration(s.conn.PublishIntervalMS) * time.Millisecond
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 16)
	sub, err := s.client.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: interval}, notifyCh)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	defer sub.Cancel(ctx) //nolint:errcheck

	byHandle := make(map[uint32]sensor.DataPoint, len(points))
	for i, p := range points {
		cached, ok := s.nodes.Get(p.Address)
		if !ok {
			continue
		}
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(cached.(*ua.NodeID), ua.AttributeIDValue, handle)
		if _, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req); err != nil {
			return fmt.Errorf("monitor %s: %w", p.Address, err)
		}
		byHandle[handle] = p
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notif, ok := <-notifyCh:
			if !ok {
				return errors.New("subscription channel closed")
			}
			if notif.Error != nil {
				return notif.Error
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, item := range data.MonitoredItems {
				p, known := byHandle[item.ClientHandle]
				if !known || item.Value == nil {
					continue
				}
				emit(sampleFrom(p, item.Value))
			}
		}
	}
}

func sampleFrom(p sensor.DataPoint, dv *ua.DataValue) sensor.Sample {
	sample := sensor.Sample{
		RegisterName: p.Name,
		Unit:         p.Unit,
		Quality:      sensor.QualityGood,
	}
	if dv.Status != ua.StatusOK {
		sample.Quality = sensor.QualityBad
		sample.QualityCode = uint32(dv.Status)
		if dv.Status&ua.StatusUncertain == ua.StatusUncertain {
			sample.Quality = sensor.QualityUncertain
		}
		return sample
	}
	if dv.Value != nil {
		sample.Value = applyScale(dv.Value.Value(), p.Scale)
	}
	return sample
}

func applyScale(value interface{}, factor float64) interface{} {
	if factor == 0 || factor == 1 {
		return value
	}
	switch v := value.(type) {
	case float64:
		return v * factor
	case float32:
		return float64(v) * factor
	case int32:
		return float64(v) * factor
	case int64:
		return float64(v) * factor
	case uint32:
		return float64(v) * factor
	default:
		return value
	}
}

func (s *session) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close(context.Background())
	s.client = nil
	return err
}
