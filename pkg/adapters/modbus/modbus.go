// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package modbus implements the modbus-tcp adapter session. Register it by
// importing this package for side effects.
package modbus

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goburrow/modbus"

	"github.com/Iotistica/iotistic-sub001/pkg/adapters"
	"github.com/Iotistica/iotistic-sub001/pkg/sensor"
)

func init() {
	adapters.Register(sensor.ProtocolModbus, newSession)
}

// connection is the protocol-specific half of sensor.Config.Connection.
type connection struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	UnitID       uint8  `json:"unit_id"`
	RegisterType string `json:"register_type"`
	TimeoutMS    int64  `json:"timeout_ms"`
}

type session struct {
	conn    connection
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func newSession(cfg sensor.Config) (adapters.Session, error) {
	var conn connection
	if err := json.Unmarshal(cfg.Connection, &conn); err != nil {
		return nil, fmt.Errorf("modbus connection config: %w", err)
	}
	if conn.Host == "" {
		return nil, errors.New("modbus connection config: host is required")
	}
	if conn.Port == 0 {
		conn.Port = 502
	}
	if conn.RegisterType == "" {
		conn.RegisterType = "holding"
	}
	switch conn.RegisterType {
	case "holding", "input", "coil", "discrete":
	default:
		return nil, fmt.Errorf("modbus connection config: unknown register_type %q", conn.RegisterType)
	}
	return &session{conn: conn}, nil
}

func (s *session) Connect(ctx context.Context) error {
	handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", s.conn.Host, s.conn.Port))
	handler.SlaveId = s.conn.UnitID
	handler.Timeout = 5 * time.Second
	if s.conn.TimeoutMS > 0 {
		handler.Timeout = time.Duration(s.conn.TimeoutMS) * time.Millisecond
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < handler.Timeout {
			handler.Timeout = until
		}
	}

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("modbus connect %s: %w", handler.Address, err)
	}
	s.handler = handler
	s.client = modbus.NewClient(handler)
	return nil
}

// ValidatePoint checks the address parses and answers one probe read.
func (s *session) ValidatePoint(ctx context.Context, p sensor.DataPoint) error {
	addr, err := parseAddress(p.Address)
	if err != nil {
		return err
	}
	if _, err := s.read(addr); err != nil {
		return fmt.Errorf("probe read of %s: %w", p.Address, err)
	}
	return nil
}

// Read acquires one register. Protocol exceptions (such as an illegal
// address appearing mid-session) are transient: the point reports BAD and
// the session survives. Transport errors end the session.
func (s *session) Read(ctx context.Context, p sensor.DataPoint) (interface{}, error) {
	addr, err := parseAddress(p.Address)
	if err != nil {
		return nil, err
	}
	value, err := s.read(addr)
	if err != nil {
		var mbErr *modbus.ModbusError
		if errors.As(err, &mbErr) {
			return nil, fmt.Errorf("%w: %v", adapters.ErrTransient, err)
		}
		return nil, err
	}
	return value, nil
}

func (s *session) read(addr uint16) (interface{}, error) {
	if s.client == nil {
		return nil, errors.New("modbus session not connected")
	}
	switch s.conn.RegisterType {
	case "holding":
		data, err := s.client.ReadHoldingRegisters(addr, 1)
		return decodeRegister(data, err)
	case "input":
		data, err := s.client.ReadInputRegisters(addr, 1)
		return decodeRegister(data, err)
	case "coil":
		data, err := s.client.ReadCoils(addr, 1)
		return decodeBit(data, err)
	default:
		data, err := s.client.ReadDiscreteInputs(addr, 1)
		return decodeBit(data, err)
	}
}

func decodeRegister(data []byte, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("short register response: %d bytes", len(data))
	}
	return binary.BigEndian.Uint16(data), nil
}

func decodeBit(data []byte, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	if len(data) < 1 {
		return nil, errors.New("empty bit response")
	}
	return data[0]&1 == 1, nil
}

func parseAddress(address string) (uint16, error) {
	addr, err := strconv.ParseUint(address, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("modbus address %q: %w", address, err)
	}
	return uint16(addr), nil
}

func (s *session) Close() error {
	if s.handler == nil {
		return nil
	}
	err := s.handler.Close()
	s.handler = nil
	s.client = nil
	return err
}
