// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package mqtt maintains the broker connection used for cloud wake-ups:
// a push message on the device's update topic triggers an immediate target
// state poll instead of waiting out the poll interval.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/Iotistica/iotistic-sub001/pkg/device"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
)

const (
	connectTimeout = 10 * time.Second
	// updateQoS is at-least-once: a missed wake-up only delays the poll,
	// a duplicate one coalesces.
	updateQoS = 1
)

// Listener subscribes to the device update topic and invokes the wake-up
// callback for every message.
type Listener struct {
	client paho.Client
	topic  string
	logger *log.ComponentLogger
}

// New builds a Listener from the identity's broker configuration. onUpdate
// runs on the client's network goroutine and must not block.
func New(identity *device.Identity, onUpdate func()) (*Listener, error) {
	cfg := identity.MQTT
	if cfg.BrokerHost == "" {
		return nil, fmt.Errorf("identity has no broker configuration")
	}

	scheme := "tcp"
	if cfg.Protocol == device.MQTTTLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerHost, cfg.BrokerPort)
	topic := "agent/" + identity.UUID + "/update"
	logger := log.ForComponent(log.ComponentMQTT)

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("iotistic-agent-" + identity.UUID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetCleanSession(true)

	if cfg.Protocol == device.MQTTTLS {
		tlsCfg := &tls.Config{}
		if cfg.CACert != "" {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM([]byte(cfg.CACert)) {
				return nil, fmt.Errorf("no usable certificate in broker CA chain")
			}
			tlsCfg.RootCAs = pool
		}
		tlsCfg.InsecureSkipVerify = !cfg.Verify && cfg.CACert == ""
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetOnConnectHandler(func(c paho.Client) {
		logger.Infof("connected to broker %s", broker)
		token := c.Subscribe(topic, updateQoS, func(_ paho.Client, msg paho.Message) {
			logger.Debugf("wake-up on %s", msg.Topic())
			onUpdate()
		})
		go func() {
			if token.Wait() && token.Error() != nil {
				logger.Warnf("subscribe to %s failed: %v", topic, token.Error()) //nolint:errcheck
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warnf("broker connection lost: %v", err) //nolint:errcheck
	})

	return &Listener{
		client: paho.NewClient(opts),
		topic:  topic,
		logger: logger,
	}, nil
}

// Connect dials the broker. The paho client keeps reconnecting on its own
// afterwards; a first-dial failure is returned so the orchestrator can log
// it and continue, wake-ups being an optimization over polling.
func (l *Listener) Connect() error {
	token := l.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("broker connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	return nil
}

// Close disconnects, allowing in-flight work a short grace.
func (l *Listener) Close() {
	l.client.Disconnect(250)
}
