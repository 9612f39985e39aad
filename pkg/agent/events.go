// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package agent

import (
	"context"

	"github.com/Iotistica/iotistic-sub001/pkg/eventbus"
	"github.com/Iotistica/iotistic-sub001/pkg/store"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
)

// consumeEvents drains the bus subscription: lifecycle events become log
// lines and service failures are appended to the anomaly history.
func (a *Agent) consumeEvents(ctx context.Context, sub *eventbus.Subscription) error {
	logger := log.ForComponent(log.ComponentAnomaly)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			a.handleEvent(logger, ev)
		}
	}
}

func (a *Agent) handleEvent(logger *log.ComponentLogger, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeServiceFailed:
		logger.Warnf("service %s (app %d) failed: %s", ev.ServiceID, ev.AppID, ev.Message) //nolint:errcheck
		if err := a.store.AppendAnomaly(store.AnomalyRecord{
			Timestamp: ev.Timestamp,
			Component: string(log.ComponentStateReconciler),
			ServiceID: ev.ServiceID,
			Message:   "service reconcile failed",
			Details:   ev.Message,
		}); err != nil {
			logger.Warnf("could not record anomaly: %v", err) //nolint:errcheck
		}
	case eventbus.TypeConnectionHealth:
		logger.Infof("connection health is %s", ev.Message)
	default:
		logger.Debugf("%s app=%d service=%s: %s", ev.Type, ev.AppID, ev.ServiceID, ev.Message)
	}
}
