// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTarget = `{
  "apps": {
    "1001": {
      "app_id": 1001,
      "app_name": "web",
      "services": [
        {
          "service_id": "s1",
          "service_name": "nginx",
          "image_name": "nginx:1.25",
          "desired_state": "running",
          "config": {"ports": ["80:80"]}
        }
      ]
    }
  },
  "config": {}
}`

func TestParseTargetState(t *testing.T) {
	target, err := ParseTargetState([]byte(sampleTarget))
	require.NoError(t, err)

	app, ok := target.Apps["1001"]
	require.True(t, ok)
	assert.Equal(t, 1001, app.AppID)
	require.Len(t, app.Services, 1)

	svc := app.Services[0]
	assert.Equal(t, "s1", svc.ServiceID)
	assert.Equal(t, "nginx:1.25", svc.ImageName)
	assert.Equal(t, DesiredRunning, svc.Desired())
	assert.Equal(t, []string{"80:80"}, svc.Config.Ports)
}

func TestDesiredStateDefaultsToRunning(t *testing.T) {
	svc := Service{ServiceID: "s1"}
	assert.Equal(t, DesiredRunning, svc.Desired())
	svc.DesiredState = DesiredPaused
	assert.Equal(t, DesiredPaused, svc.Desired())
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"bad json", `{"apps":`},
		{"non numeric app key", `{"apps":{"web":{"services":[]}},"config":{}}`},
		{"key mismatch", `{"apps":{"1":{"app_id":2,"services":[]}},"config":{}}`},
		{"empty service id", `{"apps":{"1":{"app_id":1,"services":[{"image_name":"a"}]}},"config":{}}`},
		{"duplicate service id", `{"apps":{"1":{"app_id":1,"services":[{"service_id":"s","image_name":"a"},{"service_id":"s","image_name":"b"}]}},"config":{}}`},
		{"missing image", `{"apps":{"1":{"app_id":1,"services":[{"service_id":"s"}]}},"config":{}}`},
		{"bad desired state", `{"apps":{"1":{"app_id":1,"services":[{"service_id":"s","image_name":"a","desired_state":"sleeping"}]}},"config":{}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseTargetState([]byte(c.doc))
			assert.Error(t, err)
		})
	}
}

func TestUnknownFieldsRoundTrip(t *testing.T) {
	doc := `{
	  "apps": {
	    "1": {
	      "app_id": 1,
	      "services": [
	        {
	          "service_id": "s1",
	          "image_name": "redis:7",
	          "billing_tier": "gold",
	          "config": {"ports": ["6379:6379"], "cpu_shares": 512}
	        }
	      ]
	    }
	  },
	  "config": {}
	}`
	target, err := ParseTargetState([]byte(doc))
	require.NoError(t, err)

	svc := target.Apps["1"].Services[0]
	assert.Equal(t, json.RawMessage(`"gold"`), svc.Extra["billing_tier"])
	assert.Equal(t, json.RawMessage(`512`), svc.Config.Extra["cpu_shares"])

	serialized, err := json.Marshal(target)
	require.NoError(t, err)
	reparsed, err := ParseTargetState(serialized)
	require.NoError(t, err)
	assert.Equal(t, target, reparsed)

	// Unknown fields survive with the same hash.
	h1, err := target.Hash()
	require.NoError(t, err)
	h2, err := reparsed.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestUnknownFieldsPreservedAtEveryLevel(t *testing.T) {
	doc := `{
	  "apps": {
	    "1": {
	      "app_id": 1,
	      "fleet_group": "lab",
	      "services": [
	        {"service_id": "s1", "image_name": "redis:7"}
	      ]
	    }
	  },
	  "config": {"threshold": 1.50},
	  "release_notes": "rollout 42"
	}`
	target, err := ParseTargetState([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, json.RawMessage(`"rollout 42"`), target.Extra["release_notes"])
	assert.Equal(t, json.RawMessage(`"lab"`), target.Apps["1"].Extra["fleet_group"])

	serialized, err := json.Marshal(target)
	require.NoError(t, err)
	assert.Contains(t, string(serialized), `"release_notes"`)
	assert.Contains(t, string(serialized), `"fleet_group"`)

	reparsed, err := ParseTargetState(serialized)
	require.NoError(t, err)
	assert.Equal(t, target, reparsed)
}

func TestParsedHashStableAcrossReserialization(t *testing.T) {
	// Optional keys absent from the wire document and non-canonical number
	// formatting must not change the parsed document's hash between a
	// fresh parse and a parse of its own serialization.
	doc := `{
	  "apps": {
	    "1": {
	      "app_id": 1,
	      "services": [
	        {"service_id": "s1", "image_name": "redis:7"}
	      ]
	    }
	  },
	  "config": {"threshold": 1.50},
	  "release_notes": "rollout 42"
	}`
	target, err := ParseTargetState([]byte(doc))
	require.NoError(t, err)
	h1, err := target.Hash()
	require.NoError(t, err)

	serialized, err := json.Marshal(target)
	require.NoError(t, err)
	reparsed, err := ParseTargetState(serialized)
	require.NoError(t, err)
	h2, err := reparsed.Hash()
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestHashStability(t *testing.T) {
	// Same value, different key order and whitespace.
	a := `{"apps":{},"config":{"b":1,"a":2}}`
	b := `{ "config": { "a": 2, "b": 1 }, "apps": {} }`
	ha, err := HashDocument([]byte(a))
	require.NoError(t, err)
	hb, err := HashDocument([]byte(b))
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	// Any content change changes the hash.
	hc, err := HashDocument([]byte(`{"apps":{},"config":{"a":2,"b":3}}`))
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestHashIgnoresLargeNumberPrecisionLoss(t *testing.T) {
	// Numbers must pass through verbatim, not as float64.
	doc := `{"apps":{},"config":{"big":9007199254740993}}`
	h1, err := HashDocument([]byte(doc))
	require.NoError(t, err)
	h2, err := HashDocument([]byte(`{"config":{"big":9007199254740993},"apps":{}}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	h3, err := HashDocument([]byte(`{"apps":{},"config":{"big":9007199254740992}}`))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestAppsInOrder(t *testing.T) {
	target := &TargetState{Apps: map[string]App{
		"30": {AppID: 30},
		"4":  {AppID: 4},
		"100": {
			AppID: 100,
		},
	}}
	apps := target.AppsInOrder()
	require.Len(t, apps, 3)
	assert.Equal(t, []int{4, 30, 100}, []int{apps[0].AppID, apps[1].AppID, apps[2].AppID})
}
