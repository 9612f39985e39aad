// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package version holds the agent version, set at build time.
package version

// AgentVersion is overridden by the linker at release build time.
var AgentVersion = "0.0.0-devel"

// Commit is the git sha the binary was built from.
var Commit = ""
