// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package version implements the version subcommand.
package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iotistica/iotistic-sub001/pkg/version"
)

// Command returns the version cobra command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			if version.Commit != "" {
				fmt.Printf("iotistic-agent %s (%s)\n", version.AgentVersion, version.Commit)
				return
			}
			fmt.Printf("iotistic-agent %s\n", version.AgentVersion)
		},
	}
}
