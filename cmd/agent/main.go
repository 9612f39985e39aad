// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Main package of the device agent binary.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iotistica/iotistic-sub001/cmd/agent/subcommands/run"
	"github.com/Iotistica/iotistic-sub001/cmd/agent/subcommands/version"
	"github.com/Iotistica/iotistic-sub001/pkg/agent"
	"github.com/Iotistica/iotistic-sub001/pkg/provisioning"
	"github.com/Iotistica/iotistic-sub001/pkg/store"
)

func makeRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "iotistic-agent [command]",
		Short:        "The Iotistic edge device agent",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Bare invocation runs the agent, matching init systems that
			// do not pass a subcommand.
			return run.Run()
		},
	}
	rootCmd.AddCommand(run.Command())
	rootCmd.AddCommand(version.Command())
	return rootCmd
}

// exitCode maps an error to the process exit code: 1 for fatal startup
// errors (corrupt database, rejected provisioning secret, unusable
// configuration), 2 for unrecoverable failures after startup. Supervisors
// alert on 1 instead of restart-looping.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, agent.ErrRuntime):
		return 2
	case errors.Is(err, agent.ErrConfig),
		errors.Is(err, store.ErrCorrupt),
		errors.Is(err, provisioning.ErrDenied):
		return 1
	default:
		return 1
	}
}

func main() {
	if err := makeRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
