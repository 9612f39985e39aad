// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package run implements the run subcommand: the agent's main loop.
package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iotistica/iotistic-sub001/pkg/agent"
	"github.com/Iotistica/iotistic-sub001/pkg/config"
	"github.com/Iotistica/iotistic-sub001/pkg/util/log"
)

// Command returns the run cobra command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the device agent",
		Long:  "Runs the agent in the foreground until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run()
		},
	}
}

// Run boots the agent and blocks until a termination signal.
func Run() error {
	settings := config.New()
	log.SetupLogger(os.Stdout, settings.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return agent.New(settings).Run(ctx)
}
