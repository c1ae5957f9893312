// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetfs/fleetfs/cfg"
	"github.com/fleetfs/fleetfs/clock"
	"github.com/fleetfs/fleetfs/internal/cluster"
	"github.com/fleetfs/fleetfs/internal/logger"
	"github.com/fleetfs/fleetfs/internal/monitor"
	"github.com/fleetfs/fleetfs/internal/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run one FleetFS cluster node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateServer(&config); err != nil {
			return err
		}

		topology, err := cluster.New(
			config.Server.Peers,
			uint16(config.Server.Rgroups),
			config.Server.ReplicationFactor)
		if err != nil {
			return err
		}

		var nodeID uint64
		for i, p := range config.Server.Peers {
			if p == config.Server.BindAddr {
				nodeID = uint64(i + 1)
			}
		}

		srv, err := server.New(server.Config{
			NodeID:   nodeID,
			BindAddr: config.Server.BindAddr,
			Topology: topology,
			DataDir:  config.Server.DataDir,
			Clock:    clock.RealClock{},
		})
		if err != nil {
			return fmt.Errorf("initializing node: %w", err)
		}

		if config.Server.MetricsAddr != "" {
			go monitor.Serve(config.Server.MetricsAddr)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		logger.Infof("node %d shut down", nodeID)
		return nil
	},
}
