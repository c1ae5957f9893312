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
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetfs/fleetfs/internal/router"
	"github.com/fleetfs/fleetfs/internal/wire"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Check replica consistency across the cluster",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := router.NewClient(config.Mount.ServerAddr)
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		resp, err := client.SendRecv(ctx, &wire.FilesystemCheckRequest{})
		if err != nil {
			return fmt.Errorf("check request: %w", err)
		}
		if errResp, ok := resp.(*wire.ErrorResponse); ok {
			if errResp.Code == wire.ErrCorrupted {
				return fmt.Errorf("replica divergence detected")
			}
			return fmt.Errorf("check failed: %s", errResp.Code)
		}
		fmt.Println("filesystem consistent")
		return nil
	},
}
