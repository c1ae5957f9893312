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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/spf13/cobra"

	"github.com/fleetfs/fleetfs/cfg"
	"github.com/fleetfs/fleetfs/fs"
	"github.com/fleetfs/fleetfs/internal/logger"
)

var mountCmd = &cobra.Command{
	Use:   "mount [flags] mount_point",
	Short: "Mount a FleetFS cluster as a local filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateMount(&config); err != nil {
			return err
		}
		mountPoint := args[0]

		uid := uint32(config.Mount.Uid)
		gid := uint32(config.Mount.Gid)
		if config.Mount.Uid == 0 && config.Mount.Gid == 0 {
			uid = uint32(os.Getuid())
			gid = uint32(os.Getgid())
		}

		// Do not expose a mount that cannot serve its first operation.
		if err := fs.WaitReady(cmd.Context(), config.Mount.ServerAddr, time.Minute); err != nil {
			return err
		}

		fsServer, err := fs.NewServer(&fs.ServerConfig{
			ServerAddr: config.Mount.ServerAddr,
			Uid:        uid,
			Gid:        gid,
		})
		if err != nil {
			return fmt.Errorf("creating filesystem server: %w", err)
		}

		mountCfg := &fuse.MountConfig{
			FSName:      "fleetfs",
			VolumeName:  "fleetfs",
			Subtype:     "fleetfs",
			ErrorLogger: nil,
		}
		mfs, err := fuse.Mount(mountPoint, fsServer, mountCfg)
		if err != nil {
			return fmt.Errorf("mounting %s: %w", mountPoint, err)
		}
		logger.Infof("mounted %s from %s", mountPoint, config.Mount.ServerAddr)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Warnf("unmounting %s: %v", mountPoint, err)
			}
		}()

		if err := mfs.Join(cmd.Context()); err != nil {
			return fmt.Errorf("serving mount: %w", err)
		}
		return nil
	},
}
