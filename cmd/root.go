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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fleetfs/fleetfs/cfg"
	"github.com/fleetfs/fleetfs/internal/logger"
)

var (
	cfgFile string
	config  cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "fleetfs",
	Short: "A distributed POSIX filesystem replicated with per-shard consensus",
	Long: `FleetFS stripes the inode space across replication groups, each an
independent consensus ensemble, and exposes the result as a POSIX
filesystem through FUSE.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
		}
		if err := viper.Unmarshal(&config, cfg.DecoderOptions()...); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
		logger.Init(logger.Config{
			Severity:   string(config.Logging.Severity),
			Format:     config.Logging.Format,
			FilePath:   config.Logging.FilePath,
			MaxSizeMB:  config.Logging.MaxSizeMB,
			MaxBackups: config.Logging.MaxBackups,
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a yaml config file.")
	if err := cfg.BindFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "binding flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(fsckCmd)
}

// Execute runs the CLI. Exit code 0 means a clean shutdown; anything fatal
// during init or consensus surfaces as nonzero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
