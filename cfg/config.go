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

// Package cfg holds the process configuration: a yaml-taggable struct bound
// to pflag flags through viper, with decode hooks for the custom scalar
// types.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Mount   MountConfig   `yaml:"mount"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	// BindAddr is the address this node listens on for clients and peers.
	BindAddr string `yaml:"bind-addr"`

	// Peers lists every node address in cluster order, this node included.
	// The position of BindAddr in this list fixes the node id.
	Peers []string `yaml:"peers"`

	// Rgroups is the number of replication groups the inode space is
	// sharded into. Must agree on every node.
	Rgroups int `yaml:"rgroups"`

	// ReplicationFactor is the ensemble size per rgroup.
	ReplicationFactor int `yaml:"replication-factor"`

	// DataDir holds the per-rgroup stores.
	DataDir string `yaml:"data-dir"`

	// MetricsAddr, when set, exposes prometheus metrics on /metrics.
	MetricsAddr string `yaml:"metrics-addr"`
}

type MountConfig struct {
	// ServerAddr is any cluster node.
	ServerAddr string `yaml:"server-addr"`

	// Foreground keeps the mount process attached to the terminal.
	Foreground bool `yaml:"foreground"`

	// Uid and Gid identify the mount owner to the cluster; zero values
	// default to the current user.
	Uid int `yaml:"uid"`
	Gid int `yaml:"gid"`
}

type LoggingConfig struct {
	Severity   LogSeverity `yaml:"severity"`
	Format     string      `yaml:"format"`
	FilePath   string      `yaml:"file-path"`
	MaxSizeMB  int         `yaml:"max-size-mb"`
	MaxBackups int         `yaml:"max-backups"`
}

// BindFlags declares every flag and binds it into viper's keyspace.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.String("bind", "127.0.0.1:3000", "Address to listen on for clients and peers.")
	if err := viper.BindPFlag("server.bind-addr", flagSet.Lookup("bind")); err != nil {
		return err
	}

	flagSet.StringSlice("peers", nil, "Every node address in cluster order, including this node.")
	if err := viper.BindPFlag("server.peers", flagSet.Lookup("peers")); err != nil {
		return err
	}

	flagSet.Int("rgroups", 1, "Number of replication groups; must agree across the cluster.")
	if err := viper.BindPFlag("server.rgroups", flagSet.Lookup("rgroups")); err != nil {
		return err
	}

	flagSet.Int("replication-factor", 3, "Replicas per rgroup.")
	if err := viper.BindPFlag("server.replication-factor", flagSet.Lookup("replication-factor")); err != nil {
		return err
	}

	flagSet.String("data-dir", "", "Directory for local rgroup stores.")
	if err := viper.BindPFlag("server.data-dir", flagSet.Lookup("data-dir")); err != nil {
		return err
	}

	flagSet.String("metrics-addr", "", "Address for the prometheus /metrics listener; empty disables it.")
	if err := viper.BindPFlag("server.metrics-addr", flagSet.Lookup("metrics-addr")); err != nil {
		return err
	}

	flagSet.String("server", "127.0.0.1:3000", "Address of any cluster node.")
	if err := viper.BindPFlag("mount.server-addr", flagSet.Lookup("server")); err != nil {
		return err
	}

	flagSet.Bool("foreground", false, "Stay attached to the terminal after mounting.")
	if err := viper.BindPFlag("mount.foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	flagSet.Int("uid", 0, "Uid presented to the cluster; defaults to the current user.")
	if err := viper.BindPFlag("mount.uid", flagSet.Lookup("uid")); err != nil {
		return err
	}

	flagSet.Int("gid", 0, "Gid presented to the cluster; defaults to the current user.")
	if err := viper.BindPFlag("mount.gid", flagSet.Lookup("gid")); err != nil {
		return err
	}

	flagSet.String("log-severity", "INFO", "One of TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err := viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.String("log-format", "text", "Log format: text or json.")
	if err := viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.String("log-file", "", "Log to a rotated file instead of stderr.")
	if err := viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.Int("log-rotate-max-size-mb", 512, "Rotate the log file past this size.")
	if err := viper.BindPFlag("logging.max-size-mb", flagSet.Lookup("log-rotate-max-size-mb")); err != nil {
		return err
	}

	flagSet.Int("log-rotate-backup-count", 10, "Rotated files kept; 0 keeps all.")
	if err := viper.BindPFlag("logging.max-backups", flagSet.Lookup("log-rotate-backup-count")); err != nil {
		return err
	}

	return nil
}
