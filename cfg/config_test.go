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

package cfg

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseConfig(t *testing.T, args []string) Config {
	t.Helper()
	viper.Reset()
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(flagSet))
	require.NoError(t, flagSet.Parse(args))

	var c Config
	require.NoError(t, viper.Unmarshal(&c, DecoderOptions()...))
	return c
}

func TestDefaults(t *testing.T) {
	c := parseConfig(t, nil)

	assert.Equal(t, "127.0.0.1:3000", c.Server.BindAddr)
	assert.Equal(t, 1, c.Server.Rgroups)
	assert.Equal(t, 3, c.Server.ReplicationFactor)
	assert.Equal(t, "127.0.0.1:3000", c.Mount.ServerAddr)
	assert.False(t, c.Mount.Foreground)
	assert.Equal(t, InfoSeverity, c.Logging.Severity)
	assert.Equal(t, "text", c.Logging.Format)
	assert.Equal(t, 512, c.Logging.MaxSizeMB)
}

func TestFlagParsing(t *testing.T) {
	c := parseConfig(t, []string{
		"--bind", "10.0.0.1:4000",
		"--peers", "10.0.0.1:4000,10.0.0.2:4000,10.0.0.3:4000",
		"--rgroups", "8",
		"--data-dir", "/var/lib/fleetfs",
		"--log-severity", "debug",
	})

	assert.Equal(t, "10.0.0.1:4000", c.Server.BindAddr)
	assert.Equal(t, []string{"10.0.0.1:4000", "10.0.0.2:4000", "10.0.0.3:4000"}, c.Server.Peers)
	assert.Equal(t, 8, c.Server.Rgroups)
	assert.Equal(t, "/var/lib/fleetfs", c.Server.DataDir)
	// Severity names are case-insensitive.
	assert.Equal(t, DebugSeverity, c.Logging.Severity)
}

func TestInvalidSeverityRejected(t *testing.T) {
	viper.Reset()
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(flagSet))
	require.NoError(t, flagSet.Parse([]string{"--log-severity", "shouty"}))

	var c Config
	err := viper.Unmarshal(&c, DecoderOptions()...)
	assert.Error(t, err)
}

func TestServerValidation(t *testing.T) {
	valid := Config{Server: ServerConfig{
		BindAddr:          "a:1",
		Peers:             []string{"a:1", "b:1"},
		Rgroups:           4,
		ReplicationFactor: 2,
		DataDir:           "/data",
	}}
	require.NoError(t, ValidateServer(&valid))

	missingSelf := valid
	missingSelf.Server.BindAddr = "c:1"
	assert.Error(t, ValidateServer(&missingSelf))

	noData := valid
	noData.Server.DataDir = ""
	assert.Error(t, ValidateServer(&noData))

	badRgroups := valid
	badRgroups.Server.Rgroups = 0
	assert.Error(t, ValidateServer(&badRgroups))
}
