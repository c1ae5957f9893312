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
	"fmt"
	"math"
)

// ValidateServer checks the fields the server command depends on.
func ValidateServer(c *Config) error {
	if c.Server.DataDir == "" {
		return fmt.Errorf("data-dir must be set")
	}
	if len(c.Server.Peers) == 0 {
		return fmt.Errorf("peers must list every node, including this one")
	}
	found := false
	for _, p := range c.Server.Peers {
		if p == c.Server.BindAddr {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("bind address %q must appear in the peer list", c.Server.BindAddr)
	}
	if c.Server.Rgroups < 1 || c.Server.Rgroups > math.MaxUint16 {
		return fmt.Errorf("rgroups must be in [1, %d]", math.MaxUint16)
	}
	if c.Server.ReplicationFactor < 1 {
		return fmt.Errorf("replication-factor must be positive")
	}
	return nil
}

// ValidateMount checks the fields the mount command depends on.
func ValidateMount(c *Config) error {
	if c.Mount.ServerAddr == "" {
		return fmt.Errorf("server address must be set")
	}
	if c.Mount.Uid < 0 || c.Mount.Gid < 0 {
		return fmt.Errorf("uid and gid must be non-negative")
	}
	return nil
}
