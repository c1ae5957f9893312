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

// Package cluster fixes the static cluster topology: the node list, the
// rgroup count, and the deterministic assignment of replicas to rgroups.
// Every node derives the same topology from the same configuration.
package cluster

import (
	"fmt"

	"github.com/fleetfs/fleetfs/internal/store"
	"github.com/fleetfs/fleetfs/internal/wire"
)

// Topology is the cluster layout. Node ids are 1-based positions in the
// Nodes slice; position is significant and must match on every node.
type Topology struct {
	// Nodes lists every node's address, in cluster-wide order.
	Nodes []string

	// Rgroups is the number of replication groups R.
	Rgroups uint16

	// ReplicationFactor is the ensemble size per rgroup, capped at the
	// node count.
	ReplicationFactor int
}

// New validates and normalizes a topology.
func New(nodes []string, rgroups uint16, replicationFactor int) (Topology, error) {
	if len(nodes) == 0 {
		return Topology{}, fmt.Errorf("topology needs at least one node")
	}
	if rgroups == 0 {
		return Topology{}, fmt.Errorf("topology needs at least one rgroup")
	}
	if replicationFactor <= 0 {
		replicationFactor = 3
	}
	if replicationFactor > len(nodes) {
		replicationFactor = len(nodes)
	}
	return Topology{
		Nodes:             nodes,
		Rgroups:           rgroups,
		ReplicationFactor: replicationFactor,
	}, nil
}

// Addr returns a node's address.
func (t Topology) Addr(nodeID uint64) string {
	return t.Nodes[nodeID-1]
}

// Members returns the replica node ids of one rgroup: ReplicationFactor
// consecutive nodes starting at the group's offset, so load spreads evenly.
func (t Topology) Members(rgroup uint16) []uint64 {
	n := len(t.Nodes)
	members := make([]uint64, 0, t.ReplicationFactor)
	for i := 0; i < t.ReplicationFactor; i++ {
		members = append(members, uint64((int(rgroup)+i)%n)+1)
	}
	return members
}

// Replicates reports whether a node carries a replica of an rgroup.
func (t Topology) Replicates(nodeID uint64, rgroup uint16) bool {
	for _, m := range t.Members(rgroup) {
		if m == nodeID {
			return true
		}
	}
	return false
}

// LocalRgroups returns every rgroup replicated by one node.
func (t Topology) LocalRgroups(nodeID uint64) []uint16 {
	var groups []uint16
	for g := uint16(0); g < t.Rgroups; g++ {
		if t.Replicates(nodeID, g) {
			groups = append(groups, g)
		}
	}
	return groups
}

// RgroupOf maps an inode to its owning rgroup.
func (t Topology) RgroupOf(inode uint64) uint16 {
	return store.RgroupOf(inode, t.Rgroups)
}

// RgroupForRequest returns the rgroup that must serve a request: the
// inode's group for inode-keyed requests, the parent's group for
// parent-name requests.
func (t Topology) RgroupForRequest(req wire.Request) (uint16, bool) {
	switch r := req.(type) {
	case *wire.GetattrRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.ReadRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.ReadRawRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.ReaddirRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.LookupRequest:
		return t.RgroupOf(r.Parent), true
	case *wire.GetXattrRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.ListXattrsRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.LatestCommitRequest:
		return r.Rgroup, true
	case *wire.CreateInodeRequest:
		return r.Rgroup, true
	case *wire.WriteRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.TruncateRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.FsyncRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.ChmodRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.ChownRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.UtimensRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.SetXattrRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.RemoveXattrRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.CreateLinkRequest:
		return t.RgroupOf(r.Parent), true
	case *wire.ReplaceLinkRequest:
		return t.RgroupOf(r.Parent), true
	case *wire.RemoveLinkRequest:
		return t.RgroupOf(r.Parent), true
	case *wire.DecrementInodeRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.HardlinkIncrementRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.HardlinkRollbackRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.UpdateParentRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.UpdateMetadataChangedTimeRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.LockRequest:
		return t.RgroupOf(r.Inode), true
	case *wire.UnlockRequest:
		return t.RgroupOf(r.Inode), true
	default:
		return 0, false
	}
}
