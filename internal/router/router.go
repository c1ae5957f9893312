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

// Package router maps requests to their owning rgroup and forwards them to
// the group's current leader, retrying through leadership changes and
// transient connection failures until the request deadline.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/fleetfs/fleetfs/internal/cluster"
	"github.com/fleetfs/fleetfs/internal/logger"
	"github.com/fleetfs/fleetfs/internal/wire"
)

const (
	initialBackoff = 10 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// Router forwards requests to rgroup leaders. Safe for concurrent use.
type Router struct {
	topology cluster.Topology

	mu syncutil.InvariantMutex
	// clients holds one Client per node address, created lazily.
	// GUARDED_BY(mu)
	clients map[uint64]*Client
	// leaderHint caches the last known leader per rgroup.
	// GUARDED_BY(mu)
	leaderHint map[uint16]uint64
	// rr rotates through replicas when no hint is available.
	// GUARDED_BY(mu)
	rr map[uint16]int
	// observed tracks the highest commit this router has seen per rgroup,
	// used to fence reads for read-your-writes.
	// GUARDED_BY(mu)
	observed map[uint16]wire.CommitID
}

func New(topology cluster.Topology) *Router {
	r := &Router{
		topology:   topology,
		clients:    make(map[uint64]*Client),
		leaderHint: make(map[uint16]uint64),
		rr:         make(map[uint16]int),
		observed:   make(map[uint16]wire.CommitID),
	}
	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return r
}

// LOCKS_REQUIRED(r.mu)
func (r *Router) checkInvariants() {
	// Every hinted leader must be a member of its rgroup.
	for g, leader := range r.leaderHint {
		if !r.topology.Replicates(leader, g) {
			panic(fmt.Sprintf("leader hint %d is not a replica of rgroup %d", leader, g))
		}
	}
}

// Topology exposes the cluster layout to callers that pick rgroups.
func (r *Router) Topology() cluster.Topology { return r.topology }

func (r *Router) client(nodeID uint64) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[nodeID]
	if !ok {
		c = NewClient(r.topology.Addr(nodeID))
		r.clients[nodeID] = c
	}
	return c
}

// Close releases every pooled connection.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Close()
	}
}

// candidate picks the node to try next for an rgroup: the leader hint when
// present, otherwise the replicas in round-robin order.
func (r *Router) candidate(rgroup uint16) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if leader, ok := r.leaderHint[rgroup]; ok {
		return leader
	}
	members := r.topology.Members(rgroup)
	i := r.rr[rgroup] % len(members)
	r.rr[rgroup]++
	return members[i]
}

func (r *Router) noteLeader(rgroup uint16, leader uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if leader == 0 {
		delete(r.leaderHint, rgroup)
	} else {
		r.leaderHint[rgroup] = leader
	}
}

// ObservedCommit returns the read fence for an rgroup, if any.
func (r *Router) ObservedCommit(rgroup uint16) *wire.CommitID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.observed[rgroup]; ok {
		fence := c
		return &fence
	}
	return nil
}

func (r *Router) noteCommit(rgroup uint16, c wire.CommitID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.observed[rgroup]; !ok || c.AtLeast(cur) {
		r.observed[rgroup] = c
	}
}

// Route forwards a request to the leader of its owning rgroup.
func (r *Router) Route(ctx context.Context, req wire.Request) (wire.Response, error) {
	rgroup, ok := r.topology.RgroupForRequest(req)
	if !ok {
		return nil, wire.Errorf(wire.ErrBadRequest, "unroutable request %T", req)
	}
	return r.RouteTo(ctx, rgroup, req)
}

// RouteTo forwards a request to the leader of a specific rgroup. Reads that
// support fencing are stamped with the router's observed commit before they
// leave, so a client always sees its own writes.
func (r *Router) RouteTo(ctx context.Context, rgroup uint16, req wire.Request) (wire.Response, error) {
	if read, ok := req.(*wire.ReadRequest); ok && read.RequiredCommit == nil {
		read.RequiredCommit = r.ObservedCommit(rgroup)
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		nodeID := r.candidate(rgroup)
		resp, err := r.client(nodeID).SendRecv(ctx, req)
		switch {
		case err == nil && wire.CodeOf(wire.ErrorOf(resp)) != wire.ErrRaftFailure:
			if !wire.ReadOnly(req) {
				r.advanceObserved(ctx, rgroup, nodeID)
			}
			return resp, nil
		case err == nil:
			// RaftFailure: the node is not the leader, or consensus is
			// churning. Drop the hint and ask around.
			r.noteLeader(rgroup, 0)
			r.refreshLeader(ctx, rgroup)
		default:
			logger.Tracef("router: node %d unreachable: %v", nodeID, err)
			r.noteLeader(rgroup, 0)
		}

		select {
		case <-ctx.Done():
			return nil, wire.Errorf(wire.ErrRaftFailure, "rgroup %d: no leader before deadline", rgroup)
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// refreshLeader asks each replica who leads the group and updates the hint.
func (r *Router) refreshLeader(ctx context.Context, rgroup uint16) {
	for _, nodeID := range r.topology.Members(rgroup) {
		resp, err := r.client(nodeID).SendRecv(ctx, &wire.RaftGroupLeaderRequest{Rgroup: rgroup})
		if err != nil {
			continue
		}
		if node, ok := resp.(*wire.NodeIdResponse); ok && node.NodeID != 0 {
			r.noteLeader(rgroup, node.NodeID)
			return
		}
	}
}

// advanceObserved refreshes the read fence after a successful mutation.
func (r *Router) advanceObserved(ctx context.Context, rgroup uint16, nodeID uint64) {
	resp, err := r.client(nodeID).SendRecv(ctx, &wire.LatestCommitRequest{Rgroup: rgroup})
	if err != nil {
		return
	}
	if latest, ok := resp.(*wire.LatestCommitResponse); ok {
		r.noteCommit(rgroup, latest.Commit)
	}
}

// LeaderOf resolves the current leader of an rgroup, querying replicas
// until one answers or ctx expires.
func (r *Router) LeaderOf(ctx context.Context, rgroup uint16) (uint64, error) {
	backoff := initialBackoff
	for {
		r.refreshLeader(ctx, rgroup)
		r.mu.Lock()
		leader, ok := r.leaderHint[rgroup]
		r.mu.Unlock()
		if ok {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return 0, wire.Errorf(wire.ErrRaftFailure, "rgroup %d has no leader", rgroup)
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
