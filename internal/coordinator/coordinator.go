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

// Package coordinator composes the internal transaction primitives into
// user-level POSIX operations that span rgroups. There is no global lock
// service: the coordinator acquires per-inode locks in a total order,
// performs the per-rgroup steps, and compensates on partial failure before
// releasing anything.
package coordinator

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fleetfs/fleetfs/internal/cluster"
	"github.com/fleetfs/fleetfs/internal/logger"
	"github.com/fleetfs/fleetfs/internal/router"
	"github.com/fleetfs/fleetfs/internal/wire"
)

const lockRetryBackoff = 20 * time.Millisecond

// Requester is the routing surface the coordinator drives; *router.Router
// satisfies it.
type Requester interface {
	Route(ctx context.Context, req wire.Request) (wire.Response, error)
	RouteTo(ctx context.Context, rgroup uint16, req wire.Request) (wire.Response, error)
	Topology() cluster.Topology
}

var _ Requester = (*router.Router)(nil)

// Coordinator drives multi-rgroup transactions through the router.
type Coordinator struct {
	router Requester

	// nextRgroup round-robins inode placement across rgroups.
	nextRgroup atomic.Uint32
}

func New(r Requester) *Coordinator {
	return &Coordinator{router: r}
}

// pickRgroup chooses the rgroup for a fresh inode. Placement is a pure
// load-balancing decision; any group is correct.
func (c *Coordinator) pickRgroup() uint16 {
	n := c.nextRgroup.Add(1)
	return uint16((n - 1) % uint32(c.router.Topology().Rgroups))
}

func responseError(resp wire.Response) error {
	if err := wire.ErrorOf(resp); err != nil {
		return err
	}
	return nil
}

// lookup resolves (parent, name) to an inode via the parent's rgroup.
func (c *Coordinator) lookup(ctx context.Context, parent uint64, name string, uctx wire.UserContext) (uint64, error) {
	resp, err := c.router.Route(ctx, &wire.LookupRequest{Parent: parent, Name: name, Context: uctx})
	if err != nil {
		return 0, err
	}
	if err := responseError(resp); err != nil {
		return 0, err
	}
	ino, ok := resp.(*wire.InodeResponse)
	if !ok {
		return 0, wire.Errorf(wire.ErrBadResponse, "lookup returned %T", resp)
	}
	return ino.Inode, nil
}

func (c *Coordinator) getattr(ctx context.Context, inode uint64) (wire.Attrs, error) {
	resp, err := c.router.Route(ctx, &wire.GetattrRequest{Inode: inode})
	if err != nil {
		return wire.Attrs{}, err
	}
	if err := responseError(resp); err != nil {
		return wire.Attrs{}, err
	}
	meta, ok := resp.(*wire.FileMetadataResponse)
	if !ok {
		return wire.Attrs{}, wire.Errorf(wire.ErrBadResponse, "getattr returned %T", resp)
	}
	return meta.Attrs, nil
}

type heldLock struct {
	inode  uint64
	rgroup uint16
	id     uint64
}

// lockInode acquires one inode lock, retrying conflicts until the deadline.
func (c *Coordinator) lockInode(ctx context.Context, inode uint64) (heldLock, error) {
	rgroup := c.router.Topology().RgroupOf(inode)
	for {
		resp, err := c.router.RouteTo(ctx, rgroup, &wire.LockRequest{Inode: inode})
		if err != nil {
			return heldLock{}, err
		}
		if lock, ok := resp.(*wire.LockResponse); ok {
			return heldLock{inode: inode, rgroup: rgroup, id: lock.LockID}, nil
		}
		respErr := responseError(resp)
		if wire.CodeOf(respErr) != wire.ErrOperationNotPermitted {
			return heldLock{}, respErr
		}
		// Held by another transaction; wait for its release or lease expiry.
		select {
		case <-ctx.Done():
			return heldLock{}, wire.Errorf(wire.ErrRaftFailure, "lock on inode %d not acquired before deadline", inode)
		case <-time.After(lockRetryBackoff):
		}
	}
}

// lockAll acquires locks on the given inodes in the (rgroup, inode) total
// order, which is what makes concurrent overlapping transactions serialize
// instead of deadlock.
func (c *Coordinator) lockAll(ctx context.Context, inodes ...uint64) ([]heldLock, error) {
	topo := c.router.Topology()
	seen := make(map[uint64]bool, len(inodes))
	ordered := make([]uint64, 0, len(inodes))
	for _, ino := range inodes {
		if ino != 0 && !seen[ino] {
			seen[ino] = true
			ordered = append(ordered, ino)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		gi, gj := topo.RgroupOf(ordered[i]), topo.RgroupOf(ordered[j])
		if gi != gj {
			return gi < gj
		}
		return ordered[i] < ordered[j]
	})

	locks := make([]heldLock, 0, len(ordered))
	for _, ino := range ordered {
		lock, err := c.lockInode(ctx, ino)
		if err != nil {
			c.unlockAll(locks)
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

// unlockAll releases locks in reverse acquisition order. Best effort: a
// failed unlock is left to the lease reaper.
func (c *Coordinator) unlockAll(locks []heldLock) {
	for i := len(locks) - 1; i >= 0; i-- {
		l := locks[i]
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := c.router.RouteTo(ctx, l.rgroup, &wire.UnlockRequest{Inode: l.inode, LockID: l.id})
		cancel()
		if err != nil {
			logger.Warnf("unlock of inode %d failed, leaving to lease expiry: %v", l.inode, err)
		}
	}
}

func lockIDFor(locks []heldLock, inode uint64) *uint64 {
	for _, l := range locks {
		if l.inode == inode {
			id := l.id
			return &id
		}
	}
	return nil
}
