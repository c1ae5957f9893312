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

package store

import (
	"time"

	"github.com/fleetfs/fleetfs/internal/wire"
)

// LockLease bounds how long a transaction may hold an inode lock. A Lock
// request applied after the holder's lease expired evicts the stale holder,
// which is how locks orphaned by a crashed coordinator get cleaned up.
// Expiry compares timestamps stamped by proposing leaders, never replica
// clocks, so eviction is deterministic across the group.
const LockLease = 30 * time.Second

type lockHolder struct {
	id      uint64
	expires time.Time
}

// lockTable is the per-rgroup advisory lock table. In-memory only: after a
// restart it recovers as empty (log replay from the last snapshot
// regenerates any holders that were reachable).
type lockTable struct {
	next uint64
	held map[uint64]lockHolder
}

// Lock acquires the inode lock, returning a lock id unique within this
// rgroup incarnation. now is the proposing leader's timestamp.
func (s *Store) Lock(inode uint64, now wire.Timestamp) (uint64, error) {
	if _, err := s.GetAttrs(inode); err != nil {
		return 0, err
	}
	t := &s.locks
	if t.held == nil {
		t.held = make(map[uint64]lockHolder)
	}
	if h, ok := t.held[inode]; ok {
		if now.Time().Before(h.expires) {
			return 0, wire.Errorf(wire.ErrOperationNotPermitted, "inode %d already locked", inode)
		}
		// Lease expired; evict the stale holder.
		delete(t.held, inode)
	}
	t.next++
	t.held[inode] = lockHolder{id: t.next, expires: now.Time().Add(LockLease)}
	return t.next, nil
}

// Unlock releases the lock if lockID matches the current holder; a stale id
// is a BadRequest.
func (s *Store) Unlock(inode, lockID uint64) error {
	h, ok := s.locks.held[inode]
	if !ok || h.id != lockID {
		return wire.Errorf(wire.ErrBadRequest, "inode %d not held by lock %d", inode, lockID)
	}
	delete(s.locks.held, inode)
	return nil
}

// ValidateLock checks a request's lock id against the table: if the inode is
// locked, the request must carry the holder's id. Unlocked inodes accept
// requests without an id.
func (s *Store) ValidateLock(inode uint64, lockID *uint64) error {
	h, ok := s.locks.held[inode]
	if !ok {
		return nil
	}
	if lockID == nil || *lockID != h.id {
		return wire.Errorf(wire.ErrOperationNotPermitted, "inode %d is locked", inode)
	}
	return nil
}

// forget drops any lock state for a deleted inode.
func (t *lockTable) forget(inode uint64) {
	delete(t.held, inode)
}
