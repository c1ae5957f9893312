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

package coordinator

import (
	"context"
	"time"

	"github.com/fleetfs/fleetfs/internal/logger"
	"github.com/fleetfs/fleetfs/internal/wire"
)

// Rename moves a directory entry, possibly replacing the destination. Locks
// on the source inode and any destination inode are taken in the
// (rgroup, inode) total order. A failure to remove the old name is
// compensated while the locks are still held; a later failure (reparenting a
// moved directory, decrementing a replaced inode) is returned as
// Uncategorized without rollback.
func (c *Coordinator) Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string, uctx wire.UserContext) error {
	source, err := c.lookup(ctx, parent, name, uctx)
	if err != nil {
		return err
	}
	dest, err := c.lookup(ctx, newParent, newName, uctx)
	if err != nil && wire.CodeOf(err) != wire.ErrDoesNotExist {
		return err
	}

	locks, err := c.lockAll(ctx, source, dest)
	if err != nil {
		return err
	}
	defer c.unlockAll(locks)

	// Re-verify both ends under lock; the world may have moved between the
	// optimistic lookups and the lock acquisitions.
	if now, err := c.lookup(ctx, parent, name, uctx); err != nil {
		return err
	} else if now != source {
		return wire.Errorf(wire.ErrDoesNotExist, "%q changed during rename", name)
	}
	destNow, err := c.lookup(ctx, newParent, newName, uctx)
	switch {
	case err == nil && destNow != dest:
		return wire.Errorf(wire.ErrUncategorized, "%q changed during rename", newName)
	case err != nil && wire.CodeOf(err) != wire.ErrDoesNotExist:
		return err
	case err != nil:
		dest = 0
	}

	sourceAttrs, err := c.getattr(ctx, source)
	if err != nil {
		return err
	}

	var destAttrs wire.Attrs
	if dest != 0 {
		destAttrs, err = c.getattr(ctx, dest)
		if err != nil {
			return err
		}
		if destAttrs.Kind == wire.KindDirectory {
			empty, err := c.directoryEmpty(ctx, dest)
			if err != nil {
				return err
			}
			if !empty {
				return wire.Errorf(wire.ErrNotEmpty, "rename destination %q", newName)
			}
		}
	}

	// Install the entry under the new name.
	replaced := dest != 0
	if replaced {
		resp, err := c.router.Route(ctx, &wire.ReplaceLinkRequest{
			Parent:   newParent,
			Name:     newName,
			NewInode: source,
			Kind:     sourceAttrs.Kind,
			Context:  uctx,
		})
		if err != nil {
			return err
		}
		if err := responseError(resp); err != nil {
			return err
		}
	} else {
		if err := c.createLink(ctx, newParent, newName, source, sourceAttrs.Kind, nil, uctx); err != nil {
			return err
		}
	}

	// Remove the old name. Holding both locks, retry through transient
	// failures: stopping here would leave the inode reachable twice.
	if err := c.removeOldName(ctx, parent, name, source, uctx); err != nil {
		if cerr := c.compensateNewName(newParent, newName, source, dest, destAttrs, replaced, uctx); cerr != nil {
			return wire.Errorf(wire.ErrUncategorized, "old name %q not removed (%v) and compensation failed: %v", name, err, cerr)
		}
		return err
	}

	// The moved entry's ".." must follow it across directories.
	if sourceAttrs.Kind == wire.KindDirectory && parent != newParent {
		resp, err := c.router.Route(ctx, &wire.UpdateParentRequest{
			Inode:     source,
			NewParent: newParent,
			LockID:    lockIDFor(locks, source),
		})
		if err == nil {
			err = responseError(resp)
		}
		if err != nil {
			return wire.Errorf(wire.ErrUncategorized, "reparenting %d: %v", source, err)
		}
	}

	// The replaced inode lost one name. A file may still be reachable
	// through other hard links, so only its one displaced link goes; a
	// directory (verified empty above) is fully removed.
	if replaced {
		count := uint32(1)
		if destAttrs.Kind == wire.KindDirectory {
			count = destAttrs.HardLinks
		}
		if err := c.decrementInode(ctx, dest, count, lockIDFor(locks, dest)); err != nil {
			return wire.Errorf(wire.ErrUncategorized, "decrement of replaced inode %d: %v", dest, err)
		}
	}

	c.touchCtime(ctx, source, lockIDFor(locks, source))
	c.touchCtime(ctx, parent, nil)
	if newParent != parent {
		c.touchCtime(ctx, newParent, nil)
	}
	return nil
}

// removeOldName removes (parent, name) conditioned on it still pointing at
// source, retrying until the deadline.
func (c *Coordinator) removeOldName(ctx context.Context, parent uint64, name string, source uint64, uctx wire.UserContext) error {
	backoff := 10 * time.Millisecond
	for {
		resp, err := c.router.Route(ctx, &wire.RemoveLinkRequest{
			Parent:    parent,
			Name:      name,
			LinkInode: &source,
			Context:   uctx,
		})
		if err == nil {
			if respErr := responseError(resp); respErr != nil {
				return respErr
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return wire.Errorf(wire.ErrUncategorized, "old name %q not removed: %v", name, err)
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > time.Second {
			backoff = time.Second
		}
	}
}

// compensateNewName rolls back the new-name installation after the old name
// could not be removed: a created entry is deleted, a replaced entry is
// swapped back to the original destination. It returns the compensation's
// own failure, if any.
func (c *Coordinator) compensateNewName(newParent uint64, newName string, source, dest uint64, destAttrs wire.Attrs, replaced bool, uctx wire.UserContext) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp wire.Response
	var err error
	if replaced {
		resp, err = c.router.Route(ctx, &wire.ReplaceLinkRequest{
			Parent:   newParent,
			Name:     newName,
			NewInode: dest,
			Kind:     destAttrs.Kind,
			Context:  uctx,
		})
	} else {
		resp, err = c.router.Route(ctx, &wire.RemoveLinkRequest{
			Parent:    newParent,
			Name:      newName,
			LinkInode: &source,
			Context:   uctx,
		})
	}
	if err == nil {
		err = responseError(resp)
	}
	if err != nil {
		logger.Errorf("rename compensation on %q failed, entry may be doubly reachable: %v", newName, err)
	}
	return err
}

func (c *Coordinator) touchCtime(ctx context.Context, inode uint64, lockID *uint64) {
	resp, err := c.router.Route(ctx, &wire.UpdateMetadataChangedTimeRequest{Inode: inode, LockID: lockID})
	if err == nil {
		err = responseError(resp)
	}
	if err != nil {
		logger.Warnf("ctime update on inode %d failed: %v", inode, err)
	}
}
