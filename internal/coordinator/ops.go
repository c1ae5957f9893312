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

// Create makes a file or symlink: a fresh inode on a load-balanced rgroup,
// then a directory entry on the parent's rgroup. An entry collision
// garbage-collects the orphan inode before surfacing AlreadyExists.
func (c *Coordinator) Create(ctx context.Context, parent uint64, name string, mode uint16, kind wire.FileKind, uctx wire.UserContext) (wire.Attrs, error) {
	attrs, err := c.createInode(ctx, &wire.CreateInodeRequest{
		Kind: kind,
		Mode: mode,
		Uid:  uctx.Uid,
		Gid:  uctx.Gid,
	})
	if err != nil {
		return wire.Attrs{}, err
	}

	if err := c.createLink(ctx, parent, name, attrs.Inode, kind, nil, uctx); err != nil {
		c.garbageCollect(attrs)
		return wire.Attrs{}, err
	}
	return attrs, nil
}

// Mkdir is Create for directories, with the extra parent pointer so ".."
// resolves.
func (c *Coordinator) Mkdir(ctx context.Context, parent uint64, name string, mode uint16, uctx wire.UserContext) (wire.Attrs, error) {
	attrs, err := c.createInode(ctx, &wire.CreateInodeRequest{
		Kind:   wire.KindDirectory,
		Mode:   mode,
		Uid:    uctx.Uid,
		Gid:    uctx.Gid,
		Parent: parent,
	})
	if err != nil {
		return wire.Attrs{}, err
	}

	if err := c.createLink(ctx, parent, name, attrs.Inode, wire.KindDirectory, nil, uctx); err != nil {
		c.garbageCollect(attrs)
		return wire.Attrs{}, err
	}
	return attrs, nil
}

func (c *Coordinator) createInode(ctx context.Context, req *wire.CreateInodeRequest) (wire.Attrs, error) {
	req.Rgroup = c.pickRgroup()
	resp, err := c.router.RouteTo(ctx, req.Rgroup, req)
	if err != nil {
		return wire.Attrs{}, err
	}
	if err := responseError(resp); err != nil {
		return wire.Attrs{}, err
	}
	meta, ok := resp.(*wire.FileMetadataResponse)
	if !ok {
		return wire.Attrs{}, wire.Errorf(wire.ErrBadResponse, "create inode returned %T", resp)
	}
	return meta.Attrs, nil
}

func (c *Coordinator) createLink(ctx context.Context, parent uint64, name string, inode uint64, kind wire.FileKind, lockID *uint64, uctx wire.UserContext) error {
	resp, err := c.router.Route(ctx, &wire.CreateLinkRequest{
		Parent:  parent,
		Name:    name,
		Inode:   inode,
		Kind:    kind,
		LockID:  lockID,
		Context: uctx,
	})
	if err != nil {
		return err
	}
	return responseError(resp)
}

// garbageCollect deletes an inode that never became reachable. No lock is
// needed: nothing else can reference it yet.
func (c *Coordinator) garbageCollect(attrs wire.Attrs) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.router.Route(ctx, &wire.DecrementInodeRequest{
		Inode: attrs.Inode,
		Count: attrs.HardLinks,
	})
	if err == nil {
		err = responseError(resp)
	}
	if err != nil {
		logger.Warnf("orphan inode %d not collected: %v", attrs.Inode, err)
	}
}

func (c *Coordinator) decrementInode(ctx context.Context, inode uint64, count uint32, lockID *uint64) error {
	resp, err := c.router.Route(ctx, &wire.DecrementInodeRequest{
		Inode:  inode,
		Count:  count,
		LockID: lockID,
	})
	if err != nil {
		return err
	}
	return responseError(resp)
}

// Unlink removes a file's directory entry and decrements its link count,
// under the target's inode lock so the two steps are atomic with respect
// to other transactions.
func (c *Coordinator) Unlink(ctx context.Context, parent uint64, name string, uctx wire.UserContext) error {
	target, err := c.lookup(ctx, parent, name, uctx)
	if err != nil {
		return err
	}
	locks, err := c.lockAll(ctx, target)
	if err != nil {
		return err
	}
	defer c.unlockAll(locks)

	return c.removeAndDecrement(ctx, parent, name, target, 1, locks, uctx)
}

// Rmdir removes an empty directory. Emptiness is verified under the
// directory's lock so a concurrent create cannot slip in between the check
// and the removal.
func (c *Coordinator) Rmdir(ctx context.Context, parent uint64, name string, uctx wire.UserContext) error {
	target, err := c.lookup(ctx, parent, name, uctx)
	if err != nil {
		return err
	}
	locks, err := c.lockAll(ctx, target)
	if err != nil {
		return err
	}
	defer c.unlockAll(locks)

	attrs, err := c.getattr(ctx, target)
	if err != nil {
		return err
	}
	if attrs.Kind != wire.KindDirectory {
		return wire.Errorf(wire.ErrBadRequest, "inode %d is not a directory", target)
	}
	empty, err := c.directoryEmpty(ctx, target)
	if err != nil {
		return err
	}
	if !empty {
		return wire.Errorf(wire.ErrNotEmpty, "directory %d", target)
	}

	return c.removeAndDecrement(ctx, parent, name, target, attrs.HardLinks, locks, uctx)
}

func (c *Coordinator) directoryEmpty(ctx context.Context, inode uint64) (bool, error) {
	resp, err := c.router.Route(ctx, &wire.ReaddirRequest{Inode: inode})
	if err != nil {
		return false, err
	}
	if err := responseError(resp); err != nil {
		return false, err
	}
	listing, ok := resp.(*wire.DirectoryListingResponse)
	if !ok {
		return false, wire.Errorf(wire.ErrBadResponse, "readdir returned %T", resp)
	}
	return len(listing.Entries) == 0, nil
}

// removeAndDecrement is the shared tail of unlink and rmdir: remove the
// entry on the parent's rgroup, then decrement the target on its own. The
// target lock's id doubles as the decrement's fencing token, so a retry
// after a partial failure cannot over-decrement.
func (c *Coordinator) removeAndDecrement(ctx context.Context, parent uint64, name string, target uint64, count uint32, locks []heldLock, uctx wire.UserContext) error {
	resp, err := c.router.Route(ctx, &wire.RemoveLinkRequest{
		Parent:    parent,
		Name:      name,
		LinkInode: &target,
		Context:   uctx,
	})
	if err != nil {
		return err
	}
	if err := responseError(resp); err != nil {
		return err
	}
	removed, ok := resp.(*wire.RemoveLinkResponse)
	if !ok {
		return wire.Errorf(wire.ErrBadResponse, "remove link returned %T", resp)
	}
	if removed.ProcessingComplete {
		return nil
	}

	if err := c.decrementInode(ctx, target, count, lockIDFor(locks, target)); err != nil {
		// The entry is gone but the count is stale; the fencing token makes
		// a retry safe, so try once more before giving up.
		if retryErr := c.decrementInode(ctx, target, count, lockIDFor(locks, target)); retryErr != nil {
			logger.Errorf("inode %d link count stale after unlink: %v", target, retryErr)
			return wire.Errorf(wire.ErrUncategorized, "decrement of inode %d failed: %v", target, err)
		}
	}
	return nil
}

// Hardlink adds a directory entry for an existing inode in another rgroup.
// The increment happens first and records the previous mtime; if the link
// cannot be created the rollback restores the count, and the mtime when
// nothing else has touched the file since.
func (c *Coordinator) Hardlink(ctx context.Context, inode, newParent uint64, newName string, uctx wire.UserContext) (wire.Attrs, error) {
	resp, err := c.router.Route(ctx, &wire.HardlinkIncrementRequest{Inode: inode})
	if err != nil {
		return wire.Attrs{}, err
	}
	if err := responseError(resp); err != nil {
		return wire.Attrs{}, err
	}
	tx, ok := resp.(*wire.HardlinkTransactionResponse)
	if !ok {
		return wire.Attrs{}, wire.Errorf(wire.ErrBadResponse, "hardlink increment returned %T", resp)
	}

	if err := c.createLink(ctx, newParent, newName, inode, tx.Attrs.Kind, nil, uctx); err != nil {
		c.hardlinkRollback(inode, tx.PrevModified)
		return wire.Attrs{}, err
	}
	return tx.Attrs, nil
}

func (c *Coordinator) hardlinkRollback(inode uint64, prevModified wire.Timestamp) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.router.Route(ctx, &wire.HardlinkRollbackRequest{
		Inode:        inode,
		PrevModified: prevModified,
	})
	if err == nil {
		err = responseError(resp)
	}
	if err != nil {
		logger.Errorf("hardlink rollback of inode %d failed: %v", inode, err)
	}
}
