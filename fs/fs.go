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

// Package fs is the kernel-bridge facade: a fuseutil.FileSystem that
// translates FUSE operations into protocol requests against a FleetFS node.
// Permission checks happen server-side, inside the state machines, so this
// layer only converts representations and errnos.
package fs

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/fleetfs/fleetfs/internal/logger"
	"github.com/fleetfs/fleetfs/internal/router"
	"github.com/fleetfs/fleetfs/internal/wire"
)

// ServerConfig configures the facade.
type ServerConfig struct {
	// ServerAddr is any FleetFS node; the node coordinates and routes on
	// the mount's behalf.
	ServerAddr string

	// Uid and Gid identify the mount owner; they travel with every request
	// and are checked inside the state machines.
	Uid uint32
	Gid uint32
}

// NewServer creates a fuse server backed by a FleetFS cluster.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("server address must be set")
	}
	fs := &fileSystem{
		client: router.NewClient(cfg.ServerAddr),
		caller: wire.UserContext{Uid: cfg.Uid, Gid: cfg.Gid},
	}
	return fuseutil.NewFileSystemServer(fs), nil
}

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	client *router.Client
	caller wire.UserContext
}

// do performs one protocol exchange, converting ErrorResponse into errno
// errors the FUSE layer can surface.
func (fs *fileSystem) do(ctx context.Context, req wire.Request) (wire.Response, error) {
	resp, err := fs.client.SendRecv(ctx, req)
	if err != nil {
		logger.Warnf("request %T failed: %v", req, err)
		return nil, fuse.EIO
	}
	if errResp, ok := resp.(*wire.ErrorResponse); ok {
		return nil, errResp.Code.Errno()
	}
	return resp, nil
}

func convertAttrs(a wire.Attrs) fuseops.InodeAttributes {
	mode := os.FileMode(a.Mode & 0o777)
	if a.Mode&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if a.Mode&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if a.Mode&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	switch a.Kind {
	case wire.KindDirectory:
		mode |= os.ModeDir
	case wire.KindSymlink:
		mode |= os.ModeSymlink
	}
	return fuseops.InodeAttributes{
		Size:   a.Size,
		Nlink:  a.HardLinks,
		Mode:   mode,
		Atime:  a.Atime.Time(),
		Mtime:  a.Mtime.Time(),
		Ctime:  a.Ctime.Time(),
		Crtime: a.Ctime.Time(),
		Uid:    a.Uid,
		Gid:    a.Gid,
	}
}

func direntType(kind wire.FileKind) fuseutil.DirentType {
	switch kind {
	case wire.KindDirectory:
		return fuseutil.DT_Directory
	case wire.KindSymlink:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

func (fs *fileSystem) getattr(ctx context.Context, inode uint64) (wire.Attrs, error) {
	resp, err := fs.do(ctx, &wire.GetattrRequest{Inode: inode})
	if err != nil {
		return wire.Attrs{}, err
	}
	meta, ok := resp.(*wire.FileMetadataResponse)
	if !ok {
		return wire.Attrs{}, fuse.EIO
	}
	return meta.Attrs, nil
}

func (fs *fileSystem) childEntry(ctx context.Context, inode uint64, entry *fuseops.ChildInodeEntry) error {
	attrs, err := fs.getattr(ctx, inode)
	if err != nil {
		return err
	}
	entry.Child = fuseops.InodeID(inode)
	entry.Attributes = convertAttrs(attrs)
	return nil
}

func entryFromAttrs(attrs wire.Attrs, entry *fuseops.ChildInodeEntry) {
	entry.Child = fuseops.InodeID(attrs.Inode)
	entry.Attributes = convertAttrs(attrs)
}

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	resp, err := fs.do(ctx, &wire.FilesystemInformationRequest{})
	if err != nil {
		return err
	}
	info, ok := resp.(*wire.FilesystemInformationResponse)
	if !ok {
		return fuse.EIO
	}
	op.BlockSize = info.BlockSize
	op.IoSize = info.BlockSize
	// Capacity is a fiction: the cluster grows with its nodes.
	op.Blocks = 1 << 32
	op.BlocksFree = 1 << 31
	op.BlocksAvailable = 1 << 31
	return nil
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	resp, err := fs.do(ctx, &wire.LookupRequest{
		Parent:  uint64(op.Parent),
		Name:    op.Name,
		Context: fs.caller,
	})
	if err != nil {
		return err
	}
	ino, ok := resp.(*wire.InodeResponse)
	if !ok {
		return fuse.EIO
	}
	return fs.childEntry(ctx, ino.Inode, &op.Entry)
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	attrs, err := fs.getattr(ctx, uint64(op.Inode))
	if err != nil {
		return err
	}
	op.Attributes = convertAttrs(attrs)
	return nil
}

func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	inode := uint64(op.Inode)

	if op.Size != nil {
		if _, err := fs.do(ctx, &wire.TruncateRequest{
			Inode:   inode,
			NewLen:  *op.Size,
			Context: fs.caller,
		}); err != nil {
			return err
		}
	}
	if op.Mode != nil {
		if _, err := fs.do(ctx, &wire.ChmodRequest{
			Inode:   inode,
			Mode:    uint16(op.Mode.Perm()) | setuidBits(*op.Mode),
			Context: fs.caller,
		}); err != nil {
			return err
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		req := &wire.UtimensRequest{Inode: inode, Context: fs.caller}
		if op.Atime != nil {
			t := wire.TimestampFromTime(*op.Atime)
			req.Atime = &t
		}
		if op.Mtime != nil {
			t := wire.TimestampFromTime(*op.Mtime)
			req.Mtime = &t
		}
		if _, err := fs.do(ctx, req); err != nil {
			return err
		}
	}

	attrs, err := fs.getattr(ctx, inode)
	if err != nil {
		return err
	}
	op.Attributes = convertAttrs(attrs)
	return nil
}

func setuidBits(mode os.FileMode) uint16 {
	var bits uint16
	if mode&os.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if mode&os.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if mode&os.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}

func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	resp, err := fs.do(ctx, &wire.MkdirRequest{
		Parent:  uint64(op.Parent),
		Name:    op.Name,
		Mode:    uint16(op.Mode.Perm()) | setuidBits(op.Mode),
		Context: fs.caller,
	})
	if err != nil {
		return err
	}
	meta, ok := resp.(*wire.FileMetadataResponse)
	if !ok {
		return fuse.EIO
	}
	entryFromAttrs(meta.Attrs, &op.Entry)
	return nil
}

func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	resp, err := fs.do(ctx, &wire.CreateRequest{
		Parent:  uint64(op.Parent),
		Name:    op.Name,
		Mode:    uint16(op.Mode.Perm()) | setuidBits(op.Mode),
		Kind:    wire.KindFile,
		Context: fs.caller,
	})
	if err != nil {
		return err
	}
	meta, ok := resp.(*wire.FileMetadataResponse)
	if !ok {
		return fuse.EIO
	}
	entryFromAttrs(meta.Attrs, &op.Entry)
	return nil
}

func (fs *fileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	resp, err := fs.do(ctx, &wire.CreateRequest{
		Parent:  uint64(op.Parent),
		Name:    op.Name,
		Mode:    0o777,
		Kind:    wire.KindSymlink,
		Context: fs.caller,
	})
	if err != nil {
		return err
	}
	meta, ok := resp.(*wire.FileMetadataResponse)
	if !ok {
		return fuse.EIO
	}
	// The link target lives in the symlink inode's data.
	if _, err := fs.do(ctx, &wire.WriteRequest{
		Inode: meta.Attrs.Inode,
		Data:  []byte(op.Target),
	}); err != nil {
		return err
	}
	attrs, err := fs.getattr(ctx, meta.Attrs.Inode)
	if err != nil {
		return err
	}
	entryFromAttrs(attrs, &op.Entry)
	return nil
}

func (fs *fileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	attrs, err := fs.getattr(ctx, uint64(op.Inode))
	if err != nil {
		return err
	}
	resp, err := fs.do(ctx, &wire.ReadRequest{
		Inode: uint64(op.Inode),
		Size:  uint32(attrs.Size),
	})
	if err != nil {
		return err
	}
	read, ok := resp.(*wire.ReadResponse)
	if !ok {
		return fuse.EIO
	}
	op.Target = string(read.Data)
	return nil
}

func (fs *fileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	resp, err := fs.do(ctx, &wire.HardlinkRequest{
		Inode:     uint64(op.Target),
		NewParent: uint64(op.Parent),
		NewName:   op.Name,
		Context:   fs.caller,
	})
	if err != nil {
		return err
	}
	meta, ok := resp.(*wire.FileMetadataResponse)
	if !ok {
		return fuse.EIO
	}
	entryFromAttrs(meta.Attrs, &op.Entry)
	return nil
}

func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	_, err := fs.do(ctx, &wire.RenameRequest{
		Parent:    uint64(op.OldParent),
		Name:      op.OldName,
		NewParent: uint64(op.NewParent),
		NewName:   op.NewName,
		Context:   fs.caller,
	})
	return err
}

func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	_, err := fs.do(ctx, &wire.RmdirRequest{
		Parent:  uint64(op.Parent),
		Name:    op.Name,
		Context: fs.caller,
	})
	return err
}

func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	_, err := fs.do(ctx, &wire.UnlinkRequest{
		Parent:  uint64(op.Parent),
		Name:    op.Name,
		Context: fs.caller,
	})
	return err
}

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	attrs, err := fs.getattr(ctx, uint64(op.Inode))
	if err != nil {
		return err
	}
	if attrs.Kind != wire.KindDirectory {
		return fuse.ENOTDIR
	}
	return nil
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	resp, err := fs.do(ctx, &wire.ReaddirRequest{Inode: uint64(op.Inode)})
	if err != nil {
		return err
	}
	listing, ok := resp.(*wire.DirectoryListingResponse)
	if !ok {
		return fuse.EIO
	}

	if op.Offset > fuseops.DirOffset(len(listing.Entries)) {
		return fuse.EIO
	}
	for i := int(op.Offset); i < len(listing.Entries); i++ {
		ent := listing.Entries[i]
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(ent.Inode),
			Name:   ent.Name,
			Type:   direntType(ent.Kind),
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if _, err := fs.getattr(ctx, uint64(op.Inode)); err != nil {
		return err
	}
	// All consistency comes from the protocol; don't let the kernel cache
	// pages across opens.
	op.KeepPageCache = false
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	resp, err := fs.do(ctx, &wire.ReadRequest{
		Inode:  uint64(op.Inode),
		Offset: uint64(op.Offset),
		Size:   uint32(op.Size),
	})
	if err != nil {
		return err
	}
	read, ok := resp.(*wire.ReadResponse)
	if !ok {
		return fuse.EIO
	}
	op.BytesRead = copy(op.Dst, read.Data)
	return nil
}

func (fs *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	resp, err := fs.do(ctx, &wire.WriteRequest{
		Inode:  uint64(op.Inode),
		Offset: uint64(op.Offset),
		Data:   op.Data,
	})
	if err != nil {
		return err
	}
	if _, ok := resp.(*wire.WrittenResponse); !ok {
		return fuse.EIO
	}
	return nil
}

func (fs *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	_, err := fs.do(ctx, &wire.FsyncRequest{Inode: uint64(op.Inode)})
	return err
}

func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	_, err := fs.do(ctx, &wire.FsyncRequest{Inode: uint64(op.Inode)})
	return err
}

func (fs *fileSystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	resp, err := fs.do(ctx, &wire.GetXattrRequest{
		Inode:   uint64(op.Inode),
		Key:     op.Name,
		Context: fs.caller,
	})
	if err != nil {
		return err
	}
	xattrs, ok := resp.(*wire.XattrsResponse)
	if !ok {
		return fuse.EIO
	}
	op.BytesRead = len(xattrs.Value)
	if len(op.Dst) == 0 {
		return nil
	}
	if len(op.Dst) < len(xattrs.Value) {
		return syscall.ERANGE
	}
	copy(op.Dst, xattrs.Value)
	return nil
}

func (fs *fileSystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	resp, err := fs.do(ctx, &wire.ListXattrsRequest{Inode: uint64(op.Inode)})
	if err != nil {
		return err
	}
	xattrs, ok := resp.(*wire.XattrsResponse)
	if !ok {
		return fuse.EIO
	}
	var needed int
	for _, key := range xattrs.Keys {
		needed += len(key) + 1
	}
	op.BytesRead = needed
	if len(op.Dst) == 0 {
		return nil
	}
	if len(op.Dst) < needed {
		return syscall.ERANGE
	}
	off := 0
	for _, key := range xattrs.Keys {
		off += copy(op.Dst[off:], key)
		op.Dst[off] = 0
		off++
	}
	return nil
}

func (fs *fileSystem) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	_, err := fs.do(ctx, &wire.SetXattrRequest{
		Inode:   uint64(op.Inode),
		Key:     op.Name,
		Value:   op.Value,
		Context: fs.caller,
	})
	return err
}

func (fs *fileSystem) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	_, err := fs.do(ctx, &wire.RemoveXattrRequest{
		Inode:   uint64(op.Inode),
		Key:     op.Name,
		Context: fs.caller,
	})
	return err
}

func (fs *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	// Inode lifetimes are reference-counted by link count server-side;
	// kernel forget needs no action.
	return nil
}

func (fs *fileSystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	return nil
}

func (fs *fileSystem) Destroy() {
	fs.client.Close()
}

// WaitReady blocks until the cluster reports every rgroup has a leader, so
// a mount never exposes a filesystem that cannot serve.
func WaitReady(ctx context.Context, addr string, timeout time.Duration) error {
	client := router.NewClient(addr)
	defer client.Close()

	deadline := time.Now().Add(timeout)
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		resp, err := client.SendRecv(reqCtx, &wire.FilesystemReadyRequest{})
		cancel()
		if err == nil {
			if _, ok := resp.(*wire.EmptyResponse); ok {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cluster not ready after %v", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
