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

package fs

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	"github.com/fleetfs/fleetfs/internal/router"
	"github.com/fleetfs/fleetfs/internal/wire"
)

// fakeNode is a TCP server speaking the framed protocol. It records every
// request and answers through a swappable handler, standing in for a
// FleetFS node under the facade.
type fakeNode struct {
	listener net.Listener

	mu       sync.Mutex
	requests []wire.Request
	handler  func(req wire.Request) wire.Response
}

func newFakeNode(t *testing.T) *fakeNode {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	n := &fakeNode{listener: listener}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go n.serve(conn)
		}
	}()
	return n
}

func (n *fakeNode) serve(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		req, err := wire.DecodeRequest(payload)
		if err != nil {
			return
		}
		n.mu.Lock()
		n.requests = append(n.requests, req)
		h := n.handler
		n.mu.Unlock()

		resp := h(req)
		if err := wire.WriteFrame(conn, wire.EncodeResponse(resp)); err != nil {
			return
		}
	}
}

func (n *fakeNode) setHandler(h func(req wire.Request) wire.Response) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

func (n *fakeNode) recorded() []wire.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]wire.Request, len(n.requests))
	copy(out, n.requests)
	return out
}

func (n *fakeNode) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = nil
}

type FacadeTest struct {
	suite.Suite
	node *fakeNode
	fs   *fileSystem
	ctx  context.Context
}

func TestFacadeSuite(t *testing.T) {
	suite.Run(t, new(FacadeTest))
}

func (t *FacadeTest) SetupTest() {
	t.node = newFakeNode(t.T())
	t.fs = &fileSystem{
		client: router.NewClient(t.node.listener.Addr().String()),
		caller: wire.UserContext{Uid: 1000, Gid: 1000},
	}
	t.T().Cleanup(t.fs.client.Close)
	t.ctx = context.Background()
}

func someAttrs(inode uint64, kind wire.FileKind) wire.Attrs {
	return wire.Attrs{
		Inode:     inode,
		Kind:      kind,
		Mode:      0o644,
		Uid:       1000,
		Gid:       1000,
		HardLinks: 1,
		Mtime:     wire.Timestamp{Seconds: 1700000000},
		BlockSize: wire.BlockSize,
	}
}

func (t *FacadeTest) TestLookUpInodeFillsEntry() {
	attrs := someAttrs(7, wire.KindFile)
	t.node.setHandler(func(req wire.Request) wire.Response {
		switch req.(type) {
		case *wire.LookupRequest:
			return &wire.InodeResponse{Inode: 7}
		case *wire.GetattrRequest:
			return &wire.FileMetadataResponse{Attrs: attrs}
		default:
			return &wire.ErrorResponse{Code: wire.ErrBadRequest}
		}
	})

	op := &fuseops.LookUpInodeOp{Parent: fuseops.InodeID(wire.RootInode), Name: "f"}
	require.NoError(t.T(), t.fs.LookUpInode(t.ctx, op))
	assert.Equal(t.T(), fuseops.InodeID(7), op.Entry.Child)
	assert.Equal(t.T(), uint32(1), op.Entry.Attributes.Nlink)

	lookup, ok := t.node.recorded()[0].(*wire.LookupRequest)
	require.True(t.T(), ok)
	assert.Equal(t.T(), wire.RootInode, lookup.Parent)
	assert.Equal(t.T(), "f", lookup.Name)
	assert.Equal(t.T(), uint32(1000), lookup.Context.Uid)
}

func (t *FacadeTest) TestLookUpInodeMapsDoesNotExist() {
	t.node.setHandler(func(req wire.Request) wire.Response {
		return &wire.ErrorResponse{Code: wire.ErrDoesNotExist}
	})

	op := &fuseops.LookUpInodeOp{Parent: 1, Name: "ghost"}
	err := t.fs.LookUpInode(t.ctx, op)
	assert.Equal(t.T(), unix.ENOENT, err)
}

func (t *FacadeTest) TestSetInodeAttributesFansOut() {
	attrs := someAttrs(7, wire.KindFile)
	t.node.setHandler(func(req wire.Request) wire.Response {
		switch req.(type) {
		case *wire.TruncateRequest, *wire.ChmodRequest, *wire.UtimensRequest:
			return &wire.EmptyResponse{}
		case *wire.GetattrRequest:
			return &wire.FileMetadataResponse{Attrs: attrs}
		default:
			return &wire.ErrorResponse{Code: wire.ErrBadRequest}
		}
	})

	size := uint64(16)
	mode := os.FileMode(0o600) | os.ModeSetuid
	mtime := time.Unix(1700001234, 0)
	op := &fuseops.SetInodeAttributesOp{
		Inode: 7,
		Size:  &size,
		Mode:  &mode,
		Mtime: &mtime,
	}
	require.NoError(t.T(), t.fs.SetInodeAttributes(t.ctx, op))
	assert.Equal(t.T(), uint32(1000), op.Attributes.Uid)

	// One request per changed attribute group, then the refresh getattr.
	recorded := t.node.recorded()
	require.Len(t.T(), recorded, 4)

	trunc, ok := recorded[0].(*wire.TruncateRequest)
	require.True(t.T(), ok)
	assert.Equal(t.T(), uint64(16), trunc.NewLen)

	chmod, ok := recorded[1].(*wire.ChmodRequest)
	require.True(t.T(), ok)
	assert.Equal(t.T(), uint16(0o4600), chmod.Mode)

	utimens, ok := recorded[2].(*wire.UtimensRequest)
	require.True(t.T(), ok)
	require.NotNil(t.T(), utimens.Mtime)
	assert.Nil(t.T(), utimens.Atime)
	assert.Equal(t.T(), mtime.Unix(), utimens.Mtime.Seconds)

	_, ok = recorded[3].(*wire.GetattrRequest)
	assert.True(t.T(), ok)
}

func (t *FacadeTest) TestSetInodeAttributesStopsOnError() {
	t.node.setHandler(func(req wire.Request) wire.Response {
		return &wire.ErrorResponse{Code: wire.ErrAccessDenied}
	})

	size := uint64(0)
	mode := os.FileMode(0o600)
	op := &fuseops.SetInodeAttributesOp{Inode: 7, Size: &size, Mode: &mode}
	err := t.fs.SetInodeAttributes(t.ctx, op)
	assert.Equal(t.T(), unix.EACCES, err)

	// The failed truncate must short-circuit the chmod.
	require.Len(t.T(), t.node.recorded(), 1)
}

func (t *FacadeTest) TestCreateSymlinkWritesTarget() {
	attrs := someAttrs(9, wire.KindSymlink)
	t.node.setHandler(func(req wire.Request) wire.Response {
		switch r := req.(type) {
		case *wire.CreateRequest:
			return &wire.FileMetadataResponse{Attrs: attrs}
		case *wire.WriteRequest:
			return &wire.WrittenResponse{BytesWritten: uint32(len(r.Data))}
		case *wire.GetattrRequest:
			return &wire.FileMetadataResponse{Attrs: attrs}
		default:
			return &wire.ErrorResponse{Code: wire.ErrBadRequest}
		}
	})

	op := &fuseops.CreateSymlinkOp{
		Parent: fuseops.InodeID(wire.RootInode),
		Name:   "link",
		Target: "/elsewhere",
	}
	require.NoError(t.T(), t.fs.CreateSymlink(t.ctx, op))
	assert.Equal(t.T(), fuseops.InodeID(9), op.Entry.Child)
	assert.NotZero(t.T(), op.Entry.Attributes.Mode&os.ModeSymlink)

	recorded := t.node.recorded()
	create, ok := recorded[0].(*wire.CreateRequest)
	require.True(t.T(), ok)
	assert.Equal(t.T(), wire.KindSymlink, create.Kind)
	assert.Equal(t.T(), uint16(0o777), create.Mode)

	write, ok := recorded[1].(*wire.WriteRequest)
	require.True(t.T(), ok)
	assert.Equal(t.T(), uint64(9), write.Inode)
	assert.Equal(t.T(), []byte("/elsewhere"), write.Data)
}

func (t *FacadeTest) TestReadSymlinkReturnsTarget() {
	attrs := someAttrs(9, wire.KindSymlink)
	attrs.Size = uint64(len("/elsewhere"))
	t.node.setHandler(func(req wire.Request) wire.Response {
		switch r := req.(type) {
		case *wire.GetattrRequest:
			return &wire.FileMetadataResponse{Attrs: attrs}
		case *wire.ReadRequest:
			assert.Equal(t.T(), uint32(attrs.Size), r.Size)
			return &wire.ReadResponse{Data: []byte("/elsewhere")}
		default:
			return &wire.ErrorResponse{Code: wire.ErrBadRequest}
		}
	})

	op := &fuseops.ReadSymlinkOp{Inode: 9}
	require.NoError(t.T(), t.fs.ReadSymlink(t.ctx, op))
	assert.Equal(t.T(), "/elsewhere", op.Target)
}

func (t *FacadeTest) TestCreateLinkIssuesHardlink() {
	attrs := someAttrs(7, wire.KindFile)
	attrs.HardLinks = 2
	t.node.setHandler(func(req wire.Request) wire.Response {
		if _, ok := req.(*wire.HardlinkRequest); ok {
			return &wire.FileMetadataResponse{Attrs: attrs}
		}
		return &wire.ErrorResponse{Code: wire.ErrBadRequest}
	})

	op := &fuseops.CreateLinkOp{
		Parent: fuseops.InodeID(wire.RootInode),
		Name:   "second",
		Target: 7,
	}
	require.NoError(t.T(), t.fs.CreateLink(t.ctx, op))
	assert.Equal(t.T(), fuseops.InodeID(7), op.Entry.Child)
	assert.Equal(t.T(), uint32(2), op.Entry.Attributes.Nlink)

	hardlink, ok := t.node.recorded()[0].(*wire.HardlinkRequest)
	require.True(t.T(), ok)
	assert.Equal(t.T(), uint64(7), hardlink.Inode)
	assert.Equal(t.T(), wire.RootInode, hardlink.NewParent)
	assert.Equal(t.T(), "second", hardlink.NewName)
}

func (t *FacadeTest) TestRenameTranslatesOperands() {
	t.node.setHandler(func(req wire.Request) wire.Response {
		return &wire.EmptyResponse{}
	})

	op := &fuseops.RenameOp{
		OldParent: 1,
		OldName:   "a",
		NewParent: 5,
		NewName:   "b",
	}
	require.NoError(t.T(), t.fs.Rename(t.ctx, op))

	rename, ok := t.node.recorded()[0].(*wire.RenameRequest)
	require.True(t.T(), ok)
	assert.Equal(t.T(), uint64(1), rename.Parent)
	assert.Equal(t.T(), "a", rename.Name)
	assert.Equal(t.T(), uint64(5), rename.NewParent)
	assert.Equal(t.T(), "b", rename.NewName)
}

func (t *FacadeTest) TestRenameMapsNotEmpty() {
	t.node.setHandler(func(req wire.Request) wire.Response {
		return &wire.ErrorResponse{Code: wire.ErrNotEmpty}
	})

	op := &fuseops.RenameOp{OldParent: 1, OldName: "a", NewParent: 1, NewName: "d"}
	err := t.fs.Rename(t.ctx, op)
	assert.Equal(t.T(), unix.ENOTEMPTY, err)
}

func (t *FacadeTest) TestReadDirRespectsOffsetAndBuffer() {
	entries := []wire.DirEntry{
		{Name: "a", Inode: 2, Kind: wire.KindFile},
		{Name: "b", Inode: 3, Kind: wire.KindDirectory},
		{Name: "c", Inode: 4, Kind: wire.KindSymlink},
	}
	t.node.setHandler(func(req wire.Request) wire.Response {
		return &wire.DirectoryListingResponse{Entries: entries}
	})

	op := &fuseops.ReadDirOp{
		Inode:  fuseops.InodeID(wire.RootInode),
		Offset: 1,
		Dst:    make([]byte, 4096),
	}
	require.NoError(t.T(), t.fs.ReadDir(t.ctx, op))
	assert.NotZero(t.T(), op.BytesRead)

	// Offset 1 skips "a"; the remaining entries fit the buffer.
	t.node.reset()
	op2 := &fuseops.ReadDirOp{
		Inode:  fuseops.InodeID(wire.RootInode),
		Offset: 3,
		Dst:    make([]byte, 4096),
	}
	require.NoError(t.T(), t.fs.ReadDir(t.ctx, op2))
	assert.Zero(t.T(), op2.BytesRead)
}

func TestConvertAttrs(t *testing.T) {
	attrs := wire.Attrs{
		Inode:     42,
		Kind:      wire.KindDirectory,
		Mode:      0o1755,
		Uid:       1000,
		Gid:       100,
		Size:      4096,
		HardLinks: 3,
		Atime:     wire.Timestamp{Seconds: 1, Nanos: 2},
		Mtime:     wire.Timestamp{Seconds: 3, Nanos: 4},
		Ctime:     wire.Timestamp{Seconds: 5, Nanos: 6},
	}
	got := convertAttrs(attrs)

	assert.True(t, got.Mode.IsDir())
	assert.Equal(t, os.FileMode(0o755), got.Mode.Perm())
	assert.NotZero(t, got.Mode&os.ModeSticky)
	assert.Equal(t, uint32(3), got.Nlink)
	assert.Equal(t, uint64(4096), got.Size)
	assert.Equal(t, uint32(1000), got.Uid)
	assert.Equal(t, attrs.Mtime.Time(), got.Mtime)
}

func TestConvertAttrsSymlink(t *testing.T) {
	got := convertAttrs(wire.Attrs{Kind: wire.KindSymlink, Mode: 0o777})
	assert.NotZero(t, got.Mode&os.ModeSymlink)
	assert.False(t, got.Mode.IsDir())
}

func TestSetuidBits(t *testing.T) {
	assert.Equal(t, uint16(0o4000), setuidBits(os.ModeSetuid))
	assert.Equal(t, uint16(0o2000), setuidBits(os.ModeSetgid))
	assert.Equal(t, uint16(0o1000), setuidBits(os.ModeSticky))
	assert.Equal(t, uint16(0), setuidBits(0o755))
}

func TestDirentType(t *testing.T) {
	assert.Equal(t, fuseutil.DT_Directory, direntType(wire.KindDirectory))
	assert.Equal(t, fuseutil.DT_Link, direntType(wire.KindSymlink))
	assert.Equal(t, fuseutil.DT_File, direntType(wire.KindFile))
}
