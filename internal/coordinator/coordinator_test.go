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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/fleetfs/fleetfs/clock"
	"github.com/fleetfs/fleetfs/internal/cluster"
	"github.com/fleetfs/fleetfs/internal/rgroup"
	"github.com/fleetfs/fleetfs/internal/store"
	"github.com/fleetfs/fleetfs/internal/wire"
)

// fakeCluster satisfies Requester by applying requests directly against
// per-rgroup state machines, so coordinator sequences run end-to-end
// without a network or consensus underneath.
type fakeCluster struct {
	topo  cluster.Topology
	sms   map[uint16]*rgroup.StateMachine
	clock *clock.SimulatedClock

	mu    sync.Mutex
	index map[uint16]uint64

	// failNext, when set, intercepts matching mutations until cleared.
	failNext func(req wire.Request) wire.Response
}

func newFakeCluster(t *testing.T, rgroups uint16) *fakeCluster {
	topo, err := cluster.New([]string{"node1"}, rgroups, 1)
	require.NoError(t, err)

	f := &fakeCluster{
		topo:  topo,
		sms:   make(map[uint16]*rgroup.StateMachine),
		index: make(map[uint16]uint64),
		clock: clock.NewSimulatedClock(time.Unix(1700000000, 0)),
	}
	for g := uint16(0); g < rgroups; g++ {
		st, err := store.Open(t.TempDir(), g, rgroups)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		f.sms[g] = rgroup.NewStateMachine(g, st)
	}
	return f
}

func (f *fakeCluster) Topology() cluster.Topology { return f.topo }

func (f *fakeCluster) Route(ctx context.Context, req wire.Request) (wire.Response, error) {
	g, ok := f.topo.RgroupForRequest(req)
	if !ok {
		return nil, wire.Errorf(wire.ErrBadRequest, "unroutable %T", req)
	}
	return f.RouteTo(ctx, g, req)
}

func (f *fakeCluster) RouteTo(ctx context.Context, g uint16, req wire.Request) (wire.Response, error) {
	if wire.ReadOnly(req) {
		return f.sms[g].Read(ctx, req), nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		if resp := f.failNext(req); resp != nil {
			return resp, nil
		}
	}
	f.index[g]++
	return f.sms[g].Apply(1, f.index[g], req, wire.TimestampFromTime(f.clock.Now())), nil
}

type CoordinatorTest struct {
	suite.Suite
	fake  *fakeCluster
	coord *Coordinator
	ctx   context.Context
	uctx  wire.UserContext
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorTest))
}

func (t *CoordinatorTest) SetupTest() {
	t.fake = newFakeCluster(t.T(), 4)
	t.coord = New(t.fake)
	t.ctx = context.Background()
	t.uctx = wire.UserContext{Uid: 1000, Gid: 1000}
}

func (t *CoordinatorTest) getattr(inode uint64) (wire.Attrs, error) {
	return t.coord.getattr(t.ctx, inode)
}

func (t *CoordinatorTest) lookup(parent uint64, name string) (uint64, error) {
	return t.coord.lookup(t.ctx, parent, name, t.uctx)
}

func (t *CoordinatorTest) TestCreateThenStat() {
	attrs, err := t.coord.Create(t.ctx, wire.RootInode, "a", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)

	got, err := t.getattr(attrs.Inode)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(0), got.Size)
	assert.Equal(t.T(), uint32(1), got.HardLinks)
	assert.Equal(t.T(), uint16(0o644), got.Mode)
	assert.Equal(t.T(), uint32(1000), got.Uid)
	assert.Equal(t.T(), wire.KindFile, got.Kind)

	ino, err := t.lookup(wire.RootInode, "a")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), attrs.Inode, ino)
}

func (t *CoordinatorTest) TestCreateCollisionSurfacesAlreadyExists() {
	_, err := t.coord.Create(t.ctx, wire.RootInode, "dup", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)

	_, err = t.coord.Create(t.ctx, wire.RootInode, "dup", 0o644, wire.KindFile, t.uctx)
	assert.Equal(t.T(), wire.ErrAlreadyExists, wire.CodeOf(err))
}

func (t *CoordinatorTest) TestHardlinkAcrossRgroups() {
	// Round-robin placement puts the third file on rgroup 2, while the
	// root directory lives on rgroup 0.
	var attrs wire.Attrs
	var err error
	for _, name := range []string{"a0", "a1", "a2"} {
		attrs, err = t.coord.Create(t.ctx, wire.RootInode, name, 0o644, wire.KindFile, t.uctx)
		require.NoError(t.T(), err)
	}
	require.Equal(t.T(), uint16(2), store.RgroupOf(attrs.Inode, 4))

	linked, err := t.coord.Hardlink(t.ctx, attrs.Inode, wire.RootInode, "b", t.uctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(2), linked.HardLinks)

	ino, err := t.lookup(wire.RootInode, "b")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), attrs.Inode, ino)

	got, err := t.getattr(attrs.Inode)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(2), got.HardLinks)
}

func (t *CoordinatorTest) TestHardlinkRollbackOnLinkFailure() {
	attrs, err := t.coord.Create(t.ctx, wire.RootInode, "a", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)
	// Occupy the destination name so the link step collides.
	_, err = t.coord.Create(t.ctx, wire.RootInode, "b", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)

	before, err := t.getattr(attrs.Inode)
	require.NoError(t.T(), err)

	_, err = t.coord.Hardlink(t.ctx, attrs.Inode, wire.RootInode, "b", t.uctx)
	assert.Equal(t.T(), wire.ErrAlreadyExists, wire.CodeOf(err))

	after, err := t.getattr(attrs.Inode)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), before.HardLinks, after.HardLinks)
	assert.Equal(t.T(), before.Mtime, after.Mtime)
}

func (t *CoordinatorTest) TestRmdirNonEmptyThenEmpty() {
	dir, err := t.coord.Mkdir(t.ctx, wire.RootInode, "d", 0o755, t.uctx)
	require.NoError(t.T(), err)
	_, err = t.coord.Create(t.ctx, dir.Inode, "x", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)

	err = t.coord.Rmdir(t.ctx, wire.RootInode, "d", t.uctx)
	assert.Equal(t.T(), wire.ErrNotEmpty, wire.CodeOf(err))

	require.NoError(t.T(), t.coord.Unlink(t.ctx, dir.Inode, "x", t.uctx))
	require.NoError(t.T(), t.coord.Rmdir(t.ctx, wire.RootInode, "d", t.uctx))

	_, err = t.lookup(wire.RootInode, "d")
	assert.Equal(t.T(), wire.ErrDoesNotExist, wire.CodeOf(err))
	_, err = t.getattr(dir.Inode)
	assert.Equal(t.T(), wire.ErrInodeDoesNotExist, wire.CodeOf(err))
}

func (t *CoordinatorTest) TestUnlinkDropsLastLink() {
	attrs, err := t.coord.Create(t.ctx, wire.RootInode, "f", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.coord.Unlink(t.ctx, wire.RootInode, "f", t.uctx))

	_, err = t.lookup(wire.RootInode, "f")
	assert.Equal(t.T(), wire.ErrDoesNotExist, wire.CodeOf(err))
	_, err = t.getattr(attrs.Inode)
	assert.Equal(t.T(), wire.ErrInodeDoesNotExist, wire.CodeOf(err))
}

func (t *CoordinatorTest) TestUnlinkKeepsOtherLinks() {
	attrs, err := t.coord.Create(t.ctx, wire.RootInode, "f", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)
	_, err = t.coord.Hardlink(t.ctx, attrs.Inode, wire.RootInode, "g", t.uctx)
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.coord.Unlink(t.ctx, wire.RootInode, "f", t.uctx))

	got, err := t.getattr(attrs.Inode)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(1), got.HardLinks)
	ino, err := t.lookup(wire.RootInode, "g")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), attrs.Inode, ino)
}

func (t *CoordinatorTest) TestRenameReplacesFile() {
	a, err := t.coord.Create(t.ctx, wire.RootInode, "a", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)
	b, err := t.coord.Create(t.ctx, wire.RootInode, "b", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.coord.Rename(t.ctx, wire.RootInode, "a", wire.RootInode, "b", t.uctx))

	_, err = t.lookup(wire.RootInode, "a")
	assert.Equal(t.T(), wire.ErrDoesNotExist, wire.CodeOf(err))

	ino, err := t.lookup(wire.RootInode, "b")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), a.Inode, ino)

	_, err = t.getattr(b.Inode)
	assert.Equal(t.T(), wire.ErrInodeDoesNotExist, wire.CodeOf(err))
}

func (t *CoordinatorTest) TestRenameOverMultiLinkFileKeepsOtherLinks() {
	a, err := t.coord.Create(t.ctx, wire.RootInode, "a", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)
	b, err := t.coord.Create(t.ctx, wire.RootInode, "b", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)
	_, err = t.coord.Hardlink(t.ctx, b.Inode, wire.RootInode, "b2", t.uctx)
	require.NoError(t.T(), err)

	// Replacing "b" displaces one of the target's two links; "b2" must
	// keep the inode alive.
	require.NoError(t.T(), t.coord.Rename(t.ctx, wire.RootInode, "a", wire.RootInode, "b", t.uctx))

	ino, err := t.lookup(wire.RootInode, "b")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), a.Inode, ino)

	got, err := t.getattr(b.Inode)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(1), got.HardLinks)
	ino, err = t.lookup(wire.RootInode, "b2")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), b.Inode, ino)
}

func (t *CoordinatorTest) TestRenameDirectoryAcrossParentsFixesDotDot() {
	d1, err := t.coord.Mkdir(t.ctx, wire.RootInode, "d1", 0o755, t.uctx)
	require.NoError(t.T(), err)
	d2, err := t.coord.Mkdir(t.ctx, wire.RootInode, "d2", 0o755, t.uctx)
	require.NoError(t.T(), err)
	sub, err := t.coord.Mkdir(t.ctx, d1.Inode, "sub", 0o755, t.uctx)
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.coord.Rename(t.ctx, d1.Inode, "sub", d2.Inode, "sub", t.uctx))

	ino, err := t.lookup(d2.Inode, "sub")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), sub.Inode, ino)

	// ".." must point at the new parent.
	parent, err := t.coord.lookup(t.ctx, sub.Inode, "..", t.uctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), d2.Inode, parent)
}

func (t *CoordinatorTest) TestRenameIntoNonEmptyDirectoryFails() {
	_, err := t.coord.Mkdir(t.ctx, wire.RootInode, "src", 0o755, t.uctx)
	require.NoError(t.T(), err)
	dst, err := t.coord.Mkdir(t.ctx, wire.RootInode, "dst", 0o755, t.uctx)
	require.NoError(t.T(), err)
	_, err = t.coord.Create(t.ctx, dst.Inode, "occupant", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)

	err = t.coord.Rename(t.ctx, wire.RootInode, "src", wire.RootInode, "dst", t.uctx)
	assert.Equal(t.T(), wire.ErrNotEmpty, wire.CodeOf(err))
}

func (t *CoordinatorTest) TestRenameCompensatesWhenOldNameRemovalFails() {
	a, err := t.coord.Create(t.ctx, wire.RootInode, "a", 0o644, wire.KindFile, t.uctx)
	require.NoError(t.T(), err)

	// Fail every RemoveLink of the old name; the coordinator must take the
	// new name back out before surfacing the error.
	t.fake.mu.Lock()
	t.fake.failNext = func(req wire.Request) wire.Response {
		if rm, ok := req.(*wire.RemoveLinkRequest); ok && rm.Name == "a" {
			return &wire.ErrorResponse{Code: wire.ErrRaftFailure}
		}
		return nil
	}
	t.fake.mu.Unlock()

	ctx, cancel := context.WithTimeout(t.ctx, 100*time.Millisecond)
	defer cancel()
	err = t.coord.Rename(ctx, wire.RootInode, "a", wire.RootInode, "moved", t.uctx)
	require.Error(t.T(), err)

	// Old name intact, new name rolled back.
	ino, err := t.lookup(wire.RootInode, "a")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), a.Inode, ino)
	_, err = t.lookup(wire.RootInode, "moved")
	assert.Equal(t.T(), wire.ErrDoesNotExist, wire.CodeOf(err))
}
