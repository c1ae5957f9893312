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

package rgroup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/fleetfs/fleetfs/internal/store"
	"github.com/fleetfs/fleetfs/internal/wire"
)

type StateMachineTest struct {
	suite.Suite
	sm    *StateMachine
	index uint64
}

func TestStateMachineSuite(t *testing.T) {
	suite.Run(t, new(StateMachineTest))
}

func (t *StateMachineTest) SetupTest() {
	st, err := store.Open(t.T().TempDir(), 0, 1)
	require.NoError(t.T(), err)
	t.T().Cleanup(func() { st.Close() })
	t.sm = NewStateMachine(0, st)
	t.index = 0
}

func (t *StateMachineTest) apply(req wire.Request) wire.Response {
	t.index++
	return t.sm.Apply(1, t.index, req, wire.Timestamp{Seconds: int64(1700000000 + t.index)})
}

func (t *StateMachineTest) TestAppliedCommitAdvances() {
	resp := t.apply(&wire.CreateInodeRequest{Kind: wire.KindFile, Mode: 0o644})
	require.IsType(t.T(), &wire.FileMetadataResponse{}, resp)
	assert.Equal(t.T(), wire.CommitID{Term: 1, Index: 1}, t.sm.LatestCommit())

	t.apply(&wire.FsyncRequest{Inode: wire.RootInode})
	assert.Equal(t.T(), wire.CommitID{Term: 1, Index: 2}, t.sm.LatestCommit())
}

func (t *StateMachineTest) TestLockGatesGuardedRequests() {
	created := t.apply(&wire.CreateInodeRequest{Kind: wire.KindFile, Mode: 0o644}).(*wire.FileMetadataResponse)
	inode := created.Attrs.Inode
	t.apply(&wire.CreateLinkRequest{
		Parent: wire.RootInode, Name: "f", Inode: inode, Kind: wire.KindFile,
	})

	lockResp := t.apply(&wire.LockRequest{Inode: wire.RootInode}).(*wire.LockResponse)

	// A guarded request without the lock id fails OperationNotPermitted.
	resp := t.apply(&wire.RemoveLinkRequest{Parent: wire.RootInode, Name: "f"})
	errResp, ok := resp.(*wire.ErrorResponse)
	require.True(t.T(), ok)
	assert.Equal(t.T(), wire.ErrOperationNotPermitted, errResp.Code)

	// With the holder's id it succeeds.
	resp = t.apply(&wire.RemoveLinkRequest{
		Parent: wire.RootInode, Name: "f", LockID: &lockResp.LockID,
	})
	removed, ok := resp.(*wire.RemoveLinkResponse)
	require.True(t.T(), ok)
	assert.Equal(t.T(), inode, removed.Inode)
	assert.False(t.T(), removed.ProcessingComplete)

	t.apply(&wire.UnlockRequest{Inode: wire.RootInode, LockID: lockResp.LockID})
	resp = t.apply(&wire.LockRequest{Inode: wire.RootInode})
	require.IsType(t.T(), &wire.LockResponse{}, resp)
}

func (t *StateMachineTest) TestLockOnHeldLockFailsOperationNotPermitted() {
	t.apply(&wire.LockRequest{Inode: wire.RootInode})
	resp := t.apply(&wire.LockRequest{Inode: wire.RootInode})
	errResp, ok := resp.(*wire.ErrorResponse)
	require.True(t.T(), ok)
	assert.Equal(t.T(), wire.ErrOperationNotPermitted, errResp.Code)
}

func (t *StateMachineTest) TestReadServesGetattrAndReaddir() {
	ctx := context.Background()

	resp := t.sm.Read(ctx, &wire.GetattrRequest{Inode: wire.RootInode})
	meta, ok := resp.(*wire.FileMetadataResponse)
	require.True(t.T(), ok)
	assert.Equal(t.T(), wire.KindDirectory, meta.Attrs.Kind)

	created := t.apply(&wire.CreateInodeRequest{Kind: wire.KindFile, Mode: 0o644}).(*wire.FileMetadataResponse)
	t.apply(&wire.CreateLinkRequest{
		Parent: wire.RootInode, Name: "a", Inode: created.Attrs.Inode, Kind: wire.KindFile,
	})

	resp = t.sm.Read(ctx, &wire.ReaddirRequest{Inode: wire.RootInode})
	listing, ok := resp.(*wire.DirectoryListingResponse)
	require.True(t.T(), ok)
	require.Len(t.T(), listing.Entries, 1)
	assert.Equal(t.T(), "a", listing.Entries[0].Name)

	resp = t.sm.Read(ctx, &wire.LookupRequest{Parent: wire.RootInode, Name: "a"})
	ino, ok := resp.(*wire.InodeResponse)
	require.True(t.T(), ok)
	assert.Equal(t.T(), created.Attrs.Inode, ino.Inode)
}

func (t *StateMachineTest) TestReadHonorsRequiredCommit() {
	created := t.apply(&wire.CreateInodeRequest{Kind: wire.KindFile, Mode: 0o644}).(*wire.FileMetadataResponse)
	t.apply(&wire.WriteRequest{Inode: created.Attrs.Inode, Data: []byte("x")})

	// Satisfied fence: served immediately.
	commit := t.sm.LatestCommit()
	resp := t.sm.Read(context.Background(), &wire.ReadRequest{
		Inode: created.Attrs.Inode, Size: 1, RequiredCommit: &commit,
	})
	read, ok := resp.(*wire.ReadResponse)
	require.True(t.T(), ok)
	assert.Equal(t.T(), []byte("x"), read.Data)

	// Unreached fence: blocks until the deadline, then RaftFailure.
	future := wire.CommitID{Term: 1, Index: commit.Index + 100}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp = t.sm.Read(ctx, &wire.ReadRequest{
		Inode: created.Attrs.Inode, Size: 1, RequiredCommit: &future,
	})
	errResp, ok := resp.(*wire.ErrorResponse)
	require.True(t.T(), ok)
	assert.Equal(t.T(), wire.ErrRaftFailure, errResp.Code)
}

func (t *StateMachineTest) TestReplicasConvergeOnSameLog() {
	replicaStore, err := store.Open(t.T().TempDir(), 0, 1)
	require.NoError(t.T(), err)
	defer replicaStore.Close()
	replica := NewStateMachine(0, replicaStore)

	log := []wire.Request{
		&wire.CreateInodeRequest{Kind: wire.KindFile, Mode: 0o644, Uid: 7},
		&wire.CreateLinkRequest{Parent: wire.RootInode, Name: "f", Inode: 2, Kind: wire.KindFile},
		&wire.WriteRequest{Inode: 2, Offset: 0, Data: []byte("replicated")},
		&wire.SetXattrRequest{Inode: 2, Key: "user.k", Value: []byte("v")},
		&wire.CreateInodeRequest{Kind: wire.KindDirectory, Mode: 0o755, Parent: wire.RootInode},
		&wire.CreateLinkRequest{Parent: wire.RootInode, Name: "d", Inode: 3, Kind: wire.KindDirectory},
	}

	var leaderResponses, replicaResponses []wire.Response
	for i, req := range log {
		ts := wire.Timestamp{Seconds: int64(1700000000 + i)}
		leaderResponses = append(leaderResponses, t.sm.Apply(1, uint64(i+1), req, ts))
		replicaResponses = append(replicaResponses, replica.Apply(1, uint64(i+1), req, ts))
	}
	assert.Equal(t.T(), leaderResponses, replicaResponses)
	assert.Equal(t.T(), t.sm.LatestCommit(), replica.LatestCommit())

	leaderSum := t.sm.Read(context.Background(), &wire.FilesystemChecksumRequest{})
	replicaSum := replica.Read(context.Background(), &wire.FilesystemChecksumRequest{})
	assert.Equal(t.T(), leaderSum, replicaSum)
}
