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

// Package rgroup implements one replication group: a deterministic state
// machine applying committed log entries against the local store, and the
// driver that bridges it to the consensus library.
package rgroup

import (
	"context"
	"sync"

	"github.com/fleetfs/fleetfs/internal/logger"
	"github.com/fleetfs/fleetfs/internal/store"
	"github.com/fleetfs/fleetfs/internal/wire"
)

// StateMachine applies committed entries, in log order, single-threaded.
// Read-only requests are served directly (on leaders) without a log entry.
type StateMachine struct {
	rgroup uint16
	store  *store.Store

	mu      sync.Mutex
	applied wire.CommitID
	cond    *sync.Cond // broadcast on applied advance
}

func NewStateMachine(rgroup uint16, st *store.Store) *StateMachine {
	m := &StateMachine{rgroup: rgroup, store: st}
	m.cond = sync.NewCond(&m.mu)
	if c, err := st.AppliedCommit(); err == nil {
		m.applied = c
	}
	return m
}

// LatestCommit returns the highest applied (term, index).
func (m *StateMachine) LatestCommit() wire.CommitID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

// WaitForCommit blocks until the applied position reaches want, or ctx is
// done. Leaders use it to fence reads behind a client's observed commit.
func (m *StateMachine) WaitForCommit(ctx context.Context, want wire.CommitID) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		// Wake the cond.Wait below when the deadline expires.
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-done:
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.applied.AtLeast(want) {
		if ctx.Err() != nil {
			return wire.Errorf(wire.ErrRaftFailure, "applied %+v never reached %+v", m.applied, want)
		}
		m.cond.Wait()
	}
	return nil
}

// Apply executes one committed mutating request and returns its encoded
// response. Failures surface as ErrorResponse; only malformed entries keep
// the applied index from advancing state, and even those advance the
// position so replicas stay aligned.
func (m *StateMachine) Apply(term, index uint64, request wire.Request, now wire.Timestamp) wire.Response {
	resp := m.applyMutation(request, now)

	m.mu.Lock()
	m.applied = wire.CommitID{Term: term, Index: index}
	m.cond.Broadcast()
	m.mu.Unlock()

	if err := m.store.SetAppliedCommit(wire.CommitID{Term: term, Index: index}); err != nil {
		logger.Errorf("rgroup %d: persisting applied commit: %v", m.rgroup, err)
	}
	return resp
}

func errorResponse(err error) wire.Response {
	code := wire.CodeOf(err)
	if code == wire.ErrUncategorized {
		logger.Warnf("uncategorized state machine error: %v", err)
	}
	return &wire.ErrorResponse{Code: code}
}

// applyMutation dispatches one mutating request against the store. Lock
// validation happens here so it is linearized with the mutation itself.
func (m *StateMachine) applyMutation(request wire.Request, now wire.Timestamp) wire.Response {
	switch req := request.(type) {
	case *wire.WriteRequest:
		n, err := m.store.Write(req.Inode, req.Offset, req.Data, now)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.WrittenResponse{BytesWritten: n}

	case *wire.TruncateRequest:
		if err := m.store.Truncate(req.Inode, req.NewLen, req.Context, now); err != nil {
			return errorResponse(err)
		}
		return &wire.EmptyResponse{}

	case *wire.FsyncRequest:
		if err := m.store.Fsync(req.Inode); err != nil {
			return errorResponse(err)
		}
		return &wire.EmptyResponse{}

	case *wire.ChmodRequest:
		attrs, err := m.store.Chmod(req.Inode, req.Mode, req.Context, now)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.FileMetadataResponse{Attrs: attrs}

	case *wire.ChownRequest:
		attrs, err := m.store.Chown(req.Inode, req.Uid, req.Gid, req.Context, now)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.FileMetadataResponse{Attrs: attrs}

	case *wire.UtimensRequest:
		attrs, err := m.store.Utimens(req.Inode, req.Atime, req.Mtime, req.Context, now)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.FileMetadataResponse{Attrs: attrs}

	case *wire.SetXattrRequest:
		if err := m.store.SetXattr(req.Inode, req.Key, req.Value, req.Context, now); err != nil {
			return errorResponse(err)
		}
		return &wire.EmptyResponse{}

	case *wire.RemoveXattrRequest:
		if err := m.store.RemoveXattr(req.Inode, req.Key, req.Context, now); err != nil {
			return errorResponse(err)
		}
		return &wire.EmptyResponse{}

	case *wire.CreateInodeRequest:
		attrs, err := m.store.CreateInode(req, now)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.FileMetadataResponse{Attrs: attrs}

	case *wire.CreateLinkRequest:
		if err := m.store.ValidateLock(req.Parent, req.LockID); err != nil {
			return errorResponse(err)
		}
		if err := m.store.CreateLink(req, now); err != nil {
			return errorResponse(err)
		}
		return &wire.EmptyResponse{}

	case *wire.ReplaceLinkRequest:
		if err := m.store.ValidateLock(req.Parent, req.LockID); err != nil {
			return errorResponse(err)
		}
		old, err := m.store.ReplaceLink(req, now)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.InodeResponse{Inode: old}

	case *wire.RemoveLinkRequest:
		if err := m.store.ValidateLock(req.Parent, req.LockID); err != nil {
			return errorResponse(err)
		}
		inode, uid, err := m.store.RemoveLink(req, now)
		if err != nil {
			return errorResponse(err)
		}
		// The caller still owes a decrement on the target's rgroup.
		return &wire.RemoveLinkResponse{Inode: inode, Uid: uid, ProcessingComplete: false}

	case *wire.DecrementInodeRequest:
		if err := m.store.ValidateLock(req.Inode, req.LockID); err != nil {
			return errorResponse(err)
		}
		if _, err := m.store.DecrementLinks(req.Inode, req.Count, req.LockID, now); err != nil {
			return errorResponse(err)
		}
		return &wire.EmptyResponse{}

	case *wire.HardlinkIncrementRequest:
		attrs, prev, err := m.store.HardlinkIncrement(req.Inode, now)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.HardlinkTransactionResponse{Attrs: attrs, PrevModified: prev}

	case *wire.HardlinkRollbackRequest:
		if err := m.store.HardlinkRollback(req.Inode, req.PrevModified, now); err != nil {
			return errorResponse(err)
		}
		return &wire.EmptyResponse{}

	case *wire.UpdateParentRequest:
		if err := m.store.ValidateLock(req.Inode, req.LockID); err != nil {
			return errorResponse(err)
		}
		if err := m.store.UpdateParent(req.Inode, req.NewParent, now); err != nil {
			return errorResponse(err)
		}
		return &wire.EmptyResponse{}

	case *wire.UpdateMetadataChangedTimeRequest:
		if err := m.store.ValidateLock(req.Inode, req.LockID); err != nil {
			return errorResponse(err)
		}
		if err := m.store.UpdateMetadataChangedTime(req.Inode, now); err != nil {
			return errorResponse(err)
		}
		return &wire.EmptyResponse{}

	case *wire.LockRequest:
		id, err := m.store.Lock(req.Inode, now)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.LockResponse{LockID: id}

	case *wire.UnlockRequest:
		if err := m.store.Unlock(req.Inode, req.LockID); err != nil {
			return errorResponse(err)
		}
		return &wire.EmptyResponse{}

	default:
		return &wire.ErrorResponse{Code: wire.ErrBadRequest}
	}
}

// Read serves a read-only request from local state. The caller (the server)
// is responsible for only invoking this on the leader, and for fencing via
// WaitForCommit when the request carries a required commit.
func (m *StateMachine) Read(ctx context.Context, request wire.Request) wire.Response {
	switch req := request.(type) {
	case *wire.GetattrRequest:
		attrs, err := m.store.GetAttrs(req.Inode)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.FileMetadataResponse{Attrs: attrs}

	case *wire.ReadRequest:
		if req.RequiredCommit != nil {
			if err := m.WaitForCommit(ctx, *req.RequiredCommit); err != nil {
				return errorResponse(err)
			}
		}
		data, err := m.store.Read(req.Inode, req.Offset, req.Size)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.ReadResponse{Data: data}

	case *wire.ReadRawRequest:
		if err := m.WaitForCommit(ctx, req.RequiredCommit); err != nil {
			return errorResponse(err)
		}
		data, err := m.store.Read(req.Inode, req.Offset, req.Size)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.ReadResponse{Data: data}

	case *wire.ReaddirRequest:
		entries, err := m.store.ListDir(req.Inode)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.DirectoryListingResponse{Entries: entries}

	case *wire.LookupRequest:
		// The entry's target may live on another rgroup, so lookup reports
		// the bare inode and callers getattr it where it lives.
		inode, _, err := m.store.Lookup(req.Parent, req.Name, req.Context)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.InodeResponse{Inode: inode}

	case *wire.GetXattrRequest:
		value, err := m.store.GetXattr(req.Inode, req.Key, req.Context)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.XattrsResponse{Value: value}

	case *wire.ListXattrsRequest:
		keys, err := m.store.ListXattrs(req.Inode)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.XattrsResponse{Keys: keys}

	case *wire.LatestCommitRequest:
		return &wire.LatestCommitResponse{Commit: m.LatestCommit()}

	case *wire.FilesystemChecksumRequest:
		sum, err := m.store.Checksum()
		if err != nil {
			return errorResponse(err)
		}
		return &wire.ChecksumResponse{Checksums: []wire.RgroupChecksum{
			{Rgroup: m.rgroup, Checksum: sum},
		}}

	default:
		return &wire.ErrorResponse{Code: wire.ErrBadRequest}
	}
}
