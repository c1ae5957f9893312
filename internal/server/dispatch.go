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

package server

import (
	"bytes"
	"context"

	"github.com/fleetfs/fleetfs/internal/logger"
	"github.com/fleetfs/fleetfs/internal/monitor"
	"github.com/fleetfs/fleetfs/internal/wire"
)

func errResp(err error) wire.Response {
	return &wire.ErrorResponse{Code: wire.CodeOf(err)}
}

// dispatch routes one decoded request to the right machinery:
//
//   - Raft traffic steps into the local consensus driver.
//   - Cluster queries answer from local driver state.
//   - User-level multi-rgroup operations run through the coordinator.
//   - Everything else belongs to a single rgroup: served or proposed
//     locally when this node leads the group. Internal primitives from a
//     peer's router get RaftFailure otherwise (the router retries), while
//     user-level requests are forwarded so a mount client can talk to any
//     node.
func (s *Server) dispatch(ctx context.Context, request wire.Request) wire.Response {
	switch req := request.(type) {
	case *wire.RaftRequest:
		driver, ok := s.drivers[req.Rgroup]
		if !ok {
			return &wire.ErrorResponse{Code: wire.ErrBadRequest}
		}
		monitor.RaftMessages.WithLabelValues("recv").Inc()
		if err := driver.Step(req.Message); err != nil {
			return errResp(err)
		}
		return &wire.EmptyResponse{}

	case *wire.RaftGroupLeaderRequest:
		driver, ok := s.drivers[req.Rgroup]
		if !ok {
			return &wire.ErrorResponse{Code: wire.ErrRaftFailure}
		}
		return &wire.NodeIdResponse{NodeID: driver.Leader()}

	case *wire.LatestCommitRequest:
		driver, ok := s.drivers[req.Rgroup]
		if !ok {
			return &wire.ErrorResponse{Code: wire.ErrRaftFailure}
		}
		return &wire.LatestCommitResponse{Commit: driver.StateMachine().LatestCommit()}

	case *wire.FilesystemInformationRequest:
		return &wire.FilesystemInformationResponse{
			BlockSize:     wire.BlockSize,
			MaxNameLength: wire.MaxNameLength,
		}

	case *wire.FilesystemReadyRequest:
		for g := uint16(0); g < s.cfg.Topology.Rgroups; g++ {
			if _, err := s.router.LeaderOf(ctx, g); err != nil {
				return errResp(err)
			}
		}
		return &wire.EmptyResponse{}

	case *wire.FilesystemChecksumRequest:
		// Answers for the rgroups replicated here; a checker merges the
		// responses from every node.
		var sums []wire.RgroupChecksum
		for g, st := range s.stores {
			sum, err := st.Checksum()
			if err != nil {
				return errResp(err)
			}
			sums = append(sums, wire.RgroupChecksum{Rgroup: g, Checksum: sum})
		}
		return &wire.ChecksumResponse{Checksums: sums}

	case *wire.FilesystemCheckRequest:
		return s.checkReplicas(ctx)

	case *wire.CreateRequest:
		attrs, err := s.coord.Create(ctx, req.Parent, req.Name, req.Mode, req.Kind, req.Context)
		if err != nil {
			return errResp(err)
		}
		return &wire.FileMetadataResponse{Attrs: attrs}

	case *wire.MkdirRequest:
		attrs, err := s.coord.Mkdir(ctx, req.Parent, req.Name, req.Mode, req.Context)
		if err != nil {
			return errResp(err)
		}
		return &wire.FileMetadataResponse{Attrs: attrs}

	case *wire.UnlinkRequest:
		if err := s.coord.Unlink(ctx, req.Parent, req.Name, req.Context); err != nil {
			return errResp(err)
		}
		return &wire.EmptyResponse{}

	case *wire.RmdirRequest:
		if err := s.coord.Rmdir(ctx, req.Parent, req.Name, req.Context); err != nil {
			return errResp(err)
		}
		return &wire.EmptyResponse{}

	case *wire.RenameRequest:
		if err := s.coord.Rename(ctx, req.Parent, req.Name, req.NewParent, req.NewName, req.Context); err != nil {
			return errResp(err)
		}
		return &wire.EmptyResponse{}

	case *wire.HardlinkRequest:
		attrs, err := s.coord.Hardlink(ctx, req.Inode, req.NewParent, req.NewName, req.Context)
		if err != nil {
			return errResp(err)
		}
		return &wire.FileMetadataResponse{Attrs: attrs}

	case *wire.ReadRawRequest:
		// Raw reads bypass leader routing: any replica answers from local
		// blocks once its applied index reaches the fence.
		g := s.cfg.Topology.RgroupOf(req.Inode)
		driver, ok := s.drivers[g]
		if !ok {
			return &wire.ErrorResponse{Code: wire.ErrRaftFailure}
		}
		return driver.StateMachine().Read(ctx, req)

	default:
		return s.dispatchRgroup(ctx, request)
	}
}

// dispatchRgroup handles requests owned by exactly one rgroup.
func (s *Server) dispatchRgroup(ctx context.Context, request wire.Request) wire.Response {
	g, ok := s.cfg.Topology.RgroupForRequest(request)
	if !ok {
		return &wire.ErrorResponse{Code: wire.ErrBadRequest}
	}

	driver, local := s.drivers[g]
	if local && driver.IsLeader() {
		if wire.ReadOnly(request) {
			return driver.StateMachine().Read(ctx, request)
		}
		resp, err := driver.Propose(ctx, request)
		if err != nil {
			return errResp(err)
		}
		return resp
	}

	if internalPrimitive(request) {
		// The caller is a router; let it chase the leader itself.
		return &wire.ErrorResponse{Code: wire.ErrRaftFailure}
	}

	// A mount client may talk to any node; forward on its behalf.
	resp, err := s.router.RouteTo(ctx, g, request)
	if err != nil {
		return errResp(err)
	}
	return resp
}

func internalPrimitive(request wire.Request) bool {
	switch request.(type) {
	case *wire.CreateInodeRequest, *wire.CreateLinkRequest, *wire.ReplaceLinkRequest,
		*wire.RemoveLinkRequest, *wire.DecrementInodeRequest,
		*wire.HardlinkIncrementRequest, *wire.HardlinkRollbackRequest,
		*wire.UpdateParentRequest, *wire.UpdateMetadataChangedTimeRequest,
		*wire.LockRequest, *wire.UnlockRequest:
		return true
	}
	return false
}

// checkReplicas compares this node's rgroup checksums against the other
// replicas of the same groups. Replicas are only compared when their
// applied positions match; divergence at the same position is corruption.
func (s *Server) checkReplicas(ctx context.Context) wire.Response {
	for g, st := range s.stores {
		localSum, err := st.Checksum()
		if err != nil {
			return errResp(err)
		}
		localCommit := s.drivers[g].StateMachine().LatestCommit()

		for _, member := range s.cfg.Topology.Members(g) {
			if member == s.cfg.NodeID {
				continue
			}
			commitResp, err := s.peers.query(ctx, member, &wire.LatestCommitRequest{Rgroup: g})
			if err != nil {
				continue
			}
			latest, ok := commitResp.(*wire.LatestCommitResponse)
			if !ok || latest.Commit != localCommit {
				continue
			}
			sumResp, err := s.peers.query(ctx, member, &wire.FilesystemChecksumRequest{})
			if err != nil {
				continue
			}
			sums, ok := sumResp.(*wire.ChecksumResponse)
			if !ok {
				continue
			}
			for _, peerSum := range sums.Checksums {
				if peerSum.Rgroup == g && !bytes.Equal(peerSum.Checksum, localSum) {
					logger.Errorf("rgroup %d checksum mismatch with node %d", g, member)
					return &wire.ErrorResponse{Code: wire.ErrCorrupted}
				}
			}
		}
	}
	return &wire.EmptyResponse{}
}
