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
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/fleetfs/fleetfs/clock"
	"github.com/fleetfs/fleetfs/internal/logger"
	"github.com/fleetfs/fleetfs/internal/monitor"
	"github.com/fleetfs/fleetfs/internal/wire"
)

const tickInterval = 100 * time.Millisecond

// Transport delivers raft messages to peer replicas. Implementations wrap
// the message in a RaftRequest frame on the shared peer connections.
type Transport interface {
	Send(to uint64, rgroup uint16, msg raftpb.Message)
}

// Log entry layout: 16-byte proposal id, 12-byte propose-time timestamp,
// then the encoded request. The timestamp is stamped by the proposing
// leader so apply is deterministic on every replica.
const entryHeaderLen = 16 + 12

func encodeEntry(id uuid.UUID, now wire.Timestamp, request wire.Request) []byte {
	payload := wire.EncodeRequest(request)
	buf := make([]byte, entryHeaderLen, entryHeaderLen+len(payload))
	copy(buf, id[:])
	putTimestamp(buf[16:], now)
	return append(buf, payload...)
}

func decodeEntry(data []byte) (id uuid.UUID, now wire.Timestamp, request wire.Request, err error) {
	if len(data) < entryHeaderLen {
		return id, now, nil, wire.Errorf(wire.ErrBadRequest, "log entry too short (%d bytes)", len(data))
	}
	copy(id[:], data[:16])
	now = takeTimestamp(data[16:entryHeaderLen])
	request, err = wire.DecodeRequest(data[entryHeaderLen:])
	return id, now, request, err
}

func putTimestamp(buf []byte, t wire.Timestamp) {
	binary.LittleEndian.PutUint64(buf, uint64(t.Seconds))
	binary.LittleEndian.PutUint32(buf[8:], uint32(t.Nanos))
}

func takeTimestamp(buf []byte) wire.Timestamp {
	return wire.Timestamp{
		Seconds: int64(binary.LittleEndian.Uint64(buf)),
		Nanos:   int32(binary.LittleEndian.Uint32(buf[8:])),
	}
}

type proposal struct {
	data []byte
}

// Driver runs one rgroup's consensus loop: tick, step incoming messages,
// propose on behalf of the local leader path, and apply committed entries
// in order. The RawNode is confined to the run goroutine.
type Driver struct {
	rgroup  uint16
	nodeID  uint64
	sm      *StateMachine
	clock   clock.Clock
	storage *raft.MemoryStorage
	node    *raft.RawNode

	transport Transport

	proposeCh chan proposal
	stepCh    chan raftpb.Message

	mu      sync.Mutex
	pending map[uuid.UUID]chan wire.Response

	lead atomic.Uint64
}

// NewDriver assembles the consensus driver for one rgroup. peers is the
// full replica set (node ids) including this node.
func NewDriver(rgroupID uint16, nodeID uint64, peers []uint64, sm *StateMachine, transport Transport, clk clock.Clock) (*Driver, error) {
	storage := raft.NewMemoryStorage()
	cfg := &raft.Config{
		ID:              nodeID,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         storage,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
	}

	node, err := raft.NewRawNode(cfg)
	if err != nil {
		return nil, err
	}
	raftPeers := make([]raft.Peer, 0, len(peers))
	for _, p := range peers {
		raftPeers = append(raftPeers, raft.Peer{ID: p})
	}
	if err := node.Bootstrap(raftPeers); err != nil {
		return nil, err
	}

	return &Driver{
		rgroup:    rgroupID,
		nodeID:    nodeID,
		sm:        sm,
		clock:     clk,
		storage:   storage,
		node:      node,
		transport: transport,
		proposeCh: make(chan proposal, 64),
		stepCh:    make(chan raftpb.Message, 256),
		pending:   make(map[uuid.UUID]chan wire.Response),
	}, nil
}

// Rgroup returns the group this driver replicates.
func (d *Driver) Rgroup() uint16 { return d.rgroup }

// StateMachine exposes the applier for local read serving.
func (d *Driver) StateMachine() *StateMachine { return d.sm }

// Leader returns the current leader's node id, or 0 when unknown.
func (d *Driver) Leader() uint64 { return d.lead.Load() }

// IsLeader reports whether this node currently leads the group.
func (d *Driver) IsLeader() bool { return d.Leader() == d.nodeID }

// Step feeds one raw consensus message received from a peer.
func (d *Driver) Step(raw []byte) error {
	var msg raftpb.Message
	if err := msg.Unmarshal(raw); err != nil {
		return wire.Errorf(wire.ErrBadRequest, "undecodable raft message: %v", err)
	}
	select {
	case d.stepCh <- msg:
		return nil
	default:
		// Consensus retransmits; dropping under backpressure is safe.
		return nil
	}
}

// Propose replicates one mutating request and waits for its response from
// the apply loop. Must be called on the leader; followers get RaftFailure
// from the commit timeout instead of a misrouted entry.
func (d *Driver) Propose(ctx context.Context, request wire.Request) (wire.Response, error) {
	id := uuid.New()
	now := wire.TimestampFromTime(d.clock.Now())
	entry := encodeEntry(id, now, request)

	ch := make(chan wire.Response, 1)
	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	select {
	case d.proposeCh <- proposal{data: entry}:
	case <-ctx.Done():
		return nil, wire.Errorf(wire.ErrRaftFailure, "propose queue full on rgroup %d", d.rgroup)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, wire.Errorf(wire.ErrRaftFailure, "no commit on rgroup %d before deadline", d.rgroup)
	}
}

// Run drives the consensus loop until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.node.Tick()
		case p := <-d.proposeCh:
			if err := d.node.Propose(p.data); err != nil {
				logger.Warnf("rgroup %d: propose: %v", d.rgroup, err)
			}
		case msg := <-d.stepCh:
			if err := d.node.Step(msg); err != nil {
				logger.Warnf("rgroup %d: step: %v", d.rgroup, err)
			}
		}

		for d.node.HasReady() {
			rd := d.node.Ready()
			d.handleReady(rd)
			d.node.Advance(rd)
		}
	}
}

func (d *Driver) handleReady(rd raft.Ready) {
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := d.storage.SetHardState(rd.HardState); err != nil {
			logger.Errorf("rgroup %d: hardstate: %v", d.rgroup, err)
		}
	}
	if len(rd.Entries) > 0 {
		if err := d.storage.Append(rd.Entries); err != nil {
			logger.Errorf("rgroup %d: append: %v", d.rgroup, err)
		}
	}
	if rd.SoftState != nil {
		d.lead.Store(rd.SoftState.Lead)
	}
	for _, msg := range rd.Messages {
		d.transport.Send(msg.To, d.rgroup, msg)
	}
	for _, entry := range rd.CommittedEntries {
		d.applyEntry(entry)
	}
}

func (d *Driver) applyEntry(entry raftpb.Entry) {
	switch entry.Type {
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(entry.Data); err != nil {
			logger.Errorf("rgroup %d: conf change: %v", d.rgroup, err)
			return
		}
		d.node.ApplyConfChange(cc)

	case raftpb.EntryNormal:
		if len(entry.Data) == 0 {
			// Empty entry appended on leadership change.
			return
		}
		id, now, request, err := decodeEntry(entry.Data)
		var resp wire.Response
		if err != nil {
			logger.Errorf("rgroup %d: undecodable entry at index %d: %v", d.rgroup, entry.Index, err)
			resp = &wire.ErrorResponse{Code: wire.ErrBadRequest}
		} else {
			start := time.Now()
			resp = d.sm.Apply(entry.Term, entry.Index, request, now)
			monitor.ApplySeconds.Observe(time.Since(start).Seconds())
		}

		// Only the proposing node has a waiter; followers drop the response.
		d.mu.Lock()
		ch, ok := d.pending[id]
		d.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}
