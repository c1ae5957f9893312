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
	"context"
	"sync"
	"time"

	"go.etcd.io/raft/v3/raftpb"

	"github.com/fleetfs/fleetfs/internal/cluster"
	"github.com/fleetfs/fleetfs/internal/logger"
	"github.com/fleetfs/fleetfs/internal/monitor"
	"github.com/fleetfs/fleetfs/internal/router"
	"github.com/fleetfs/fleetfs/internal/wire"
)

type outboundMessage struct {
	rgroup uint16
	data   []byte
}

// peerTransport moves raft messages to peer replicas: one bounded send
// queue per peer, drained by a dedicated goroutine over the shared framed
// connections. Raft tolerates drops, so a full queue or a dead peer never
// blocks a consensus loop.
type peerTransport struct {
	topology cluster.Topology
	self     uint64

	mu      sync.Mutex
	clients map[uint64]*router.Client
	queues  map[uint64]chan outboundMessage
	started bool
	ctx     context.Context
}

func newPeerTransport(topology cluster.Topology, self uint64) *peerTransport {
	return &peerTransport{
		topology: topology,
		self:     self,
		clients:  make(map[uint64]*router.Client),
		queues:   make(map[uint64]chan outboundMessage),
	}
}

func (t *peerTransport) run(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.started = true
	queues := make(map[uint64]chan outboundMessage)
	for id, q := range t.queues {
		queues[id] = q
	}
	t.mu.Unlock()

	for id, q := range queues {
		go t.drain(ctx, id, q)
	}
	<-ctx.Done()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.clients {
		c.Close()
	}
}

func (t *peerTransport) queue(to uint64) chan outboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[to]
	if !ok {
		q = make(chan outboundMessage, 1024)
		t.queues[to] = q
		if t.started {
			go t.drain(t.ctx, to, q)
		}
	}
	return q
}

func (t *peerTransport) client(to uint64) *router.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[to]
	if !ok {
		c = router.NewClient(t.topology.Addr(to))
		t.clients[to] = c
	}
	return c
}

// Send implements rgroup.Transport.
func (t *peerTransport) Send(to uint64, rgroupID uint16, msg raftpb.Message) {
	if to == t.self || to == 0 {
		return
	}
	data, err := msg.Marshal()
	if err != nil {
		logger.Errorf("marshaling raft message: %v", err)
		return
	}
	select {
	case t.queue(to) <- outboundMessage{rgroup: rgroupID, data: data}:
	default:
		// Queue full; raft will retransmit.
	}
}

func (t *peerTransport) drain(ctx context.Context, to uint64, q chan outboundMessage) {
	client := t.client(to)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-q:
			sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_, err := client.SendRecv(sendCtx, &wire.RaftRequest{Rgroup: m.rgroup, Message: m.data})
			cancel()
			if err != nil {
				logger.Tracef("raft send to node %d: %v", to, err)
				continue
			}
			monitor.RaftMessages.WithLabelValues("send").Inc()
		}
	}
}

// query performs one request/response exchange with a specific peer, used
// by the replica checker.
func (t *peerTransport) query(ctx context.Context, to uint64, req wire.Request) (wire.Response, error) {
	return t.client(to).SendRecv(ctx, req)
}
