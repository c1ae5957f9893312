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

// Package server is one node's TCP service surface: it accepts framed
// connections from clients and peers, steps raft traffic into the local
// consensus drivers, serves and proposes rgroup requests, and coordinates
// user-level operations on behalf of mount clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetfs/fleetfs/clock"
	"github.com/fleetfs/fleetfs/internal/cluster"
	"github.com/fleetfs/fleetfs/internal/coordinator"
	"github.com/fleetfs/fleetfs/internal/logger"
	"github.com/fleetfs/fleetfs/internal/monitor"
	"github.com/fleetfs/fleetfs/internal/rgroup"
	"github.com/fleetfs/fleetfs/internal/router"
	"github.com/fleetfs/fleetfs/internal/store"
	"github.com/fleetfs/fleetfs/internal/wire"
)

// Config assembles one node.
type Config struct {
	NodeID   uint64
	BindAddr string
	Topology cluster.Topology
	DataDir  string
	Clock    clock.Clock
}

// Server owns the node's stores, drivers and listener.
type Server struct {
	cfg     Config
	stores  map[uint16]*store.Store
	drivers map[uint16]*rgroup.Driver
	router  *router.Router
	coord   *coordinator.Coordinator
	peers   *peerTransport
}

// New opens the node's local rgroup replicas and wires them to the
// consensus drivers. Nothing runs until Run.
func New(cfg Config) (*Server, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	s := &Server{
		cfg:     cfg,
		stores:  make(map[uint16]*store.Store),
		drivers: make(map[uint16]*rgroup.Driver),
	}
	s.router = router.New(cfg.Topology)
	s.coord = coordinator.New(s.router)
	s.peers = newPeerTransport(cfg.Topology, cfg.NodeID)

	for _, g := range cfg.Topology.LocalRgroups(cfg.NodeID) {
		st, err := store.Open(filepath.Join(cfg.DataDir, fmt.Sprintf("rgroup%d", g)), g, cfg.Topology.Rgroups)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.stores[g] = st

		sm := rgroup.NewStateMachine(g, st)
		driver, err := rgroup.NewDriver(g, cfg.NodeID, cfg.Topology.Members(g), sm, s.peers, cfg.Clock)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("rgroup %d driver: %w", g, err)
		}
		s.drivers[g] = driver
	}
	return s, nil
}

func (s *Server) closeStores() {
	for _, st := range s.stores {
		st.Close()
	}
}

// Run serves until ctx is cancelled or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.cfg.BindAddr, err)
	}
	logger.Infof("node %d serving on %s, rgroups %v",
		s.cfg.NodeID, s.cfg.BindAddr, s.cfg.Topology.LocalRgroups(s.cfg.NodeID))

	group, ctx := errgroup.WithContext(ctx)
	for _, driver := range s.drivers {
		driver := driver
		group.Go(func() error {
			driver.Run(ctx)
			return nil
		})
	}
	group.Go(func() error {
		s.peers.run(ctx)
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		listener.Close()
		s.router.Close()
		s.closeStores()
		return nil
	})
	group.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			go s.serveConn(ctx, conn)
		}
	})
	return group.Wait()
}

// serveConn pumps frames off one connection, serving requests one at a
// time in arrival order. Clients keep at most one request outstanding per
// connection and open more connections for concurrency.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		request, err := wire.DecodeRequest(payload)
		if err != nil {
			logger.Tracef("bad frame from %s: %v", conn.RemoteAddr(), err)
			if err := wire.WriteFrame(conn, wire.EncodeResponse(&wire.ErrorResponse{Code: wire.ErrBadRequest})); err != nil {
				return
			}
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestDeadline(request))
		resp := s.dispatch(reqCtx, request)
		cancel()

		monitor.RequestsTotal.WithLabelValues(
			fmt.Sprintf("%d", request.Tag()), responseCode(resp)).Inc()
		if err := wire.WriteFrame(conn, wire.EncodeResponse(resp)); err != nil {
			return
		}
	}
}

func responseCode(resp wire.Response) string {
	if er, ok := resp.(*wire.ErrorResponse); ok {
		return er.Code.String()
	}
	return "ok"
}

// requestDeadline bounds server-side work per request. Raft traffic and
// reads are quick; coordinated transactions get room to retry.
func requestDeadline(req wire.Request) time.Duration {
	switch req.(type) {
	case *wire.RaftRequest:
		return 5 * time.Second
	case *wire.CreateRequest, *wire.MkdirRequest, *wire.UnlinkRequest,
		*wire.RmdirRequest, *wire.RenameRequest, *wire.HardlinkRequest,
		*wire.FilesystemReadyRequest, *wire.FilesystemCheckRequest:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}
