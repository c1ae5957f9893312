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

package router

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/fleetfs/fleetfs/internal/wire"
)

const dialTimeout = 5 * time.Second

// Client multiplexes requests to one peer over a small set of persistent
// framed connections. Each connection carries one request/response exchange
// at a time; concurrent callers borrow distinct connections.
type Client struct {
	addr string

	mu    sync.Mutex
	idle  []net.Conn
	count int
	limit int
}

// NewClient creates a client for one peer address.
func NewClient(addr string) *Client {
	return &Client{addr: addr, limit: 8}
}

func (c *Client) borrow(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	if n := len(c.idle); n > 0 {
		conn := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.mu.Unlock()
		return conn, nil
	}
	c.count++
	c.mu.Unlock()

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.mu.Lock()
		c.count--
		c.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

func (c *Client) giveBack(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.idle) >= c.limit {
		c.count--
		conn.Close()
		return
	}
	c.idle = append(c.idle, conn)
}

func (c *Client) discard(conn net.Conn) {
	conn.Close()
	c.mu.Lock()
	c.count--
	c.mu.Unlock()
}

// SendRecv performs one request/response exchange. Transport failures close
// the connection and surface as errors distinct from protocol ErrorResponse.
func (c *Client) SendRecv(ctx context.Context, req wire.Request) (wire.Response, error) {
	conn, err := c.borrow(ctx)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Time{})
	}

	if err := wire.WriteFrame(conn, wire.EncodeRequest(req)); err != nil {
		c.discard(conn)
		return nil, err
	}
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		c.discard(conn)
		return nil, err
	}
	resp, err := wire.DecodeResponse(payload)
	if err != nil {
		c.discard(conn)
		return nil, err
	}
	c.giveBack(conn)
	return resp, nil
}

// Close drops all idle connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.idle {
		conn.Close()
	}
	c.idle = nil
	c.count = 0
}
