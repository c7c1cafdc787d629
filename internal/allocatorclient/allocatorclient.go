// Package allocatorclient implements the Allocator Client from spec.md
// §4.8: a process-wide map memoryServerId -> RpcStub, each wrapped in a
// circuit breaker and a token-bucket limiter so one misbehaving memory
// server can't stall or flood the whole client. Rate limiting and the
// breaker are both grounded on patterns the teacher already uses —
// gobreaker sits unexercised in kernel/go.mod, and the token bucket is
// the exact one kernel/core/mesh/routing/gossip.go wires up for peer rate
// limiting, just keyed by memory-server id instead of peer id.
package allocatorclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/model"
	"github.com/openfam/openfam/internal/transport"
	"github.com/openfam/openfam/internal/wire"
)

// RateLimitConfig configures the per-server token bucket.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// DefaultRateLimitConfig matches the teacher's DefaultGossipConfig shape:
// a generous default that only bites under genuine abuse.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 2000, Burst: 4000}
}

// stub is one memory server's RPC handle: the transport binding used to
// reach it, its peer address on that transport, a breaker that trips
// after repeated failures, and a limiter that throttles this client's
// own call rate to it.
type stub struct {
	serverID uint64
	peerAddr string
	tr       transport.Transport
	breaker  *gobreaker.CircuitBreaker
	limiter  *limiter.TokenBucket
}

// Client is the process-wide stub pool. Every descriptor operation
// routes to stubFor(descriptor.MemoryServerID()).
type Client struct {
	log *slog.Logger

	mu    sync.RWMutex
	stubs map[uint64]*stub

	rateLimit RateLimitConfig
}

func New(log *slog.Logger, rateLimit RateLimitConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:       log.With("component", "allocatorclient"),
		stubs:     make(map[uint64]*stub),
		rateLimit: rateLimit,
	}
}

// AddServer registers a memory server's stub. tr is the transport
// binding to reach it (request/response or RDMA-style), peerAddr its
// address on that transport.
func (c *Client) AddServer(serverID uint64, tr transport.Transport, peerAddr string) error {
	st := store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(limiter.Config{
		Rate:     int64(c.rateLimit.RequestsPerSecond),
		Duration: time.Second,
		Burst:    int64(c.rateLimit.Burst),
	}, st)
	if err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "allocatorclient: build rate limiter", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("memserver-%d", serverID),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})

	c.mu.Lock()
	c.stubs[serverID] = &stub{serverID: serverID, peerAddr: peerAddr, tr: tr, breaker: breaker, limiter: tb}
	c.mu.Unlock()
	return nil
}

func (c *Client) stubFor(serverID uint64) (*stub, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.stubs[serverID]
	if !ok {
		return nil, famerrors.New(famerrors.RPCClientNotFound, fmt.Sprintf("no stub for memory server %d", serverID))
	}
	return st, nil
}

// call sends method/req through the stub for serverID, rate-limited and
// breaker-guarded, and decodes the response into resp.
func (c *Client) call(ctx context.Context, serverID uint64, method string, req, resp any) error {
	st, err := c.stubFor(serverID)
	if err != nil {
		return err
	}

	limitKey := fmt.Sprintf("memserver-%d", serverID)
	if !st.limiter.Allow(limitKey) {
		return famerrors.New(famerrors.RPCError, fmt.Sprintf("rate limit exceeded for memory server %d", serverID))
	}

	payload, err := wire.EncodePayload(req)
	if err != nil {
		return err
	}

	result, err := st.breaker.Execute(func() (any, error) {
		return st.tr.Call(ctx, st.peerAddr, method, payload)
	})
	if err != nil {
		return famerrors.Wrap(famerrors.RPCError, fmt.Sprintf("memory server %d call %s", serverID, method), err)
	}

	respPayload, ok := result.([]byte)
	if !ok {
		return famerrors.New(famerrors.RPCError, "allocatorclient: unexpected response shape")
	}
	return wire.DecodePayload(respPayload, resp)
}

// CreateRegion, DestroyRegion, etc. mirror spec.md §6's RPC surface,
// routed by descriptor.MemoryServerID() exactly as §4.8 specifies. Each
// returns a typed result alongside the decoded wire.Status's error.

func (c *Client) CreateRegion(ctx context.Context, serverID uint64, req wire.CreateRegionRequest) (wire.CreateRegionResponse, error) {
	var resp wire.CreateRegionResponse
	if err := c.call(ctx, serverID, wire.MethodCreateRegion, req, &resp); err != nil {
		return resp, err
	}
	return resp, resp.Err()
}

func (c *Client) DestroyRegion(ctx context.Context, serverID uint64, req wire.DestroyRegionRequest) error {
	var resp wire.DestroyRegionResponse
	if err := c.call(ctx, serverID, wire.MethodDestroyRegion, req, &resp); err != nil {
		return err
	}
	return resp.Err()
}

func (c *Client) Allocate(ctx context.Context, serverID uint64, req wire.AllocateRequest) (wire.AllocateResponse, error) {
	var resp wire.AllocateResponse
	if err := c.call(ctx, serverID, wire.MethodAllocate, req, &resp); err != nil {
		return resp, err
	}
	return resp, resp.Err()
}

func (c *Client) Deallocate(ctx context.Context, serverID uint64, req wire.DeallocateRequest) error {
	var resp wire.DeallocateResponse
	if err := c.call(ctx, serverID, wire.MethodDeallocate, req, &resp); err != nil {
		return err
	}
	return resp.Err()
}

func (c *Client) CheckPermissionGetItemInfo(ctx context.Context, serverID uint64, req wire.CheckPermissionGetItemInfoRequest) (wire.CheckPermissionGetItemInfoResponse, error) {
	var resp wire.CheckPermissionGetItemInfoResponse
	if err := c.call(ctx, serverID, wire.MethodCheckPermissionGetItemInfo, req, &resp); err != nil {
		return resp, err
	}
	return resp, resp.Err()
}

// CallCheckPermissionGetRegionInfo, CallAcquireCASLock and
// CallReleaseCASLock let internal/descriptor drive a typed RPC through
// this client's stub pool (rate limiting, breaker) without this package
// needing to know about descriptor's cache bookkeeping.
func (c *Client) CallCheckPermissionGetRegionInfo(ctx context.Context, serverID uint64, req wire.CheckPermissionGetRegionInfoRequest, resp *wire.CheckPermissionGetRegionInfoResponse) error {
	return c.call(ctx, serverID, wire.MethodCheckPermissionGetRegion, req, resp)
}

func (c *Client) CallAcquireCASLock(ctx context.Context, serverID uint64, req wire.AcquireCASLockRequest, resp *wire.AcquireCASLockResponse) error {
	return c.call(ctx, serverID, wire.MethodAcquireCASLock, req, resp)
}

func (c *Client) CallReleaseCASLock(ctx context.Context, serverID uint64, req wire.ReleaseCASLockRequest, resp *wire.ReleaseCASLockResponse) error {
	return c.call(ctx, serverID, wire.MethodReleaseCASLock, req, resp)
}

// copyTag is the opaque handle copy/wait_for_copy exchange (spec.md
// §4.8): it carries the owning memory server id so wait_for_copy routes
// to the same stub that started the copy.
type copyTag struct {
	ID       string `msgpack:"id"`
	ServerID uint64 `msgpack:"server_id"`
}

// Copy starts an async cross-server copy and returns an opaque tag.
func (c *Client) Copy(ctx context.Context, serverID uint64, req wire.CopyRequest) ([]byte, error) {
	var resp wire.CopyResponse
	if err := c.call(ctx, serverID, wire.MethodCopy, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	tag := copyTag{ID: uuid.NewString(), ServerID: serverID}
	_ = resp.Tag // the memory server's own tag bytes travel inside ours
	encoded, err := wire.EncodePayload(struct {
		copyTag
		ServerTag []byte `msgpack:"server_tag"`
	}{copyTag: tag, ServerTag: resp.Tag})
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

// WaitForCopy decodes tag to find the owning server and routes the wait
// there.
func (c *Client) WaitForCopy(ctx context.Context, tag []byte) error {
	var decoded struct {
		copyTag
		ServerTag []byte `msgpack:"server_tag"`
	}
	if err := wire.DecodePayload(tag, &decoded); err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "allocatorclient: decode copy tag", err)
	}
	var resp wire.WaitForCopyResponse
	if err := c.call(ctx, decoded.ServerID, wire.MethodWaitForCopy, wire.WaitForCopyRequest{Tag: decoded.ServerTag}, &resp); err != nil {
		return err
	}
	return resp.Err()
}

// StubForDescriptor resolves a descriptor to the memory server id that
// owns it, for callers that want to reuse the stub pool directly.
func StubForDescriptor(d model.Descriptor) uint64 { return d.MemoryServerID() }
