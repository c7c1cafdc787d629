// Package server wires the transport boundary to the metadata service:
// one handler per spec.md §6 RPC, each decoding its request, calling
// into internal/metadata, and always returning a response whose
// wire.Status carries the outcome rather than a Go error — matching the
// contract both transport bindings expect (a non-nil handler error means
// a bug in the handler itself, not an application failure).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openfam/openfam/internal/metadata"
	"github.com/openfam/openfam/internal/rpcstats"
	"github.com/openfam/openfam/internal/transport"
	"github.com/openfam/openfam/internal/wire"
)

// addressable is the subset of transport bindings that can describe
// themselves for signal_start's fabricAddrNames (spec.md §6). Not every
// binding implements it; reqresp.Transport does.
type addressable interface {
	Addrs() []string
}

type copyRecord struct {
	done bool
}

// Server is one memory server's RPC surface: a metadata.Service, the
// transport it listens on, and the bookkeeping (CAS locks, copy tags)
// that belongs to the control plane rather than to metadata itself.
type Server struct {
	log  *slog.Logger
	svc  *metadata.Service
	tr   transport.Transport
	rec  rpcstats.Recorder
	heap *heapAllocator

	casMu    sync.Mutex
	casLocks map[string]*sync.Mutex

	copyMu sync.Mutex
	copies map[string]*copyRecord
}

func New(log *slog.Logger, svc *metadata.Service, tr transport.Transport, rec rpcstats.Recorder) *Server {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = rpcstats.Noop{}
	}
	return &Server{
		log:      log.With("component", "server"),
		svc:      svc,
		tr:       tr,
		rec:      rec,
		heap:     newHeapAllocator(),
		casLocks: make(map[string]*sync.Mutex),
		copies:   make(map[string]*copyRecord),
	}
}

// Register installs every §6 handler on the transport. Call before Start.
func (s *Server) Register() {
	s.tr.RegisterHandler(wire.MethodCreateRegion, s.handleCreateRegion)
	s.tr.RegisterHandler(wire.MethodDestroyRegion, s.handleDestroyRegion)
	s.tr.RegisterHandler(wire.MethodResizeRegion, s.handleResizeRegion)
	s.tr.RegisterHandler(wire.MethodAllocate, s.handleAllocate)
	s.tr.RegisterHandler(wire.MethodDeallocate, s.handleDeallocate)
	s.tr.RegisterHandler(wire.MethodChangeRegionPermission, s.handleChangeRegionPermission)
	s.tr.RegisterHandler(wire.MethodChangeDataitemPermission, s.handleChangeDataitemPermission)
	s.tr.RegisterHandler(wire.MethodLookupRegion, s.handleLookupRegion)
	s.tr.RegisterHandler(wire.MethodLookup, s.handleLookup)
	s.tr.RegisterHandler(wire.MethodCheckPermissionGetRegion, s.handleCheckPermissionGetRegionInfo)
	s.tr.RegisterHandler(wire.MethodCheckPermissionGetItemInfo, s.handleCheckPermissionGetItemInfo)
	s.tr.RegisterHandler(wire.MethodCopy, s.handleCopy)
	s.tr.RegisterHandler(wire.MethodWaitForCopy, s.handleWaitForCopy)
	s.tr.RegisterHandler(wire.MethodAcquireCASLock, s.handleAcquireCASLock)
	s.tr.RegisterHandler(wire.MethodReleaseCASLock, s.handleReleaseCASLock)
	s.tr.RegisterHandler(wire.MethodSignalStart, s.handleSignalStart)
	s.tr.RegisterHandler(wire.MethodSignalTermination, s.handleSignalTermination)

	s.tr.RegisterHandler(wire.MethodListRegions, s.handleListRegions)
	s.tr.RegisterHandler(wire.MethodListMemoryServers, s.handleListMemoryServers)
	s.tr.RegisterHandler(wire.MethodResetBitmap, s.handleResetBitmap)
	s.tr.RegisterHandler(wire.MethodUpdateMemoryServer, s.handleUpdateMemoryServer)
}

func (s *Server) Start(ctx context.Context) error {
	s.Register()
	return s.tr.Start(ctx)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.tr.Stop(ctx)
}

// casKeyFor names the per-descriptor advisory lock spec.md §4.9's
// software CAS emulation acquires and releases.
func casKeyFor(regionID, offset uint64) string {
	return fmt.Sprintf("%d:%d", regionID, offset)
}

func (s *Server) lockFor(key string) *sync.Mutex {
	s.casMu.Lock()
	defer s.casMu.Unlock()
	l, ok := s.casLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.casLocks[key] = l
	}
	return l
}
