package server

import (
	"context"

	"github.com/google/uuid"

	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/metadata"
	"github.com/openfam/openfam/internal/model"
	"github.com/openfam/openfam/internal/permission"
	"github.com/openfam/openfam/internal/rpcstats"
	"github.com/openfam/openfam/internal/wire"
)

func (s *Server) handleCreateRegion(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.CreateRegionRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.CreateRegionResponse{Status: wire.StatusFromError(err)})
	}

	var resp wire.CreateRegionResponse
	err := rpcstats.Timed(s.rec, wire.MethodCreateRegion, func() error {
		// create_region's wire request carries no memType (spec.md §6);
		// FAM regions are persistent by default, matching the teacher's
		// memory type defaults elsewhere.
		meta, err := s.svc.ValidateAndCreateRegion(metadata.CreateRegionParams{
			Name:    req.Name,
			Size:    req.Size,
			MemType: model.Persistent,
			Perm:    req.Perm,
			UID:     req.UID,
			GID:     req.GID,
		})
		if err != nil {
			return err
		}
		if err := s.svc.InsertRegion(meta); err != nil {
			return err
		}
		resp.RegionID = meta.RegionID
		resp.Offset = model.RegionSelfOffset
		return nil
	})
	resp.Status = wire.StatusFromError(err)
	return wire.EncodePayload(resp)
}

func (s *Server) handleDestroyRegion(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.DestroyRegionRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.DestroyRegionResponse{Status: wire.StatusFromError(err)})
	}

	err := rpcstats.Timed(s.rec, wire.MethodDestroyRegion, func() error {
		_, err := s.svc.ValidateAndDestroyRegion(req.RegionID, req.UID, req.GID)
		return err
	})
	return wire.EncodePayload(wire.DestroyRegionResponse{Status: wire.StatusFromError(err)})
}

func (s *Server) handleResizeRegion(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.ResizeRegionRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.ResizeRegionResponse{Status: wire.StatusFromError(err)})
	}

	err := rpcstats.Timed(s.rec, wire.MethodResizeRegion, func() error {
		return s.svc.ResizeRegion(req.RegionID, req.Size, req.UID, req.GID)
	})
	return wire.EncodePayload(wire.ResizeRegionResponse{Status: wire.StatusFromError(err)})
}

func (s *Server) handleAllocate(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.AllocateRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.AllocateResponse{Status: wire.StatusFromError(err)})
	}

	var resp wire.AllocateResponse
	err := rpcstats.Timed(s.rec, wire.MethodAllocate, func() error {
		result, err := s.svc.ValidateAndAllocateDataitem(metadata.AllocateDataitemParams{
			Name:     req.Name,
			RegionID: req.RegionID,
			UID:      req.UID,
			GID:      req.GID,
			Size:     req.Size,
			Dup:      req.Dup,
		})
		if err != nil {
			return err
		}

		baseOffset := s.heap.allocate(req.RegionID, req.Size)
		offsets := make([]uint64, len(result.MemServerIDs))
		for i := range offsets {
			offsets[i] = baseOffset
		}
		itemID := model.ItemIDFromOffset(baseOffset)

		perm := req.Perm
		if result.PermissionLevel == model.PermissionLevelRegion {
			perm = result.RegionPerm
		}

		meta := &model.DataItemMeta{
			RegionID:           req.RegionID,
			ItemID:             itemID,
			Offsets:            offsets,
			Name:               req.Name,
			Size:               req.Size,
			UID:                req.UID,
			GID:                req.GID,
			Perm:               perm,
			InterleaveSize:     result.InterleaveSize,
			PermissionLevel:    result.PermissionLevel,
			UsedMemserverCount: len(result.MemServerIDs),
			MemoryServerIDs:    result.MemServerIDs,
		}
		if err := s.svc.InsertDataitem(meta); err != nil {
			return err
		}

		resp.RegionID = req.RegionID
		resp.Offset = baseOffset
		resp.Key = []byte(casKeyFor(req.RegionID, baseOffset))
		resp.Base = baseOffset
		return nil
	})
	resp.Status = wire.StatusFromError(err)
	return wire.EncodePayload(resp)
}

func (s *Server) handleDeallocate(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.DeallocateRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.DeallocateResponse{Status: wire.StatusFromError(err)})
	}

	err := rpcstats.Timed(s.rec, wire.MethodDeallocate, func() error {
		itemID := model.ItemIDFromOffset(req.Offset)
		_, err := s.svc.ValidateAndDeallocateDataitem(req.RegionID, itemID, req.UID, req.GID)
		return err
	})
	return wire.EncodePayload(wire.DeallocateResponse{Status: wire.StatusFromError(err)})
}

func (s *Server) handleChangeRegionPermission(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.ChangeRegionPermissionRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.ChangeRegionPermissionResponse{Status: wire.StatusFromError(err)})
	}
	err := rpcstats.Timed(s.rec, wire.MethodChangeRegionPermission, func() error {
		return s.svc.ChangeRegionPermission(req.RegionID, req.Perm, req.UID)
	})
	return wire.EncodePayload(wire.ChangeRegionPermissionResponse{Status: wire.StatusFromError(err)})
}

func (s *Server) handleChangeDataitemPermission(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.ChangeDataitemPermissionRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.ChangeDataitemPermissionResponse{Status: wire.StatusFromError(err)})
	}
	err := rpcstats.Timed(s.rec, wire.MethodChangeDataitemPermission, func() error {
		return s.svc.ChangeDataitemPermission(req.RegionID, req.Offset, req.Perm, req.UID)
	})
	return wire.EncodePayload(wire.ChangeDataitemPermissionResponse{Status: wire.StatusFromError(err)})
}

func (s *Server) handleLookupRegion(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.LookupRegionRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.LookupRegionResponse{Status: wire.StatusFromError(err)})
	}

	var resp wire.LookupRegionResponse
	err := rpcstats.Timed(s.rec, wire.MethodLookupRegion, func() error {
		meta, err := s.svc.FindRegionByName(req.Name)
		if err != nil {
			return err
		}
		if !permission.Check(permission.Mode(meta.Perm), meta.UID, meta.GID, req.UID, req.GID, permission.Read|permission.OwnerAllow) {
			return famerrors.New(famerrors.NoPermission, req.Name)
		}
		resp.RegionID = meta.RegionID
		resp.Offset = model.RegionSelfOffset
		resp.Size = meta.Size
		return nil
	})
	resp.Status = wire.StatusFromError(err)
	return wire.EncodePayload(resp)
}

func (s *Server) handleLookup(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.LookupRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.LookupResponse{Status: wire.StatusFromError(err)})
	}

	var resp wire.LookupResponse
	err := rpcstats.Timed(s.rec, wire.MethodLookup, func() error {
		region, err := s.svc.FindRegionByName(req.RegionName)
		if err != nil {
			return err
		}
		item, err := s.svc.FindDataitemByName(region.RegionID, req.ItemName)
		if err != nil {
			return err
		}
		if !permission.Check(permission.Mode(item.Perm), item.UID, item.GID, req.UID, req.GID, permission.Read|permission.OwnerAllow) {
			return famerrors.New(famerrors.NoPermission, req.ItemName)
		}
		resp.RegionID = region.RegionID
		resp.Offset = item.MinOffset()
		resp.Size = item.Size
		return nil
	})
	resp.Status = wire.StatusFromError(err)
	return wire.EncodePayload(resp)
}

func (s *Server) handleCheckPermissionGetRegionInfo(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.CheckPermissionGetRegionInfoRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.CheckPermissionGetRegionInfoResponse{Status: wire.StatusFromError(err)})
	}

	var resp wire.CheckPermissionGetRegionInfoResponse
	err := rpcstats.Timed(s.rec, wire.MethodCheckPermissionGetRegion, func() error {
		meta, err := s.svc.FindRegionByIDAndCheckPermissions(req.RegionID, permission.Read|permission.OwnerAllow, req.UID, req.GID)
		if err != nil {
			return err
		}
		resp.Size = meta.Size
		return nil
	})
	resp.Status = wire.StatusFromError(err)
	return wire.EncodePayload(resp)
}

func (s *Server) handleCheckPermissionGetItemInfo(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.CheckPermissionGetItemInfoRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.CheckPermissionGetItemInfoResponse{Status: wire.StatusFromError(err)})
	}

	var resp wire.CheckPermissionGetItemInfoResponse
	err := rpcstats.Timed(s.rec, wire.MethodCheckPermissionGetItemInfo, func() error {
		itemID := model.ItemIDFromOffset(req.Offset)
		meta, err := s.svc.FindDataitemByIDAndCheckPermissions(req.RegionID, itemID, permission.Read|permission.OwnerAllow, req.UID, req.GID)
		if err != nil {
			return err
		}
		resp.Key = []byte(casKeyFor(req.RegionID, req.Offset))
		resp.Size = meta.Size
		resp.Base = meta.MinOffset()
		return nil
	})
	resp.Status = wire.StatusFromError(err)
	return wire.EncodePayload(resp)
}

// handleCopy and handleWaitForCopy implement the control-plane half of
// copy/wait_for_copy (spec.md §6): permission-check both ends and hand
// back a tag. The actual byte movement is the data-plane RDMA engine's
// job (out of scope, spec.md §1), so this stand-in treats a copy as
// complete the moment both sides are validated.
func (s *Server) handleCopy(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.CopyRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.CopyResponse{Status: wire.StatusFromError(err)})
	}

	var resp wire.CopyResponse
	err := rpcstats.Timed(s.rec, wire.MethodCopy, func() error {
		srcItemID := model.ItemIDFromOffset(req.SrcOffset)
		if _, err := s.svc.FindDataitemByIDAndCheckPermissions(req.SrcRegionID, srcItemID, permission.Read|permission.OwnerAllow, req.UID, req.GID); err != nil {
			return err
		}
		destItemID := model.ItemIDFromOffset(req.DestOffset)
		if _, err := s.svc.FindDataitemByIDAndCheckPermissions(req.SrcRegionID, destItemID, permission.Write|permission.OwnerAllow, req.UID, req.GID); err != nil {
			return err
		}

		tag := uuid.NewString()
		s.copyMu.Lock()
		s.copies[tag] = &copyRecord{done: true}
		s.copyMu.Unlock()
		resp.Tag = []byte(tag)
		return nil
	})
	resp.Status = wire.StatusFromError(err)
	return wire.EncodePayload(resp)
}

func (s *Server) handleWaitForCopy(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.WaitForCopyRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.WaitForCopyResponse{Status: wire.StatusFromError(err)})
	}

	err := rpcstats.Timed(s.rec, wire.MethodWaitForCopy, func() error {
		s.copyMu.Lock()
		rec, ok := s.copies[string(req.Tag)]
		s.copyMu.Unlock()
		if !ok || !rec.done {
			return famerrors.New(famerrors.RPCError, "wait_for_copy: unknown or pending tag")
		}
		return nil
	})
	return wire.EncodePayload(wire.WaitForCopyResponse{Status: wire.StatusFromError(err)})
}

// handleAcquireCASLock and handleReleaseCASLock implement spec.md §4.9's
// software 128-bit CAS emulation: a named per-descriptor advisory lock.
// The actual compare-and-swap over the cached bytes is the data-plane's
// job once it holds the lock.
func (s *Server) handleAcquireCASLock(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.AcquireCASLockRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.AcquireCASLockResponse{Status: wire.StatusFromError(err)})
	}
	s.lockFor(casKeyFor(req.RegionID, req.Offset)).Lock()
	return wire.EncodePayload(wire.AcquireCASLockResponse{Status: wire.OK()})
}

func (s *Server) handleReleaseCASLock(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.ReleaseCASLockRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.ReleaseCASLockResponse{Status: wire.StatusFromError(err)})
	}
	s.lockFor(casKeyFor(req.RegionID, req.Offset)).Unlock()
	return wire.EncodePayload(wire.ReleaseCASLockResponse{Status: wire.OK()})
}

func (s *Server) handleSignalStart(ctx context.Context, payload []byte) ([]byte, error) {
	resp := wire.SignalStartResponse{Status: wire.OK()}
	if addr, ok := s.tr.(addressable); ok {
		resp.FabricAddrNames = addr.Addrs()
	}
	return wire.EncodePayload(resp)
}

func (s *Server) handleSignalTermination(ctx context.Context, payload []byte) ([]byte, error) {
	return wire.EncodePayload(wire.SignalTerminationResponse{Status: wire.OK()})
}

// handleListRegions, handleListMemoryServers, handleResetBitmap and
// handleUpdateMemoryServer serve famctl (SPEC_FULL.md's supplemented
// admin operations). Unlike the application RPCs above they carry no
// uid/gid: an operator reaching this method at all is assumed to be on
// the trusted admin side of the deployment, the same assumption famd's
// metrics endpoint makes.
func (s *Server) handleListRegions(ctx context.Context, payload []byte) ([]byte, error) {
	var resp wire.ListRegionsResponse
	err := rpcstats.Timed(s.rec, wire.MethodListRegions, func() error {
		regions, err := s.svc.ListRegions()
		if err != nil {
			return err
		}
		resp.Regions = make([]wire.RegionInfo, len(regions))
		for i, r := range regions {
			resp.Regions[i] = wire.RegionInfo{
				RegionID:     r.RegionID,
				Name:         r.Name,
				Size:         r.Size,
				UID:          r.UID,
				GID:          r.GID,
				Perm:         r.Perm,
				MemoryType:   r.MemoryType.String(),
				MemServerIDs: r.MemServerIDs,
			}
		}
		return nil
	})
	resp.Status = wire.StatusFromError(err)
	return wire.EncodePayload(resp)
}

func (s *Server) handleListMemoryServers(ctx context.Context, payload []byte) ([]byte, error) {
	persistent, volatile := s.svc.ListMemoryServers()
	return wire.EncodePayload(wire.ListMemoryServersResponse{
		Status:     wire.OK(),
		Persistent: persistent,
		Volatile:   volatile,
	})
}

func (s *Server) handleResetBitmap(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.ResetBitmapRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.ResetBitmapResponse{Status: wire.StatusFromError(err)})
	}

	err := rpcstats.Timed(s.rec, wire.MethodResetBitmap, func() error {
		return s.svc.ResetBitmap(req.RegionID)
	})
	return wire.EncodePayload(wire.ResetBitmapResponse{Status: wire.StatusFromError(err)})
}

func (s *Server) handleUpdateMemoryServer(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.UpdateMemoryServerRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		return wire.EncodePayload(wire.UpdateMemoryServerResponse{Status: wire.StatusFromError(err)})
	}
	s.svc.UpdateMemoryServer(req.PersistentIDs, req.VolatileIDs, req.SpanEnabled, req.SpanSizePerServer)
	return wire.EncodePayload(wire.UpdateMemoryServerResponse{Status: wire.OK()})
}
