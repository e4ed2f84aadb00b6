package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ManuGH/xg2g/internal/hardware"
	"github.com/ManuGH/xg2g/internal/locker/manager"
	"github.com/ManuGH/xg2g/internal/locker/model"
)

// commandDispatcher implements queue.Executor: it turns a durably-queued
// command back into the Hardware Executor pulse (open_locker/bulk_open) or
// an LSM override (block_locker/unblock_locker) the queue's retry/backoff
// loop drives to completion.
type commandDispatcher struct {
	hw  *hardware.Executor
	lsm *manager.Manager
}

func newCommandDispatcher(hw *hardware.Executor, lsm *manager.Manager) *commandDispatcher {
	return &commandDispatcher{hw: hw, lsm: lsm}
}

func (d *commandDispatcher) Execute(ctx context.Context, cmd model.Command) error {
	switch cmd.CommandType {
	case model.CommandOpenLocker:
		var p model.OpenLockerPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("open_locker payload: %w", err)
		}
		if !d.hw.OpenLocker(ctx, cmd.KioskID, p.LockerID) {
			return fmt.Errorf("open_locker: pulse failed for locker %d", p.LockerID)
		}
		return nil

	case model.CommandBulkOpen:
		var p model.BulkOpenPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("bulk_open payload: %w", err)
		}
		isVIP := func(id int) bool {
			l, err := d.lsm.GetLocker(ctx, cmd.KioskID, id)
			return err == nil && l.IsVIP
		}
		res := d.hw.BulkOpen(ctx, cmd.KioskID, p.LockerIDs, p.ExcludeVIP, 0, isVIP)
		if len(res.FailedIDs) > 0 {
			return fmt.Errorf("bulk_open: %d/%d lockers failed to open", len(res.FailedIDs), res.Total)
		}
		return nil

	case model.CommandBlockLocker:
		var p model.BlockLockerPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("block_locker payload: %w", err)
		}
		applied, err := d.lsm.ForceTransition(ctx, cmd.KioskID, p.LockerID, model.StatusBlocked, p.StaffUser, p.Reason)
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("block_locker: transition rejected for locker %d", p.LockerID)
		}
		return nil

	case model.CommandUnblockLocker:
		var p model.BlockLockerPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("unblock_locker payload: %w", err)
		}
		applied, err := d.lsm.ForceTransition(ctx, cmd.KioskID, p.LockerID, model.StatusFree, p.StaffUser, p.Reason)
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("unblock_locker: transition rejected for locker %d", p.LockerID)
		}
		return nil

	default:
		return fmt.Errorf("unknown command type %q", cmd.CommandType)
	}
}
