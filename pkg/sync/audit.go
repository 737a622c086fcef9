// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"io"

	"github.com/onosproject/onos-lib-go/pkg/errors"

	"github.com/openvtn/vtn-config/pkg/metrics"
	"github.com/openvtn/vtn-config/pkg/southbound"
	mapstore "github.com/openvtn/vtn-config/pkg/store/policingmap"
	"github.com/openvtn/vtn-config/pkg/types"
)

// AuditController runs all audit phases for one controller in order and
// returns the accumulated outcome.
func (e *Engine) AuditController(ctx context.Context, ctrl types.ControllerID) (*AuditResult, error) {
	result := &AuditResult{Controller: ctrl}
	for _, phase := range []AuditPhase{AuditPhaseDelete, AuditPhaseCreate, AuditPhaseUpdate} {
		if err := e.AuditUpdateController(ctx, ctrl, phase, result); err != nil {
			return result, err
		}
	}
	log.Infof("Audit of controller '%s' finished: %s", ctrl, result.Outcome)
	return result, nil
}

// AuditUpdateController runs one audit phase for one controller, comparing
// the running snapshot against the controller's private audit snapshot and
// re-pushing any divergence. The batch aborts at the first driver failure;
// a driver rejection is durably recorded as invalid in the audit snapshot
// before aborting.
func (e *Engine) AuditUpdateController(ctx context.Context, ctrl types.ControllerID, phase AuditPhase, result *AuditResult) error {
	conn, err := e.conns.Get(ctx, ctrl)
	if err != nil {
		return err
	}
	audit := mapstore.AuditScope(ctrl)

	switch phase {
	case AuditPhaseDelete:
		return e.auditDeletePass(ctx, conn, audit, result)
	case AuditPhaseCreate:
		return e.auditCreatePass(ctx, conn, audit, result)
	case AuditPhaseUpdate:
		// The update pass runs twice: first sending updates, then retrying as
		// creates the rows the first pass found no prior controller state for.
		if err := e.auditUpdatePass(ctx, conn, audit, types.OpUpdate, result); err != nil {
			return err
		}
		return e.auditUpdatePass(ctx, conn, audit, types.OpCreate, result)
	}
	return errors.NewInvalid("unknown audit phase %d", phase)
}

// auditDeletePass removes rows present in the audit snapshot but gone from
// running. Ownership is not re-checked: the running row is gone, only the
// audit-side copy carries attribution.
func (e *Engine) auditDeletePass(ctx context.Context, conn southbound.Conn, audit mapstore.Scope, result *AuditResult) error {
	diff, err := e.maps.DiffMain(ctx, mapstore.Running, audit, types.OpDelete)
	if err != nil {
		return err
	}
	for {
		entry, err := diff.Next()
		if err == io.EOF {
			break
		}
		old := entry.Old
		if err := e.auditSend(ctx, conn, audit, types.OpDelete, old, nil, result); err != nil {
			return err
		}
		if err := e.maps.Delete(ctx, audit, old.Key()); err != nil && !errors.IsNotFound(err) {
			return err
		}
		result.recordConfigDiffers()
	}
	return nil
}

// auditCreatePass pushes rows present in running but absent from the audit
// snapshot. Prerequisite-gated consumers are skipped wholesale: their
// installation only ever happens through the update pass, because the
// prerequisite's enablement always manifests as an update in this subsystem.
func (e *Engine) auditCreatePass(ctx context.Context, conn southbound.Conn, audit mapstore.Scope, result *AuditResult) error {
	diff, err := e.maps.DiffMain(ctx, mapstore.Running, audit, types.OpCreate)
	if err != nil {
		return err
	}
	for {
		entry, err := diff.Next()
		if err == io.EOF {
			break
		}
		row := entry.New
		if row.Key().Keytype() == types.KeytypeVBrIfPolicingMap {
			continue
		}
		owned, err := e.ownedByAudited(ctx, row, conn.Controller())
		if err != nil {
			return err
		}
		if !owned {
			continue
		}
		if err := e.auditSend(ctx, conn, audit, types.OpCreate, row, nil, result); err != nil {
			return err
		}
		copied := *row
		if err := e.maps.Create(ctx, audit, &copied); err != nil && !errors.IsAlreadyExists(err) {
			return err
		}
		result.recordConfigDiffers()
	}
	return nil
}

// auditUpdatePass walks the update diff once for one downstream operation.
// The OpUpdate walk handles rows with prior controller state; the OpCreate
// walk retries rows the update walk deferred because nothing was installed.
func (e *Engine) auditUpdatePass(ctx context.Context, conn southbound.Conn, audit mapstore.Scope, sendOp types.Operation, result *AuditResult) error {
	diff, err := e.maps.DiffMain(ctx, mapstore.Running, audit, types.OpUpdate)
	if err != nil {
		return err
	}
	for {
		entry, err := diff.Next()
		if err == io.EOF {
			break
		}
		old, next := entry.Old, entry.New
		owned, err := e.ownedByAudited(ctx, next, conn.Controller())
		if err != nil {
			return err
		}
		if !owned {
			continue
		}

		// A row whose audit side shows nothing installed belongs to the
		// create retry walk; one with prior state belongs to the update walk.
		installed := e.priorInstalled(old)
		if sendOp == types.OpUpdate && !installed {
			continue
		}
		if sendOp == types.OpCreate && installed {
			continue
		}

		op := sendOp
		if next.Key().Keytype() == types.KeytypeVBrIfPolicingMap && !next.PortMapSet {
			if op == types.OpCreate {
				continue
			}
			// The object must come off the controller even though the diff
			// classified the row as an update.
			op = types.OpDelete
		}

		if op == types.OpUpdate && mapstore.SemanticallyEqual(old, next) {
			result.recordStatusOnly()
			continue
		}

		if err := e.auditSend(ctx, conn, audit, op, next, old, result); err != nil {
			return err
		}
		copied := *next
		if err := e.maps.Update(ctx, audit, &copied); err != nil {
			return err
		}
		result.recordConfigDiffers()
	}
	return nil
}

// priorInstalled reports whether the audit-side row reflects state actually
// installed on the controller.
func (e *Engine) priorInstalled(old *types.PolicingMap) bool {
	if old == nil {
		return false
	}
	if old.Key().Keytype() == types.KeytypeVBrIfPolicingMap {
		return old.PortMapSet
	}
	return true
}

// ownedByAudited applies the ownership filter: a running row only concerns
// the audited controller if it is bound there.
func (e *Engine) ownedByAudited(ctx context.Context, row *types.PolicingMap, ctrl types.ControllerID) (bool, error) {
	if row.Key().Keytype() == types.KeytypeVBrIfPolicingMap {
		return row.ControllerID == ctrl, nil
	}
	ctrlRows, err := e.maps.ListCtrl(ctx, mapstore.Running, row.VTN)
	if err != nil {
		return false, err
	}
	for _, ctrlRow := range ctrlRows {
		if ctrlRow.ControllerID == ctrl {
			return true, nil
		}
	}
	return false, nil
}

// auditSend resolves controller-local names and pushes one audit operation.
// Updates attach the audit-side value so the driver sees old and new. On a
// driver rejection the audit row is written back as invalid before the error
// propagates; on a transport failure nothing further can be recorded.
func (e *Engine) auditSend(ctx context.Context, conn southbound.Conn, audit mapstore.Scope, op types.Operation,
	row, old *types.PolicingMap, result *AuditResult) error {
	ctrl := conn.Controller()
	localKey, localPolicer, _, err := e.rename.ControllerKey(ctx, row.Key(), row.Policer, ctrl)
	if err != nil {
		return err
	}
	req := &southbound.Request{
		Operation: op,
		Datatype:  types.Running,
		Keytype:   row.Key().Keytype(),
		Domain:    e.rowDomain(ctx, row),
		Key:       localKey,
		Policer:   localPolicer,
	}
	if op == types.OpUpdate && old != nil {
		_, oldPolicer, _, err := e.rename.ControllerKey(ctx, old.Key(), old.Policer, ctrl)
		if err != nil {
			return err
		}
		req.OldPolicer = oldPolicer
	}

	resp, sendErr := conn.SendRequest(ctx, req)
	if sendErr == nil {
		metrics.AuditPushes.WithLabelValues(string(ctrl), "ok").Inc()
		return nil
	}
	metrics.AuditPushes.WithLabelValues(string(ctrl), "error").Inc()
	key := row.Key()
	result.ErrorKey = &key
	log.Warnf("Audit %s of '%s' on controller '%s' failed: %s", op, row.Key(), ctrl, sendErr)
	if errors.IsUnavailable(sendErr) {
		return sendErr
	}
	if op != types.OpDelete {
		if err := e.writeBackInvalid(ctx, audit, row, resp, ctrl); err != nil {
			return err
		}
	}
	return sendErr
}

// writeBackInvalid persists a rejected push as an invalid audit row so the
// divergence is durably recorded rather than silently retried.
func (e *Engine) writeBackInvalid(ctx context.Context, audit mapstore.Scope, row *types.PolicingMap,
	resp *southbound.Response, ctrl types.ControllerID) error {
	invalid := *row
	if resp != nil && resp.Key.VTN != "" {
		key, policer, err := e.rename.UNCKey(ctx, resp.Key, resp.Policer, ctrl)
		if err != nil {
			return err
		}
		invalid.VTN = key.VTN
		invalid.VBridge = key.VBridge
		invalid.VInterface = key.VInterface
		if policer != "" {
			invalid.Policer = policer
		}
	}
	invalid.Status = types.StatusInvalid
	invalid.PolicerStatus = types.StatusInvalid
	return e.maps.Update(ctx, audit, &invalid)
}

func (e *Engine) rowDomain(ctx context.Context, row *types.PolicingMap) types.DomainID {
	if row.Key().Keytype() == types.KeytypeVBrIfPolicingMap {
		return row.DomainID
	}
	ctrlRows, err := e.maps.ListCtrl(ctx, mapstore.Running, row.VTN)
	if err != nil || len(ctrlRows) == 0 {
		return ""
	}
	return ctrlRows[0].DomainID
}
