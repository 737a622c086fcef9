// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"io"

	"github.com/onosproject/onos-lib-go/pkg/errors"

	"github.com/openvtn/vtn-config/pkg/capability"
	"github.com/openvtn/vtn-config/pkg/metrics"
	"github.com/openvtn/vtn-config/pkg/southbound"
	mapstore "github.com/openvtn/vtn-config/pkg/store/policingmap"
	"github.com/openvtn/vtn-config/pkg/types"
)

// TxUpdateController pushes the candidate/running difference owned by one
// controller through its driver session. Processing stops at the first
// failure; side effects already applied on the controller stay in place.
func (e *Engine) TxUpdateController(ctx context.Context, ctrl types.ControllerID) (*ControllerResult, error) {
	result := &ControllerResult{Controller: ctrl}
	conn, err := e.conns.Get(ctx, ctrl)
	if err != nil {
		result.Failed = true
		return result, err
	}

	for _, op := range []types.Operation{types.OpDelete, types.OpCreate, types.OpUpdate} {
		diff, err := e.maps.DiffMain(ctx, mapstore.Candidate, mapstore.Running, op)
		if err != nil {
			return result, err
		}
		for {
			entry, err := diff.Next()
			if err == io.EOF {
				break
			}
			old, next := entry.Old, entry.New
			row := next
			if op == types.OpDelete {
				row = old
			}
			if op == types.OpUpdate && mapstore.SemanticallyEqual(old, next) {
				continue
			}

			sendOp := op
			if row.Key().Keytype() == types.KeytypeVBrIfPolicingMap {
				// Installation is gated on the interface's port map; an
				// ungated row has nothing on the controller to create, and an
				// update that lost the gate removes the object instead.
				if op == types.OpCreate && !row.PortMapSet {
					continue
				}
				if op == types.OpUpdate && !next.PortMapSet {
					sendOp = types.OpDelete
				}
			}
			if desc, err := e.caps.Descriptor(ctrl, row.Key().Keytype()); err == nil && !desc.SupportsOp(sendOp) {
				log.Debugf("Skipping %s of '%s': controller '%s' does not advertise the operation", sendOp, row.Key(), ctrl)
				continue
			}

			domains, owned, err := e.ownedDomains(ctx, row, ctrl, op)
			if err != nil {
				return result, err
			}
			if !owned {
				continue
			}
			for _, domain := range domains {
				if err := e.push(ctx, conn, sendOp, types.Candidate, domain, row, old, result); err != nil {
					if errors.IsUnavailable(err) {
						return result, err
					}
					// Driver rejection; stop this controller's batch.
					return result, nil
				}
			}
		}
	}
	return result, nil
}

// ownedDomains resolves the domains a row binds on the controller: the leaf
// placement for interface maps, the controller rows for VTN maps. Delete
// entries consult the running snapshot since the candidate rows are gone.
func (e *Engine) ownedDomains(ctx context.Context, row *types.PolicingMap, ctrl types.ControllerID, op types.Operation) ([]types.DomainID, bool, error) {
	if row.Key().Keytype() == types.KeytypeVBrIfPolicingMap {
		if row.ControllerID != ctrl {
			return nil, false, nil
		}
		return []types.DomainID{row.DomainID}, true, nil
	}
	scope := mapstore.Candidate
	if op == types.OpDelete {
		scope = mapstore.Running
	}
	ctrlRows, err := e.maps.ListCtrl(ctx, scope, row.VTN)
	if err != nil {
		return nil, false, err
	}
	var domains []types.DomainID
	for _, ctrlRow := range ctrlRows {
		if ctrlRow.ControllerID == ctrl {
			domains = append(domains, ctrlRow.DomainID)
		}
	}
	return domains, len(domains) > 0, nil
}

// push sends one operation through the driver session, recording the outcome
// on the controller result.
func (e *Engine) push(ctx context.Context, conn southbound.Conn, op types.Operation, datatype types.Datatype,
	domain types.DomainID, row, old *types.PolicingMap, result *ControllerResult) error {
	localKey, localPolicer, _, err := e.rename.ControllerKey(ctx, row.Key(), row.Policer, conn.Controller())
	if err != nil {
		return err
	}
	req := &southbound.Request{
		Operation: op,
		Datatype:  datatype,
		Keytype:   row.Key().Keytype(),
		Domain:    domain,
		Key:       localKey,
		Policer:   localPolicer,
	}
	if op == types.OpUpdate && old != nil {
		_, oldPolicer, _, err := e.rename.ControllerKey(ctx, old.Key(), old.Policer, conn.Controller())
		if err != nil {
			return err
		}
		req.OldPolicer = oldPolicer
	}

	resp, err := conn.SendRequest(ctx, req)
	if err != nil {
		metrics.CommitPushes.WithLabelValues(string(conn.Controller()), "error").Inc()
		result.Failed = true
		errKey := localKey
		if resp != nil && resp.Key.VTN != "" {
			errKey = resp.Key
		}
		result.ErrorKeys = append(result.ErrorKeys, errKey)
		log.Warnf("Push %s of '%s' to controller '%s' failed: %s", op, row.Key(), conn.Controller(), err)
		return err
	}
	metrics.CommitPushes.WithLabelValues(string(conn.Controller()), "ok").Inc()
	log.Debugf("Pushed %s of '%s' to controller '%s'", op, row.Key(), conn.Controller())
	return nil
}

// TxCopyCandidateToRunning folds the candidate snapshot's net change-set into
// the running snapshot, consolidating per-controller push results into the
// rows' config status. Main rows reconcile before controller rows, deletes
// before creates.
func (e *Engine) TxCopyCandidateToRunning(ctx context.Context, results *CommitResult) error {
	failedKeys, err := e.resolveErrorKeys(ctx, results)
	if err != nil {
		return err
	}

	if err := e.copyMainRows(ctx, results, failedKeys); err != nil {
		return err
	}
	if err := e.copyCtrlRows(ctx, results, failedKeys); err != nil {
		return err
	}

	// Cascade-delete decrements were parked in the scratch table; apply the
	// net deltas before the candidate bindings become authoritative.
	if err := e.bindings.ApplyDeltas(ctx, types.Candidate); err != nil {
		return err
	}
	if err := e.bindings.Copy(ctx, types.Candidate, types.Running); err != nil {
		return err
	}
	log.Infof("Committed candidate snapshot to running")
	return nil
}

// resolveErrorKeys maps each failed controller's echoed local error keys back
// to UNC-level names so the diff classification below compares like-for-like.
func (e *Engine) resolveErrorKeys(ctx context.Context, results *CommitResult) (map[types.MapKey]map[types.ControllerID]bool, error) {
	failed := make(map[types.MapKey]map[types.ControllerID]bool)
	if results == nil {
		return failed, nil
	}
	for ctrl, res := range results.Results {
		for _, local := range res.ErrorKeys {
			key, _, err := e.rename.UNCKey(ctx, local, "", ctrl)
			if err != nil {
				return nil, err
			}
			if failed[key] == nil {
				failed[key] = make(map[types.ControllerID]bool)
			}
			failed[key][ctrl] = true
		}
	}
	return failed, nil
}

func (e *Engine) rowStatus(results *CommitResult, failedKeys map[types.MapKey]map[types.ControllerID]bool,
	key types.MapKey, ctrl types.ControllerID) types.ConfigStatus {
	if results.Failed(ctrl) || failedKeys[key][ctrl] {
		return types.StatusNotApplied
	}
	return types.StatusApplied
}

// copyMainRows is the main-table reconciliation phase. All three change sets
// are classified before running is touched so the update diff never sees rows
// inserted by this same pass.
func (e *Engine) copyMainRows(ctx context.Context, results *CommitResult, failedKeys map[types.MapKey]map[types.ControllerID]bool) error {
	deletes, err := e.maps.DiffMain(ctx, mapstore.Candidate, mapstore.Running, types.OpDelete)
	if err != nil {
		return err
	}
	creates, err := e.maps.DiffMain(ctx, mapstore.Candidate, mapstore.Running, types.OpCreate)
	if err != nil {
		return err
	}
	updates, err := e.maps.DiffMain(ctx, mapstore.Candidate, mapstore.Running, types.OpUpdate)
	if err != nil {
		return err
	}

	for {
		entry, err := deletes.Next()
		if err == io.EOF {
			break
		}
		if err := e.maps.Delete(ctx, mapstore.Running, entry.Old.Key()); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}

	for {
		entry, err := creates.Next()
		if err == io.EOF {
			break
		}
		row := *entry.New
		row.Status = e.consolidatedStatus(ctx, results, failedKeys, entry.New)
		row.PolicerStatus = row.Status
		if err := e.maps.Create(ctx, mapstore.Running, &row); err != nil {
			return err
		}
	}

	for {
		entry, err := updates.Next()
		if err == io.EOF {
			break
		}
		row := *entry.New
		if mapstore.SemanticallyEqual(entry.Old, entry.New) {
			// The config status is owned by the running side; a status-only
			// difference keeps the value consolidated at the last commit.
			row.Status = entry.Old.Status
			row.PolicerStatus = entry.Old.PolicerStatus
		} else {
			row.Status = e.consolidatedStatus(ctx, results, failedKeys, entry.New)
			row.PolicerStatus = row.Status
		}
		if err := e.maps.Update(ctx, mapstore.Running, &row); err != nil {
			return err
		}
	}
	return nil
}

// consolidatedStatus folds the push results of every controller the candidate
// row binds on into one status.
func (e *Engine) consolidatedStatus(ctx context.Context, results *CommitResult,
	failedKeys map[types.MapKey]map[types.ControllerID]bool, row *types.PolicingMap) types.ConfigStatus {
	var statuses []types.ConfigStatus
	if row.Key().Keytype() == types.KeytypeVBrIfPolicingMap {
		if row.ControllerID != "" {
			statuses = append(statuses, e.rowStatus(results, failedKeys, row.Key(), row.ControllerID))
		}
		return types.ConsolidateStatus(statuses)
	}
	ctrlRows, err := e.maps.ListCtrl(ctx, mapstore.Candidate, row.VTN)
	if err != nil {
		log.Warnf("Failed to list candidate controller rows for VTN '%s': %s", row.VTN, err)
		return types.StatusUnknown
	}
	for _, ctrlRow := range ctrlRows {
		statuses = append(statuses, e.rowStatus(results, failedKeys, row.Key(), ctrlRow.ControllerID))
	}
	return types.ConsolidateStatus(statuses)
}

// copyCtrlRows is the controller-table reconciliation phase. As with the main
// table, the change sets are classified up front.
func (e *Engine) copyCtrlRows(ctx context.Context, results *CommitResult, failedKeys map[types.MapKey]map[types.ControllerID]bool) error {
	deletes, err := e.maps.DiffCtrl(ctx, mapstore.Candidate, mapstore.Running, types.OpDelete)
	if err != nil {
		return err
	}
	creates, err := e.maps.DiffCtrl(ctx, mapstore.Candidate, mapstore.Running, types.OpCreate)
	if err != nil {
		return err
	}
	updates, err := e.maps.DiffCtrl(ctx, mapstore.Candidate, mapstore.Running, types.OpUpdate)
	if err != nil {
		return err
	}

	for {
		entry, err := deletes.Next()
		if err == io.EOF {
			break
		}
		old := entry.Old
		if err := e.maps.DeleteCtrl(ctx, mapstore.Running, old.VTN, old.ControllerID, old.DomainID); err != nil && !errors.IsNotFound(err) {
			return err
		}
		if err := e.reconsolidate(ctx, old.VTN, old.ControllerID); err != nil {
			return err
		}
	}

	for {
		entry, err := creates.Next()
		if err == io.EOF {
			break
		}
		row := *entry.New
		if err := e.validateSpan(ctx, &row); err != nil {
			if errors.IsNotFound(err) {
				log.Warnf("Skipping controller row for VTN '%s' on %s/%s: span gone", row.VTN, row.ControllerID, row.DomainID)
				continue
			}
			return err
		}
		main, err := e.maps.Get(ctx, mapstore.Candidate, types.MapKey{VTN: row.VTN})
		if err == nil {
			row.Policer = main.Policer
			row.PolicerValidity = main.PolicerValidity
		} else if !errors.IsNotFound(err) {
			return err
		}
		// An attribute the controller rejects is marked invalid on the
		// controller row only, never on the main row.
		if !e.attrSupported(row.ControllerID) && row.PolicerValidity == types.Valid {
			row.PolicerValidity = types.Invalid
		}
		row.Status = e.rowStatus(results, failedKeys, types.MapKey{VTN: row.VTN}, row.ControllerID)
		if err := e.maps.PutCtrl(ctx, mapstore.Running, &row); err != nil {
			return err
		}
	}

	for {
		entry, err := updates.Next()
		if err == io.EOF {
			break
		}
		row := *entry.New
		if mapstore.CtrlSemanticallyEqual(entry.Old, entry.New) {
			row.Status = entry.Old.Status
		} else {
			row.Status = e.rowStatus(results, failedKeys, types.MapKey{VTN: row.VTN}, row.ControllerID)
		}
		if err := e.maps.PutCtrl(ctx, mapstore.Running, &row); err != nil {
			return err
		}
		if err := e.reconsolidate(ctx, row.VTN, ""); err != nil {
			return err
		}
	}
	return nil
}

// validateSpan confirms the row's (controller, domain) pair still has a
// positive vnode span; rows for dead spans are never written through.
func (e *Engine) validateSpan(ctx context.Context, row *types.PolicingMapCtrl) error {
	spans, err := e.spans.Spans(ctx, types.Candidate, row.VTN)
	if err != nil {
		return err
	}
	for _, sp := range spans {
		if sp.ControllerID == row.ControllerID && sp.DomainID == row.DomainID {
			return nil
		}
	}
	return errors.NewNotFound("VTN '%s' no longer spans %s/%s", row.VTN, row.ControllerID, row.DomainID)
}

func (e *Engine) attrSupported(ctrl types.ControllerID) bool {
	desc, err := e.caps.Descriptor(ctrl, types.KeytypeVTNPolicingMap)
	if err != nil {
		return true
	}
	return desc.Attributes&capability.AttrPolicer != 0
}

// reconsolidate recomputes a VTN main row's consolidated status across its
// remaining running controller rows, excluding one departing controller.
func (e *Engine) reconsolidate(ctx context.Context, vtn string, exclude types.ControllerID) error {
	main, err := e.maps.Get(ctx, mapstore.Running, types.MapKey{VTN: vtn})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	ctrlRows, err := e.maps.ListCtrl(ctx, mapstore.Running, vtn)
	if err != nil {
		return err
	}
	var statuses []types.ConfigStatus
	for _, ctrlRow := range ctrlRows {
		if exclude != "" && ctrlRow.ControllerID == exclude {
			continue
		}
		statuses = append(statuses, ctrlRow.Status)
	}
	main.Status = types.ConsolidateStatus(statuses)
	main.PolicerStatus = main.Status
	return e.maps.Update(ctx, mapstore.Running, main)
}
