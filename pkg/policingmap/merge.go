// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package policingmap

import (
	"context"

	"github.com/onosproject/onos-lib-go/pkg/errors"

	mapstore "github.com/openvtn/vtn-config/pkg/store/policingmap"
	"github.com/openvtn/vtn-config/pkg/types"
)

// Merger folds the import snapshot, built from a controller readback, into
// the candidate snapshot. PreferImport selects the import side when both
// snapshots carry a valid policer for the same consumer; the default keeps
// the candidate side.
type Merger struct {
	Stores
	PreferImport bool
}

// NewMerger creates a merger over the shared stores
func NewMerger(stores Stores, preferImport bool) *Merger {
	return &Merger{Stores: stores, PreferImport: preferImport}
}

// RecordRename captures a controller-local name reported alongside the import
// snapshot; outbound driver requests translate through it from then on.
func (m *Merger) RecordRename(ctx context.Context, entry *types.RenameEntry) error {
	return m.Rename.Record(ctx, entry)
}

// EraseRename drops a captured name mapping
func (m *Merger) EraseRename(ctx context.Context, keytype types.Keytype, name string, ctrl types.ControllerID) error {
	return m.Rename.Erase(ctx, keytype, name, ctrl)
}

// renameFlags derives a consumer row's rename bitmask from the recorded
// entries of the controller it binds on.
func (m *Merger) renameFlags(ctx context.Context, row *types.PolicingMap) (types.RenameFlags, error) {
	if row.ControllerID == "" {
		return row.RenameFlags, nil
	}
	_, _, flags, err := m.Rename.ControllerKey(ctx, row.Key(), row.Policer, row.ControllerID)
	if err != nil {
		return 0, err
	}
	return flags, nil
}

// Validate walks the import snapshot against the candidate and reports the
// first consumer whose two sides carry valid but different policer references.
// Such a consumer cannot be merged without the prefer knob choosing a side.
func (m *Merger) Validate(ctx context.Context) error {
	rows, err := m.Maps.List(ctx, mapstore.ImportScope)
	if err != nil {
		return err
	}
	for _, imported := range rows {
		current, err := m.Maps.Get(ctx, mapstore.Candidate, imported.Key())
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return err
		}
		if imported.PolicerValidity == types.Valid && current.PolicerValidity == types.Valid &&
			imported.Policer != current.Policer {
			return errors.NewConflict("consumer '%s' references policer '%s' in import and '%s' in candidate",
				imported.Key(), imported.Policer, current.Policer)
		}
	}
	return nil
}

// Merge folds the import snapshot into the candidate. Consumers only present
// in the import are copied over with their controller rows, taking refcount
// contributions marked as imported. Consumers present on both sides keep the
// candidate value unless PreferImport is set. The import snapshot is cleared
// on success.
func (m *Merger) Merge(ctx context.Context) error {
	rows, err := m.Maps.List(ctx, mapstore.ImportScope)
	if err != nil {
		return err
	}
	for _, imported := range rows {
		current, err := m.Maps.Get(ctx, mapstore.Candidate, imported.Key())
		if err != nil {
			if !errors.IsNotFound(err) {
				return err
			}
			if err := m.adoptRow(ctx, imported); err != nil {
				return err
			}
			continue
		}
		if !m.PreferImport {
			continue
		}
		if imported.PolicerValidity != types.Valid || imported.SameValue(current) {
			continue
		}
		if err := m.replaceRow(ctx, current, imported); err != nil {
			return err
		}
	}
	return m.clearImport(ctx, rows)
}

// adoptRow copies an import-only consumer into the candidate
func (m *Merger) adoptRow(ctx context.Context, imported *types.PolicingMap) error {
	if imported.PolicerValidity == types.Valid {
		for _, ctrl := range m.rowControllers(ctx, imported) {
			err := m.Bindings.UpdateRefCount(ctx, types.Candidate, imported.Policer, ctrl, types.OpCreate, true)
			if err != nil && !errors.IsAlreadyExists(err) {
				return err
			}
		}
	}
	row := *imported
	flags, err := m.renameFlags(ctx, &row)
	if err != nil {
		return err
	}
	row.RenameFlags = flags
	if err := m.Maps.Create(ctx, mapstore.Candidate, &row); err != nil {
		return err
	}
	ctrlRows, err := m.Maps.ListCtrl(ctx, mapstore.ImportScope, imported.VTN)
	if err != nil {
		return err
	}
	for _, ctrlRow := range ctrlRows {
		copied := *ctrlRow
		if err := m.Maps.PutCtrl(ctx, mapstore.Candidate, &copied); err != nil {
			return err
		}
	}
	log.Infof("Merged imported policing map for '%s' into candidate", imported.Key())
	return nil
}

// replaceRow moves the candidate consumer to the imported value, rebalancing
// the refcounts of both policers.
func (m *Merger) replaceRow(ctx context.Context, current, imported *types.PolicingMap) error {
	ctrls := m.rowControllers(ctx, imported)
	if current.PolicerValidity == types.Valid {
		for _, ctrl := range ctrls {
			err := m.Bindings.UpdateRefCount(ctx, types.Candidate, current.Policer, ctrl, types.OpDelete, false)
			if err != nil && !errors.IsNotFound(err) {
				return err
			}
		}
	}
	for _, ctrl := range ctrls {
		if err := m.Bindings.UpdateRefCount(ctx, types.Candidate, imported.Policer, ctrl, types.OpCreate, true); err != nil {
			return err
		}
	}
	current.Policer = imported.Policer
	current.PolicerValidity = imported.PolicerValidity
	current.PortMapSet = imported.PortMapSet
	flags, err := m.renameFlags(ctx, current)
	if err != nil {
		return err
	}
	current.RenameFlags = flags
	if err := m.Maps.Update(ctx, mapstore.Candidate, current); err != nil {
		return err
	}
	log.Infof("Replaced candidate policing map for '%s' with imported value", current.Key())
	return nil
}

// rowControllers lists the controllers a consumer row binds on: the leaf
// placement for interface maps, the import controller rows for VTN maps.
func (m *Merger) rowControllers(ctx context.Context, row *types.PolicingMap) []types.ControllerID {
	if row.Key().Keytype() == types.KeytypeVBrIfPolicingMap {
		if row.ControllerID == "" {
			return nil
		}
		return []types.ControllerID{row.ControllerID}
	}
	ctrlRows, err := m.Maps.ListCtrl(ctx, mapstore.ImportScope, row.VTN)
	if err != nil {
		log.Warnf("Failed to list import controller rows for VTN '%s': %s", row.VTN, err)
		return nil
	}
	seen := make(map[types.ControllerID]bool)
	var ctrls []types.ControllerID
	for _, ctrlRow := range ctrlRows {
		if !seen[ctrlRow.ControllerID] {
			seen[ctrlRow.ControllerID] = true
			ctrls = append(ctrls, ctrlRow.ControllerID)
		}
	}
	return ctrls
}

func (m *Merger) clearImport(ctx context.Context, rows []*types.PolicingMap) error {
	for _, row := range rows {
		ctrlRows, err := m.Maps.ListCtrl(ctx, mapstore.ImportScope, row.VTN)
		if err != nil {
			return err
		}
		for _, ctrlRow := range ctrlRows {
			err := m.Maps.DeleteCtrl(ctx, mapstore.ImportScope, ctrlRow.VTN, ctrlRow.ControllerID, ctrlRow.DomainID)
			if err != nil && !errors.IsNotFound(err) {
				return err
			}
		}
		if err := m.Maps.Delete(ctx, mapstore.ImportScope, row.Key()); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}
	return nil
}
