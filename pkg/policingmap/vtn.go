// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package policingmap

import (
	"context"

	"github.com/onosproject/onos-lib-go/pkg/errors"

	"github.com/openvtn/vtn-config/pkg/capability"
	"github.com/openvtn/vtn-config/pkg/southbound"
	mapstore "github.com/openvtn/vtn-config/pkg/store/policingmap"
	"github.com/openvtn/vtn-config/pkg/types"
)

// VTNManager manages VTN-level policing maps. A VTN spans every (controller,
// domain) pair its vnodes are placed on, so every mutation walks the span and
// keeps one controller row and one refcount contribution per pair.
type VTNManager struct {
	base
}

// NewVTNManager creates the VTN policing-map manager
func NewVTNManager(stores Stores, caps capability.Registry, conns southbound.ConnManager) *VTNManager {
	return &VTNManager{base: base{Stores: stores, caps: caps, conns: conns}}
}

// Keytype returns the managed keytype
func (m *VTNManager) Keytype() types.Keytype {
	return types.KeytypeVTNPolicingMap
}

func (m *VTNManager) validateKey(key types.MapKey) error {
	if key.VTN == "" {
		return errors.NewInvalid("no VTN name specified")
	}
	if key.VBridge != "" || key.VInterface != "" {
		return errors.NewInvalid("VTN policing-map key must not carry vnode names")
	}
	if len(key.VTN) > maxNameLen {
		return errors.NewInvalid("VTN name '%s' exceeds %d bytes", key.VTN, maxNameLen)
	}
	return nil
}

// spansFor enumerates the VTN's qualifying (controller, domain) pairs.
// Controllers whose type does not support the keytype are skipped, not erred.
func (m *VTNManager) spansFor(ctx context.Context, datatype types.Datatype, vtn string) ([]*types.VTNSpan, error) {
	spans, err := m.Spans.Spans(ctx, datatype, vtn)
	if err != nil {
		return nil, err
	}
	qualified := spans[:0]
	for _, sp := range spans {
		if !m.caps.Supports(sp.ControllerID, types.KeytypeVTNPolicingMap) {
			log.Debugf("Skipping controller '%s' for VTN '%s': keytype unsupported", sp.ControllerID, vtn)
			continue
		}
		qualified = append(qualified, sp)
	}
	return qualified, nil
}

// Create creates the VTN's policing map per the request. Binding increments
// already applied when a later controller fails are not rolled back; the
// failing return surfaces the partial application.
func (m *VTNManager) Create(ctx context.Context, scope mapstore.Scope, key types.MapKey, ref types.PolicerRef, opts Options) error {
	if err := m.validateKey(key); err != nil {
		return err
	}
	if err := validateRef(ref); err != nil {
		return err
	}
	if _, err := m.Maps.Get(ctx, scope, key); err == nil {
		return errors.NewAlreadyExists("policing map already exists for VTN '%s'", key.VTN)
	} else if !errors.IsNotFound(err) {
		return err
	}
	if ref.Validity == types.Valid {
		if err := m.checkProfile(ctx, scope.Datatype, ref.Name, opts); err != nil {
			return err
		}
	}

	spans, err := m.spansFor(ctx, scope.Datatype, key.VTN)
	if err != nil {
		return err
	}
	if ref.Validity == types.Valid {
		seen := make(map[types.ControllerID]bool)
		for _, sp := range spans {
			if seen[sp.ControllerID] {
				continue
			}
			seen[sp.ControllerID] = true
			err := m.Bindings.UpdateRefCount(ctx, scope.Datatype, ref.Name, sp.ControllerID, types.OpCreate, false)
			if err != nil {
				return err
			}
		}
	}

	row := &types.PolicingMap{
		VTN:             key.VTN,
		Policer:         ref.Name,
		PolicerValidity: ref.Validity,
	}
	if err := m.Maps.Create(ctx, scope, row); err != nil {
		return err
	}
	for _, sp := range spans {
		ctrlRow := &types.PolicingMapCtrl{
			VTN:             key.VTN,
			ControllerID:    sp.ControllerID,
			DomainID:        sp.DomainID,
			Policer:         ref.Name,
			PolicerValidity: m.policerValidity(sp.ControllerID, types.KeytypeVTNPolicingMap, ref.Validity),
			RenameFlags:     row.RenameFlags,
		}
		if err := m.Maps.PutCtrl(ctx, scope, ctrlRow); err != nil {
			return err
		}
	}
	log.Infof("Created policing map for VTN '%s' (policer '%s', %d spans)", key.VTN, ref.Name, len(spans))
	return nil
}

// Update changes the VTN's policer reference, moving refcounts per the
// old/new validity cross product.
func (m *VTNManager) Update(ctx context.Context, scope mapstore.Scope, key types.MapKey, ref types.PolicerRef, opts Options) error {
	if err := m.validateKey(key); err != nil {
		return err
	}
	if err := validateRef(ref); err != nil {
		return err
	}
	cur, err := m.Maps.Get(ctx, scope, key)
	if err != nil {
		return err
	}
	if cur.Ref() == ref {
		return nil
	}
	effective, changed := types.CompareValidity(cur.PolicerValidity, ref.Validity, cur.Policer == ref.Name)
	if !changed {
		// No value attribute carries a change.
		return nil
	}

	oldValid := cur.PolicerValidity == types.Valid
	newValid := effective == types.Valid
	if newValid {
		if err := m.checkProfile(ctx, scope.Datatype, ref.Name, opts); err != nil {
			return err
		}
	}

	spans, err := m.spansFor(ctx, scope.Datatype, key.VTN)
	if err != nil {
		return err
	}
	seen := make(map[types.ControllerID]bool)
	for _, sp := range spans {
		if seen[sp.ControllerID] {
			continue
		}
		seen[sp.ControllerID] = true
		if oldValid {
			err := m.Bindings.UpdateRefCount(ctx, scope.Datatype, cur.Policer, sp.ControllerID, types.OpDelete, false)
			if err != nil && !errors.IsNotFound(err) {
				return err
			}
		}
		if newValid {
			err := m.Bindings.UpdateRefCount(ctx, scope.Datatype, ref.Name, sp.ControllerID, types.OpCreate, false)
			if err != nil {
				return err
			}
		}
	}

	cur.Policer = ref.Name
	cur.PolicerValidity = effective
	if !newValid {
		cur.Policer = ""
	}
	if err := m.Maps.Update(ctx, scope, cur); err != nil {
		return err
	}
	for _, sp := range spans {
		ctrlRow := &types.PolicingMapCtrl{
			VTN:             key.VTN,
			ControllerID:    sp.ControllerID,
			DomainID:        sp.DomainID,
			Policer:         cur.Policer,
			PolicerValidity: m.policerValidity(sp.ControllerID, types.KeytypeVTNPolicingMap, effective),
			RenameFlags:     cur.RenameFlags,
		}
		if err := m.Maps.PutCtrl(ctx, scope, ctrlRow); err != nil {
			return err
		}
	}
	log.Infof("Updated policing map for VTN '%s' (policer '%s')", key.VTN, cur.Policer)
	return nil
}

// Delete removes the VTN's policing map and its refcount contributions.
// Absent bindings on decrement are treated as already satisfied.
func (m *VTNManager) Delete(ctx context.Context, scope mapstore.Scope, key types.MapKey) error {
	if err := m.validateKey(key); err != nil {
		return err
	}
	cur, err := m.Maps.Get(ctx, scope, key)
	if err != nil {
		return err
	}

	if cur.PolicerValidity == types.Valid {
		spans, err := m.spansFor(ctx, scope.Datatype, key.VTN)
		if err != nil {
			return err
		}
		seen := make(map[types.ControllerID]bool)
		for _, sp := range spans {
			if seen[sp.ControllerID] {
				continue
			}
			seen[sp.ControllerID] = true
			err := m.Bindings.UpdateRefCount(ctx, scope.Datatype, cur.Policer, sp.ControllerID, types.OpDelete, false)
			if err != nil && !errors.IsNotFound(err) {
				return err
			}
		}
	}

	ctrlRows, err := m.Maps.ListCtrl(ctx, scope, key.VTN)
	if err != nil {
		return err
	}
	for _, ctrlRow := range ctrlRows {
		if err := m.Maps.DeleteCtrl(ctx, scope, key.VTN, ctrlRow.ControllerID, ctrlRow.DomainID); err != nil {
			return err
		}
	}
	if err := m.Maps.Delete(ctx, scope, key); err != nil {
		return err
	}
	log.Infof("Deleted policing map for VTN '%s'", key.VTN)
	return nil
}

// DeleteChildren cascades a VTN deletion over every policing-map row scoped
// under it. Refcount contributions are accumulated into the scratch table,
// one net delta per (policer, controller), and applied at commit time.
func (m *VTNManager) DeleteChildren(ctx context.Context, scope mapstore.Scope, vtn string) error {
	rows, err := m.Maps.ListVTN(ctx, scope, vtn)
	if err != nil {
		return err
	}
	spans, err := m.Spans.Spans(ctx, scope.Datatype, vtn)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.PolicerValidity != types.Valid {
			continue
		}
		if row.Key().Keytype() == types.KeytypeVBrIfPolicingMap {
			if row.ControllerID == "" {
				continue
			}
			if err := m.Bindings.AddDelta(ctx, row.Policer, row.ControllerID, vtn, -1); err != nil {
				return err
			}
			continue
		}
		seen := make(map[types.ControllerID]bool)
		for _, sp := range spans {
			if seen[sp.ControllerID] {
				continue
			}
			seen[sp.ControllerID] = true
			if err := m.Bindings.AddDelta(ctx, row.Policer, sp.ControllerID, vtn, -1); err != nil {
				return err
			}
		}
	}

	ctrlRows, err := m.Maps.ListCtrl(ctx, scope, vtn)
	if err != nil {
		return err
	}
	for _, ctrlRow := range ctrlRows {
		if err := m.Maps.DeleteCtrl(ctx, scope, vtn, ctrlRow.ControllerID, ctrlRow.DomainID); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if err := m.Maps.Delete(ctx, scope, row.Key()); err != nil {
			return err
		}
	}
	log.Infof("Cascade-deleted %d policing-map rows under VTN '%s'", len(rows), vtn)
	return nil
}

// Read assembles the map's main row, controller rows and, on detail reads,
// live driver state from each spanned controller.
func (m *VTNManager) Read(ctx context.Context, scope mapstore.Scope, key types.MapKey, detail bool) (*MapDetail, error) {
	if err := m.validateKey(key); err != nil {
		return nil, err
	}
	row, err := m.Maps.Get(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	return m.assemble(ctx, scope, row, detail)
}

// ReadSiblings walks the rows following key in VTN order. Disconnected
// controllers are skipped on detail assembly rather than failing the read.
func (m *VTNManager) ReadSiblings(ctx context.Context, scope mapstore.Scope, key types.MapKey, limit int) ([]*MapDetail, error) {
	rows, err := m.Maps.Siblings(ctx, scope, key, limit)
	if err != nil {
		return nil, err
	}
	details := make([]*MapDetail, 0, len(rows))
	for _, row := range rows {
		d, err := m.assemble(ctx, scope, row, false)
		if err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, nil
}

// ReadSiblingCount counts the rows following key in VTN order
func (m *VTNManager) ReadSiblingCount(ctx context.Context, scope mapstore.Scope, key types.MapKey) (int64, error) {
	return m.Maps.SiblingCount(ctx, scope, key)
}

func (m *VTNManager) assemble(ctx context.Context, scope mapstore.Scope, row *types.PolicingMap, detail bool) (*MapDetail, error) {
	d := &MapDetail{Map: *row}
	ctrlRows, err := m.Maps.ListCtrl(ctx, scope, row.VTN)
	if err != nil {
		return nil, err
	}
	for _, ctrlRow := range ctrlRows {
		d.Ctrls = append(d.Ctrls, *ctrlRow)
		if !detail {
			continue
		}
		state, err := m.liveState(ctx, scope, row.Key(), ctrlRow.ControllerID, ctrlRow.DomainID)
		if err != nil {
			if errors.IsUnavailable(err) {
				// Disconnected controller; continue with the rest of the span.
				log.Debugf("Skipping state read for VTN '%s' on controller '%s': %s", row.VTN, ctrlRow.ControllerID, err)
				continue
			}
			return nil, err
		}
		if d.State == nil {
			d.State = make(map[string]string)
		}
		for k, v := range state {
			d.State[string(ctrlRow.ControllerID)+"/"+k] = v
		}
	}
	return d, nil
}

var _ Manager = &VTNManager{}
