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

// VBrIfManager manages vbridge-interface policing maps. A leaf map lives on
// exactly the (controller, domain) pair its parent vbridge is placed on, so
// there is one refcount contribution and no controller-table fanout.
type VBrIfManager struct {
	base
}

// NewVBrIfManager creates the vbridge-interface policing-map manager
func NewVBrIfManager(stores Stores, caps capability.Registry, conns southbound.ConnManager) *VBrIfManager {
	return &VBrIfManager{base: base{Stores: stores, caps: caps, conns: conns}}
}

// Keytype returns the managed keytype
func (m *VBrIfManager) Keytype() types.Keytype {
	return types.KeytypeVBrIfPolicingMap
}

func (m *VBrIfManager) validateKey(key types.MapKey) error {
	if key.VTN == "" || key.VBridge == "" || key.VInterface == "" {
		return errors.NewInvalid("interface policing-map key requires VTN, vbridge and interface names")
	}
	for _, name := range []string{key.VTN, key.VBridge, key.VInterface} {
		if len(name) > maxNameLen {
			return errors.NewInvalid("name '%s' exceeds %d bytes", name, maxNameLen)
		}
	}
	return nil
}

// placement resolves the parent vbridge's controller placement; a leaf map on
// an unplaced vbridge is a semantic conflict.
func (m *VBrIfManager) placement(ctx context.Context, datatype types.Datatype, key types.MapKey) (types.ControllerID, types.DomainID, error) {
	vnode, err := m.Spans.VNode(ctx, datatype, key.VTN, key.VBridge)
	if err != nil {
		if errors.IsNotFound(err) {
			return "", "", errors.NewConflict("vbridge '%s/%s' does not exist", key.VTN, key.VBridge)
		}
		return "", "", err
	}
	return vnode.ControllerID, vnode.DomainID, nil
}

// Create creates the interface's policing map. A controller whose type does
// not support the keytype takes no row at all; a controller that supports the
// keytype but not the policer attribute takes a row with the attribute marked
// not-supported and no refcount contribution.
func (m *VBrIfManager) Create(ctx context.Context, scope mapstore.Scope, key types.MapKey, ref types.PolicerRef, opts Options) error {
	if err := m.validateKey(key); err != nil {
		return err
	}
	if err := validateRef(ref); err != nil {
		return err
	}
	if _, err := m.Maps.Get(ctx, scope, key); err == nil {
		return errors.NewAlreadyExists("policing map already exists for interface '%s'", key)
	} else if !errors.IsNotFound(err) {
		return err
	}

	ctrl, domain, err := m.placement(ctx, scope.Datatype, key)
	if err != nil {
		return err
	}
	if !m.caps.Supports(ctrl, types.KeytypeVBrIfPolicingMap) {
		log.Debugf("Skipping policing map for '%s': controller '%s' does not support interface maps", key, ctrl)
		return nil
	}
	validity := m.policerValidity(ctrl, types.KeytypeVBrIfPolicingMap, ref.Validity)

	if validity == types.Valid {
		if err := m.checkProfile(ctx, scope.Datatype, ref.Name, opts); err != nil {
			return err
		}
		if err := m.Bindings.UpdateRefCount(ctx, scope.Datatype, ref.Name, ctrl, types.OpCreate, false); err != nil {
			return err
		}
	}

	row := &types.PolicingMap{
		VTN:             key.VTN,
		VBridge:         key.VBridge,
		VInterface:      key.VInterface,
		Policer:         ref.Name,
		PolicerValidity: validity,
		PortMapSet:      opts.PortMapSet,
		ControllerID:    ctrl,
		DomainID:        domain,
	}
	if err := m.Maps.Create(ctx, scope, row); err != nil {
		return err
	}
	log.Infof("Created policing map for interface '%s' (policer '%s' on %s/%s)", key, ref.Name, ctrl, domain)
	return nil
}

// Update changes the interface's policer reference or port-map prerequisite
func (m *VBrIfManager) Update(ctx context.Context, scope mapstore.Scope, key types.MapKey, ref types.PolicerRef, opts Options) error {
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
	if cur.Ref() == ref && cur.PortMapSet == opts.PortMapSet {
		return nil
	}

	ctrl := cur.ControllerID
	requested := m.policerValidity(ctrl, types.KeytypeVBrIfPolicingMap, ref.Validity)
	effective, changed := types.CompareValidity(cur.PolicerValidity, requested, cur.Policer == ref.Name)
	if !changed && cur.PortMapSet == opts.PortMapSet {
		return nil
	}

	oldValid := cur.PolicerValidity == types.Valid
	newValid := effective == types.Valid
	if newValid {
		if err := m.checkProfile(ctx, scope.Datatype, ref.Name, opts); err != nil {
			return err
		}
	}

	if changed {
		if oldValid && (!newValid || cur.Policer != ref.Name) {
			err := m.Bindings.UpdateRefCount(ctx, scope.Datatype, cur.Policer, ctrl, types.OpDelete, false)
			if err != nil && !errors.IsNotFound(err) {
				return err
			}
		}
		if newValid && (!oldValid || cur.Policer != ref.Name) {
			if err := m.Bindings.UpdateRefCount(ctx, scope.Datatype, ref.Name, ctrl, types.OpCreate, false); err != nil {
				return err
			}
		}
		cur.Policer = ref.Name
		cur.PolicerValidity = effective
		if !newValid {
			cur.Policer = ""
		}
	}
	cur.PortMapSet = opts.PortMapSet
	if err := m.Maps.Update(ctx, scope, cur); err != nil {
		return err
	}
	log.Infof("Updated policing map for interface '%s' (policer '%s')", key, cur.Policer)
	return nil
}

// Delete removes the interface's policing map and its refcount contribution
func (m *VBrIfManager) Delete(ctx context.Context, scope mapstore.Scope, key types.MapKey) error {
	if err := m.validateKey(key); err != nil {
		return err
	}
	cur, err := m.Maps.Get(ctx, scope, key)
	if err != nil {
		return err
	}
	if cur.PolicerValidity == types.Valid {
		err := m.Bindings.UpdateRefCount(ctx, scope.Datatype, cur.Policer, cur.ControllerID, types.OpDelete, false)
		if err != nil && !errors.IsNotFound(err) {
			return err
		}
	}
	if err := m.Maps.Delete(ctx, scope, key); err != nil {
		return err
	}
	log.Infof("Deleted policing map for interface '%s'", key)
	return nil
}

// Read returns the map row and, on detail reads, live state from the parent
// vbridge's controller.
func (m *VBrIfManager) Read(ctx context.Context, scope mapstore.Scope, key types.MapKey, detail bool) (*MapDetail, error) {
	if err := m.validateKey(key); err != nil {
		return nil, err
	}
	row, err := m.Maps.Get(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	d := &MapDetail{Map: *row}
	if detail {
		state, err := m.liveState(ctx, scope, key, row.ControllerID, row.DomainID)
		if err != nil {
			if !errors.IsUnavailable(err) {
				return nil, err
			}
			log.Debugf("Skipping state read for '%s' on controller '%s': %s", key, row.ControllerID, err)
		} else {
			d.State = state
		}
	}
	return d, nil
}

// ReadSiblings walks the interface maps following key under the same vbridge
func (m *VBrIfManager) ReadSiblings(ctx context.Context, scope mapstore.Scope, key types.MapKey, limit int) ([]*MapDetail, error) {
	rows, err := m.Maps.Siblings(ctx, scope, key, limit)
	if err != nil {
		return nil, err
	}
	details := make([]*MapDetail, 0, len(rows))
	for _, row := range rows {
		details = append(details, &MapDetail{Map: *row})
	}
	return details, nil
}

// ReadSiblingCount counts the interface maps following key under the same
// vbridge
func (m *VBrIfManager) ReadSiblingCount(ctx context.Context, scope mapstore.Scope, key types.MapKey) (int64, error) {
	return m.Maps.SiblingCount(ctx, scope, key)
}

var _ Manager = &VBrIfManager{}
