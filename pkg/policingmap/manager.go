// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package policingmap implements the keytype managers for policing-map
// consumers: the VTN-level map, which spans every controller the VTN touches,
// and the vbridge-interface map, which lives on its parent vnode's controller.
package policingmap

import (
	"context"

	"github.com/onosproject/onos-lib-go/pkg/errors"
	"github.com/onosproject/onos-lib-go/pkg/logging"

	"github.com/openvtn/vtn-config/pkg/capability"
	"github.com/openvtn/vtn-config/pkg/southbound"
	"github.com/openvtn/vtn-config/pkg/store/binding"
	mapstore "github.com/openvtn/vtn-config/pkg/store/policingmap"
	"github.com/openvtn/vtn-config/pkg/store/profile"
	"github.com/openvtn/vtn-config/pkg/store/rename"
	"github.com/openvtn/vtn-config/pkg/store/span"
	"github.com/openvtn/vtn-config/pkg/types"
)

var log = logging.GetLogger("policingmap")

const maxNameLen = 32

// Options qualifies a create or update request
type Options struct {
	// VTNMode marks a request scoped to a single-VTN config mode, which
	// additionally requires the referenced profile to exist in RUNNING
	VTNMode bool

	// PortMapSet carries the interface's port-map prerequisite for
	// interface-level maps
	PortMapSet bool
}

// MapDetail is the assembled read result: the main row, the controller rows
// spanned by the consumer, and live driver state on detail reads.
type MapDetail struct {
	Map   types.PolicingMap       `json:"map"`
	Ctrls []types.PolicingMapCtrl `json:"ctrls,omitempty"`
	State map[string]string       `json:"state,omitempty"`
}

// Manager is the produced northbound interface of one policing-map keytype
type Manager interface {
	Keytype() types.Keytype
	Create(ctx context.Context, scope mapstore.Scope, key types.MapKey, ref types.PolicerRef, opts Options) error
	Update(ctx context.Context, scope mapstore.Scope, key types.MapKey, ref types.PolicerRef, opts Options) error
	Delete(ctx context.Context, scope mapstore.Scope, key types.MapKey) error
	Read(ctx context.Context, scope mapstore.Scope, key types.MapKey, detail bool) (*MapDetail, error)
	ReadSiblings(ctx context.Context, scope mapstore.Scope, key types.MapKey, limit int) ([]*MapDetail, error)
	ReadSiblingCount(ctx context.Context, scope mapstore.Scope, key types.MapKey) (int64, error)
}

// Stores bundles the store dependencies shared by the managers
type Stores struct {
	Maps     mapstore.Store
	Bindings binding.Store
	Profiles profile.Store
	Spans    span.Store
	Rename   *rename.Resolver
}

type base struct {
	Stores
	caps  capability.Registry
	conns southbound.ConnManager
}

// validateRef rejects malformed policer references before any store mutation
func validateRef(ref types.PolicerRef) error {
	if ref.Validity == types.Valid && ref.Name == "" {
		return errors.NewInvalid("policer name required when validity is valid")
	}
	if len(ref.Name) > maxNameLen {
		return errors.NewInvalid("policer name '%s' exceeds %d bytes", ref.Name, maxNameLen)
	}
	return nil
}

// checkProfile verifies the referenced profile exists in the request's
// snapshot, and in RUNNING under single-VTN config mode. A missing profile is
// a semantic conflict the caller can report specifically, not a store error.
func (b *base) checkProfile(ctx context.Context, datatype types.Datatype, name string, opts Options) error {
	if _, err := b.Profiles.Get(ctx, datatype, name); err != nil {
		if errors.IsNotFound(err) {
			return errors.NewConflict("policing profile '%s' does not exist", name)
		}
		return err
	}
	if opts.VTNMode && datatype != types.Running {
		if _, err := b.Profiles.Get(ctx, types.Running, name); err != nil {
			if errors.IsNotFound(err) {
				return errors.NewConflict("policing profile '%s' not committed", name)
			}
			return err
		}
	}
	return nil
}

// policerValidity downgrades the attribute to not-supported when the
// controller rejects it, leaving the requested validity otherwise.
func (b *base) policerValidity(ctrl types.ControllerID, keytype types.Keytype, requested types.Validity) types.Validity {
	desc, err := b.caps.Descriptor(ctrl, keytype)
	if err != nil {
		return requested
	}
	if requested == types.Valid && desc.Attributes&capability.AttrPolicer == 0 {
		return types.NotSupported
	}
	return requested
}

// liveState reads the consumer's operational state from the controller driver
func (b *base) liveState(ctx context.Context, scope mapstore.Scope, key types.MapKey, ctrl types.ControllerID, domain types.DomainID) (map[string]string, error) {
	conn, err := b.conns.Get(ctx, ctrl)
	if err != nil {
		return nil, err
	}
	localKey, _, _, err := b.Rename.ControllerKey(ctx, key, "", ctrl)
	if err != nil {
		return nil, err
	}
	resp, err := conn.SendRequest(ctx, &southbound.Request{
		Operation: types.OpRead,
		Datatype:  types.State,
		Keytype:   key.Keytype(),
		Domain:    domain,
		Key:       localKey,
		Detail:    true,
	})
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}
