// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package rename

import (
	"context"

	"github.com/onosproject/onos-lib-go/pkg/errors"

	"github.com/openvtn/vtn-config/pkg/types"
)

// Resolver translates policing-map keys and profile references between
// UNC-level and controller-local names. Names without a rename entry translate
// to themselves.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver over the rename store
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Record stores a UNC-to-local name mapping captured with an import snapshot
func (r *Resolver) Record(ctx context.Context, entry *types.RenameEntry) error {
	if entry.Keytype == "" || entry.Name == "" || entry.ControllerID == "" || entry.LocalName == "" {
		return errors.NewInvalid("rename entry requires keytype, name, controller and local name")
	}
	return r.store.Put(ctx, entry)
}

// Erase drops a recorded mapping
func (r *Resolver) Erase(ctx context.Context, keytype types.Keytype, name string, ctrl types.ControllerID) error {
	return r.store.Delete(ctx, keytype, name, ctrl)
}

// ControllerKey resolves the controller-local form of a consumer key and its
// policer reference, returning the rename bitmask of the translated parts.
func (r *Resolver) ControllerKey(ctx context.Context, key types.MapKey, policer string, ctrl types.ControllerID) (types.MapKey, string, types.RenameFlags, error) {
	var flags types.RenameFlags
	local := key
	name, err := r.store.LocalName(ctx, types.KeytypeVTN, key.VTN, ctrl)
	if err == nil {
		local.VTN = name
		flags |= types.VTNRenamed
	} else if !errors.IsNotFound(err) {
		return types.MapKey{}, "", 0, err
	}

	localPolicer := policer
	if policer != "" {
		name, err = r.store.LocalName(ctx, types.KeytypePolicingProfile, policer, ctrl)
		if err == nil {
			localPolicer = name
			flags |= types.PolicerRenamed
		} else if !errors.IsNotFound(err) {
			return types.MapKey{}, "", 0, err
		}
	}
	return local, localPolicer, flags, nil
}

// UNCKey resolves the UNC-level form of a controller-local consumer key and
// policer reference, used on inbound error keys and renamed-object
// notifications so later diffing compares like-for-like names.
func (r *Resolver) UNCKey(ctx context.Context, local types.MapKey, localPolicer string, ctrl types.ControllerID) (types.MapKey, string, error) {
	key := local
	name, err := r.store.UNCName(ctx, types.KeytypeVTN, local.VTN, ctrl)
	if err == nil {
		key.VTN = name
	} else if !errors.IsNotFound(err) {
		return types.MapKey{}, "", err
	}

	policer := localPolicer
	if localPolicer != "" {
		name, err = r.store.UNCName(ctx, types.KeytypePolicingProfile, localPolicer, ctrl)
		if err == nil {
			policer = name
		} else if !errors.IsNotFound(err) {
			return types.MapKey{}, "", err
		}
	}
	return key, policer, nil
}
