// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package binding maintains the per-controller policy cross-reference table:
// one reference-counted row per (policing profile, controller) pair recording
// how many live consumer associations require the profile on the controller.
package binding

import (
	"context"
	goerrors "errors"

	"github.com/onosproject/onos-lib-go/pkg/errors"
	"github.com/onosproject/onos-lib-go/pkg/logging"
	"gorm.io/gorm"

	"github.com/openvtn/vtn-config/pkg/capability"
	"github.com/openvtn/vtn-config/pkg/store/db"
	"github.com/openvtn/vtn-config/pkg/types"
)

var log = logging.GetLogger("store", "binding")

// Store is the controller-binding store together with its refcount updater
type Store interface {
	// Get gets the binding row for a (profile, controller) pair
	Get(ctx context.Context, datatype types.Datatype, policer string, ctrl types.ControllerID) (*types.PolicyBinding, error)

	// List lists the binding rows in a snapshot
	List(ctx context.Context, datatype types.Datatype) ([]*types.PolicyBinding, error)

	// UpdateRefCount creates/increments or decrements/removes the binding row
	// for one consumer-controller association. Decrementing an absent row
	// returns NotFound, which callers treat as already satisfied. Creating
	// past the controller's advertised instance ceiling returns Forbidden and
	// mutates nothing.
	UpdateRefCount(ctx context.Context, datatype types.Datatype, policer string, ctrl types.ControllerID, op types.Operation, imported bool) error

	// AddDelta accumulates a refcount delta in the scratch table instead of
	// touching the binding row, coalescing per (profile, controller, vtn)
	AddDelta(ctx context.Context, policer string, ctrl types.ControllerID, vtn string, delta int) error

	// ApplyDeltas applies the net accumulated scratch deltas to the snapshot's
	// binding rows and clears the scratch table
	ApplyDeltas(ctx context.Context, datatype types.Datatype) error

	// Copy replaces the destination snapshot's binding rows with the source
	// snapshot's
	Copy(ctx context.Context, from, to types.Datatype) error
}

// NewStore creates a gorm-backed binding store
func NewStore(gdb *gorm.DB, caps capability.Registry) Store {
	return &store{db: gdb, caps: caps}
}

type store struct {
	db   *gorm.DB
	caps capability.Registry
}

func (s *store) Get(ctx context.Context, datatype types.Datatype, policer string, ctrl types.ControllerID) (*types.PolicyBinding, error) {
	var row types.PolicyBinding
	err := s.db.WithContext(ctx).
		Where("datatype = ? AND policer = ? AND controller_id = ?", datatype, policer, ctrl).
		First(&row).Error
	if err != nil {
		return nil, db.FromGorm(err)
	}
	return &row, nil
}

func (s *store) List(ctx context.Context, datatype types.Datatype) ([]*types.PolicyBinding, error) {
	var rows []*types.PolicyBinding
	err := s.db.WithContext(ctx).
		Where("datatype = ?", datatype).
		Order("policer, controller_id").
		Find(&rows).Error
	if err != nil {
		return nil, db.FromGorm(err)
	}
	return rows, nil
}

func (s *store) UpdateRefCount(ctx context.Context, datatype types.Datatype, policer string, ctrl types.ControllerID, op types.Operation, imported bool) error {
	if policer == "" {
		return errors.NewInvalid("no policing profile name specified")
	}
	switch op {
	case types.OpCreate, types.OpDelete:
	default:
		return errors.NewInvalid("refcount operation must be create or delete, got %s", op)
	}

	// The read-then-conditional-write runs as one store transaction; it is the
	// sole serialization point for a (profile, controller) key.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row types.PolicyBinding
		err := tx.Where("datatype = ? AND policer = ? AND controller_id = ?", datatype, policer, ctrl).
			First(&row).Error
		if err != nil && !isNotFound(err) {
			return db.FromGorm(err)
		}
		absent := isNotFound(err)

		if op == types.OpCreate {
			next := uint32(1)
			if !absent {
				next = row.RefCount + 1
			}
			if err := s.checkCeiling(ctrl, next); err != nil {
				return err
			}
			if absent {
				row = types.PolicyBinding{
					Datatype:     datatype,
					Policer:      policer,
					ControllerID: ctrl,
					RefCount:     1,
					Renamed:      imported,
				}
				if err := tx.Create(&row).Error; err != nil {
					return db.FromGorm(err)
				}
				log.Debugf("Created binding %s/%s refcount=1", policer, ctrl)
				return nil
			}
			row.RefCount = next
			if err := tx.Save(&row).Error; err != nil {
				return db.FromGorm(err)
			}
			log.Debugf("Incremented binding %s/%s refcount=%d", policer, ctrl, row.RefCount)
			return nil
		}

		if absent {
			return errors.NewNotFound("no binding for profile '%s' on controller '%s'", policer, ctrl)
		}
		if row.RefCount > 1 {
			row.RefCount--
			if err := tx.Save(&row).Error; err != nil {
				return db.FromGorm(err)
			}
			log.Debugf("Decremented binding %s/%s refcount=%d", policer, ctrl, row.RefCount)
			return nil
		}
		if err := tx.Delete(&row).Error; err != nil {
			return db.FromGorm(err)
		}
		log.Debugf("Deleted binding %s/%s", policer, ctrl)
		return nil
	})
}

// checkCeiling rejects a refcount that would exceed the controller's
// advertised max-instance ceiling for policing profiles.
func (s *store) checkCeiling(ctrl types.ControllerID, next uint32) error {
	desc, err := s.caps.Descriptor(ctrl, types.KeytypePolicingProfile)
	if err != nil {
		return err
	}
	if desc.MaxInstances > 0 && next > desc.MaxInstances {
		return errors.NewForbidden("profile instance ceiling %d exceeded on controller '%s'", desc.MaxInstances, ctrl)
	}
	return nil
}

func (s *store) AddDelta(ctx context.Context, policer string, ctrl types.ControllerID, vtn string, delta int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row types.RefCountDelta
		err := tx.Where("policer = ? AND controller_id = ? AND vtn = ?", policer, ctrl, vtn).
			First(&row).Error
		if err != nil {
			if !isNotFound(err) {
				return db.FromGorm(err)
			}
			row = types.RefCountDelta{Policer: policer, ControllerID: ctrl, VTN: vtn, Delta: delta}
			if err := tx.Create(&row).Error; err != nil {
				return db.FromGorm(err)
			}
			return nil
		}
		row.Delta += delta
		if err := tx.Save(&row).Error; err != nil {
			return db.FromGorm(err)
		}
		return nil
	})
}

func (s *store) ApplyDeltas(ctx context.Context, datatype types.Datatype) error {
	var deltas []types.RefCountDelta
	if err := s.db.WithContext(ctx).Order("policer, controller_id, vtn").Find(&deltas).Error; err != nil {
		return db.FromGorm(err)
	}

	// Coalesce to one net delta per (profile, controller) before touching the
	// binding rows.
	type key struct {
		policer string
		ctrl    types.ControllerID
	}
	net := make(map[key]int)
	order := make([]key, 0, len(deltas))
	for _, d := range deltas {
		k := key{policer: d.Policer, ctrl: d.ControllerID}
		if _, ok := net[k]; !ok {
			order = append(order, k)
		}
		net[k] += d.Delta
	}

	for _, k := range order {
		if err := s.applyNetDelta(ctx, datatype, k.policer, k.ctrl, net[k]); err != nil {
			return err
		}
	}

	err := s.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&types.RefCountDelta{}).Error
	if err != nil {
		return db.FromGorm(err)
	}
	return nil
}

func (s *store) applyNetDelta(ctx context.Context, datatype types.Datatype, policer string, ctrl types.ControllerID, delta int) error {
	if delta == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row types.PolicyBinding
		err := tx.Where("datatype = ? AND policer = ? AND controller_id = ?", datatype, policer, ctrl).
			First(&row).Error
		if err != nil {
			if !isNotFound(err) {
				return db.FromGorm(err)
			}
			if delta < 0 {
				// Bindings already gone; nothing to decrement.
				log.Warnf("No binding %s/%s for net delta %d", policer, ctrl, delta)
				return nil
			}
			next := uint32(delta)
			if err := s.checkCeiling(ctrl, next); err != nil {
				return err
			}
			row = types.PolicyBinding{Datatype: datatype, Policer: policer, ControllerID: ctrl, RefCount: next}
			return db.FromGorm(tx.Create(&row).Error)
		}

		next := int(row.RefCount) + delta
		if next <= 0 {
			return db.FromGorm(tx.Delete(&row).Error)
		}
		if delta > 0 {
			if err := s.checkCeiling(ctrl, uint32(next)); err != nil {
				return err
			}
		}
		row.RefCount = uint32(next)
		return db.FromGorm(tx.Save(&row).Error)
	})
}

func (s *store) Copy(ctx context.Context, from, to types.Datatype) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []types.PolicyBinding
		if err := tx.Where("datatype = ?", from).Find(&rows).Error; err != nil {
			return db.FromGorm(err)
		}
		if err := tx.Where("datatype = ?", to).Delete(&types.PolicyBinding{}).Error; err != nil {
			return db.FromGorm(err)
		}
		for _, row := range rows {
			row.Datatype = to
			if err := tx.Create(&row).Error; err != nil {
				return db.FromGorm(err)
			}
		}
		log.Debugf("Copied %d binding rows from %s to %s", len(rows), from, to)
		return nil
	})
}

func isNotFound(err error) bool {
	return goerrors.Is(err, gorm.ErrRecordNotFound)
}

var _ Store = &store{}
