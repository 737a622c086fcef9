// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package span tracks which (controller, domain) pairs a VTN currently spans,
// derived from its virtual nodes' placements.
package span

import (
	"context"
	goerrors "errors"

	"github.com/onosproject/onos-lib-go/pkg/errors"
	"github.com/onosproject/onos-lib-go/pkg/logging"
	"gorm.io/gorm"

	"github.com/openvtn/vtn-config/pkg/store/db"
	"github.com/openvtn/vtn-config/pkg/types"
)

var log = logging.GetLogger("store", "span")

// Store is the VTN controller-span store
type Store interface {
	// AddVNode records a vnode placement and bumps the owning VTN's span
	AddVNode(ctx context.Context, datatype types.Datatype, vnode *types.VNode) error

	// RemoveVNode removes a vnode placement and drops the owning VTN's span
	RemoveVNode(ctx context.Context, datatype types.Datatype, vtn, name string) error

	// VNode gets a vnode placement row
	VNode(ctx context.Context, datatype types.Datatype, vtn, name string) (*types.VNode, error)

	// Spans lists the (controller, domain) pairs the VTN spans with a positive
	// vnode reference count; rows at or below zero are never returned
	Spans(ctx context.Context, datatype types.Datatype, vtn string) ([]*types.VTNSpan, error)
}

// NewStore creates a gorm-backed span store
func NewStore(gdb *gorm.DB) Store {
	return &store{db: gdb}
}

type store struct {
	db *gorm.DB
}

func (s *store) AddVNode(ctx context.Context, datatype types.Datatype, vnode *types.VNode) error {
	if vnode.VTN == "" || vnode.Name == "" {
		return errors.NewInvalid("vnode key incomplete")
	}
	if vnode.ControllerID == "" || vnode.DomainID == "" {
		return errors.NewInvalid("vnode '%s/%s' has no controller placement", vnode.VTN, vnode.Name)
	}
	vnode.Datatype = datatype
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(vnode).Error; err != nil {
			return db.FromGorm(err)
		}
		var span types.VTNSpan
		err := tx.Where("datatype = ? AND vtn = ? AND controller_id = ? AND domain_id = ?",
			datatype, vnode.VTN, vnode.ControllerID, vnode.DomainID).
			First(&span).Error
		if err != nil {
			if !goerrors.Is(err, gorm.ErrRecordNotFound) {
				return db.FromGorm(err)
			}
			span = types.VTNSpan{
				Datatype:     datatype,
				VTN:          vnode.VTN,
				ControllerID: vnode.ControllerID,
				DomainID:     vnode.DomainID,
				RefCount:     1,
			}
			return db.FromGorm(tx.Create(&span).Error)
		}
		span.RefCount++
		return db.FromGorm(tx.Save(&span).Error)
	})
}

func (s *store) RemoveVNode(ctx context.Context, datatype types.Datatype, vtn, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vnode types.VNode
		err := tx.Where("datatype = ? AND vtn = ? AND name = ?", datatype, vtn, name).
			First(&vnode).Error
		if err != nil {
			return db.FromGorm(err)
		}
		if err := tx.Delete(&vnode).Error; err != nil {
			return db.FromGorm(err)
		}
		var span types.VTNSpan
		err = tx.Where("datatype = ? AND vtn = ? AND controller_id = ? AND domain_id = ?",
			datatype, vtn, vnode.ControllerID, vnode.DomainID).
			First(&span).Error
		if err != nil {
			if goerrors.Is(err, gorm.ErrRecordNotFound) {
				log.Warnf("No span row for vnode %s/%s on %s/%s", vtn, name, vnode.ControllerID, vnode.DomainID)
				return nil
			}
			return db.FromGorm(err)
		}
		span.RefCount--
		if span.RefCount <= 0 {
			return db.FromGorm(tx.Delete(&span).Error)
		}
		return db.FromGorm(tx.Save(&span).Error)
	})
}

func (s *store) VNode(ctx context.Context, datatype types.Datatype, vtn, name string) (*types.VNode, error) {
	var vnode types.VNode
	err := s.db.WithContext(ctx).
		Where("datatype = ? AND vtn = ? AND name = ?", datatype, vtn, name).
		First(&vnode).Error
	if err != nil {
		return nil, db.FromGorm(err)
	}
	return &vnode, nil
}

func (s *store) Spans(ctx context.Context, datatype types.Datatype, vtn string) ([]*types.VTNSpan, error) {
	var spans []*types.VTNSpan
	err := s.db.WithContext(ctx).
		Where("datatype = ? AND vtn = ? AND ref_count > 0", datatype, vtn).
		Order("controller_id, domain_id").
		Find(&spans).Error
	if err != nil {
		return nil, db.FromGorm(err)
	}
	return spans, nil
}

var _ Store = &store{}
