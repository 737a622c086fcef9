// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package profile exposes the slice of the policing-profile table the
// policing-map layer needs: existence checks per snapshot. Profile management
// itself belongs to the profile manager, not this store.
package profile

import (
	"context"

	"gorm.io/gorm"

	"github.com/openvtn/vtn-config/pkg/store/db"
	"github.com/openvtn/vtn-config/pkg/types"
)

// Store is the policing-profile existence store
type Store interface {
	// Get gets a profile row by name in a snapshot
	Get(ctx context.Context, datatype types.Datatype, name string) (*types.PolicingProfile, error)

	// Put inserts or replaces a profile row
	Put(ctx context.Context, datatype types.Datatype, prof *types.PolicingProfile) error

	// Delete removes a profile row
	Delete(ctx context.Context, datatype types.Datatype, name string) error
}

// NewStore creates a gorm-backed profile store
func NewStore(gdb *gorm.DB) Store {
	return &store{db: gdb}
}

type store struct {
	db *gorm.DB
}

func (s *store) Get(ctx context.Context, datatype types.Datatype, name string) (*types.PolicingProfile, error) {
	var prof types.PolicingProfile
	err := s.db.WithContext(ctx).
		Where("datatype = ? AND name = ?", datatype, name).
		First(&prof).Error
	if err != nil {
		return nil, db.FromGorm(err)
	}
	return &prof, nil
}

func (s *store) Put(ctx context.Context, datatype types.Datatype, prof *types.PolicingProfile) error {
	prof.Datatype = datatype
	return db.FromGorm(s.db.WithContext(ctx).Save(prof).Error)
}

func (s *store) Delete(ctx context.Context, datatype types.Datatype, name string) error {
	return db.FromGorm(s.db.WithContext(ctx).
		Where("datatype = ? AND name = ?", datatype, name).
		Delete(&types.PolicingProfile{}).Error)
}

var _ Store = &store{}
