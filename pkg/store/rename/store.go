// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package rename maps UNC-level object names to controller-local names. The
// table is written at import time and consulted read-only on every outbound
// driver request and inbound renamed-object key.
package rename

import (
	"context"

	"gorm.io/gorm"

	"github.com/openvtn/vtn-config/pkg/store/db"
	"github.com/openvtn/vtn-config/pkg/types"
)

// Store is the rename table store
type Store interface {
	// Put records a UNC-to-local name mapping for a controller
	Put(ctx context.Context, entry *types.RenameEntry) error

	// Delete removes a mapping
	Delete(ctx context.Context, keytype types.Keytype, name string, ctrl types.ControllerID) error

	// LocalName resolves a UNC name to the controller-local name; NotFound
	// means the object is not renamed on the controller
	LocalName(ctx context.Context, keytype types.Keytype, name string, ctrl types.ControllerID) (string, error)

	// UNCName resolves a controller-local name back to the UNC name
	UNCName(ctx context.Context, keytype types.Keytype, localName string, ctrl types.ControllerID) (string, error)
}

// NewStore creates a gorm-backed rename store
func NewStore(gdb *gorm.DB) Store {
	return &store{db: gdb}
}

type store struct {
	db *gorm.DB
}

func (s *store) Put(ctx context.Context, entry *types.RenameEntry) error {
	return db.FromGorm(s.db.WithContext(ctx).Save(entry).Error)
}

func (s *store) Delete(ctx context.Context, keytype types.Keytype, name string, ctrl types.ControllerID) error {
	return db.FromGorm(s.db.WithContext(ctx).
		Where("keytype = ? AND name = ? AND controller_id = ?", keytype, name, ctrl).
		Delete(&types.RenameEntry{}).Error)
}

func (s *store) LocalName(ctx context.Context, keytype types.Keytype, name string, ctrl types.ControllerID) (string, error) {
	var entry types.RenameEntry
	err := s.db.WithContext(ctx).
		Where("keytype = ? AND name = ? AND controller_id = ?", keytype, name, ctrl).
		First(&entry).Error
	if err != nil {
		return "", db.FromGorm(err)
	}
	return entry.LocalName, nil
}

func (s *store) UNCName(ctx context.Context, keytype types.Keytype, localName string, ctrl types.ControllerID) (string, error) {
	var entry types.RenameEntry
	err := s.db.WithContext(ctx).
		Where("keytype = ? AND local_name = ? AND controller_id = ?", keytype, localName, ctrl).
		First(&entry).Error
	if err != nil {
		return "", db.FromGorm(err)
	}
	return entry.Name, nil
}

var _ Store = &store{}
