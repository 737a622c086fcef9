// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package db

import (
	goerrors "errors"

	"github.com/onosproject/onos-lib-go/pkg/errors"
	"gorm.io/gorm"
)

// FromGorm translates a gorm error into the shared error taxonomy so call
// sites can use the errors.Is* predicates regardless of the engine.
func FromGorm(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case goerrors.Is(err, gorm.ErrRecordNotFound):
		return errors.NewNotFound(err.Error())
	case goerrors.Is(err, gorm.ErrDuplicatedKey):
		return errors.NewAlreadyExists(err.Error())
	case goerrors.Is(err, gorm.ErrInvalidTransaction):
		return errors.NewConflict(err.Error())
	default:
		return errors.NewInternal(err.Error())
	}
}
