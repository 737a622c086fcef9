// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package types

// Validity is the three-state (plus controller downgrade) validity flag carried
// by every value attribute.
type Validity uint8

const (
	// Invalid means the attribute carries no value
	Invalid Validity = iota
	// Valid means the attribute carries a value
	Valid
	// ValidNoValue means the attribute was explicitly cleared
	ValidNoValue
	// NotSupported means the controller does not support the attribute
	NotSupported
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case ValidNoValue:
		return "valid-no-value"
	case NotSupported:
		return "not-supported"
	}
	return "invalid"
}

// IsValid reports whether the attribute carries a value
func (v Validity) IsValid() bool {
	return v == Valid
}

// CompareValidity computes the effective validity of an attribute being
// updated from old to new, given whether the two stored values are equal.
// The returned flag reports whether the attribute semantically differs and
// must reach the controller.
func CompareValidity(old, new Validity, equal bool) (Validity, bool) {
	switch {
	case new == Valid && old != Valid:
		return Valid, true
	case new != Valid && old == Valid:
		// Attribute is being cleared; the controller must see the removal.
		return ValidNoValue, true
	case new == Valid && old == Valid:
		if equal {
			return Invalid, false
		}
		return Valid, true
	default:
		return Invalid, false
	}
}
