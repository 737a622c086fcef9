// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package types

// ConfigStatus records how far a row has propagated to its controllers.
type ConfigStatus uint8

const (
	// StatusUnknown means the row has not been through a commit yet
	StatusUnknown ConfigStatus = iota
	// StatusApplied means every controller accepted the row
	StatusApplied
	// StatusPartiallyApplied means some controllers accepted the row
	StatusPartiallyApplied
	// StatusNotApplied means no controller accepted the row
	StatusNotApplied
	// StatusInvalid means a controller rejected the row
	StatusInvalid
)

func (s ConfigStatus) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusPartiallyApplied:
		return "partially-applied"
	case StatusNotApplied:
		return "not-applied"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// ConsolidateStatus folds a set of per-controller statuses into the status
// recorded on the main row. Any invalid row wins; otherwise all-applied,
// none-applied and mixed map to applied, not-applied and partially-applied.
func ConsolidateStatus(statuses []ConfigStatus) ConfigStatus {
	if len(statuses) == 0 {
		return StatusNotApplied
	}
	applied, notApplied := 0, 0
	for _, s := range statuses {
		switch s {
		case StatusInvalid:
			return StatusInvalid
		case StatusApplied:
			applied++
		default:
			notApplied++
		}
	}
	switch {
	case notApplied == 0:
		return StatusApplied
	case applied == 0:
		return StatusNotApplied
	default:
		return StatusPartiallyApplied
	}
}
