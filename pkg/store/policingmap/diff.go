// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package policingmap

import (
	"context"
	"io"

	"github.com/openvtn/vtn-config/pkg/types"
)

// DiffEntry is one main-table difference between two snapshots. Old is the
// prior-snapshot row, New the next-snapshot row; creates carry only New,
// deletes only Old, updates both.
type DiffEntry struct {
	Op  types.Operation
	Old *types.PolicingMap
	New *types.PolicingMap
}

// Diff is a single-pass iterator over main-table differences. A fresh Diff is
// produced per call; iteration is not restartable mid-pass.
type Diff struct {
	entries []DiffEntry
	pos     int
}

// Next returns the next difference, or io.EOF at the end of the pass
func (d *Diff) Next() (DiffEntry, error) {
	if d.pos >= len(d.entries) {
		return DiffEntry{}, io.EOF
	}
	entry := d.entries[d.pos]
	d.pos++
	return entry, nil
}

// CtrlDiffEntry is one controller-table difference between two snapshots
type CtrlDiffEntry struct {
	Op  types.Operation
	Old *types.PolicingMapCtrl
	New *types.PolicingMapCtrl
}

// CtrlDiff is a single-pass iterator over controller-table differences
type CtrlDiff struct {
	entries []CtrlDiffEntry
	pos     int
}

// Next returns the next difference, or io.EOF at the end of the pass
func (d *CtrlDiff) Next() (CtrlDiffEntry, error) {
	if d.pos >= len(d.entries) {
		return CtrlDiffEntry{}, io.EOF
	}
	entry := d.entries[d.pos]
	d.pos++
	return entry, nil
}

func (s *store) DiffMain(ctx context.Context, next, prior Scope, op types.Operation) (*Diff, error) {
	nextRows, err := s.List(ctx, next)
	if err != nil {
		return nil, err
	}
	priorRows, err := s.List(ctx, prior)
	if err != nil {
		return nil, err
	}

	priorByKey := make(map[types.MapKey]*types.PolicingMap, len(priorRows))
	for _, row := range priorRows {
		priorByKey[row.Key()] = row
	}
	nextByKey := make(map[types.MapKey]*types.PolicingMap, len(nextRows))
	for _, row := range nextRows {
		nextByKey[row.Key()] = row
	}

	diff := &Diff{}
	switch op {
	case types.OpCreate:
		for _, row := range nextRows {
			if _, ok := priorByKey[row.Key()]; !ok {
				diff.entries = append(diff.entries, DiffEntry{Op: types.OpCreate, New: row})
			}
		}
	case types.OpDelete:
		for _, row := range priorRows {
			if _, ok := nextByKey[row.Key()]; !ok {
				diff.entries = append(diff.entries, DiffEntry{Op: types.OpDelete, Old: row})
			}
		}
	case types.OpUpdate:
		for _, row := range nextRows {
			old, ok := priorByKey[row.Key()]
			if ok && mainRowsDiffer(old, row) {
				diff.entries = append(diff.entries, DiffEntry{Op: types.OpUpdate, Old: old, New: row})
			}
		}
	}
	return diff, nil
}

func (s *store) DiffCtrl(ctx context.Context, next, prior Scope, op types.Operation) (*CtrlDiff, error) {
	nextRows, err := s.ListCtrl(ctx, next, "")
	if err != nil {
		return nil, err
	}
	priorRows, err := s.ListCtrl(ctx, prior, "")
	if err != nil {
		return nil, err
	}

	type ctrlKey struct {
		vtn    string
		ctrl   types.ControllerID
		domain types.DomainID
	}
	keyOf := func(row *types.PolicingMapCtrl) ctrlKey {
		return ctrlKey{vtn: row.VTN, ctrl: row.ControllerID, domain: row.DomainID}
	}
	priorByKey := make(map[ctrlKey]*types.PolicingMapCtrl, len(priorRows))
	for _, row := range priorRows {
		priorByKey[keyOf(row)] = row
	}
	nextByKey := make(map[ctrlKey]*types.PolicingMapCtrl, len(nextRows))
	for _, row := range nextRows {
		nextByKey[keyOf(row)] = row
	}

	diff := &CtrlDiff{}
	switch op {
	case types.OpCreate:
		for _, row := range nextRows {
			if _, ok := priorByKey[keyOf(row)]; !ok {
				diff.entries = append(diff.entries, CtrlDiffEntry{Op: types.OpCreate, New: row})
			}
		}
	case types.OpDelete:
		for _, row := range priorRows {
			if _, ok := nextByKey[keyOf(row)]; !ok {
				diff.entries = append(diff.entries, CtrlDiffEntry{Op: types.OpDelete, Old: row})
			}
		}
	case types.OpUpdate:
		for _, row := range nextRows {
			old, ok := priorByKey[keyOf(row)]
			if ok && ctrlRowsDiffer(old, row) {
				diff.entries = append(diff.entries, CtrlDiffEntry{Op: types.OpUpdate, Old: old, New: row})
			}
		}
	}
	return diff, nil
}

// mainRowsDiffer reports any difference between two main rows, configuration
// status included. SemanticallyEqual distinguishes status-only differences.
func mainRowsDiffer(a, b *types.PolicingMap) bool {
	return !a.SameValue(b) ||
		a.RenameFlags != b.RenameFlags ||
		a.Status != b.Status ||
		a.PolicerStatus != b.PolicerStatus ||
		a.ControllerID != b.ControllerID ||
		a.DomainID != b.DomainID
}

// SemanticallyEqual reports whether two main rows differ only in
// configuration-status fields, i.e. no value attribute would reach a driver.
func SemanticallyEqual(a, b *types.PolicingMap) bool {
	return a.SameValue(b) && a.ControllerID == b.ControllerID && a.DomainID == b.DomainID
}

// CtrlSemanticallyEqual reports whether two controller rows differ only in
// configuration status.
func CtrlSemanticallyEqual(a, b *types.PolicingMapCtrl) bool {
	return a.Policer == b.Policer &&
		a.PolicerValidity == b.PolicerValidity &&
		a.RenameFlags == b.RenameFlags
}

func ctrlRowsDiffer(a, b *types.PolicingMapCtrl) bool {
	return a.Policer != b.Policer ||
		a.PolicerValidity != b.PolicerValidity ||
		a.RenameFlags != b.RenameFlags ||
		a.Status != b.Status
}
