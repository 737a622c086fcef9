// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package policingmap

import (
	"context"
	"testing"

	"github.com/onosproject/onos-lib-go/pkg/errors"
	"github.com/stretchr/testify/assert"

	mapstore "github.com/openvtn/vtn-config/pkg/store/policingmap"
	"github.com/openvtn/vtn-config/pkg/types"
)

func importLeafRow(t *testing.T, f *fixture, policer string) {
	err := f.stores.Maps.Create(context.Background(), mapstore.ImportScope, &types.PolicingMap{
		VTN: "vtn1", VBridge: "vbr1", VInterface: "if1",
		Policer: policer, PolicerValidity: types.Valid, PortMapSet: true,
		ControllerID: ctrl1, DomainID: "dom1",
	})
	assert.NoError(t, err)
}

func candidateLeafRow(t *testing.T, f *fixture, policer string) {
	err := f.stores.Maps.Create(context.Background(), mapstore.Candidate, &types.PolicingMap{
		VTN: "vtn1", VBridge: "vbr1", VInterface: "if1",
		Policer: policer, PolicerValidity: types.Valid, PortMapSet: true,
		ControllerID: ctrl1, DomainID: "dom1",
	})
	assert.NoError(t, err)
}

func TestMergeValidateConflict(t *testing.T) {
	f := newFixture(t)
	importLeafRow(t, f, "P-import")
	candidateLeafRow(t, f, "P-cand")

	merger := NewMerger(f.stores, false)
	err := merger.Validate(context.Background())
	assert.True(t, errors.IsConflict(err))
}

func TestMergeValidateAgreement(t *testing.T) {
	f := newFixture(t)
	importLeafRow(t, f, "P1")
	candidateLeafRow(t, f, "P1")

	merger := NewMerger(f.stores, false)
	assert.NoError(t, merger.Validate(context.Background()))
}

func TestMergeAdoptsImportOnlyRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	importLeafRow(t, f, "P1")

	merger := NewMerger(f.stores, false)
	assert.NoError(t, merger.Merge(ctx))

	row, err := f.stores.Maps.Get(ctx, mapstore.Candidate, types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"})
	assert.NoError(t, err)
	assert.Equal(t, "P1", row.Policer)

	// The imported association takes a binding marked as imported.
	bind, err := f.stores.Bindings.Get(ctx, types.Candidate, "P1", ctrl1)
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), bind.RefCount)
	assert.True(t, bind.Renamed)

	// The import snapshot is cleared.
	rows, err := f.stores.Maps.List(ctx, mapstore.ImportScope)
	assert.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMergeCapturesRenamedImports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	merger := NewMerger(f.stores, false)

	// The controller knows the VTN and the policer by local names recorded
	// with the import; the merged row carries the matching bitmask.
	assert.NoError(t, merger.RecordRename(ctx, &types.RenameEntry{
		Keytype: types.KeytypeVTN, Name: "vtn1", ControllerID: ctrl1, LocalName: "local-vtn",
	}))
	assert.NoError(t, merger.RecordRename(ctx, &types.RenameEntry{
		Keytype: types.KeytypePolicingProfile, Name: "P1", ControllerID: ctrl1, LocalName: "local-p1",
	}))
	importLeafRow(t, f, "P1")

	assert.NoError(t, merger.Merge(ctx))

	row, err := f.stores.Maps.Get(ctx, mapstore.Candidate, types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"})
	assert.NoError(t, err)
	assert.Equal(t, types.VTNRenamed|types.PolicerRenamed, row.RenameFlags)

	// An incomplete entry is rejected before it reaches the table.
	err = merger.RecordRename(ctx, &types.RenameEntry{Name: "vtn2"})
	assert.True(t, errors.IsInvalid(err))
}

func TestMergePrefersCandidateByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	importLeafRow(t, f, "P-import")
	candidateLeafRow(t, f, "P-cand")

	merger := NewMerger(f.stores, false)
	assert.NoError(t, merger.Merge(ctx))

	row, err := f.stores.Maps.Get(ctx, mapstore.Candidate, types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"})
	assert.NoError(t, err)
	assert.Equal(t, "P-cand", row.Policer)
}

func TestMergePreferImportReplaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	importLeafRow(t, f, "P-import")
	candidateLeafRow(t, f, "P-cand")
	assert.NoError(t, f.stores.Bindings.UpdateRefCount(ctx, types.Candidate, "P-cand", ctrl1, types.OpCreate, false))

	merger := NewMerger(f.stores, true)
	assert.NoError(t, merger.Merge(ctx))

	row, err := f.stores.Maps.Get(ctx, mapstore.Candidate, types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"})
	assert.NoError(t, err)
	assert.Equal(t, "P-import", row.Policer)

	// The refcounts moved from the candidate's policer to the import's.
	_, err = f.stores.Bindings.Get(ctx, types.Candidate, "P-cand", ctrl1)
	assert.True(t, errors.IsNotFound(err))
	bind, err := f.stores.Bindings.Get(ctx, types.Candidate, "P-import", ctrl1)
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), bind.RefCount)
}
