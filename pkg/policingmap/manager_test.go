// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package policingmap

import (
	"context"
	"testing"

	"github.com/onosproject/onos-lib-go/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/openvtn/vtn-config/pkg/capability"
	"github.com/openvtn/vtn-config/pkg/southbound"
	"github.com/openvtn/vtn-config/pkg/store/binding"
	"github.com/openvtn/vtn-config/pkg/store/db"
	mapstore "github.com/openvtn/vtn-config/pkg/store/policingmap"
	"github.com/openvtn/vtn-config/pkg/store/profile"
	"github.com/openvtn/vtn-config/pkg/store/rename"
	"github.com/openvtn/vtn-config/pkg/store/span"
	"github.com/openvtn/vtn-config/pkg/types"
)

const (
	ctrl1 = types.ControllerID("ctrl1")
	ctrl2 = types.ControllerID("ctrl2")
	// ctrlLegacy's type supports neither policing-map keytype.
	ctrlLegacy = types.ControllerID("legacy1")
	// ctrlNoAttr's type supports the keytypes but not the policer attribute.
	ctrlNoAttr = types.ControllerID("plain1")
)

func testCaps() capability.Registry {
	full := map[types.Keytype]capability.Descriptor{
		types.KeytypeVTNPolicingMap:   {Create: true, Update: true, Read: true, Attributes: capability.AttrPolicer},
		types.KeytypeVBrIfPolicingMap: {Create: true, Update: true, Read: true, Attributes: capability.AttrPolicer},
		types.KeytypePolicingProfile:  {Create: true, Update: true, Read: true, Attributes: capability.AttrPolicer},
	}
	plain := map[types.Keytype]capability.Descriptor{
		types.KeytypeVTNPolicingMap:   {Create: true, Update: true, Read: true},
		types.KeytypeVBrIfPolicingMap: {Create: true, Update: true, Read: true},
		types.KeytypePolicingProfile:  {Create: true, Update: true, Read: true},
	}
	return capability.NewRegistry(
		map[types.ControllerID]string{
			ctrl1:      "odc",
			ctrl2:      "odc",
			ctrlLegacy: "legacy",
			ctrlNoAttr: "plain",
		},
		map[string]map[types.Keytype]capability.Descriptor{
			"odc":    full,
			"plain":  plain,
			"legacy": {},
		})
}

type fixture struct {
	stores Stores
	vtn    *VTNManager
	vbrif  *VBrIfManager
	conns  southbound.ConnManager
}

func newFixture(t *testing.T) *fixture {
	gdb, err := db.OpenMemory()
	assert.NoError(t, err)
	caps := testCaps()
	stores := Stores{
		Maps:     mapstore.NewStore(gdb),
		Bindings: binding.NewStore(gdb, caps),
		Profiles: profile.NewStore(gdb),
		Spans:    span.NewStore(gdb),
		Rename:   rename.NewResolver(rename.NewStore(gdb)),
	}
	conns := southbound.NewConnManager(southbound.NewLoopbackDriver())
	return &fixture{
		stores: stores,
		vtn:    NewVTNManager(stores, caps, conns),
		vbrif:  NewVBrIfManager(stores, caps, conns),
		conns:  conns,
	}
}

func (f *fixture) addProfile(t *testing.T, datatype types.Datatype, name string) {
	assert.NoError(t, f.stores.Profiles.Put(context.Background(), datatype, &types.PolicingProfile{Name: name}))
}

func (f *fixture) placeVNode(t *testing.T, vtn, name string, ctrl types.ControllerID) {
	assert.NoError(t, f.stores.Spans.AddVNode(context.Background(), types.Candidate, &types.VNode{
		VTN: vtn, Name: name, ControllerID: ctrl, DomainID: "dom1",
	}))
}

func TestVTNCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProfile(t, types.Candidate, "P1")
	f.placeVNode(t, "vtn1", "vbr1", ctrl1)

	err := f.vtn.Create(ctx, mapstore.Candidate, types.MapKey{VTN: "vtn1"},
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{})
	assert.NoError(t, err)

	bind, err := f.stores.Bindings.Get(ctx, types.Candidate, "P1", ctrl1)
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), bind.RefCount)

	row, err := f.stores.Maps.Get(ctx, mapstore.Candidate, types.MapKey{VTN: "vtn1"})
	assert.NoError(t, err)
	assert.Equal(t, "P1", row.Policer)
	assert.Equal(t, types.Valid, row.PolicerValidity)

	ctrlRows, err := f.stores.Maps.ListCtrl(ctx, mapstore.Candidate, "vtn1")
	assert.NoError(t, err)
	assert.Len(t, ctrlRows, 1)
	assert.Equal(t, ctrl1, ctrlRows[0].ControllerID)

	// A second create collides.
	err = f.vtn.Create(ctx, mapstore.Candidate, types.MapKey{VTN: "vtn1"},
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{})
	assert.True(t, errors.IsAlreadyExists(err))
}

func TestVTNCreateMissingProfile(t *testing.T) {
	f := newFixture(t)
	f.placeVNode(t, "vtn1", "vbr1", ctrl1)

	err := f.vtn.Create(context.Background(), mapstore.Candidate, types.MapKey{VTN: "vtn1"},
		types.PolicerRef{Name: "nosuch", Validity: types.Valid}, Options{})
	assert.True(t, errors.IsConflict(err))
}

func TestVTNCreateSkipsUnsupportedController(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProfile(t, types.Candidate, "P1")
	f.placeVNode(t, "vtn1", "vbr1", ctrl1)
	f.placeVNode(t, "vtn1", "vbr2", ctrlLegacy)

	err := f.vtn.Create(ctx, mapstore.Candidate, types.MapKey{VTN: "vtn1"},
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{})
	assert.NoError(t, err)

	// The unsupporting controller is skipped, not erred: no ctrl row, no
	// binding.
	ctrlRows, err := f.stores.Maps.ListCtrl(ctx, mapstore.Candidate, "vtn1")
	assert.NoError(t, err)
	assert.Len(t, ctrlRows, 1)
	assert.Equal(t, ctrl1, ctrlRows[0].ControllerID)
	_, err = f.stores.Bindings.Get(ctx, types.Candidate, "P1", ctrlLegacy)
	assert.True(t, errors.IsNotFound(err))
}

func TestVTNUpdateMovesRefCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProfile(t, types.Candidate, "P1")
	f.addProfile(t, types.Candidate, "P2")
	f.placeVNode(t, "vtn1", "vbr1", ctrl1)

	key := types.MapKey{VTN: "vtn1"}
	assert.NoError(t, f.vtn.Create(ctx, mapstore.Candidate, key,
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{}))
	assert.NoError(t, f.vtn.Update(ctx, mapstore.Candidate, key,
		types.PolicerRef{Name: "P2", Validity: types.Valid}, Options{}))

	_, err := f.stores.Bindings.Get(ctx, types.Candidate, "P1", ctrl1)
	assert.True(t, errors.IsNotFound(err))
	bind, err := f.stores.Bindings.Get(ctx, types.Candidate, "P2", ctrl1)
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), bind.RefCount)

	row, err := f.stores.Maps.Get(ctx, mapstore.Candidate, key)
	assert.NoError(t, err)
	assert.Equal(t, "P2", row.Policer)
}

func TestVTNUpdateIdenticalNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProfile(t, types.Candidate, "P1")
	f.placeVNode(t, "vtn1", "vbr1", ctrl1)

	key := types.MapKey{VTN: "vtn1"}
	assert.NoError(t, f.vtn.Create(ctx, mapstore.Candidate, key,
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{}))

	// A byte-identical update leaves the binding untouched.
	assert.NoError(t, f.vtn.Update(ctx, mapstore.Candidate, key,
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{}))
	bind, err := f.stores.Bindings.Get(ctx, types.Candidate, "P1", ctrl1)
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), bind.RefCount)
}

func TestVTNDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProfile(t, types.Candidate, "P1")
	f.placeVNode(t, "vtn1", "vbr1", ctrl1)

	key := types.MapKey{VTN: "vtn1"}
	assert.NoError(t, f.vtn.Create(ctx, mapstore.Candidate, key,
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{}))
	assert.NoError(t, f.vtn.Delete(ctx, mapstore.Candidate, key))

	_, err := f.stores.Bindings.Get(ctx, types.Candidate, "P1", ctrl1)
	assert.True(t, errors.IsNotFound(err))
	_, err = f.stores.Maps.Get(ctx, mapstore.Candidate, key)
	assert.True(t, errors.IsNotFound(err))
	ctrlRows, err := f.stores.Maps.ListCtrl(ctx, mapstore.Candidate, "vtn1")
	assert.NoError(t, err)
	assert.Empty(t, ctrlRows)
}

func TestVTNCascadeDeleteCoalesces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProfile(t, types.Candidate, "P1")
	f.placeVNode(t, "vtn1", "vbr1", ctrl1)

	// The VTN map and two interface maps all reference P1 on ctrl1.
	assert.NoError(t, f.vtn.Create(ctx, mapstore.Candidate, types.MapKey{VTN: "vtn1"},
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{}))
	for _, iface := range []string{"if1", "if2"} {
		assert.NoError(t, f.vbrif.Create(ctx, mapstore.Candidate,
			types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: iface},
			types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{PortMapSet: true}))
	}
	bind, err := f.stores.Bindings.Get(ctx, types.Candidate, "P1", ctrl1)
	assert.NoError(t, err)
	assert.Equal(t, uint32(3), bind.RefCount)

	assert.NoError(t, f.vtn.DeleteChildren(ctx, mapstore.Candidate, "vtn1"))

	// The binding row is untouched until the deltas apply at commit.
	bind, err = f.stores.Bindings.Get(ctx, types.Candidate, "P1", ctrl1)
	assert.NoError(t, err)
	assert.Equal(t, uint32(3), bind.RefCount)

	assert.NoError(t, f.stores.Bindings.ApplyDeltas(ctx, types.Candidate))
	_, err = f.stores.Bindings.Get(ctx, types.Candidate, "P1", ctrl1)
	assert.True(t, errors.IsNotFound(err))

	rows, err := f.stores.Maps.ListVTN(ctx, mapstore.Candidate, "vtn1")
	assert.NoError(t, err)
	assert.Empty(t, rows)
}

func TestVBrIfCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProfile(t, types.Candidate, "P1")
	f.placeVNode(t, "vtn1", "vbr1", ctrl1)

	key := types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"}
	err := f.vbrif.Create(ctx, mapstore.Candidate, key,
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{PortMapSet: true})
	assert.NoError(t, err)

	row, err := f.stores.Maps.Get(ctx, mapstore.Candidate, key)
	assert.NoError(t, err)
	assert.Equal(t, ctrl1, row.ControllerID)
	assert.True(t, row.PortMapSet)

	bind, err := f.stores.Bindings.Get(ctx, types.Candidate, "P1", ctrl1)
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), bind.RefCount)
}

func TestVBrIfCreateUnplacedVBridge(t *testing.T) {
	f := newFixture(t)
	f.addProfile(t, types.Candidate, "P1")

	err := f.vbrif.Create(context.Background(), mapstore.Candidate,
		types.MapKey{VTN: "vtn1", VBridge: "nosuch", VInterface: "if1"},
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{})
	assert.True(t, errors.IsConflict(err))
}

func TestVBrIfAttributeDowngrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProfile(t, types.Candidate, "P1")
	f.placeVNode(t, "vtn1", "vbr1", ctrlNoAttr)

	key := types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"}
	err := f.vbrif.Create(ctx, mapstore.Candidate, key,
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{PortMapSet: true})
	assert.NoError(t, err)

	// The keytype is supported, the policer attribute is not: the row is
	// written with the attribute downgraded and takes no binding.
	row, err := f.stores.Maps.Get(ctx, mapstore.Candidate, key)
	assert.NoError(t, err)
	assert.Equal(t, types.NotSupported, row.PolicerValidity)
	_, err = f.stores.Bindings.Get(ctx, types.Candidate, "P1", ctrlNoAttr)
	assert.True(t, errors.IsNotFound(err))
}

func TestVBrIfKeytypeUnsupportedSkip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProfile(t, types.Candidate, "P1")
	f.placeVNode(t, "vtn1", "vbr1", ctrlLegacy)

	key := types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"}
	err := f.vbrif.Create(ctx, mapstore.Candidate, key,
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{})
	assert.NoError(t, err)

	// Nothing is recorded at all for a controller type without the keytype.
	_, err = f.stores.Maps.Get(ctx, mapstore.Candidate, key)
	assert.True(t, errors.IsNotFound(err))
}

func TestVTNModeRequiresCommittedProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProfile(t, types.Candidate, "P1")
	f.placeVNode(t, "vtn1", "vbr1", ctrl1)

	// Under single-VTN config mode the profile must also exist in running.
	err := f.vtn.Create(ctx, mapstore.Candidate, types.MapKey{VTN: "vtn1"},
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{VTNMode: true})
	assert.True(t, errors.IsConflict(err))

	f.addProfile(t, types.Running, "P1")
	err = f.vtn.Create(ctx, mapstore.Candidate, types.MapKey{VTN: "vtn1"},
		types.PolicerRef{Name: "P1", Validity: types.Valid}, Options{VTNMode: true})
	assert.NoError(t, err)
}

func TestValidateRef(t *testing.T) {
	assert.True(t, errors.IsInvalid(validateRef(types.PolicerRef{Validity: types.Valid})))
	assert.True(t, errors.IsInvalid(validateRef(types.PolicerRef{
		Name: "a-name-well-beyond-the-thirty-two-byte-limit", Validity: types.Valid,
	})))
	assert.NoError(t, validateRef(types.PolicerRef{Name: "P1", Validity: types.Valid}))
}
