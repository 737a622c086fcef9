// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package sync

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
	"github.com/openvtn/vtn-config/pkg/store/rename"
	"github.com/openvtn/vtn-config/pkg/store/span"
	"github.com/openvtn/vtn-config/pkg/types"
)

const (
	ctrl1 = types.ControllerID("ctrl1")
	ctrl2 = types.ControllerID("ctrl2")
)

// fakeDriver hands out scripted sessions recording every request
type fakeDriver struct {
	conns map[types.ControllerID]*fakeConn
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{conns: make(map[types.ControllerID]*fakeConn)}
}

func (d *fakeDriver) Connect(ctx context.Context, ctrl types.ControllerID, endpoint string) (southbound.Conn, error) {
	conn := &fakeConn{id: southbound.NewConnID(), ctrl: ctrl, failOps: make(map[types.Operation]error)}
	d.conns[ctrl] = conn
	return conn, nil
}

type fakeConn struct {
	id       southbound.ConnID
	ctrl     types.ControllerID
	requests []*southbound.Request
	failOps  map[types.Operation]error
}

func (c *fakeConn) ID() southbound.ConnID          { return c.id }
func (c *fakeConn) Controller() types.ControllerID { return c.ctrl }
func (c *fakeConn) Close() error                   { return nil }

func (c *fakeConn) SendRequest(ctx context.Context, req *southbound.Request) (*southbound.Response, error) {
	c.requests = append(c.requests, req)
	if err, ok := c.failOps[req.Operation]; ok {
		return &southbound.Response{Key: req.Key, Policer: req.Policer}, err
	}
	return &southbound.Response{Key: req.Key, Policer: req.Policer}, nil
}

func (c *fakeConn) ops() []types.Operation {
	ops := make([]types.Operation, 0, len(c.requests))
	for _, req := range c.requests {
		ops = append(ops, req.Operation)
	}
	return ops
}

type fixture struct {
	engine   *Engine
	maps     mapstore.Store
	bindings binding.Store
	spans    span.Store
	driver   *fakeDriver
	conns    southbound.ConnManager
}

func newFixture(t *testing.T) *fixture {
	caps := capability.NewRegistry(
		map[types.ControllerID]string{ctrl1: "odc", ctrl2: "odc"},
		map[string]map[types.Keytype]capability.Descriptor{
			"odc": {
				types.KeytypeVTNPolicingMap:   {Create: true, Update: true, Read: true, Attributes: capability.AttrPolicer},
				types.KeytypeVBrIfPolicingMap: {Create: true, Update: true, Read: true, Attributes: capability.AttrPolicer},
				types.KeytypePolicingProfile:  {Create: true, Update: true, Read: true, Attributes: capability.AttrPolicer},
			},
		})
	return newFixtureWithCaps(t, caps)
}

func newFixtureWithCaps(t *testing.T, caps capability.Registry) *fixture {
	gdb, err := db.OpenMemory()
	assert.NoError(t, err)

	maps := mapstore.NewStore(gdb)
	bindings := binding.NewStore(gdb, caps)
	spans := span.NewStore(gdb)
	resolver := rename.NewResolver(rename.NewStore(gdb))
	driver := newFakeDriver()
	conns := southbound.NewConnManager(driver)
	_, err = conns.Connect(context.Background(), ctrl1, "fake:ctrl1")
	assert.NoError(t, err)

	return &fixture{
		engine:   NewEngine(maps, bindings, spans, resolver, caps, conns),
		maps:     maps,
		bindings: bindings,
		spans:    spans,
		driver:   driver,
		conns:    conns,
	}
}

func (f *fixture) leafRow(t *testing.T, scope mapstore.Scope, iface, policer string, portMap bool) {
	err := f.maps.Create(context.Background(), scope, &types.PolicingMap{
		VTN: "vtn1", VBridge: "vbr1", VInterface: iface,
		Policer: policer, PolicerValidity: types.Valid, PortMapSet: portMap,
		ControllerID: ctrl1, DomainID: "dom1",
	})
	assert.NoError(t, err)
}

func TestCommitAppliesCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.leafRow(t, mapstore.Candidate, "if1", "P1", true)
	assert.NoError(t, f.bindings.UpdateRefCount(ctx, types.Candidate, "P1", ctrl1, types.OpCreate, false))

	result, err := f.engine.Commit(ctx)
	assert.NoError(t, err)
	assert.False(t, result.Failed(ctrl1))
	assert.Equal(t, []types.Operation{types.OpCreate}, f.driver.conns[ctrl1].ops())

	// The row landed in running as applied.
	row, err := f.maps.Get(ctx, mapstore.Running, types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"})
	assert.NoError(t, err)
	assert.Equal(t, types.StatusApplied, row.Status)

	// Bindings followed the commit.
	bind, err := f.bindings.Get(ctx, types.Running, "P1", ctrl1)
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), bind.RefCount)

	// The audit snapshot was refreshed to believed-applied.
	auditRow, err := f.maps.Get(ctx, mapstore.AuditScope(ctrl1), types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"})
	assert.NoError(t, err)
	assert.Equal(t, "P1", auditRow.Policer)
}

func TestCommitRejectionMarksNotApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.driver.conns[ctrl1].failOps[types.OpCreate] = errors.NewInternal("driver rejected")
	f.leafRow(t, mapstore.Candidate, "if1", "P1", true)

	result, err := f.engine.Commit(ctx)
	assert.NoError(t, err)
	assert.True(t, result.Failed(ctrl1))

	row, err := f.maps.Get(ctx, mapstore.Running, types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"})
	assert.NoError(t, err)
	assert.Equal(t, types.StatusNotApplied, row.Status)
}

func TestRecommitPreservesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.leafRow(t, mapstore.Candidate, "if1", "P1", true)

	_, err := f.engine.Commit(ctx)
	assert.NoError(t, err)

	// A second commit with no candidate change pushes nothing and keeps the
	// status consolidated by the first one.
	_, err = f.engine.Commit(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []types.Operation{types.OpCreate}, f.driver.conns[ctrl1].ops())

	row, err := f.maps.Get(ctx, mapstore.Running, types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"})
	assert.NoError(t, err)
	assert.Equal(t, types.StatusApplied, row.Status)
}

func TestCommitDisconnectedControllerNotApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The leaf row is bound to a controller that never connected: nothing is
	// pushed, so the row must not be recorded as applied.
	err := f.maps.Create(ctx, mapstore.Candidate, &types.PolicingMap{
		VTN: "vtn1", VBridge: "vbr1", VInterface: "if1",
		Policer: "P1", PolicerValidity: types.Valid, PortMapSet: true,
		ControllerID: ctrl2, DomainID: "dom1",
	})
	assert.NoError(t, err)

	result, err := f.engine.Commit(ctx)
	assert.NoError(t, err)
	assert.True(t, result.Failed(ctrl2))

	row, err := f.maps.Get(ctx, mapstore.Running, types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"})
	assert.NoError(t, err)
	assert.Equal(t, types.StatusNotApplied, row.Status)

	// No audit snapshot is seeded for a controller nothing was pushed to.
	_, err = f.maps.Get(ctx, mapstore.AuditScope(ctrl2), row.Key())
	assert.True(t, errors.IsNotFound(err))
}

func TestCommitSkipsUnadvertisedOps(t *testing.T) {
	caps := capability.NewRegistry(
		map[types.ControllerID]string{ctrl1: "odc"},
		map[string]map[types.Keytype]capability.Descriptor{
			"odc": {
				types.KeytypeVBrIfPolicingMap: {Update: true, Read: true, Attributes: capability.AttrPolicer},
			},
		})
	f := newFixtureWithCaps(t, caps)
	ctx := context.Background()

	// The controller type does not advertise create for the keytype; the
	// change-set entry never reaches the driver.
	f.leafRow(t, mapstore.Candidate, "if1", "P1", true)

	_, err := f.engine.Commit(ctx)
	assert.NoError(t, err)
	assert.Empty(t, f.driver.conns[ctrl1].ops())
}

func TestCommitSkipsUngatedLeafCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No port map yet: the row is recorded but nothing reaches the driver.
	f.leafRow(t, mapstore.Candidate, "if1", "P1", false)

	result, err := f.engine.Commit(ctx)
	assert.NoError(t, err)
	assert.False(t, result.Failed(ctrl1))
	assert.Empty(t, f.driver.conns[ctrl1].ops())

	_, err = f.maps.Get(ctx, mapstore.Running, types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"})
	assert.NoError(t, err)
}

func TestCommitDeleteBeforeCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.leafRow(t, mapstore.Running, "gone", "P1", true)
	f.leafRow(t, mapstore.Candidate, "new", "P1", true)

	_, err := f.engine.Commit(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []types.Operation{types.OpDelete, types.OpCreate}, f.driver.conns[ctrl1].ops())

	_, err = f.maps.Get(ctx, mapstore.Running, types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "gone"})
	assert.True(t, errors.IsNotFound(err))
}

func TestAuditCreatePhaseSkipsLeafRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.leafRow(t, mapstore.Running, "if1", "P1", true)

	result := &AuditResult{Controller: ctrl1}
	assert.NoError(t, f.engine.AuditUpdateController(ctx, ctrl1, AuditPhaseCreate, result))

	// Installation of gated consumers only ever happens through the update
	// phase.
	assert.Empty(t, f.driver.conns[ctrl1].ops())
	assert.Equal(t, AuditNoDifference, result.Outcome)
}

func TestAuditUpdateRetriesAsCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The audit copy shows the row existed without its port map, so nothing
	// was ever installed; running now has the gate set.
	audit := mapstore.AuditScope(ctrl1)
	f.leafRow(t, audit, "if1", "P1", false)
	f.leafRow(t, mapstore.Running, "if1", "P1", true)

	result := &AuditResult{Controller: ctrl1}
	assert.NoError(t, f.engine.AuditUpdateController(ctx, ctrl1, AuditPhaseUpdate, result))

	assert.Equal(t, []types.Operation{types.OpCreate}, f.driver.conns[ctrl1].ops())
	assert.Equal(t, AuditConfigDiffers, result.Outcome)
}

func TestAuditPrerequisiteGatingDowngradesToDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The controller holds the installed object but running lost the gate:
	// the operation sent downstream must be a delete, never an update.
	audit := mapstore.AuditScope(ctrl1)
	f.leafRow(t, audit, "if1", "P1", true)
	f.leafRow(t, mapstore.Running, "if1", "P2", false)

	result := &AuditResult{Controller: ctrl1}
	assert.NoError(t, f.engine.AuditUpdateController(ctx, ctrl1, AuditPhaseUpdate, result))

	assert.Equal(t, []types.Operation{types.OpDelete}, f.driver.conns[ctrl1].ops())
}

func TestAuditStatusOnlySkip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	audit := mapstore.AuditScope(ctrl1)
	err := f.maps.Create(ctx, audit, &types.PolicingMap{
		VTN: "vtn1", VBridge: "vbr1", VInterface: "if1",
		Policer: "P1", PolicerValidity: types.Valid, PortMapSet: true,
		ControllerID: ctrl1, DomainID: "dom1", Status: types.StatusNotApplied,
	})
	assert.NoError(t, err)
	err = f.maps.Create(ctx, mapstore.Running, &types.PolicingMap{
		VTN: "vtn1", VBridge: "vbr1", VInterface: "if1",
		Policer: "P1", PolicerValidity: types.Valid, PortMapSet: true,
		ControllerID: ctrl1, DomainID: "dom1", Status: types.StatusApplied,
	})
	assert.NoError(t, err)

	result := &AuditResult{Controller: ctrl1}
	assert.NoError(t, f.engine.AuditUpdateController(ctx, ctrl1, AuditPhaseUpdate, result))

	// Nothing reached the driver, but the difference is recorded.
	assert.Empty(t, f.driver.conns[ctrl1].ops())
	assert.Equal(t, AuditStatusOnly, result.Outcome)

	// A full-diff outcome is sticky and never downgraded to status-only.
	result.recordConfigDiffers()
	result.recordStatusOnly()
	assert.Equal(t, AuditConfigDiffers, result.Outcome)
}

func TestAuditDeletePhaseBypassesOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Running lost the row entirely; the audit copy even shows the gate
	// unset. The row is still sent as a delete.
	audit := mapstore.AuditScope(ctrl1)
	f.leafRow(t, audit, "if1", "P1", false)

	result := &AuditResult{Controller: ctrl1}
	assert.NoError(t, f.engine.AuditUpdateController(ctx, ctrl1, AuditPhaseDelete, result))

	assert.Equal(t, []types.Operation{types.OpDelete}, f.driver.conns[ctrl1].ops())
	assert.Equal(t, AuditConfigDiffers, result.Outcome)

	_, err := f.maps.Get(ctx, audit, types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"})
	assert.True(t, errors.IsNotFound(err))
}

func TestAuditRejectionWritesBackInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.driver.conns[ctrl1].failOps[types.OpUpdate] = errors.NewInternal("driver rejected")
	audit := mapstore.AuditScope(ctrl1)
	f.leafRow(t, audit, "if1", "P1", true)
	f.leafRow(t, mapstore.Running, "if1", "P2", true)

	result := &AuditResult{Controller: ctrl1}
	err := f.engine.AuditUpdateController(ctx, ctrl1, AuditPhaseUpdate, result)
	assert.Error(t, err)
	assert.NotNil(t, result.ErrorKey)

	// The failed push is durably recorded as not converged.
	row, err := f.maps.Get(ctx, audit, types.MapKey{VTN: "vtn1", VBridge: "vbr1", VInterface: "if1"})
	assert.NoError(t, err)
	assert.Equal(t, types.StatusInvalid, row.Status)
}

func TestAuditSkipsOtherControllersRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.conns.Connect(ctx, ctrl2, "fake:ctrl2")
	assert.NoError(t, err)

	// The running row belongs to ctrl1; auditing ctrl2 must not touch it.
	f.leafRow(t, mapstore.Running, "if1", "P1", true)

	result := &AuditResult{Controller: ctrl2}
	assert.NoError(t, f.engine.AuditUpdateController(ctx, ctrl2, AuditPhaseUpdate, result))
	assert.Empty(t, f.driver.conns[ctrl2].ops())
	assert.Equal(t, AuditNoDifference, result.Outcome)
}
