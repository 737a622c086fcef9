// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package sync implements the staged commit and audit pipeline: pushing the
// candidate/running difference to live controllers, folding the accepted
// change-set into the running snapshot, and reconciling each controller's
// private audit snapshot against running.
package sync

import (
	"github.com/onosproject/onos-lib-go/pkg/logging"

	"github.com/openvtn/vtn-config/pkg/capability"
	"github.com/openvtn/vtn-config/pkg/southbound"
	"github.com/openvtn/vtn-config/pkg/store/binding"
	mapstore "github.com/openvtn/vtn-config/pkg/store/policingmap"
	"github.com/openvtn/vtn-config/pkg/store/rename"
	"github.com/openvtn/vtn-config/pkg/store/span"
	"github.com/openvtn/vtn-config/pkg/types"
)

var log = logging.GetLogger("sync")

// Engine drives the commit and audit pipelines over the shared stores
type Engine struct {
	maps     mapstore.Store
	bindings binding.Store
	spans    span.Store
	rename   *rename.Resolver
	caps     capability.Registry
	conns    southbound.ConnManager
}

// NewEngine creates the diff/sync engine
func NewEngine(maps mapstore.Store, bindings binding.Store, spans span.Store,
	resolver *rename.Resolver, caps capability.Registry, conns southbound.ConnManager) *Engine {
	return &Engine{
		maps:     maps,
		bindings: bindings,
		spans:    spans,
		rename:   resolver,
		caps:     caps,
		conns:    conns,
	}
}

// ControllerResult is one controller's outcome of the commit push phase.
// ErrorKeys carry the controller-local keys the driver reported back.
type ControllerResult struct {
	Controller types.ControllerID `json:"controller"`
	Failed     bool               `json:"failed"`
	ErrorKeys  []types.MapKey     `json:"errorKeys,omitempty"`
}

// CommitResult aggregates the per-controller push outcomes of one commit
type CommitResult struct {
	Results map[types.ControllerID]*ControllerResult `json:"results"`
}

// Failed reports whether the named controller's push failed. A controller with
// no recorded result never saw the change-set and counts as failed; only
// drivers that acknowledged the push may mark rows applied.
func (r *CommitResult) Failed(ctrl types.ControllerID) bool {
	if r == nil {
		return true
	}
	res, ok := r.Results[ctrl]
	return !ok || res.Failed
}

// AuditOutcome classifies one controller's audit pass
type AuditOutcome int

const (
	// AuditNoDifference means running and the audit snapshot already agreed
	AuditNoDifference AuditOutcome = iota
	// AuditStatusOnly means the only differences found were config-status
	// fields; nothing reached the driver
	AuditStatusOnly
	// AuditConfigDiffers means at least one semantic difference was resynced
	AuditConfigDiffers
)

func (o AuditOutcome) String() string {
	switch o {
	case AuditStatusOnly:
		return "status-only"
	case AuditConfigDiffers:
		return "config-differs"
	}
	return "no-difference"
}

// AuditPhase selects the operation class of an audit pass
type AuditPhase int

const (
	// AuditPhaseCreate pushes rows present in running but absent from the
	// audit snapshot
	AuditPhaseCreate AuditPhase = iota
	// AuditPhaseUpdate pushes rows whose value differs between the snapshots
	AuditPhaseUpdate
	// AuditPhaseDelete removes rows absent from running but present in the
	// audit snapshot
	AuditPhaseDelete
)

func (p AuditPhase) String() string {
	switch p {
	case AuditPhaseCreate:
		return "create"
	case AuditPhaseUpdate:
		return "update"
	case AuditPhaseDelete:
		return "delete"
	}
	return "unknown"
}

// AuditResult is one controller's accumulated audit outcome across phases
type AuditResult struct {
	Controller types.ControllerID `json:"controller"`
	Outcome    AuditOutcome       `json:"outcome"`
	ErrorKey   *types.MapKey      `json:"errorKey,omitempty"`
}

// recordStatusOnly upgrades the outcome to status-only; a full config-differs
// outcome is sticky and never downgraded.
func (r *AuditResult) recordStatusOnly() {
	if r.Outcome != AuditConfigDiffers {
		r.Outcome = AuditStatusOnly
	}
}

func (r *AuditResult) recordConfigDiffers() {
	r.Outcome = AuditConfigDiffers
}
