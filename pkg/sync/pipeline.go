// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"

	"github.com/onosproject/onos-lib-go/pkg/errors"

	"github.com/openvtn/vtn-config/pkg/metrics"
	mapstore "github.com/openvtn/vtn-config/pkg/store/policingmap"
	"github.com/openvtn/vtn-config/pkg/types"
)

// Commit runs the full commit pipeline: push the candidate/running difference
// to every live controller, fold the change-set into the running snapshot
// with the collected results, and refresh the audit snapshot of every
// controller whose push succeeded.
func (e *Engine) Commit(ctx context.Context) (*CommitResult, error) {
	conns, err := e.conns.List(ctx)
	if err != nil {
		return nil, err
	}
	results := &CommitResult{Results: make(map[types.ControllerID]*ControllerResult)}
	for _, conn := range conns {
		res, err := e.TxUpdateController(ctx, conn.Controller())
		results.Results[conn.Controller()] = res
		if err != nil {
			// Transport failure: the controller's batch is aborted and its
			// rows consolidate as not-applied; the commit itself goes on.
			log.Warnf("Commit push to controller '%s' aborted: %s", conn.Controller(), err)
		}
	}

	if err := e.TxCopyCandidateToRunning(ctx, results); err != nil {
		metrics.Commits.WithLabelValues("error").Inc()
		return results, err
	}

	for ctrl, res := range results.Results {
		if res.Failed {
			continue
		}
		if err := e.SeedAudit(ctx, ctrl); err != nil {
			log.Warnf("Failed to refresh audit snapshot for controller '%s': %s", ctrl, err)
		}
	}
	metrics.Commits.WithLabelValues("ok").Inc()
	return results, nil
}

// SeedAudit replaces a controller's private audit snapshot with the current
// running snapshot, marking its state as believed applied.
func (e *Engine) SeedAudit(ctx context.Context, ctrl types.ControllerID) error {
	audit := mapstore.AuditScope(ctrl)

	existing, err := e.maps.List(ctx, audit)
	if err != nil {
		return err
	}
	for _, row := range existing {
		if err := e.maps.Delete(ctx, audit, row.Key()); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}
	existingCtrl, err := e.maps.ListCtrl(ctx, audit, "")
	if err != nil {
		return err
	}
	for _, row := range existingCtrl {
		if err := e.maps.DeleteCtrl(ctx, audit, row.VTN, row.ControllerID, row.DomainID); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}

	rows, err := e.maps.List(ctx, mapstore.Running)
	if err != nil {
		return err
	}
	for _, row := range rows {
		copied := *row
		if err := e.maps.Create(ctx, audit, &copied); err != nil {
			return err
		}
	}
	ctrlRows, err := e.maps.ListCtrl(ctx, mapstore.Running, "")
	if err != nil {
		return err
	}
	for _, row := range ctrlRows {
		copied := *row
		if err := e.maps.PutCtrl(ctx, audit, &copied); err != nil {
			return err
		}
	}
	log.Debugf("Seeded audit snapshot for controller '%s' with %d rows", ctrl, len(rows))
	return nil
}
