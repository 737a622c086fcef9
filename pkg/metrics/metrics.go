// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics registers the Prometheus instruments exported by vtn-config.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommitPushes counts driver requests sent during commit, by controller
	// and result
	CommitPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vtnconfig",
		Subsystem: "sync",
		Name:      "commit_pushes_total",
		Help:      "Driver requests sent while committing the candidate snapshot",
	}, []string{"controller", "result"})

	// AuditPushes counts driver requests sent during audit, by controller and
	// result
	AuditPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vtnconfig",
		Subsystem: "sync",
		Name:      "audit_pushes_total",
		Help:      "Driver requests sent while auditing a controller",
	}, []string{"controller", "result"})

	// Commits counts commit pipeline runs by result
	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vtnconfig",
		Subsystem: "sync",
		Name:      "commits_total",
		Help:      "Commit pipeline runs",
	}, []string{"result"})

	// DriverSessions gauges the live driver sessions
	DriverSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vtnconfig",
		Subsystem: "southbound",
		Name:      "driver_sessions",
		Help:      "Live controller driver sessions",
	})
)
