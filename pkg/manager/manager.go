// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package manager is the main coordinator of the vtn-config subsystem: it
// opens the store, builds the managers and the sync engine, connects the
// configured controllers and serves the northbound API.
package manager

import (
	"context"

	"github.com/onosproject/onos-lib-go/pkg/logging"

	"github.com/openvtn/vtn-config/pkg/capability"
	"github.com/openvtn/vtn-config/pkg/config"
	"github.com/openvtn/vtn-config/pkg/northbound"
	"github.com/openvtn/vtn-config/pkg/policingmap"
	"github.com/openvtn/vtn-config/pkg/registry"
	"github.com/openvtn/vtn-config/pkg/southbound"
	"github.com/openvtn/vtn-config/pkg/store/binding"
	"github.com/openvtn/vtn-config/pkg/store/db"
	mapstore "github.com/openvtn/vtn-config/pkg/store/policingmap"
	"github.com/openvtn/vtn-config/pkg/store/profile"
	"github.com/openvtn/vtn-config/pkg/store/rename"
	"github.com/openvtn/vtn-config/pkg/store/span"
	"github.com/openvtn/vtn-config/pkg/sync"
)

var log = logging.GetLogger("manager")

// Manager is the single point of entry for the vtn-config service
type Manager struct {
	Config config.Config

	conns  southbound.ConnManager
	server *northbound.Server
	engine *sync.Engine
}

// NewManager initializes the vtn-config subsystem
func NewManager(cfg config.Config, driver southbound.Driver) (*Manager, error) {
	log.Infof("Creating manager")
	gdb, err := db.Open(cfg.DB)
	if err != nil {
		return nil, err
	}

	caps := capability.NewRegistry(cfg.ControllerTypes(), cfg.Capabilities)
	conns := southbound.NewConnManager(driver)
	resolver := rename.NewResolver(rename.NewStore(gdb))

	stores := policingmap.Stores{
		Maps:     mapstore.NewStore(gdb),
		Bindings: binding.NewStore(gdb, caps),
		Profiles: profile.NewStore(gdb),
		Spans:    span.NewStore(gdb),
		Rename:   resolver,
	}

	managers := registry.NewRegistry(
		policingmap.NewVTNManager(stores, caps, conns),
		policingmap.NewVBrIfManager(stores, caps, conns),
	)
	engine := sync.NewEngine(stores.Maps, stores.Bindings, stores.Spans, resolver, caps, conns)
	merger := policingmap.NewMerger(stores, cfg.PreferImport())
	server := northbound.NewServer(managers, engine, merger, cfg.Northbound.Port)

	return &Manager{
		Config: cfg,
		conns:  conns,
		server: server,
		engine: engine,
	}, nil
}

// Run starts the manager and logs any startup failure
func (m *Manager) Run() {
	if err := m.Start(); err != nil {
		log.Errorf("Unable to run manager: %s", err)
	}
}

// Start connects the configured controllers and serves the northbound API
func (m *Manager) Start() error {
	for _, ctrl := range m.Config.Controllers {
		ctrl := ctrl
		go func() {
			if _, err := m.conns.Connect(context.Background(), ctrl.ID, ctrl.Endpoint); err != nil {
				log.Errorf("Unable to connect controller '%s': %s", ctrl.ID, err)
			}
		}()
	}
	return m.server.Start()
}

// Close gracefully stops the manager
func (m *Manager) Close() {
	log.Infof("Closing manager")
	if err := m.server.Stop(); err != nil {
		log.Errorf("Unable to stop northbound service: %s", err)
	}
	for _, ctrl := range m.Config.Controllers {
		if err := m.conns.Disconnect(context.Background(), ctrl.ID); err != nil {
			log.Warnf("Unable to disconnect controller '%s': %s", ctrl.ID, err)
		}
	}
}
