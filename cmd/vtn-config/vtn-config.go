// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point to the vtn-config service.
//
// It persists policing-profile associations for VTN and vbridge-interface
// consumers, maintains per-controller reference-counted bindings, and drives
// the candidate/running/audit commit pipeline toward southbound controller
// drivers, exposing a REST interface northbound.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/onosproject/onos-lib-go/pkg/logging"
	"github.com/spf13/cobra"

	"github.com/openvtn/vtn-config/pkg/config"
	"github.com/openvtn/vtn-config/pkg/manager"
	"github.com/openvtn/vtn-config/pkg/southbound"
)

var log = logging.GetLogger("main")

// The main entry point
func main() {
	if err := getRootCommand().Execute(); err != nil {
		println(err)
		os.Exit(1)
	}
}

func getRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vtn-config",
		Short: "VTN configuration persistence subsystem",
		RunE:  runRootCommand,
	}
	cmd.Flags().String("config", "/etc/vtn-config/config.yaml", "path to the service configuration file")
	cmd.Flags().Int("port", 0, "REST port override")
	return cmd
}

func runRootCommand(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	port, _ := cmd.Flags().GetInt("port")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Northbound.Port = port
	}

	log.Infow("Starting vtn-config",
		"ConfigPath", configPath,
		"DBType", cfg.DB.Type,
		"RESTPort", cfg.Northbound.Port,
		"Controllers", len(cfg.Controllers),
	)

	mgr, err := manager.NewManager(cfg, southbound.NewLoopbackDriver())
	if err != nil {
		return err
	}
	mgr.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	mgr.Close()
	return nil
}
