// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package types holds the identifiers, enumerations and row models shared by
// the vtn-config stores and the diff/sync engine.
package types

import "fmt"

// ControllerID identifies a southbound controller
type ControllerID string

// DomainID identifies a domain within a controller
type DomainID string

// Keytype identifies a configuration object class
type Keytype string

const (
	// KeytypeVTNPolicingMap is a VTN-level policing map
	KeytypeVTNPolicingMap Keytype = "vtn-policing-map"
	// KeytypeVBrIfPolicingMap is a vbridge-interface-level policing map
	KeytypeVBrIfPolicingMap Keytype = "vbrif-policing-map"
	// KeytypePolicingProfile is a policing profile
	KeytypePolicingProfile Keytype = "policing-profile"
	// KeytypeVTN is a virtual tenant network
	KeytypeVTN Keytype = "vtn"
)

// Datatype identifies a configuration snapshot
type Datatype string

const (
	// Candidate is the staging snapshot mutated by northbound requests
	Candidate Datatype = "candidate"
	// Running is the authoritative committed snapshot
	Running Datatype = "running"
	// Startup is the snapshot loaded at boot
	Startup Datatype = "startup"
	// State is the operational state snapshot
	State Datatype = "state"
	// Import is the staging snapshot for an import/merge session
	Import Datatype = "import"
	// Audit is a per-controller private snapshot of believed-applied state
	Audit Datatype = "audit"
)

// Operation is a configuration operation
type Operation int

const (
	// OpCreate creates an object
	OpCreate Operation = iota
	// OpUpdate updates an object
	OpUpdate
	// OpDelete deletes an object
	OpDelete
	// OpRead reads an object
	OpRead
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpRead:
		return "read"
	}
	return fmt.Sprintf("operation-%d", int(o))
}

// RenameFlags records which key components carry controller-local names
type RenameFlags uint8

const (
	// VTNRenamed marks the VTN name as renamed on the controller
	VTNRenamed RenameFlags = 1 << iota
	// PolicerRenamed marks the policing profile name as renamed on the controller
	PolicerRenamed
)

// MapKey identifies a policing-map consumer. VBridge and VInterface are empty
// for VTN-level maps.
type MapKey struct {
	VTN        string `json:"vtn"`
	VBridge    string `json:"vbridge,omitempty"`
	VInterface string `json:"vinterface,omitempty"`
}

// Keytype returns the keytype of the consumer the key identifies
func (k MapKey) Keytype() Keytype {
	if k.VBridge == "" {
		return KeytypeVTNPolicingMap
	}
	return KeytypeVBrIfPolicingMap
}

func (k MapKey) String() string {
	if k.VBridge == "" {
		return k.VTN
	}
	return fmt.Sprintf("%s/%s/%s", k.VTN, k.VBridge, k.VInterface)
}

// PolicerRef is a consumer's reference to a policing profile together with its
// validity flag.
type PolicerRef struct {
	Name     string   `json:"name,omitempty"`
	Validity Validity `json:"validity"`
}
