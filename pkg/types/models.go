// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package types

// PolicingMap is a consumer main row: one row per network object referencing a
// policing profile, per snapshot. Owner scopes AUDIT rows to the controller
// whose private snapshot they belong to and is empty everywhere else.
type PolicingMap struct {
	Datatype   Datatype     `gorm:"primaryKey;size:16"`
	Owner      ControllerID `gorm:"primaryKey;size:32;default:''"`
	VTN        string       `gorm:"primaryKey;size:32"`
	VBridge    string       `gorm:"primaryKey;size:32;default:''"`
	VInterface string       `gorm:"primaryKey;size:32;default:''"`

	Policer         string   `gorm:"size:32"`
	PolicerValidity Validity `gorm:"size:8"`

	// PortMapSet is the installation prerequisite for interface-level maps.
	PortMapSet bool

	// ControllerID/DomainID carry the parent vnode's placement for leaf
	// consumers. VTN-level rows span controllers via PolicingMapCtrl instead.
	ControllerID ControllerID `gorm:"size:32"`
	DomainID     DomainID     `gorm:"size:32"`

	RenameFlags   RenameFlags
	Status        ConfigStatus
	PolicerStatus ConfigStatus
}

// TableName sets the policing-map main table name
func (PolicingMap) TableName() string { return "policingmap_tbl" }

// Key returns the consumer key of the row
func (m *PolicingMap) Key() MapKey {
	return MapKey{VTN: m.VTN, VBridge: m.VBridge, VInterface: m.VInterface}
}

// Ref returns the row's policer reference
func (m *PolicingMap) Ref() PolicerRef {
	return PolicerRef{Name: m.Policer, Validity: m.PolicerValidity}
}

// SameValue reports whether the stored value attributes are byte-identical
func (m *PolicingMap) SameValue(o *PolicingMap) bool {
	return m.Policer == o.Policer &&
		m.PolicerValidity == o.PolicerValidity &&
		m.PortMapSet == o.PortMapSet
}

// PolicingMapCtrl is a per-(consumer, controller, domain) row mirroring the
// main row's value for span-capable consumers.
type PolicingMapCtrl struct {
	Datatype     Datatype     `gorm:"primaryKey;size:16"`
	Owner        ControllerID `gorm:"primaryKey;size:32;default:''"`
	VTN          string       `gorm:"primaryKey;size:32"`
	ControllerID ControllerID `gorm:"primaryKey;size:32"`
	DomainID     DomainID     `gorm:"primaryKey;size:32"`

	Policer         string   `gorm:"size:32"`
	PolicerValidity Validity `gorm:"size:8"`
	RenameFlags     RenameFlags
	Status          ConfigStatus
}

// TableName sets the policing-map controller table name
func (PolicingMapCtrl) TableName() string { return "policingmap_ctrlr_tbl" }

// PolicyBinding is the per-controller policy cross-reference row: how many
// live consumer associations require the named profile on the controller.
type PolicyBinding struct {
	Datatype     Datatype     `gorm:"primaryKey;size:16"`
	Policer      string       `gorm:"primaryKey;size:32"`
	ControllerID ControllerID `gorm:"primaryKey;size:32"`

	RefCount uint32
	Renamed  bool
	Status   ConfigStatus
}

// TableName sets the binding table name
func (PolicyBinding) TableName() string { return "policingprofile_ctrlr_tbl" }

// VNode is a virtual node (vbridge/vterminal) placement row; its creation and
// deletion drive the parent VTN's controller span.
type VNode struct {
	Datatype Datatype `gorm:"primaryKey;size:16"`
	VTN      string   `gorm:"primaryKey;size:32"`
	Name     string   `gorm:"primaryKey;size:32"`

	ControllerID ControllerID `gorm:"size:32"`
	DomainID     DomainID     `gorm:"size:32"`
}

// TableName sets the vnode table name
func (VNode) TableName() string { return "vnode_tbl" }

// VTNSpan aggregates a VTN's vnode reference count per (controller, domain).
// Rows at RefCount <= 0 are filtered from every span query.
type VTNSpan struct {
	Datatype     Datatype     `gorm:"primaryKey;size:16"`
	VTN          string       `gorm:"primaryKey;size:32"`
	ControllerID ControllerID `gorm:"primaryKey;size:32"`
	DomainID     DomainID     `gorm:"primaryKey;size:32"`

	RefCount int
}

// TableName sets the span table name
func (VTNSpan) TableName() string { return "vtn_ctrlr_tbl" }

// RenameEntry maps a UNC-level object name to its controller-local name.
type RenameEntry struct {
	Keytype      Keytype      `gorm:"primaryKey;size:32"`
	Name         string       `gorm:"primaryKey;size:32"`
	ControllerID ControllerID `gorm:"primaryKey;size:32"`

	LocalName string `gorm:"size:32;index:idx_rename_local"`
}

// TableName sets the rename table name
func (RenameEntry) TableName() string { return "rename_tbl" }

// PolicingProfile is the minimal profile row the policing-map layer consults
// for existence checks; profile management is owned elsewhere.
type PolicingProfile struct {
	Datatype Datatype `gorm:"primaryKey;size:16"`
	Name     string   `gorm:"primaryKey;size:32"`

	EntryCount int
}

// TableName sets the profile table name
func (PolicingProfile) TableName() string { return "policingprofile_tbl" }

// RefCountDelta is a scratch-table row accumulating net refcount changes for a
// (policer, controller) pair during a cascade delete; applied at commit time.
type RefCountDelta struct {
	Policer      string       `gorm:"primaryKey;size:32"`
	ControllerID ControllerID `gorm:"primaryKey;size:32"`
	VTN          string       `gorm:"primaryKey;size:32"`

	Delta int
}

// TableName sets the scratch table name
func (RefCountDelta) TableName() string { return "policingprofile_scratch_tbl" }
