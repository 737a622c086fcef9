// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package capability answers what each controller type supports for a given
// keytype: which operations, which value attributes, and how many instances.
package capability

import (
	"sync"

	"github.com/onosproject/onos-lib-go/pkg/errors"

	"github.com/openvtn/vtn-config/pkg/types"
)

// Attribute bits for the policing-map keytypes
const (
	// AttrPolicer is the policer-name value attribute
	AttrPolicer uint32 = 1 << iota
)

// Descriptor is a controller type's advertised capability for one keytype
type Descriptor struct {
	Create bool `yaml:"create"`
	Update bool `yaml:"update"`
	Read   bool `yaml:"read"`
	State  bool `yaml:"state"`

	// Attributes is the bitmask of supported value attributes
	Attributes uint32 `yaml:"attributes"`

	// MaxInstances is the instance ceiling for creates; 0 means unlimited
	MaxInstances uint32 `yaml:"max_instances"`
}

// SupportsOp reports whether the descriptor advertises the operation
func (d Descriptor) SupportsOp(op types.Operation) bool {
	switch op {
	case types.OpCreate, types.OpDelete:
		return d.Create
	case types.OpUpdate:
		return d.Update
	case types.OpRead:
		return d.Read
	}
	return false
}

// Registry resolves controller capability descriptors
type Registry interface {
	// Type returns the controller's registered type
	Type(ctrl types.ControllerID) (string, error)

	// Supports reports whether the controller's type supports the keytype at
	// all. A false return means the controller is skipped, not erred.
	Supports(ctrl types.ControllerID, keytype types.Keytype) bool

	// Descriptor returns the controller's capability descriptor for a keytype
	Descriptor(ctrl types.ControllerID, keytype types.Keytype) (Descriptor, error)
}

// NewRegistry creates a registry from a controller-id to type mapping and
// per-type keytype descriptors.
func NewRegistry(controllers map[types.ControllerID]string, caps map[string]map[types.Keytype]Descriptor) Registry {
	return &registry{
		controllers: controllers,
		caps:        caps,
	}
}

type registry struct {
	mu          sync.RWMutex
	controllers map[types.ControllerID]string
	caps        map[string]map[types.Keytype]Descriptor
}

func (r *registry) Type(ctrl types.ControllerID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctrlType, ok := r.controllers[ctrl]
	if !ok {
		return "", errors.NewNotFound("controller '%s' not registered", ctrl)
	}
	return ctrlType, nil
}

func (r *registry) Supports(ctrl types.ControllerID, keytype types.Keytype) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctrlType, ok := r.controllers[ctrl]
	if !ok {
		return false
	}
	byKeytype, ok := r.caps[ctrlType]
	if !ok {
		return false
	}
	_, ok = byKeytype[keytype]
	return ok
}

func (r *registry) Descriptor(ctrl types.ControllerID, keytype types.Keytype) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctrlType, ok := r.controllers[ctrl]
	if !ok {
		return Descriptor{}, errors.NewNotFound("controller '%s' not registered", ctrl)
	}
	byKeytype, ok := r.caps[ctrlType]
	if !ok {
		return Descriptor{}, errors.NewNotSupported("controller type '%s' has no capabilities", ctrlType)
	}
	desc, ok := byKeytype[keytype]
	if !ok {
		return Descriptor{}, errors.NewNotSupported("keytype '%s' not supported by controller type '%s'", keytype, ctrlType)
	}
	return desc, nil
}

var _ Registry = &registry{}
