// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package registry maps keytypes to the manager responsible for them. The
// registry is built once at startup and injected wherever delegation by
// keytype is needed; there is no process-wide singleton.
package registry

import (
	"github.com/onosproject/onos-lib-go/pkg/errors"

	"github.com/openvtn/vtn-config/pkg/policingmap"
	"github.com/openvtn/vtn-config/pkg/types"
)

// Registry resolves the manager owning a keytype
type Registry struct {
	managers map[types.Keytype]policingmap.Manager
}

// NewRegistry creates a registry over the given managers
func NewRegistry(managers ...policingmap.Manager) *Registry {
	r := &Registry{managers: make(map[types.Keytype]policingmap.Manager, len(managers))}
	for _, m := range managers {
		r.managers[m.Keytype()] = m
	}
	return r
}

// Get returns the manager for the keytype
func (r *Registry) Get(keytype types.Keytype) (policingmap.Manager, error) {
	m, ok := r.managers[keytype]
	if !ok {
		return nil, errors.NewNotSupported("no manager registered for keytype '%s'", keytype)
	}
	return m, nil
}

// Keytypes lists the registered keytypes
func (r *Registry) Keytypes() []types.Keytype {
	keytypes := make([]types.Keytype, 0, len(r.managers))
	for keytype := range r.managers {
		keytypes = append(keytypes, keytype)
	}
	return keytypes
}
