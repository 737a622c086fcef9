// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package southbound manages driver sessions toward controllers and the
// request envelope pushed through them. The driver wire format is the
// driver's business; this layer only carries the envelope.
package southbound

import (
	"context"

	"github.com/openvtn/vtn-config/pkg/types"
)

// ConnID identifies one driver session
type ConnID string

// Request is the envelope sent to a controller driver. Key and Policer carry
// controller-local names; OldPolicer is attached on updates so the driver sees
// both old and new values.
type Request struct {
	Operation  types.Operation
	Datatype   types.Datatype
	Keytype    types.Keytype
	Domain     types.DomainID
	Key        types.MapKey
	Policer    string
	OldPolicer string

	// Detail requests live operational state on reads
	Detail bool
}

// Response is the driver's reply; on a rejection it echoes the request's
// key/value so the caller can reconstruct what the controller judged.
type Response struct {
	Key     types.MapKey
	Policer string

	// State is live operational state returned on detail reads
	State map[string]string
}

// Conn is an established driver session with one controller
type Conn interface {
	// ID returns the session id
	ID() ConnID

	// Controller returns the controller the session belongs to
	Controller() types.ControllerID

	// SendRequest sends one request envelope. A transport-level failure
	// surfaces as an Unavailable error; a driver rejection surfaces as any
	// other error, with the response still carrying echoed data when the
	// driver provided it.
	SendRequest(ctx context.Context, req *Request) (*Response, error)

	// Close tears the session down
	Close() error
}

// Driver establishes sessions with controllers
type Driver interface {
	Connect(ctx context.Context, ctrl types.ControllerID, endpoint string) (Conn, error)
}
