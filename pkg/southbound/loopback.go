// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package southbound

import (
	"context"
	"sync"

	"github.com/openvtn/vtn-config/pkg/types"
)

// NewLoopbackDriver returns a driver whose sessions accept every request and
// remember what was installed, for development and tests.
func NewLoopbackDriver() Driver {
	return &loopbackDriver{}
}

type loopbackDriver struct{}

func (d *loopbackDriver) Connect(ctx context.Context, ctrl types.ControllerID, endpoint string) (Conn, error) {
	return &loopbackConn{
		id:        NewConnID(),
		ctrl:      ctrl,
		installed: make(map[types.MapKey]string),
	}, nil
}

type loopbackConn struct {
	id        ConnID
	ctrl      types.ControllerID
	installed map[types.MapKey]string
	mu        sync.Mutex
}

func (c *loopbackConn) ID() ConnID {
	return c.id
}

func (c *loopbackConn) Controller() types.ControllerID {
	return c.ctrl
}

func (c *loopbackConn) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch req.Operation {
	case types.OpCreate, types.OpUpdate:
		c.installed[req.Key] = req.Policer
	case types.OpDelete:
		delete(c.installed, req.Key)
	}
	resp := &Response{Key: req.Key, Policer: c.installed[req.Key]}
	if req.Operation == types.OpRead && req.Detail {
		resp.State = map[string]string{"policer": c.installed[req.Key]}
	}
	return resp, nil
}

func (c *loopbackConn) Close() error {
	return nil
}

var _ Conn = &loopbackConn{}
