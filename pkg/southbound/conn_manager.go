// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package southbound

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/onosproject/onos-lib-go/pkg/errors"
	"github.com/onosproject/onos-lib-go/pkg/logging"

	"github.com/openvtn/vtn-config/pkg/metrics"
	"github.com/openvtn/vtn-config/pkg/types"
)

var log = logging.GetLogger("southbound")

// ConnManager holds the driver sessions currently established with
// controllers
type ConnManager interface {
	// Get returns the controller's live session; Unavailable means the
	// controller is disconnected, which batch callers treat as fatal and
	// sibling-read callers skip
	Get(ctx context.Context, ctrl types.ControllerID) (Conn, error)

	// List lists the live sessions
	List(ctx context.Context) ([]Conn, error)

	// Connect dials the controller, retrying with backoff until the context
	// expires, and registers the session
	Connect(ctx context.Context, ctrl types.ControllerID, endpoint string) (Conn, error)

	// Disconnect closes and removes the controller's session
	Disconnect(ctx context.Context, ctrl types.ControllerID) error

	// Watch notifies session additions and removals
	Watch(ctx context.Context, ch chan<- Conn) error
}

// NewConnManager creates a connection manager dialing through the driver
func NewConnManager(driver Driver) ConnManager {
	mgr := &connManager{
		driver:  driver,
		conns:   make(map[types.ControllerID]Conn),
		eventCh: make(chan Conn),
	}
	go mgr.processEvents()
	return mgr
}

type connManager struct {
	driver     Driver
	conns      map[types.ControllerID]Conn
	connsMu    sync.RWMutex
	watchers   []chan<- Conn
	watchersMu sync.RWMutex
	eventCh    chan Conn
}

// NewConnID returns a fresh session id
func NewConnID() ConnID {
	return ConnID(uuid.New().String())
}

func (m *connManager) Get(ctx context.Context, ctrl types.ControllerID) (Conn, error) {
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()
	conn, ok := m.conns[ctrl]
	if !ok {
		return nil, errors.NewUnavailable("no driver session for controller '%s'", ctrl)
	}
	return conn, nil
}

func (m *connManager) List(ctx context.Context) ([]Conn, error) {
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()
	conns := make([]Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	return conns, nil
}

func (m *connManager) Connect(ctx context.Context, ctrl types.ControllerID, endpoint string) (Conn, error) {
	m.connsMu.Lock()
	if conn, ok := m.conns[ctrl]; ok {
		m.connsMu.Unlock()
		return nil, errors.NewAlreadyExists("driver session %s already exists for controller '%s'", conn.ID(), ctrl)
	}
	m.connsMu.Unlock()

	var conn Conn
	dial := func() error {
		var err error
		conn, err = m.driver.Connect(ctx, ctrl, endpoint)
		if err != nil {
			log.Warnf("Failed to connect driver to controller '%s': %s", ctrl, err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(dial, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return nil, errors.NewUnavailable("controller '%s' unreachable: %s", ctrl, err)
	}

	log.Infof("Adding driver session %s for controller '%s'", conn.ID(), ctrl)
	m.connsMu.Lock()
	m.conns[ctrl] = conn
	m.connsMu.Unlock()
	metrics.DriverSessions.Inc()
	m.eventCh <- conn
	return conn, nil
}

func (m *connManager) Disconnect(ctx context.Context, ctrl types.ControllerID) error {
	m.connsMu.Lock()
	conn, ok := m.conns[ctrl]
	if !ok {
		m.connsMu.Unlock()
		return errors.NewNotFound("no driver session for controller '%s'", ctrl)
	}
	delete(m.conns, ctrl)
	m.connsMu.Unlock()

	log.Infof("Closing driver session %s for controller '%s'", conn.ID(), ctrl)
	metrics.DriverSessions.Dec()
	err := conn.Close()
	m.eventCh <- conn
	return err
}

func (m *connManager) Watch(ctx context.Context, ch chan<- Conn) error {
	m.watchersMu.Lock()
	m.watchers = append(m.watchers, ch)
	m.watchersMu.Unlock()

	go func() {
		<-ctx.Done()
		m.watchersMu.Lock()
		watchers := make([]chan<- Conn, 0, len(m.watchers))
		for _, watcher := range m.watchers {
			if watcher != ch {
				watchers = append(watchers, watcher)
			}
		}
		m.watchers = watchers
		m.watchersMu.Unlock()
	}()
	return nil
}

func (m *connManager) processEvents() {
	for conn := range m.eventCh {
		m.watchersMu.RLock()
		for _, watcher := range m.watchers {
			watcher <- conn
		}
		m.watchersMu.RUnlock()
	}
}

var _ ConnManager = &connManager{}
