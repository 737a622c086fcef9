// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package policingmap stores the consumer rows of the policing-map tables:
// one main row per consuming network object and, for span-capable consumers,
// one controller row per (consumer, controller, domain).
package policingmap

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/onosproject/onos-lib-go/pkg/errors"
	"github.com/onosproject/onos-lib-go/pkg/logging"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openvtn/vtn-config/pkg/store/db"
	"github.com/openvtn/vtn-config/pkg/types"
)

var log = logging.GetLogger("store", "policingmap")

// Scope addresses one snapshot of the policing-map tables. Owner is set only
// for AUDIT scopes, which are private to one controller.
type Scope struct {
	Datatype types.Datatype
	Owner    types.ControllerID
}

// Candidate is the staging scope
var Candidate = Scope{Datatype: types.Candidate}

// Running is the authoritative scope
var Running = Scope{Datatype: types.Running}

// ImportScope is the import/merge staging scope
var ImportScope = Scope{Datatype: types.Import}

// AuditScope returns the private audit scope of a controller
func AuditScope(ctrl types.ControllerID) Scope {
	return Scope{Datatype: types.Audit, Owner: ctrl}
}

// Store is the policing-map row store
type Store interface {
	// Get gets a main row
	Get(ctx context.Context, scope Scope, key types.MapKey) (*types.PolicingMap, error)

	// Create inserts a main row
	Create(ctx context.Context, scope Scope, row *types.PolicingMap) error

	// Update replaces a main row
	Update(ctx context.Context, scope Scope, row *types.PolicingMap) error

	// Delete removes a main row
	Delete(ctx context.Context, scope Scope, key types.MapKey) error

	// List lists the scope's main rows in key order
	List(ctx context.Context, scope Scope) ([]*types.PolicingMap, error)

	// ListVTN lists the scope's main rows under one VTN, the VTN-level row
	// included
	ListVTN(ctx context.Context, scope Scope, vtn string) ([]*types.PolicingMap, error)

	// Siblings lists rows following the given key among consumers of the same
	// keytype, up to limit (0 means no limit)
	Siblings(ctx context.Context, scope Scope, key types.MapKey, limit int) ([]*types.PolicingMap, error)

	// SiblingCount counts the rows Siblings would return without a limit
	SiblingCount(ctx context.Context, scope Scope, key types.MapKey) (int64, error)

	// GetCtrl gets a controller row
	GetCtrl(ctx context.Context, scope Scope, vtn string, ctrl types.ControllerID, domain types.DomainID) (*types.PolicingMapCtrl, error)

	// PutCtrl inserts or replaces a controller row
	PutCtrl(ctx context.Context, scope Scope, row *types.PolicingMapCtrl) error

	// DeleteCtrl removes a controller row
	DeleteCtrl(ctx context.Context, scope Scope, vtn string, ctrl types.ControllerID, domain types.DomainID) error

	// ListCtrl lists a VTN's controller rows; an empty vtn lists the scope
	ListCtrl(ctx context.Context, scope Scope, vtn string) ([]*types.PolicingMapCtrl, error)

	// DiffMain computes the main-table difference of next against prior for
	// one operation class
	DiffMain(ctx context.Context, next, prior Scope, op types.Operation) (*Diff, error)

	// DiffCtrl computes the controller-table difference of next against prior
	// for one operation class
	DiffCtrl(ctx context.Context, next, prior Scope, op types.Operation) (*CtrlDiff, error)

	// Watch subscribes to main-row change notifications
	Watch(ctx context.Context, ch chan<- types.MapEvent) error
}

// NewStore creates a gorm-backed policing-map store
func NewStore(gdb *gorm.DB) Store {
	return &store{
		db:       gdb,
		watchers: make(map[uuid.UUID]chan<- types.MapEvent),
	}
}

type store struct {
	db       *gorm.DB
	watchers map[uuid.UUID]chan<- types.MapEvent
	mu       sync.RWMutex
}

func (s *store) scoped(ctx context.Context, scope Scope) *gorm.DB {
	return s.db.WithContext(ctx).Where("datatype = ? AND owner = ?", scope.Datatype, scope.Owner)
}

func (s *store) Get(ctx context.Context, scope Scope, key types.MapKey) (*types.PolicingMap, error) {
	var row types.PolicingMap
	err := s.scoped(ctx, scope).
		Where("vtn = ? AND v_bridge = ? AND v_interface = ?", key.VTN, key.VBridge, key.VInterface).
		First(&row).Error
	if err != nil {
		return nil, db.FromGorm(err)
	}
	return &row, nil
}

func (s *store) Create(ctx context.Context, scope Scope, row *types.PolicingMap) error {
	if row.VTN == "" {
		return errors.NewInvalid("no VTN name specified")
	}
	row.Datatype = scope.Datatype
	row.Owner = scope.Owner
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return db.FromGorm(err)
	}
	s.publish(types.MapEvent{Type: types.MapEventCreated, Datatype: scope.Datatype, Map: *row})
	return nil
}

func (s *store) Update(ctx context.Context, scope Scope, row *types.PolicingMap) error {
	row.Datatype = scope.Datatype
	row.Owner = scope.Owner
	// Save would treat the composite key's empty string columns as a missing
	// primary key and insert; update through an explicit key match instead.
	err := s.scoped(ctx, scope).
		Model(&types.PolicingMap{}).
		Where("vtn = ? AND v_bridge = ? AND v_interface = ?", row.VTN, row.VBridge, row.VInterface).
		Select("*").Updates(row).Error
	if err != nil {
		return db.FromGorm(err)
	}
	s.publish(types.MapEvent{Type: types.MapEventUpdated, Datatype: scope.Datatype, Map: *row})
	return nil
}

func (s *store) Delete(ctx context.Context, scope Scope, key types.MapKey) error {
	row, err := s.Get(ctx, scope, key)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(row).Error; err != nil {
		return db.FromGorm(err)
	}
	s.publish(types.MapEvent{Type: types.MapEventDeleted, Datatype: scope.Datatype, Map: *row})
	return nil
}

func (s *store) List(ctx context.Context, scope Scope) ([]*types.PolicingMap, error) {
	var rows []*types.PolicingMap
	err := s.scoped(ctx, scope).
		Order("vtn, v_bridge, v_interface").
		Find(&rows).Error
	if err != nil {
		return nil, db.FromGorm(err)
	}
	return rows, nil
}

func (s *store) ListVTN(ctx context.Context, scope Scope, vtn string) ([]*types.PolicingMap, error) {
	var rows []*types.PolicingMap
	err := s.scoped(ctx, scope).
		Where("vtn = ?", vtn).
		Order("v_bridge, v_interface").
		Find(&rows).Error
	if err != nil {
		return nil, db.FromGorm(err)
	}
	return rows, nil
}

func (s *store) siblingQuery(ctx context.Context, scope Scope, key types.MapKey) *gorm.DB {
	q := s.scoped(ctx, scope)
	if key.Keytype() == types.KeytypeVTNPolicingMap {
		return q.Where("v_bridge = '' AND vtn > ?", key.VTN)
	}
	return q.Where("vtn = ? AND v_bridge = ? AND v_interface > ?", key.VTN, key.VBridge, key.VInterface)
}

func (s *store) Siblings(ctx context.Context, scope Scope, key types.MapKey, limit int) ([]*types.PolicingMap, error) {
	var rows []*types.PolicingMap
	q := s.siblingQuery(ctx, scope, key).Order("vtn, v_bridge, v_interface")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, db.FromGorm(err)
	}
	return rows, nil
}

func (s *store) SiblingCount(ctx context.Context, scope Scope, key types.MapKey) (int64, error) {
	var count int64
	err := s.siblingQuery(ctx, scope, key).
		Model(&types.PolicingMap{}).
		Count(&count).Error
	if err != nil {
		return 0, db.FromGorm(err)
	}
	return count, nil
}

func (s *store) GetCtrl(ctx context.Context, scope Scope, vtn string, ctrl types.ControllerID, domain types.DomainID) (*types.PolicingMapCtrl, error) {
	var row types.PolicingMapCtrl
	err := s.scoped(ctx, scope).
		Where("vtn = ? AND controller_id = ? AND domain_id = ?", vtn, ctrl, domain).
		First(&row).Error
	if err != nil {
		return nil, db.FromGorm(err)
	}
	return &row, nil
}

func (s *store) PutCtrl(ctx context.Context, scope Scope, row *types.PolicingMapCtrl) error {
	row.Datatype = scope.Datatype
	row.Owner = scope.Owner
	return db.FromGorm(s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(row).Error)
}

func (s *store) DeleteCtrl(ctx context.Context, scope Scope, vtn string, ctrl types.ControllerID, domain types.DomainID) error {
	return db.FromGorm(s.scoped(ctx, scope).
		Where("vtn = ? AND controller_id = ? AND domain_id = ?", vtn, ctrl, domain).
		Delete(&types.PolicingMapCtrl{}).Error)
}

func (s *store) ListCtrl(ctx context.Context, scope Scope, vtn string) ([]*types.PolicingMapCtrl, error) {
	q := s.scoped(ctx, scope)
	if vtn != "" {
		q = q.Where("vtn = ?", vtn)
	}
	var rows []*types.PolicingMapCtrl
	if err := q.Order("vtn, controller_id, domain_id").Find(&rows).Error; err != nil {
		return nil, db.FromGorm(err)
	}
	return rows, nil
}

func (s *store) Watch(ctx context.Context, ch chan<- types.MapEvent) error {
	id := uuid.New()
	eventCh := make(chan types.MapEvent, 16)
	s.mu.Lock()
	s.watchers[id] = eventCh
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		}()
		for {
			select {
			case event := <-eventCh:
				ch <- event
			case <-ctx.Done():
				close(ch)
				return
			}
		}
	}()
	return nil
}

func (s *store) publish(event types.MapEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.watchers {
		select {
		case ch <- event:
		default:
			log.Warnf("Dropping %s event for %s: watcher not keeping up", event.Type, event.Map.Key())
		}
	}
}

var _ Store = &store{}
