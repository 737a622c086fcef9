// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package northbound exposes the policing-map CRUD, commit, audit and
// import/merge operations over REST.
package northbound

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/onosproject/onos-lib-go/pkg/errors"
	"github.com/onosproject/onos-lib-go/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openvtn/vtn-config/pkg/policingmap"
	"github.com/openvtn/vtn-config/pkg/registry"
	mapstore "github.com/openvtn/vtn-config/pkg/store/policingmap"
	"github.com/openvtn/vtn-config/pkg/sync"
	"github.com/openvtn/vtn-config/pkg/types"
)

var log = logging.GetLogger("northbound")

// Server is the REST northbound service
type Server struct {
	managers *registry.Registry
	engine   *sync.Engine
	merger   *policingmap.Merger
	port     int
	router   *gin.Engine
	httpSrv  *http.Server
}

// NewServer creates the northbound service
func NewServer(managers *registry.Registry, engine *sync.Engine, merger *policingmap.Merger, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		managers: managers,
		engine:   engine,
		merger:   merger,
		port:     port,
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.router.Group("/v1")
	v1.GET("/policing-maps", s.keytypes)
	v1.POST("/policing-maps/:keytype", s.create)
	v1.PUT("/policing-maps/:keytype", s.update)
	v1.DELETE("/policing-maps/:keytype", s.delete)
	v1.GET("/policing-maps/:keytype", s.read)
	v1.GET("/policing-maps/:keytype/siblings", s.readSiblings)
	v1.GET("/policing-maps/:keytype/siblings/count", s.readSiblingCount)
	v1.POST("/commit", s.commit)
	v1.POST("/audit/:controller", s.audit)
	v1.POST("/import/validate", s.importValidate)
	v1.POST("/import/merge", s.importMerge)
	v1.POST("/import/renames", s.importRename)
	v1.DELETE("/import/renames", s.importRenameDelete)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start serves the REST API until Stop is called
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	log.Infof("Northbound REST service listening on %s", s.httpSrv.Addr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Northbound service failed: %s", err)
		}
	}()
	return nil
}

// Stop shuts the REST service down
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// mapRequest is the CRUD request body
type mapRequest struct {
	Key        types.MapKey     `json:"key"`
	Policer    types.PolicerRef `json:"policer"`
	VTNMode    bool             `json:"vtnMode,omitempty"`
	PortMapSet bool             `json:"portMapSet,omitempty"`
}

func (s *Server) manager(c *gin.Context) (policingmap.Manager, bool) {
	mgr, err := s.managers.Get(types.Keytype(c.Param("keytype")))
	if err != nil {
		abort(c, err)
		return nil, false
	}
	return mgr, true
}

func scopeOf(c *gin.Context) (mapstore.Scope, error) {
	switch dt := c.DefaultQuery("datatype", string(types.Candidate)); types.Datatype(dt) {
	case types.Candidate:
		return mapstore.Candidate, nil
	case types.Running:
		return mapstore.Running, nil
	case types.Import:
		return mapstore.ImportScope, nil
	default:
		return mapstore.Scope{}, errors.NewInvalid("datatype '%s' not addressable", dt)
	}
}

func keyOf(c *gin.Context) types.MapKey {
	return types.MapKey{
		VTN:        c.Query("vtn"),
		VBridge:    c.Query("vbridge"),
		VInterface: c.Query("vinterface"),
	}
}

func (s *Server) create(c *gin.Context) {
	mgr, ok := s.manager(c)
	if !ok {
		return
	}
	scope, err := scopeOf(c)
	if err != nil {
		abort(c, err)
		return
	}
	var req mapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.NewInvalid("malformed request body: %s", err))
		return
	}
	opts := policingmap.Options{VTNMode: req.VTNMode, PortMapSet: req.PortMapSet}
	if err := mgr.Create(c.Request.Context(), scope, req.Key, req.Policer, opts); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) update(c *gin.Context) {
	mgr, ok := s.manager(c)
	if !ok {
		return
	}
	scope, err := scopeOf(c)
	if err != nil {
		abort(c, err)
		return
	}
	var req mapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.NewInvalid("malformed request body: %s", err))
		return
	}
	opts := policingmap.Options{VTNMode: req.VTNMode, PortMapSet: req.PortMapSet}
	if err := mgr.Update(c.Request.Context(), scope, req.Key, req.Policer, opts); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) delete(c *gin.Context) {
	mgr, ok := s.manager(c)
	if !ok {
		return
	}
	scope, err := scopeOf(c)
	if err != nil {
		abort(c, err)
		return
	}
	if err := mgr.Delete(c.Request.Context(), scope, keyOf(c)); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) read(c *gin.Context) {
	mgr, ok := s.manager(c)
	if !ok {
		return
	}
	scope, err := scopeOf(c)
	if err != nil {
		abort(c, err)
		return
	}
	detail := c.Query("detail") == "true"
	result, err := mgr.Read(c.Request.Context(), scope, keyOf(c), detail)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) readSiblings(c *gin.Context) {
	mgr, ok := s.manager(c)
	if !ok {
		return
	}
	scope, err := scopeOf(c)
	if err != nil {
		abort(c, err)
		return
	}
	limit := 0
	if _, err := fmt.Sscanf(c.DefaultQuery("limit", "0"), "%d", &limit); err != nil || limit < 0 {
		abort(c, errors.NewInvalid("limit must be a non-negative integer"))
		return
	}
	results, err := mgr.ReadSiblings(c.Request.Context(), scope, keyOf(c), limit)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) readSiblingCount(c *gin.Context) {
	mgr, ok := s.manager(c)
	if !ok {
		return
	}
	scope, err := scopeOf(c)
	if err != nil {
		abort(c, err)
		return
	}
	count, err := mgr.ReadSiblingCount(c.Request.Context(), scope, keyOf(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (s *Server) commit(c *gin.Context) {
	result, err := s.engine.Commit(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) audit(c *gin.Context) {
	ctrl := types.ControllerID(c.Param("controller"))
	result, err := s.engine.AuditController(c.Request.Context(), ctrl)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) importValidate(c *gin.Context) {
	if err := s.merger.Validate(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) importMerge(c *gin.Context) {
	if err := s.merger.Merge(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) keytypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keytypes": s.managers.Keytypes()})
}

// renameRequest records a controller-local name reported with an import
type renameRequest struct {
	Keytype    types.Keytype      `json:"keytype"`
	Name       string             `json:"name"`
	Controller types.ControllerID `json:"controller"`
	LocalName  string             `json:"localName"`
}

func (s *Server) importRename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.NewInvalid("malformed request body: %s", err))
		return
	}
	entry := &types.RenameEntry{
		Keytype:      req.Keytype,
		Name:         req.Name,
		ControllerID: req.Controller,
		LocalName:    req.LocalName,
	}
	if err := s.merger.RecordRename(c.Request.Context(), entry); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) importRenameDelete(c *gin.Context) {
	keytype := types.Keytype(c.Query("keytype"))
	name := c.Query("name")
	ctrl := types.ControllerID(c.Query("controller"))
	if keytype == "" || name == "" || ctrl == "" {
		abort(c, errors.NewInvalid("keytype, name and controller are required"))
		return
	}
	if err := s.merger.EraseRename(c.Request.Context(), keytype, name, ctrl); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// abort maps the error taxonomy onto HTTP status codes
func abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsInvalid(err):
		status = http.StatusBadRequest
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsAlreadyExists(err), errors.IsConflict(err):
		status = http.StatusConflict
	case errors.IsForbidden(err):
		status = http.StatusForbidden
	case errors.IsNotSupported(err):
		status = http.StatusUnprocessableEntity
	case errors.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
