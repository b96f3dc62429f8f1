// Package controller serves the HTTP API.
package controller

import (
	"io"
	"net/http"
	"strings"

	"tci/internal/execution"
	"tci/internal/service"
	"tci/internal/session"
	appErr "tci/pkg/errors"
	"tci/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Controller wires the service to gin handlers.
type Controller struct {
	svc *service.Service
}

// New builds the controller.
func New(svc *service.Service) *Controller {
	return &Controller{svc: svc}
}

// RegisterRoutes mounts the API under /api/v1.
func (ctl *Controller) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.POST("/sessions", ctl.CreateSession)
		v1.GET("/sessions/:id", ctl.GetSession)
		v1.DELETE("/sessions/:id", ctl.CloseSession)
		v1.POST("/sessions/:id/executions", ctl.Execute)
		v1.GET("/sessions/:id/executions", ctl.ListExecutions)
		v1.GET("/executions/:id", ctl.GetExecution)
		v1.GET("/sessions/:id/files", ctl.ListFiles)
		v1.PUT("/sessions/:id/files/*path", ctl.UploadFile)
		v1.GET("/sessions/:id/files/*path", ctl.DownloadFile)
		v1.GET("/status", ctl.Status)
	}
}

// CreateSession handles POST /sessions.
func (ctl *Controller) CreateSession(c *gin.Context) {
	var req session.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	meta, err := ctl.svc.CreateSession(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, meta)
}

// GetSession handles GET /sessions/:id.
func (ctl *Controller) GetSession(c *gin.Context) {
	meta, err := ctl.svc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, meta)
}

// CloseSession handles DELETE /sessions/:id.
func (ctl *Controller) CloseSession(c *gin.Context) {
	if err := ctl.svc.CloseSession(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"closed": true})
}

// Execute handles POST /sessions/:id/executions.
func (ctl *Controller) Execute(c *gin.Context) {
	var req execution.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Code == "" {
		response.Error(c, appErr.New(appErr.RequiredFieldEmpty).WithDetail("field", "code"))
		return
	}
	rec, err := ctl.svc.Execute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}

// ListExecutions handles GET /sessions/:id/executions.
func (ctl *Controller) ListExecutions(c *gin.Context) {
	ids, err := ctl.svc.ListExecutions(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"executions": ids})
}

// GetExecution handles GET /executions/:id.
func (ctl *Controller) GetExecution(c *gin.Context) {
	rec, err := ctl.svc.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}

// ListFiles handles GET /sessions/:id/files.
func (ctl *Controller) ListFiles(c *gin.Context) {
	paths, err := ctl.svc.ListFiles(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"files": paths})
}

// UploadFile handles PUT /sessions/:id/files/*path with a raw body.
func (ctl *Controller) UploadFile(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.BadRequest(c, "failed to read request body")
		return
	}
	if err := ctl.svc.UploadFile(c.Request.Context(), c.Param("id"), path, data); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"path": path, "size": len(data)})
}

// DownloadFile handles GET /sessions/:id/files/*path.
func (ctl *Controller) DownloadFile(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	data, err := ctl.svc.DownloadFile(c.Request.Context(), c.Param("id"), path)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// Status handles GET /status.
func (ctl *Controller) Status(c *gin.Context) {
	response.Success(c, ctl.svc.Status())
}
