package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowrite/flowrite/internal/agent/supervisor"
	apperrors "github.com/flowrite/flowrite/internal/common/errors"
)

// writeError maps application errors onto HTTP responses, preserving the
// error code so clients can branch on it.
func (s *Server) writeError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"code":  apperrors.Code(err),
	})
}

func (s *Server) httpListCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.manager.Catalog()})
}

type connectRequest struct {
	Name    string   `json:"name,omitempty"`
	Command []string `json:"command,omitempty"`
	Env     []string `json:"env,omitempty"`
}

func (s *Server) httpConnect(c *gin.Context) {
	var body connectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ctx := c.Request.Context()
	if body.Name != "" {
		info, err := s.manager.ConnectNamed(ctx, body.Name)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
		return
	}
	if len(body.Command) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "either name or command is required"})
		return
	}
	info, err := s.manager.Connect(ctx, supervisor.LaunchSpec{
		Command:   body.Command,
		Env:       body.Env,
		Transport: supervisor.TransportStdio,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) httpGetInfo(c *gin.Context) {
	info, err := s.manager.GetInfo(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) httpDisconnect(c *gin.Context) {
	if err := s.manager.Disconnect(c.Param("agentId")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

type newSessionRequest struct {
	Cwd string `json:"cwd"`
}

func (s *Server) httpNewSession(c *gin.Context) {
	var body newSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Cwd == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cwd is required"})
		return
	}
	info, err := s.manager.NewSession(c.Request.Context(), c.Param("agentId"), body.Cwd)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) httpCancel(c *gin.Context) {
	err := s.manager.Cancel(c.Request.Context(), c.Param("agentId"), c.Param("sessionId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type setModeRequest struct {
	ModeID string `json:"mode_id"`
}

func (s *Server) httpSetMode(c *gin.Context) {
	var body setModeRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.ModeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode_id is required"})
		return
	}
	err := s.manager.SetMode(c.Request.Context(), c.Param("agentId"), c.Param("sessionId"), body.ModeID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type setModelRequest struct {
	ModelID string `json:"model_id"`
}

func (s *Server) httpSetModel(c *gin.Context) {
	var body setModelRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.ModelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model_id is required"})
		return
	}
	err := s.manager.SetModel(c.Request.Context(), c.Param("agentId"), c.Param("sessionId"), body.ModelID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type respondPermissionRequest struct {
	OptionID string `json:"option_id"`
}

func (s *Server) httpRespondPermission(c *gin.Context) {
	var body respondPermissionRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.OptionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "option_id is required"})
		return
	}
	err := s.manager.RespondPermission(c.Request.Context(), c.Param("agentId"), c.Param("requestId"), body.OptionID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) httpListEvents(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusOK, gin.H{"events": []any{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := s.journal.ListRecent(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": records})
}
