package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}

// GET /api/v1/system/ports
func (s *Server) listPorts(c *gin.Context) {
	ports, err := s.lm.Ports()
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("SYSTEM_500", "Failed to enumerate serial ports", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ports": ports,
		"count": len(ports),
	})
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// The request context ends with this handler.
	timeout := s.lm.Config().Server.ShutdownTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
		defer cancel()
		if err := s.lm.Shutdown(ctx); err != nil {
			s.logger.Error("Shutdown failed", zap.Error(err))
		}
	}()
}
