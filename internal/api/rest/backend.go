package rest

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenDeviceCore/internal/backend"
	"github.com/KevinKickass/OpenDeviceCore/internal/display"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/gin-gonic/gin"
)

// maxFrameSize bounds a mirrored screen frame upload.
const maxFrameSize = 64 * 1024

type PathRequest struct {
	Path string `json:"path" binding:"required"`
}

type InstallFUSRequest struct {
	Path string `json:"path" binding:"required"`
	// Flash address, decimal or 0x-prefixed hex.
	Address string `json:"address" binding:"required"`
}

// backendError maps coordinator errors onto HTTP. Rejections keep the
// backend mode; the client should re-read the status.
func backendError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, backend.ErrRejected):
		c.JSON(http.StatusConflict, types.NewErrorResponse("BACKEND_409", message, err.Error()))
	case errors.Is(err, display.ErrNotRunning), errors.Is(err, display.ErrActive):
		c.JSON(http.StatusConflict, types.NewErrorResponse("SCREEN_409", message, err.Error()))
	case types.KindOf(err) == types.ErrorPrecondition:
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("BACKEND_400", message, err.Error()))
	case types.KindOf(err) == types.ErrorDeviceUnavailable, types.KindOf(err) == types.ErrorDeviceDisconnected:
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("BACKEND_503", message, err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("BACKEND_500", message, err.Error()))
	}
}

func (s *Server) accepted(c *gin.Context, action backend.Action) {
	c.JSON(http.StatusAccepted, gin.H{
		"action": action,
		"status": s.lm.Backend().Status(),
	})
}

// GET /api/v1/backend/status
func (s *Server) getBackendStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Backend().Status())
}

// GET /api/v1/backend/records
func (s *Server) listDeviceRecords(c *gin.Context) {
	records := s.lm.Backend().Records()
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// POST /api/v1/backend/main-action
func (s *Server) mainAction(c *gin.Context) {
	err := s.lm.Backend().MainAction()
	if errors.Is(err, backend.ErrUpToDate) {
		c.JSON(http.StatusOK, gin.H{
			"action":  backend.ActionMain,
			"started": false,
			"message": err.Error(),
		})
		return
	}
	if err != nil {
		backendError(c, "Main action rejected", err)
		return
	}
	s.accepted(c, backend.ActionMain)
}

func (s *Server) pathAction(c *gin.Context, action backend.Action, run func(string) error) {
	var req PathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("BACKEND_400", "Invalid request body", err.Error()))
		return
	}
	if err := run(req.Path); err != nil {
		backendError(c, "Failed to "+string(action), err)
		return
	}
	s.accepted(c, action)
}

// POST /api/v1/backend/backup
func (s *Server) createBackup(c *gin.Context) {
	s.pathAction(c, backend.ActionCreateBackup, s.lm.Backend().CreateBackup)
}

// POST /api/v1/backend/restore
func (s *Server) restoreBackup(c *gin.Context) {
	s.pathAction(c, backend.ActionRestoreBackup, s.lm.Backend().RestoreBackup)
}

// POST /api/v1/backend/install/firmware
func (s *Server) installFirmware(c *gin.Context) {
	s.pathAction(c, backend.ActionInstallFirmware, s.lm.Backend().InstallFirmware)
}

// POST /api/v1/backend/install/wireless-stack
func (s *Server) installWirelessStack(c *gin.Context) {
	s.pathAction(c, backend.ActionInstallWirelessStack, s.lm.Backend().InstallWirelessStack)
}

// POST /api/v1/backend/install/fus
func (s *Server) installFUS(c *gin.Context) {
	var req InstallFUSRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("BACKEND_400", "Invalid request body", err.Error()))
		return
	}

	address, err := strconv.ParseUint(req.Address, 0, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("BACKEND_400", "Invalid address", err.Error()))
		return
	}

	if err := s.lm.Backend().InstallFUS(req.Path, uint32(address)); err != nil {
		backendError(c, "Failed to install FUS", err)
		return
	}
	s.accepted(c, backend.ActionInstallFUS)
}

// POST /api/v1/backend/factory-reset
func (s *Server) factoryReset(c *gin.Context) {
	if err := s.lm.Backend().FactoryReset(); err != nil {
		backendError(c, "Factory reset rejected", err)
		return
	}
	s.accepted(c, backend.ActionFactoryReset)
}

// POST /api/v1/backend/storage/refresh
func (s *Server) refreshStorage(c *gin.Context) {
	if err := s.lm.Backend().RefreshStorageInfo(); err != nil {
		backendError(c, "Storage refresh rejected", err)
		return
	}
	s.accepted(c, backend.ActionRefreshStorage)
}

// POST /api/v1/backend/updates/check
func (s *Server) checkUpdates(c *gin.Context) {
	if err := s.lm.Backend().CheckFirmwareUpdates(); err != nil {
		backendError(c, "Update check rejected", err)
		return
	}
	s.accepted(c, backend.ActionCheckUpdates)
}

// POST /api/v1/backend/finalize
func (s *Server) finalizeOperation(c *gin.Context) {
	if err := s.lm.Backend().FinalizeOperation(); err != nil {
		backendError(c, "Nothing to finalize", err)
		return
	}
	c.JSON(http.StatusOK, s.lm.Backend().Status())
}

// POST /api/v1/backend/cancel
func (s *Server) cancelOperation(c *gin.Context) {
	if err := s.lm.Backend().CancelOperation(); err != nil {
		backendError(c, "Nothing to cancel", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
}

// POST /api/v1/backend/screen/start
func (s *Server) startScreenStreaming(c *gin.Context) {
	if err := s.lm.Backend().StartFullScreenStreaming(c.Request.Context()); err != nil {
		backendError(c, "Failed to start screen streaming", err)
		return
	}
	s.accepted(c, backend.ActionStartStreaming)
}

// POST /api/v1/backend/screen/stop
func (s *Server) stopScreenStreaming(c *gin.Context) {
	if err := s.lm.Backend().StopFullScreenStreaming(c.Request.Context()); err != nil {
		backendError(c, "Failed to stop screen streaming", err)
		return
	}
	s.accepted(c, backend.ActionStopStreaming)
}

// POST /api/v1/backend/screen/frame (raw body)
func (s *Server) sendFrame(c *gin.Context) {
	frame, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SCREEN_400", "Failed to read frame", err.Error()))
		return
	}
	if len(frame) == 0 || len(frame) > maxFrameSize {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SCREEN_400", "Invalid frame size",
			gin.H{"size": len(frame), "max": maxFrameSize}))
		return
	}

	if err := s.lm.Backend().SendFrame(c.Request.Context(), frame); err != nil {
		backendError(c, "Failed to send frame", err)
		return
	}
	c.Status(http.StatusNoContent)
}
