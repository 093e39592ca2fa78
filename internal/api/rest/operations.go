package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenDeviceCore/internal/storage"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GET /api/v1/operations?kind=&device=&failed=&limit=
func (s *Server) listOperations(c *gin.Context) {
	journal := s.lm.Journal()
	if journal == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("JOURNAL_503", "Operation journal not available", nil))
		return
	}

	filter := storage.ListFilter{
		Kind:         c.Query("kind"),
		DeviceSerial: c.Query("device"),
	}
	if v := c.Query("failed"); v != "" {
		failed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("JOURNAL_400", "Invalid failed filter", err.Error()))
			return
		}
		filter.FailedOnly = failed
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("JOURNAL_400", "Invalid limit", v))
			return
		}
		filter.Limit = limit
	}

	records, err := journal.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("JOURNAL_500", "Failed to list operations", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"operations": records,
		"count":      len(records),
	})
}

// GET /api/v1/operations/:id
func (s *Server) getOperation(c *gin.Context) {
	journal := s.lm.Journal()
	if journal == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("JOURNAL_503", "Operation journal not available", nil))
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("JOURNAL_400", "Invalid operation id", err.Error()))
		return
	}

	rec, err := journal.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.NewErrorResponse("JOURNAL_404", "Operation not found", id.String()))
			return
		}
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("JOURNAL_500", "Failed to get operation", err.Error()))
		return
	}

	c.JSON(http.StatusOK, rec)
}
