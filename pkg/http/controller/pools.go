package controller

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kromosynth/dispatcher/pkg/dto"
	"github.com/kromosynth/dispatcher/pkg/pool"
	"go.uber.org/zap"
)

// Pools reports the state of every slot of every pool
func Pools(m *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, dto.PoolsResponse{Pools: m.Status()})
	}
}

// Restart recycles one slot of a pool, or all of its ready slots
func Restart(m *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		s, err := m.Supervisor(name)
		if err != nil {
			c.JSON(http.StatusNotFound, dto.RestartResponse{Message: err.Error()})
			return
		}
		request := dto.RestartRequest{}
		// an empty body restarts the whole pool
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
				c.JSON(http.StatusBadRequest, dto.RestartResponse{Message: err.Error()})
				return
			}
		}
		if request.Slot == nil {
			zap.S().Infow("manual pool restart", "pool", name)
			s.Recycle(pool.ReasonManual)
			c.JSON(http.StatusAccepted, dto.RestartResponse{Success: true, Message: "ok"})
			return
		}
		if err := s.Restart(*request.Slot, pool.ReasonManual); err != nil {
			c.JSON(http.StatusNotFound, dto.RestartResponse{Message: err.Error()})
			return
		}
		zap.S().Infow("manual slot restart", "pool", name, "slot", *request.Slot)
		c.JSON(http.StatusAccepted, dto.RestartResponse{Success: true, Message: "ok"})
	}
}
