package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus(c.Request.Context()))
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"message": "shutdown initiated"})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.lm.Config().Server.ShutdownTimeout)
		defer cancel()
		if err := s.lm.Shutdown(ctx); err != nil {
			s.logger.Error("Shutdown failed", zap.Error(err))
		}
	}()
}

// GET /api/v1/context
func (s *Server) getContext(c *gin.Context) {
	inst := s.lm.Instrument()
	c.JSON(http.StatusOK, gin.H{
		"info":    inst.Info(),
		"has_led": inst.HasLed(),
		"trigger": gin.H{
			"variant":                inst.Trigger().Variant(),
			"sources":                inst.Trigger().AvailableSources(),
			"external_trigger_in":    inst.Trigger().HasExternalTriggerIn(),
			"external_trigger_out":   inst.Trigger().HasExternalTriggerOut(),
			"cross_instrument_route": inst.Trigger().HasCrossInstrumentTrigger(),
		},
	})
}

// POST /api/v1/context/reset
func (s *Server) resetContext(c *gin.Context) {
	if err := s.lm.Instrument().Reset(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "instrument reset"})
}

// PUT /api/v1/context/timeout
func (s *Server) setTimeout(c *gin.Context) {
	var req struct {
		TimeoutMs *int64 `json:"timeout_ms" binding:"required,min=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	d := time.Duration(*req.TimeoutMs) * time.Millisecond
	if err := s.lm.Instrument().SetTimeout(c.Request.Context(), d); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeout_ms": *req.TimeoutMs})
}

// GET /api/v1/context/led
func (s *Server) getLed(c *gin.Context) {
	on, err := s.lm.Instrument().Led(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"on": on, "supported": s.lm.Instrument().HasLed()})
}

// PUT /api/v1/context/led
func (s *Server) setLed(c *gin.Context) {
	var req struct {
		On *bool `json:"on" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	if err := s.lm.Instrument().SetLed(c.Request.Context(), *req.On); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"on": *req.On})
}

// POST /api/v1/context/led/blink
func (s *Server) blinkLed(c *gin.Context) {
	var req struct {
		DurationMs int64 `json:"duration_ms" binding:"omitempty,min=0,max=10000"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body", err)
		return
	}
	if req.DurationMs == 0 {
		req.DurationMs = 1000
	}
	if err := s.lm.Instrument().BlinkLed(c.Request.Context(), time.Duration(req.DurationMs)*time.Millisecond); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
