package rest

import (
	"net/http"
	"strconv"

	"github.com/analogdevicesinc/libm2k-sub001/internal/calibration"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/gin-gonic/gin"
)

type RunCalibrationRequest struct {
	Target string `json:"target" binding:"required,oneof=adc dac all"`
}

// SetCoefficientsRequest overrides the coefficients of one channel; absent
// fields are left alone.
type SetCoefficientsRequest struct {
	Channel   int      `json:"channel" binding:"min=0,max=1"`
	ADCOffset *int     `json:"adc_offset"`
	ADCGain   *float64 `json:"adc_gain"`
	DACOffset *int     `json:"dac_offset"`
	DACVlsb   *float64 `json:"dac_vlsb"`
}

func (s *Server) calibration() *calibration.Calibration {
	return s.lm.Instrument().Calibration()
}

// GET /api/v1/calibration
func (s *Server) getCalibration(c *gin.Context) {
	c.JSON(http.StatusOK, s.calibration().Status())
}

// POST /api/v1/calibration/run blocks until the run ends. Closing the
// request cancels it.
func (s *Server) runCalibration(c *gin.Context) {
	var req RunCalibrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	cal := s.calibration()
	if cal.Status().Running {
		c.JSON(http.StatusConflict, types.NewErrorResponse("CALIBRATION_RUNNING", "a calibration is already running", nil))
		return
	}

	ctx := c.Request.Context()
	var err error
	switch req.Target {
	case "adc":
		err = cal.CalibrateADC(ctx)
	case "dac":
		err = cal.CalibrateDAC(ctx)
	default:
		err = cal.CalibrateAll(ctx)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cal.Status())
}

// POST /api/v1/calibration/cancel
func (s *Server) cancelCalibration(c *gin.Context) {
	s.calibration().Cancel()
	c.JSON(http.StatusAccepted, gin.H{"message": "cancel requested"})
}

// POST /api/v1/calibration/reset
func (s *Server) resetCalibration(c *gin.Context) {
	if err := s.calibration().ResetCalibration(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.calibration().Status())
}

// PUT /api/v1/calibration/coefficients
func (s *Server) setCoefficients(c *gin.Context) {
	var req SetCoefficientsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	ctx := c.Request.Context()
	cal := s.calibration()
	ch := req.Channel

	var err error
	if req.ADCOffset != nil && err == nil {
		err = cal.SetAdcOffset(ctx, ch, *req.ADCOffset)
	}
	if req.ADCGain != nil && err == nil {
		err = cal.SetAdcGain(ctx, ch, *req.ADCGain)
	}
	if req.DACOffset != nil && err == nil {
		err = cal.SetDacOffset(ctx, ch, *req.DACOffset)
	}
	if req.DACVlsb != nil && err == nil {
		err = cal.SetDacVlsb(ctx, ch, *req.DACVlsb)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cal.Coefficients())
}

// GET /api/v1/calibration/runs
func (s *Server) listCalibrationRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		badRequest(c, "invalid limit", err)
		return
	}
	runs, err := s.lm.Storage().ListCalibrationRuns(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
