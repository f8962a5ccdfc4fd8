package rest

import (
	"context"
	"net/http"

	"github.com/analogdevicesinc/libm2k-sub001/internal/digital"
	"github.com/analogdevicesinc/libm2k-sub001/internal/storage"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"github.com/gin-gonic/gin"
)

type DigitalLine struct {
	Line       int                `json:"line"`
	Direction  digital.Direction  `json:"direction"`
	Value      bool               `json:"value"`
	OutputMode digital.OutputMode `json:"output_mode"`
	Enabled    bool               `json:"enabled"`
}

type ConfigureDigitalRequest struct {
	SampleRateIn  *float64 `json:"sample_rate_in"`
	SampleRateOut *float64 `json:"sample_rate_out"`
	DirectionMask *uint16  `json:"direction_mask"`
}

type ConfigureLineRequest struct {
	Direction  *digital.Direction  `json:"direction"`
	Value      *bool               `json:"value"`
	OutputMode *digital.OutputMode `json:"output_mode"`
	Enabled    *bool               `json:"enabled"`
}

type PushDigitalRequest struct {
	Samples []uint16 `json:"samples" binding:"required,min=1"`
	Cyclic  bool     `json:"cyclic"`
}

// GET /api/v1/digital
func (s *Server) getDigital(c *gin.Context) {
	ctx := c.Request.Context()
	dig := s.lm.Instrument().Digital()
	rateIn, err := dig.SampleRateIn(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	rateOut, err := dig.SampleRateOut(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	lines := make([]DigitalLine, 0, digital.NumLines)
	for line := 0; line < digital.NumLines; line++ {
		view, err := s.digitalLine(ctx, line)
		if err != nil {
			respondError(c, err)
			return
		}
		lines = append(lines, view)
	}
	c.JSON(http.StatusOK, gin.H{
		"sample_rate_in":  rateIn,
		"sample_rate_out": rateOut,
		"cyclic":          dig.Cyclic(),
		"lines":           lines,
	})
}

func (s *Server) digitalLine(ctx context.Context, line int) (DigitalLine, error) {
	dig := s.lm.Instrument().Digital()
	dir, err := dig.Direction(ctx, line)
	if err != nil {
		return DigitalLine{}, err
	}
	value, err := dig.ValueRaw(ctx, line)
	if err != nil {
		return DigitalLine{}, err
	}
	mode, err := dig.OutputMode(ctx, line)
	if err != nil {
		return DigitalLine{}, err
	}
	enabled, err := dig.IsChannelEnabled(ctx, line)
	if err != nil {
		return DigitalLine{}, err
	}
	return DigitalLine{Line: line, Direction: dir, Value: value, OutputMode: mode, Enabled: enabled}, nil
}

// PUT /api/v1/digital
func (s *Server) configureDigital(c *gin.Context) {
	var req ConfigureDigitalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	ctx := c.Request.Context()
	dig := s.lm.Instrument().Digital()
	if req.SampleRateIn != nil {
		if _, err := dig.SetSampleRateIn(ctx, *req.SampleRateIn); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.SampleRateOut != nil {
		if _, err := dig.SetSampleRateOut(ctx, *req.SampleRateOut); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.DirectionMask != nil {
		if err := dig.SetDirectionMask(ctx, *req.DirectionMask); err != nil {
			respondError(c, err)
			return
		}
	}
	s.getDigital(c)
}

// PUT /api/v1/digital/lines/:line
func (s *Server) configureLine(c *gin.Context) {
	line, ok := intParam(c, "line", digital.NumLines)
	if !ok {
		return
	}
	var req ConfigureLineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	ctx := c.Request.Context()
	dig := s.lm.Instrument().Digital()
	if req.Direction != nil {
		if err := dig.SetDirection(ctx, line, *req.Direction); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.OutputMode != nil {
		if err := dig.SetOutputMode(ctx, line, *req.OutputMode); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Enabled != nil {
		if err := dig.EnableChannel(ctx, line, *req.Enabled); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Value != nil {
		if err := dig.SetValueRaw(ctx, line, *req.Value); err != nil {
			respondError(c, err)
			return
		}
	}
	view, err := s.digitalLine(ctx, line)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// POST /api/v1/digital/acquire
func (s *Server) acquireDigital(c *gin.Context) {
	var req AcquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	if req.Samples > maxSamples {
		badRequest(c, "too many samples", nil)
		return
	}
	if s.busy(c, stream.SourceDigital) {
		return
	}
	ctx := c.Request.Context()
	dig := s.lm.Instrument().Digital()
	rate, err := dig.SampleRateIn(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	words, err := dig.GetSamples(ctx, req.Samples)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"sample_rate": rate, "digital": words}
	if req.Save {
		capture := &storage.Capture{Source: string(stream.SourceDigital), SampleRate: rate, Digital: words, Note: req.Note}
		if err := s.lm.Storage().SaveCapture(ctx, capture); err != nil {
			respondError(c, err)
			return
		}
		resp["capture_id"] = capture.ID
	}
	c.JSON(http.StatusOK, resp)
}

// POST /api/v1/digital/push
func (s *Server) pushDigital(c *gin.Context) {
	var req PushDigitalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	if len(req.Samples) > maxSamples {
		badRequest(c, "too many samples", nil)
		return
	}
	dig := s.lm.Instrument().Digital()
	dig.SetCyclic(req.Cyclic)
	if err := dig.Push(c.Request.Context(), req.Samples); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": len(req.Samples), "cyclic": req.Cyclic})
}

// POST /api/v1/digital/stop
func (s *Server) stopDigitalOut(c *gin.Context) {
	if err := s.lm.Instrument().Digital().StopBufferOut(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "pattern generator stopped"})
}
