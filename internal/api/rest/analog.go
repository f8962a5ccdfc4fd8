package rest

import (
	"context"
	"net/http"

	"github.com/analogdevicesinc/libm2k-sub001/internal/analog"
	"github.com/analogdevicesinc/libm2k-sub001/internal/correction"
	"github.com/analogdevicesinc/libm2k-sub001/internal/storage"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/gin-gonic/gin"
)

// maxSamples bounds a single request acquisition or push.
const maxSamples = 1 << 20

type InputChannel struct {
	Channel        int     `json:"channel"`
	Enabled        bool    `json:"enabled"`
	Range          string  `json:"range"`
	VerticalOffset float64 `json:"vertical_offset"`
	ScalingFactor  float64 `json:"scaling_factor"`
}

type ConfigureInputRequest struct {
	SampleRate        *float64 `json:"sample_rate"`
	OversamplingRatio *int     `json:"oversampling_ratio"`
	KernelBuffers     *int     `json:"kernel_buffers"`
}

type ConfigureInputChannelRequest struct {
	Enabled        *bool    `json:"enabled"`
	Range          *string  `json:"range"`
	VerticalOffset *float64 `json:"vertical_offset"`
}

type AcquireRequest struct {
	Samples int    `json:"samples" binding:"required,min=1"`
	Raw     bool   `json:"raw"`
	Save    bool   `json:"save"`
	Note    string `json:"note"`
}

type OutputChannel struct {
	Channel           int     `json:"channel"`
	Enabled           bool    `json:"enabled"`
	SampleRate        float64 `json:"sample_rate"`
	OversamplingRatio int     `json:"oversampling_ratio"`
	Cyclic            bool    `json:"cyclic"`
}

type ConfigureOutputChannelRequest struct {
	Enabled           *bool    `json:"enabled"`
	SampleRate        *float64 `json:"sample_rate"`
	OversamplingRatio *int     `json:"oversampling_ratio"`
	Cyclic            *bool    `json:"cyclic"`
}

type PushAnalogRequest struct {
	// Channel selects one output; without it Samples holds one slice per
	// output and both start together.
	Channel *int        `json:"channel"`
	Samples [][]float64 `json:"samples" binding:"required,min=1"`
	Cyclic  bool        `json:"cyclic"`
}

func (s *Server) analogIn() *analog.In   { return s.lm.Instrument().AnalogIn() }
func (s *Server) analogOut() *analog.Out { return s.lm.Instrument().AnalogOut() }

// GET /api/v1/analog-in
func (s *Server) getAnalogIn(c *gin.Context) {
	ctx := c.Request.Context()
	in := s.analogIn()
	rate, err := in.SampleRate(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	osr, err := in.OversamplingRatio(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	channels := make([]InputChannel, 0, analog.NumInputs)
	for ch := 0; ch < analog.NumInputs; ch++ {
		view, err := s.inputChannel(ctx, ch)
		if err != nil {
			respondError(c, err)
			return
		}
		channels = append(channels, view)
	}
	rates := in.AvailableSampleRates()
	ranges := make([]string, 0, 2)
	for _, r := range in.AvailableRanges() {
		ranges = append(ranges, r.String())
	}
	c.JSON(http.StatusOK, gin.H{
		"sample_rate":        rate,
		"oversampling_ratio": osr,
		"available_rates":    rates,
		"available_ranges":   ranges,
		"channels":           channels,
	})
}

func (s *Server) inputChannel(ctx context.Context, ch int) (InputChannel, error) {
	in := s.analogIn()
	enabled, err := in.IsChannelEnabled(ctx, ch)
	if err != nil {
		return InputChannel{}, err
	}
	r, err := in.Range(ch)
	if err != nil {
		return InputChannel{}, err
	}
	offset, err := in.VerticalOffset(ch)
	if err != nil {
		return InputChannel{}, err
	}
	scale, err := in.ScalingFactor(ch)
	if err != nil {
		return InputChannel{}, err
	}
	return InputChannel{Channel: ch, Enabled: enabled, Range: r.String(), VerticalOffset: offset, ScalingFactor: scale}, nil
}

// PUT /api/v1/analog-in
func (s *Server) configureAnalogIn(c *gin.Context) {
	var req ConfigureInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	ctx := c.Request.Context()
	in := s.analogIn()
	if req.KernelBuffers != nil {
		if err := in.SetKernelBuffersCount(*req.KernelBuffers); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.OversamplingRatio != nil {
		if _, err := in.SetOversamplingRatio(ctx, *req.OversamplingRatio); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.SampleRate != nil {
		if _, err := in.SetSampleRate(ctx, *req.SampleRate); err != nil {
			respondError(c, err)
			return
		}
	}
	s.getAnalogIn(c)
}

// PUT /api/v1/analog-in/channels/:ch
func (s *Server) configureAnalogInChannel(c *gin.Context) {
	ch, ok := intParam(c, "ch", analog.NumInputs)
	if !ok {
		return
	}
	var req ConfigureInputChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	ctx := c.Request.Context()
	in := s.analogIn()
	if req.Enabled != nil {
		if err := in.EnableChannel(ctx, ch, *req.Enabled); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Range != nil {
		r, err := correction.ParseRange(*req.Range)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := in.SetRange(ctx, ch, r); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.VerticalOffset != nil {
		if err := in.SetVerticalOffset(ctx, ch, *req.VerticalOffset); err != nil {
			respondError(c, err)
			return
		}
	}
	view, err := s.inputChannel(ctx, ch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GET /api/v1/analog-in/voltage
func (s *Server) getVoltages(c *gin.Context) {
	volts, err := s.analogIn().GetVoltages(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voltages": volts})
}

// POST /api/v1/analog-in/acquire
func (s *Server) acquireAnalog(c *gin.Context) {
	var req AcquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	if req.Samples > maxSamples {
		badRequest(c, "too many samples", nil)
		return
	}
	if s.busy(c, stream.SourceAnalog) {
		return
	}
	ctx := c.Request.Context()
	in := s.analogIn()
	rate, err := in.SampleRate(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	if req.Raw {
		raw, err := in.GetSamplesRaw(ctx, req.Samples)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sample_rate": rate, "raw": raw})
		return
	}

	volts, err := in.GetSamples(ctx, req.Samples)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"sample_rate": rate, "analog": volts}
	if req.Save {
		capture := &storage.Capture{Source: string(stream.SourceAnalog), SampleRate: rate, Analog: volts, Note: req.Note}
		if err := s.lm.Storage().SaveCapture(ctx, capture); err != nil {
			respondError(c, err)
			return
		}
		resp["capture_id"] = capture.ID
	}
	c.JSON(http.StatusOK, resp)
}

// busy rejects a request acquisition while a stream session owns src.
func (s *Server) busy(c *gin.Context, src stream.Source) bool {
	if sess, ok := s.lm.Streams().Active(src); ok {
		c.JSON(http.StatusConflict, types.NewErrorResponse("SOURCE_BUSY", "source is streaming", gin.H{"session_id": sess.ID()}))
		return true
	}
	return false
}

// GET /api/v1/analog-out
func (s *Server) getAnalogOut(c *gin.Context) {
	ctx := c.Request.Context()
	channels := make([]OutputChannel, 0, analog.NumOutputs)
	for ch := 0; ch < analog.NumOutputs; ch++ {
		view, err := s.outputChannel(ctx, ch)
		if err != nil {
			respondError(c, err)
			return
		}
		channels = append(channels, view)
	}
	c.JSON(http.StatusOK, gin.H{
		"available_rates": s.analogOut().AvailableSampleRates(),
		"max_sample_rate": s.analogOut().MaximumSampleRate(),
		"channels":        channels,
	})
}

func (s *Server) outputChannel(ctx context.Context, ch int) (OutputChannel, error) {
	out := s.analogOut()
	enabled, err := out.IsChannelEnabled(ctx, ch)
	if err != nil {
		return OutputChannel{}, err
	}
	rate, err := out.SampleRate(ctx, ch)
	if err != nil {
		return OutputChannel{}, err
	}
	osr, err := out.OversamplingRatio(ctx, ch)
	if err != nil {
		return OutputChannel{}, err
	}
	cyclic, err := out.Cyclic(ch)
	if err != nil {
		return OutputChannel{}, err
	}
	return OutputChannel{Channel: ch, Enabled: enabled, SampleRate: rate, OversamplingRatio: osr, Cyclic: cyclic}, nil
}

// PUT /api/v1/analog-out/channels/:ch
func (s *Server) configureAnalogOutChannel(c *gin.Context) {
	ch, ok := intParam(c, "ch", analog.NumOutputs)
	if !ok {
		return
	}
	var req ConfigureOutputChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	ctx := c.Request.Context()
	out := s.analogOut()
	if req.Enabled != nil {
		if err := out.EnableChannel(ctx, ch, *req.Enabled); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.SampleRate != nil {
		if _, err := out.SetSampleRate(ctx, ch, *req.SampleRate); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.OversamplingRatio != nil {
		if _, err := out.SetOversamplingRatio(ctx, ch, *req.OversamplingRatio); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Cyclic != nil {
		if err := out.SetCyclic(ch, *req.Cyclic); err != nil {
			respondError(c, err)
			return
		}
	}
	view, err := s.outputChannel(ctx, ch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// PUT /api/v1/analog-out/channels/:ch/voltage
func (s *Server) setOutputVoltage(c *gin.Context) {
	ch, ok := intParam(c, "ch", analog.NumOutputs)
	if !ok {
		return
	}
	var req struct {
		Volts *float64 `json:"volts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	if err := s.analogOut().SetVoltage(c.Request.Context(), ch, *req.Volts); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch, "volts": *req.Volts})
}

// POST /api/v1/analog-out/push
func (s *Server) pushAnalog(c *gin.Context) {
	var req PushAnalogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	for _, d := range req.Samples {
		if len(d) > maxSamples {
			badRequest(c, "too many samples", nil)
			return
		}
	}
	ctx := c.Request.Context()
	out := s.analogOut()

	if req.Channel != nil {
		ch := *req.Channel
		if err := out.SetCyclic(ch, req.Cyclic); err != nil {
			respondError(c, err)
			return
		}
		if err := out.Push(ctx, ch, req.Samples[0]); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"channels": []int{ch}, "samples": len(req.Samples[0]), "cyclic": req.Cyclic})
		return
	}

	if err := out.SetCyclic(analog.AllChannels, req.Cyclic); err != nil {
		respondError(c, err)
		return
	}
	if err := out.PushMulti(ctx, req.Samples); err != nil {
		respondError(c, err)
		return
	}
	chans := make([]int, 0, len(req.Samples))
	for ch, d := range req.Samples {
		if len(d) > 0 {
			chans = append(chans, ch)
		}
	}
	c.JSON(http.StatusOK, gin.H{"channels": chans, "cyclic": req.Cyclic})
}

// POST /api/v1/analog-out/stop
func (s *Server) stopAnalogOut(c *gin.Context) {
	if err := s.analogOut().Stop(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "outputs stopped"})
}
