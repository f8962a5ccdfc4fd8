package rest

import (
	"context"
	"net/http"

	"github.com/analogdevicesinc/libm2k-sub001/internal/powersupply"
	"github.com/analogdevicesinc/libm2k-sub001/internal/trigger"
	"github.com/gin-gonic/gin"
)

type DigitalTrigger struct {
	Mode       trigger.DigitalMode        `json:"mode"`
	Delay      int                        `json:"delay"`
	Source     trigger.DigitalSource      `json:"source,omitempty"`
	Conditions []trigger.DigitalCondition `json:"conditions"`
}

// GeneratorStart is the event a generator waits for before it starts.
type GeneratorStart struct {
	Source    trigger.OutSource        `json:"source"`
	Condition trigger.DigitalCondition `json:"condition"`
}

type TriggerView struct {
	Variant    string            `json:"variant"`
	State      trigger.State     `json:"state"`
	Sources    []trigger.Source  `json:"sources"`
	OutSelect  trigger.OutSelect `json:"out_select,omitempty"`
	AnalogOut  *GeneratorStart   `json:"analog_out,omitempty"`
	DigitalOut *GeneratorStart   `json:"digital_out,omitempty"`
	Analog     *trigger.Settings `json:"analog"`
	Digital    DigitalTrigger    `json:"digital"`
}

// ConfigureDigitalTriggerRequest changes the logic analyzer trigger. Lines
// maps a line number to its condition.
type ConfigureDigitalTriggerRequest struct {
	Mode       *trigger.DigitalMode             `json:"mode"`
	Delay      *int                             `json:"delay"`
	Source     *trigger.DigitalSource           `json:"source"`
	OutSelect  *trigger.OutSelect               `json:"out_select"`
	AnalogOut  *GeneratorStart                  `json:"analog_out"`
	DigitalOut *GeneratorStart                  `json:"digital_out"`
	Lines      map[int]trigger.DigitalCondition `json:"lines"`
}

func (s *Server) triggerView(ctx context.Context) (*TriggerView, error) {
	t := s.lm.Instrument().Trigger()
	v := &TriggerView{Variant: t.Variant(), Sources: t.AvailableSources()}
	var err error
	if v.State, err = t.State(ctx); err != nil {
		return nil, err
	}
	if v.Analog, err = t.CurrentSettings(ctx); err != nil {
		return nil, err
	}
	if v.Digital.Mode, err = t.DigitalMode(ctx); err != nil {
		return nil, err
	}
	if v.Digital.Delay, err = t.DigitalDelay(ctx); err != nil {
		return nil, err
	}
	if t.HasExternalTriggerIn() {
		if v.Digital.Source, err = t.DigitalSource(ctx); err != nil {
			return nil, err
		}
	}
	if t.HasExternalTriggerOut() {
		if v.OutSelect, err = t.AnalogExternalOutSelect(ctx); err != nil {
			return nil, err
		}
	}
	if t.HasGeneratorStartRouting() {
		if v.AnalogOut, err = generatorStart(ctx, t.AnalogOutSource, t.AnalogOutCondition); err != nil {
			return nil, err
		}
		if v.DigitalOut, err = generatorStart(ctx, t.DigitalOutSource, t.DigitalOutCondition); err != nil {
			return nil, err
		}
	}
	v.Digital.Conditions = make([]trigger.DigitalCondition, trigger.NumDigitalChannels)
	for line := range v.Digital.Conditions {
		if v.Digital.Conditions[line], err = t.DigitalCondition(ctx, line); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func generatorStart(ctx context.Context,
	source func(context.Context) (trigger.OutSource, error),
	condition func(context.Context) (trigger.DigitalCondition, error),
) (*GeneratorStart, error) {
	var g GeneratorStart
	var err error
	if g.Source, err = source(ctx); err != nil {
		return nil, err
	}
	if g.Condition, err = condition(ctx); err != nil {
		return nil, err
	}
	return &g, nil
}

// GET /api/v1/trigger
func (s *Server) getTrigger(c *gin.Context) {
	v, err := s.triggerView(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// PUT /api/v1/trigger takes a complete analog trigger snapshot, as returned
// in the analog field of GET.
func (s *Server) applyTrigger(c *gin.Context) {
	var req trigger.Settings
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	ctx := c.Request.Context()
	if err := s.lm.Instrument().Trigger().ApplySettings(ctx, &req); err != nil {
		respondError(c, err)
		return
	}
	s.getTrigger(c)
}

// PUT /api/v1/trigger/digital
func (s *Server) configureDigitalTrigger(c *gin.Context) {
	var req ConfigureDigitalTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	ctx := c.Request.Context()
	t := s.lm.Instrument().Trigger()
	if req.Mode != nil {
		if err := t.SetDigitalMode(ctx, *req.Mode); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Delay != nil {
		if err := t.SetDigitalDelay(ctx, *req.Delay); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Source != nil {
		if err := t.SetDigitalSource(ctx, *req.Source); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.OutSelect != nil {
		if err := t.SetAnalogExternalOutSelect(ctx, *req.OutSelect); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.AnalogOut != nil {
		if err := setGeneratorStart(ctx, *req.AnalogOut, t.SetAnalogOutSource, t.SetAnalogOutCondition); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.DigitalOut != nil {
		if err := setGeneratorStart(ctx, *req.DigitalOut, t.SetDigitalOutSource, t.SetDigitalOutCondition); err != nil {
			respondError(c, err)
			return
		}
	}
	for line, cond := range req.Lines {
		if err := t.SetDigitalCondition(ctx, line, cond); err != nil {
			respondError(c, err)
			return
		}
	}
	s.getTrigger(c)
}

func setGeneratorStart(ctx context.Context, g GeneratorStart,
	source func(context.Context, trigger.OutSource) error,
	condition func(context.Context, trigger.DigitalCondition) error,
) error {
	if err := source(ctx, g.Source); err != nil {
		return err
	}
	return condition(ctx, g.Condition)
}

type Rail struct {
	Rail         int                      `json:"rail"`
	Enabled      bool                     `json:"enabled"`
	Volts        float64                  `json:"volts"`
	Coefficients powersupply.Coefficients `json:"coefficients"`
}

// GET /api/v1/power
func (s *Server) getPower(c *gin.Context) {
	rails := make([]Rail, 0, 2)
	for _, ch := range []int{powersupply.Positive, powersupply.Negative} {
		r, err := s.rail(c.Request.Context(), ch)
		if err != nil {
			respondError(c, err)
			return
		}
		rails = append(rails, r)
	}
	c.JSON(http.StatusOK, gin.H{"rails": rails})
}

func (s *Server) rail(ctx context.Context, ch int) (Rail, error) {
	supply := s.lm.Instrument().PowerSupply()
	enabled, err := supply.Enabled(ch)
	if err != nil {
		return Rail{}, err
	}
	volts, err := supply.ReadChannel(ctx, ch)
	if err != nil {
		return Rail{}, err
	}
	coef, err := supply.Coefficients(ch)
	if err != nil {
		return Rail{}, err
	}
	return Rail{Rail: ch, Enabled: enabled, Volts: volts, Coefficients: coef}, nil
}

// PUT /api/v1/power/rails/:rail
func (s *Server) configureRail(c *gin.Context) {
	ch, ok := intParam(c, "rail", 2)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool    `json:"enabled"`
		Volts   *float64 `json:"volts"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	ctx := c.Request.Context()
	supply := s.lm.Instrument().PowerSupply()
	if req.Volts != nil {
		if err := supply.PushChannel(ctx, ch, *req.Volts); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Enabled != nil {
		if err := supply.Enable(ctx, ch, *req.Enabled); err != nil {
			respondError(c, err)
			return
		}
	}
	r, err := s.rail(ctx, ch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}
