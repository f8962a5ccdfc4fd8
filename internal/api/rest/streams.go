package rest

import (
	"net/http"

	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StartStreamRequest starts a session on one source. Zero config fields take
// the server's streaming defaults.
type StartStreamRequest struct {
	Source string        `json:"source" binding:"required,oneof=analog digital"`
	Config stream.Config `json:"config"`
}

func (s *Server) streamDefaults(cfg stream.Config) stream.Config {
	def := s.lm.Config().Streaming
	if cfg.SamplesPerFrame == 0 {
		cfg.SamplesPerFrame = def.SamplesPerFrame
	}
	if cfg.MaxFrameRate == 0 {
		cfg.MaxFrameRate = def.MaxFrameRate
	}
	if cfg.SubscriberDepth == 0 {
		cfg.SubscriberDepth = def.SubscriberDepth
	}
	cfg.Archive = cfg.Archive || def.Archive
	return cfg
}

func (s *Server) session(c *gin.Context) (*stream.Session, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid stream id", err)
		return nil, false
	}
	sess, ok := s.lm.Streams().Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("NOT_FOUND", "stream not found", nil))
		return nil, false
	}
	return sess, true
}

// GET /api/v1/streams
func (s *Server) listStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": s.lm.Streams().List()})
}

// POST /api/v1/streams
func (s *Server) startStream(c *gin.Context) {
	var req StartStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	if req.Config.SamplesPerFrame < 0 || req.Config.MaxFrameRate < 0 || req.Config.SubscriberDepth < 0 {
		badRequest(c, "stream config values must not be negative", nil)
		return
	}
	if req.Config.SamplesPerFrame > maxSamples {
		badRequest(c, "too many samples per frame", nil)
		return
	}
	src := stream.Source(req.Source)
	if s.busy(c, src) {
		return
	}
	sess, err := s.lm.Streams().Start(c.Request.Context(), src, s.streamDefaults(req.Config))
	if err != nil {
		respondError(c, err)
		return
	}
	s.logger.Info("Stream started", zap.String("session_id", sess.ID().String()), zap.String("source", req.Source))
	c.JSON(http.StatusCreated, sess.Info())
}

// GET /api/v1/streams/:id
func (s *Server) getStream(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

// POST /api/v1/streams/:id/stop
func (s *Server) stopStream(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := sess.Stop(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

// DELETE /api/v1/streams/:id forgets an ended session.
func (s *Server) deleteStream(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if sess.Running() {
		c.JSON(http.StatusConflict, types.NewErrorResponse("STREAM_RUNNING", "stop the stream before deleting it", nil))
		return
	}
	if err := s.lm.Streams().Remove(sess.ID()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
