// Package rest is the HTTP API of the instrument service.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/api/websocket"
	"github.com/analogdevicesinc/libm2k-sub001/internal/auth"
	"github.com/analogdevicesinc/libm2k-sub001/internal/config"
	"github.com/analogdevicesinc/libm2k-sub001/internal/interfaces"
	"github.com/analogdevicesinc/libm2k-sub001/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.Service
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.Service) *Server {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	// No WriteTimeout: acquisitions and calibration runs may take longer
	// than any fixed bound, the instrument timeout limits them instead.
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the server on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Starting REST API server", zap.String("address", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rest server failed: %w", err)
	}
	return nil
}

func (s *Server) Addr() string {
	return s.server.Addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(MetricsMiddleware())
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/api/v1")

	// ==================== AUTH ====================
	authPublic := v1.Group("/auth")
	{
		authPublic.POST("/login", s.login)
		authPublic.POST("/refresh", s.refreshToken)
	}

	// WebSocket authenticates through its first message or ?access_token
	v1.GET("/ws/live", s.wsLiveConnection)

	api := v1.Group("", s.authService.Middleware())

	authProtected := api.Group("/auth")
	{
		authProtected.POST("/logout", s.logout)
		authProtected.GET("/me", s.getCurrentUser)
	}

	// ==================== API TOKENS / USERS (ADMIN) ====================
	tokens := api.Group("/tokens", auth.RequirePermission(auth.PermAdmin))
	{
		tokens.POST("", s.createAPIToken)
		tokens.GET("", s.listAPITokens)
		tokens.DELETE("/:id", s.deleteAPIToken)
	}

	users := api.Group("/users", auth.RequirePermission(auth.PermAdmin))
	{
		users.POST("", s.createUser)
		users.GET("", s.listUsers)
		users.DELETE("/:id", s.deleteUser)
	}

	// ==================== SYSTEM ====================
	system := api.Group("/system")
	{
		system.GET("/status", auth.RequirePermission(auth.PermOperator), s.getSystemStatus)
		system.POST("/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)
	}
	api.GET("/ws/status", auth.RequirePermission(auth.PermOperator), s.wsStatus)

	// ==================== CONTEXT ====================
	ctxGroup := api.Group("/context")
	{
		ctxGroup.GET("", auth.RequirePermission(auth.PermOperator), s.getContext)
		ctxGroup.GET("/led", auth.RequirePermission(auth.PermOperator), s.getLed)
		ctxGroup.PUT("/led", auth.RequirePermission(auth.PermTechnician), s.setLed)
		ctxGroup.POST("/led/blink", auth.RequirePermission(auth.PermOperator), s.blinkLed)
		ctxGroup.PUT("/timeout", auth.RequirePermission(auth.PermTechnician), s.setTimeout)
		ctxGroup.POST("/reset", auth.RequirePermission(auth.PermAdmin), s.resetContext)
	}

	// ==================== ANALOG IN (OPERATOR+) ====================
	ain := api.Group("/analog-in", auth.RequirePermission(auth.PermOperator))
	{
		ain.GET("", s.getAnalogIn)
		ain.PUT("", s.configureAnalogIn)
		ain.PUT("/channels/:ch", s.configureAnalogInChannel)
		ain.GET("/voltage", s.getVoltages)
		ain.POST("/acquire", s.acquireAnalog)
	}

	// ==================== ANALOG OUT ====================
	aout := api.Group("/analog-out")
	{
		aout.GET("", auth.RequirePermission(auth.PermOperator), s.getAnalogOut)
		aout.PUT("/channels/:ch", auth.RequirePermission(auth.PermTechnician), s.configureAnalogOutChannel)
		aout.PUT("/channels/:ch/voltage", auth.RequirePermission(auth.PermTechnician), s.setOutputVoltage)
		aout.POST("/push", auth.RequirePermission(auth.PermTechnician), s.pushAnalog)
		aout.POST("/stop", auth.RequirePermission(auth.PermTechnician), s.stopAnalogOut)
	}

	// ==================== DIGITAL ====================
	dig := api.Group("/digital")
	{
		dig.GET("", auth.RequirePermission(auth.PermOperator), s.getDigital)
		dig.PUT("", auth.RequirePermission(auth.PermOperator), s.configureDigital)
		dig.POST("/acquire", auth.RequirePermission(auth.PermOperator), s.acquireDigital)
		dig.PUT("/lines/:line", auth.RequirePermission(auth.PermTechnician), s.configureLine)
		dig.POST("/push", auth.RequirePermission(auth.PermTechnician), s.pushDigital)
		dig.POST("/stop", auth.RequirePermission(auth.PermTechnician), s.stopDigitalOut)
	}

	// ==================== TRIGGER ====================
	trig := api.Group("/trigger")
	{
		trig.GET("", auth.RequirePermission(auth.PermOperator), s.getTrigger)
		trig.PUT("", auth.RequirePermission(auth.PermTechnician), s.applyTrigger)
		trig.PUT("/digital", auth.RequirePermission(auth.PermTechnician), s.configureDigitalTrigger)
	}

	// ==================== POWER SUPPLY ====================
	power := api.Group("/power")
	{
		power.GET("", auth.RequirePermission(auth.PermOperator), s.getPower)
		power.PUT("/rails/:rail", auth.RequirePermission(auth.PermTechnician), s.configureRail)
	}

	// ==================== CALIBRATION ====================
	cal := api.Group("/calibration")
	{
		cal.GET("", auth.RequirePermission(auth.PermOperator), s.getCalibration)
		cal.GET("/runs", auth.RequirePermission(auth.PermOperator), s.listCalibrationRuns)
		cal.POST("/run", auth.RequirePermission(auth.PermTechnician), s.runCalibration)
		cal.POST("/cancel", auth.RequirePermission(auth.PermTechnician), s.cancelCalibration)
		cal.POST("/reset", auth.RequirePermission(auth.PermTechnician), s.resetCalibration)
		cal.PUT("/coefficients", auth.RequirePermission(auth.PermTechnician), s.setCoefficients)
	}

	// ==================== CAPTURES ====================
	captures := api.Group("/captures")
	{
		captures.GET("", auth.RequirePermission(auth.PermOperator), s.listCaptures)
		captures.GET("/:id", auth.RequirePermission(auth.PermOperator), s.getCapture)
		captures.GET("/:id/csv", auth.RequirePermission(auth.PermOperator), s.exportCaptureCSV)
		captures.DELETE("/:id", auth.RequirePermission(auth.PermTechnician), s.deleteCapture)
	}

	// ==================== STREAMS (OPERATOR+) ====================
	streams := api.Group("/streams", auth.RequirePermission(auth.PermOperator))
	{
		streams.GET("", s.listStreams)
		streams.POST("", s.startStream)
		streams.GET("/:id", s.getStream)
		streams.POST("/:id/stop", s.stopStream)
		streams.DELETE("/:id", s.deleteStream)
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.ClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
