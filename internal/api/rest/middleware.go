package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/calibration"
	"github.com/analogdevicesinc/libm2k-sub001/internal/metrics"
	"github.com/analogdevicesinc/libm2k-sub001/internal/storage"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LoggerMiddleware logs one line per request.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("Request failed", fields...)
		case c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics":
			logger.Debug("Request", fields...)
		default:
			logger.Info("Request", fields...)
		}
	}
}

// MetricsMiddleware counts requests by route template, never by raw path.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// respondError maps err onto the status of its kind and writes the error
// envelope.
func respondError(c *gin.Context, err error) {
	status := types.KindOf(err).HTTPStatus()
	code := types.KindOf(err).String()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, storage.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, calibration.ErrCanceled):
		status, code = http.StatusConflict, "CALIBRATION_CANCELED"
	}
	_ = c.Error(err)
	c.JSON(status, types.NewErrorResponse(code, err.Error(), nil))
}

func badRequest(c *gin.Context, message string, err error) {
	var details any
	if err != nil {
		details = err.Error()
	}
	c.JSON(http.StatusBadRequest, types.NewErrorResponse("BAD_REQUEST", message, details))
}

// intParam parses a numeric path parameter and checks it against [0, n).
func intParam(c *gin.Context, name string, n int) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v < 0 || v >= n {
		badRequest(c, "invalid "+name, nil)
		return 0, false
	}
	return v, true
}
