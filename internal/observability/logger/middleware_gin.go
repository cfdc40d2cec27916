package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/storeforge/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestIDHeader = "X-Request-Id"

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug           bool
	ErrorClassifier func(err error) (errorType string, errorCode string)
}

// GinMiddleware attaches a request id and store id to the request context and
// writes one entry per request. Realtime streams get an extra entry when the
// subscription opens.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDFrom(c)
		c.Set("request_id", requestID)
		c.Header(requestIDHeader, requestID)

		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		if storeID := strings.TrimSpace(c.Param("store_id")); storeID != "" {
			ctx = obscontext.WithStoreID(ctx, storeID)
		}
		c.Request = c.Request.WithContext(ctx)

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		log := FromContext(ctx)
		stream := isStream(route)
		if stream {
			log.Debug("http_stream_open", zap.String("route", route))
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		for _, param := range []string{"provider", "template_id"} {
			if v := c.Param(param); v != "" {
				fields = append(fields, zap.String(param, v))
			}
		}

		var errorType string
		if last := c.Errors.Last(); last != nil && cfg.ErrorClassifier != nil {
			var errorCode string
			errorType, errorCode = cfg.ErrorClassifier(last.Err)
			fields = append(fields, zap.String("error_type", errorType), zap.String("error_code", errorCode))
			if cfg.Debug && status >= http.StatusInternalServerError {
				fields = append(fields, zap.Error(last.Err))
			}
		}

		msg := "http_request"
		if stream {
			msg = "http_stream_closed"
		}
		if ce := log.Check(requestLevel(route, status, errorType), msg); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestIDFrom(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(requestIDHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetString("request_id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func requestLevel(route string, status int, errorType string) zapcore.Level {
	switch {
	case route == "/health" || route == "/metrics":
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case errorType == "invalid_signature" && strings.HasPrefix(route, "/webhooks/"):
		return zapcore.WarnLevel
	case status == http.StatusConflict || status == http.StatusTooManyRequests || status == http.StatusUnauthorized:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func isStream(route string) bool {
	return strings.HasSuffix(route, "/events") || strings.HasSuffix(route, "/ws")
}
