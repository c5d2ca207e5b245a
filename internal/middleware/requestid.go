package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/metrics"
	"github.com/lalith-99/retailcore/internal/observ"
)

const (
	HeaderRequestID  = "X-Request-ID"
	HeaderTenantID   = "X-Tenant-ID"
	HeaderTenantCode = "X-Tenant-Code"

	ContextKeyRequestID = "request_id"
)

// RequestID assigns every request a correlation id (the client's
// X-Request-ID if it sent a sane one) and attaches a logger carrying it to
// the request context.
func RequestID(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, id)
		c.Header(HeaderRequestID, id)

		reqLogger := logger.With(zap.String("request_id", id))
		c.Request = c.Request.WithContext(observ.WithLogger(c.Request.Context(), reqLogger))
		c.Next()
	}
}

func GetRequestID(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}

// AccessLog writes one line per request with the request-scoped logger.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		observ.FromContext(c.Request.Context()).Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

// Metrics records request counts and latencies by route template, not raw
// path, so ids do not explode label cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// CORS allows the storefront origins to call the API with tenant headers.
// An empty list disables cross-origin access.
func CORS(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "If-None-Match", HeaderRequestID, HeaderTenantID, HeaderTenantCode},
		ExposeHeaders:    []string{HeaderRequestID, "ETag"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// Abort ends the request with the status and public message for err. The
// full error is logged with the request id; clients never see it.
func Abort(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	log := observ.FromContext(c.Request.Context())
	switch {
	case status >= 500:
		log.Error("request failed", zap.Int("status", status), zap.Error(err))
	case status == http.StatusForbidden:
		log.Warn("request refused", zap.Int("status", status), zap.Error(err))
	default:
		log.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":      apperr.PublicMessage(err),
		"request_id": GetRequestID(c),
	})
}
