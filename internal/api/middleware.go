package api

import (
	"log/slog"
	"time"

	"computeruse/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const authContextKey = "auth_context"

func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		// 查询串可能带 api_key，不记录
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", latency.String(),
			"ip", c.ClientIP(),
		}
		if id, ok := c.Get("request_id"); ok {
			attrs = append(attrs, "request_id", id)
		}
		if ac := authContext(c); ac != nil {
			attrs = append(attrs, "owner_id", ac.OwnerID)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		if status >= 500 {
			slog.Error("Request", attrs...)
		} else if status >= 400 {
			slog.Warn("Request", attrs...)
		} else {
			slog.Info("Request", attrs...)
		}
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// AuthMiddleware 校验 API key 并计入请求配额。
// key 依次取自 Authorization: Bearer、X-API-Key 头和 api_key 查询参数（浏览器 websocket 无法设置头）。
func AuthMiddleware(gate *auth.Gate, op auth.Op) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac, err := gate.Admit(c.Request.Context(), apiKeyFrom(c), op)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(authContextKey, ac)
		c.Next()
	}
}

func apiKeyFrom(c *gin.Context) string {
	if key := auth.ParseBearer(c.GetHeader("Authorization")); key != "" {
		return key
	}
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	return c.Query("api_key")
}

func authContext(c *gin.Context) *auth.AuthContext {
	v, ok := c.Get(authContextKey)
	if !ok {
		return nil
	}
	ac, _ := v.(*auth.AuthContext)
	return ac
}
