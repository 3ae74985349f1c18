// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ReqLoggerKey is the context key used to store request-scoped logger in gin context.
const ReqLoggerKey = "reqLogger"

// RequestIDHeader carries the request id in and out of the API.
const RequestIDHeader = "X-Request-ID"

// NewLogger builds the process logger. Debug selects the development
// (console, debug level) configuration; otherwise production JSON is used.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	// Stacktraces on WARN/INFO are noise for an audit service.
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// RequestLogger stores a sugared logger annotated with the request id,
// method and path in the gin context. An incoming X-Request-ID is reused,
// otherwise a new id is generated and echoed back.
func RequestLogger(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Set(ReqLoggerKey, base.Sugar().With(
			"requestId", id,
			"method", c.Request.Method,
			"path", c.FullPath(),
		))
		c.Next()
	}
}

// GetReqLogger returns the request-scoped sugared logger from gin.Context if present,
// otherwise returns the fallback.
func GetReqLogger(c *gin.Context, fallback *zap.SugaredLogger) *zap.SugaredLogger {
	if c == nil {
		return fallback
	}
	if v, ok := c.Get(ReqLoggerKey); ok {
		if l, ok2 := v.(*zap.SugaredLogger); ok2 {
			return l
		}
	}
	return fallback
}

// EventFields returns key/value pairs identifying an audit event for
// SugaredLogger.With or Infow/Errorw calls. The "id" key is only included
// when id is set.
func EventFields(topic, id string) []interface{} {
	if id == "" {
		return []interface{}{"topic", topic}
	}
	return []interface{}{"topic", topic, "id", id}
}
