package handlers

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
	"github.com/tutorhub/tutor-ledger/pkg/ratelimit"
)

// Context keys set by the middleware below.
const (
	ContextKeyRequestID = "request_id"
	ContextKeyLogger    = "logger"
	ContextKeyWallet    = "wallet"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST CONTEXT MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// RequestID assigns every request an id and a logger carrying it.
func RequestID(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		reqLog := log.WithRequestID(id)
		c.Set(ContextKeyRequestID, id)
		c.Set(ContextKeyLogger, reqLog)
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), reqLog))
		c.Next()
	}
}

// RequestIDFrom returns the id set by RequestID.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}

// LoggerFrom returns the request logger set by RequestID.
func LoggerFrom(c *gin.Context) *logger.Logger {
	if v, ok := c.Get(ContextKeyLogger); ok {
		if l, ok := v.(*logger.Logger); ok {
			return l
		}
	}
	return logger.Nop()
}

// ══════════════════════════════════════════════════════════════════════════════
// LOGGING & RECOVERY MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Logging logs every request after it completes.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", status),
			logger.Int64("duration_ms", time.Since(start).Milliseconds()),
			logger.String("ip", c.ClientIP()),
		}
		if wallet, ok := WalletFrom(c); ok {
			fields = append(fields, logger.Owner(wallet.String()))
		}

		log := LoggerFrom(c)
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("http request", fields...)
		case c.Request.URL.Path == "/health" || c.Request.URL.Path == "/live":
			log.Debug("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}

// Recovery turns a panic into a 500 envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				LoggerFrom(c).Error("panic recovered",
					logger.Any("error", err),
					logger.String("stack", string(debug.Stack())),
					logger.String("path", c.Request.URL.Path),
				)
				AbortWithError(c, http.StatusInternalServerError, "internal_server_error", "An unexpected error occurred")
			}
		}()
		c.Next()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMIT MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// KeyFunc picks the rate-limit key of a request.
type KeyFunc func(c *gin.Context) string

// ByClientIP keys on the client address.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// ByWallet keys on the signed-in wallet, falling back to the client address.
func ByWallet(c *gin.Context) string {
	if wallet, ok := WalletFrom(c); ok {
		return wallet.String()
	}
	return c.ClientIP()
}

// RateLimit refuses requests once the key's bucket is empty.
func RateLimit(limiter *ratelimit.Keyed, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		wait, ok := limiter.Allow(key(c))
		if !ok {
			c.Header("Retry-After", fmt.Sprint(int(math.Ceil(wait.Seconds()))))
			AbortWithError(c, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests, please try again later")
			return
		}
		c.Next()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// WALLET AUTHENTICATION MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Authenticator resolves a session token to its wallet.
type Authenticator interface {
	Authenticate(token string) (identity.PublicKey, error)
}

// RequireWallet rejects requests without a valid session token.
func RequireWallet(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		wallet, err := auth.Authenticate(token)
		if err != nil {
			AbortWithError(c, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		c.Set(ContextKeyWallet, wallet)
		c.Next()
	}
}

// OptionalWallet records the wallet when a valid token is present and lets
// anonymous requests through.
func OptionalWallet(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearerToken(c); token != "" {
			if wallet, err := auth.Authenticate(token); err == nil {
				c.Set(ContextKeyWallet, wallet)
			}
		}
		c.Next()
	}
}

// WalletFrom returns the wallet set by RequireWallet or OptionalWallet.
func WalletFrom(c *gin.Context) (identity.PublicKey, bool) {
	v, ok := c.Get(ContextKeyWallet)
	if !ok {
		return identity.PublicKey{}, false
	}
	wallet, ok := v.(identity.PublicKey)
	return wallet, ok
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// ══════════════════════════════════════════════════════════════════════════════
// TIMEOUT & SIZE MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Timeout bounds the request context.
func Timeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestSizeLimit limits the size of request bodies.
func RequestSizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			AbortWithError(c, http.StatusRequestEntityTooLarge, "request_too_large", "Request body too large")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeaders adds security-related headers.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPER FUNCTIONS
// ══════════════════════════════════════════════════════════════════════════════

// AbortWithError writes the error envelope used by the API and stops the chain.
func AbortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
		"meta": gin.H{
			"timestamp": time.Now().UTC(),
			"version":   "v1",
		},
		"request_id": RequestIDFrom(c),
	})
}
