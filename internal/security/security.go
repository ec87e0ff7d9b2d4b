package security

import (
	"context"
	stderrors "errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ZanzyTHEbar/fraudscope/internal/auth"
	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
)

// SecurityConfig holds security configuration
type SecurityConfig struct {
	MaxUploadBytes    int64         `json:"max_upload_bytes"`
	MaxIdentifierLen  int           `json:"max_identifier_len"`
	AllowedOrigins    []string      `json:"allowed_origins"`
	TrustedProxies    []string      `json:"trusted_proxies"`
	RequestTimeout    time.Duration `json:"request_timeout"`
	EnableHSTS        bool          `json:"enable_hsts"`
	UploadContentType []string      `json:"upload_content_types"`
}

// DefaultSecurityConfig returns secure defaults
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxUploadBytes:   32 << 20,
		MaxIdentifierLen: 128,
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		TrustedProxies:   []string{"127.0.0.1", "::1", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
		RequestTimeout:   60 * time.Second,
		UploadContentType: []string{
			"application/json",
			"text/csv",
			"multipart/form-data",
		},
	}
}

// SecurityMiddleware bundles the request hardening middlewares of the API
type SecurityMiddleware struct {
	config SecurityConfig
}

// NewSecurityMiddleware creates a new security middleware instance
func NewSecurityMiddleware(config SecurityConfig) *SecurityMiddleware {
	return &SecurityMiddleware{config: config}
}

// Config returns the active configuration
func (sm *SecurityMiddleware) Config() SecurityConfig {
	return sm.config
}

// ValidateIdentifier checks an owner or batch identifier before it reaches the store or a log line
func (sm *SecurityMiddleware) ValidateIdentifier(input string) error {
	if input == "" {
		return fmt.Errorf("identifier is empty")
	}
	if len(input) > sm.config.MaxIdentifierLen {
		return fmt.Errorf("identifier exceeds maximum length of %d characters", sm.config.MaxIdentifierLen)
	}
	if !utf8.ValidString(input) {
		return fmt.Errorf("identifier contains invalid UTF-8 encoding")
	}
	for _, r := range input {
		if unicode.IsControl(r) {
			return fmt.Errorf("identifier contains invalid characters")
		}
	}
	return nil
}

// ValidateOwner rejects malformed owner ids. It runs after the identity middleware.
func (sm *SecurityMiddleware) ValidateOwner(c *gin.Context) {
	if err := sm.ValidateIdentifier(auth.OwnerID(c)); err != nil {
		errors.Respond(c, errors.NewUnauthenticatedError("invalid owner id", err))
		c.Abort()
		return
	}
	c.Next()
}

// SecurityHeaders adds security headers to responses
func (sm *SecurityMiddleware) SecurityHeaders(c *gin.Context) {
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("X-Frame-Options", "DENY")
	c.Header("Referrer-Policy", "no-referrer")
	c.Header("Cache-Control", "no-store")
	// the API only serves JSON
	c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

	if sm.config.EnableHSTS || c.Request.TLS != nil {
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	c.Next()
}

// LimitBody caps the request body at MaxUploadBytes
func (sm *SecurityMiddleware) LimitBody(c *gin.Context) {
	if c.Request.ContentLength > sm.config.MaxUploadBytes {
		errors.Respond(c, tooLarge(sm.config.MaxUploadBytes))
		c.Abort()
		return
	}
	if c.Request.Body != nil {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, sm.config.MaxUploadBytes)
	}
	c.Next()
}

func tooLarge(limit int64) *errors.AppError {
	appErr := errors.NewValidationError(fmt.Sprintf("upload exceeds %d bytes", limit))
	appErr.HTTPStatus = http.StatusRequestEntityTooLarge
	return appErr.WithDetail("max_bytes", limit)
}

// IsBodyTooLarge reports whether err came from a body cut off by LimitBody
func IsBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return stderrors.As(err, &maxErr)
}

// BodyTooLargeError builds the error returned when a handler hits the body limit
func (sm *SecurityMiddleware) BodyTooLargeError() *errors.AppError {
	return tooLarge(sm.config.MaxUploadBytes)
}

// ValidateContentType rejects write requests whose media type cannot hold an upload
func (sm *SecurityMiddleware) ValidateContentType(c *gin.Context) {
	if c.Request.Method != http.MethodPost && c.Request.Method != http.MethodPut {
		c.Next()
		return
	}

	mediaType, _, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
	if err == nil {
		for _, allowed := range sm.config.UploadContentType {
			if strings.EqualFold(mediaType, allowed) {
				c.Next()
				return
			}
		}
	}

	appErr := errors.NewValidationError("unsupported content type").
		WithDetail("allowed", sm.config.UploadContentType)
	appErr.HTTPStatus = http.StatusUnsupportedMediaType
	errors.Respond(c, appErr)
	c.Abort()
}

// RequestTimeout bounds the request context
func (sm *SecurityMiddleware) RequestTimeout(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), sm.config.RequestTimeout)
	defer cancel()

	c.Request = c.Request.WithContext(ctx)
	c.Header("X-Timeout", strconv.Itoa(int(sm.config.RequestTimeout.Seconds())))

	c.Next()
}

// CORS returns the cross-origin policy for browser clients
func (sm *SecurityMiddleware) CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     sm.config.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept", "Accept-Encoding", "Authorization", auth.OwnerHeader, "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After", "X-RateLimit-Remaining", "X-RateLimit-Submit-Remaining", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
