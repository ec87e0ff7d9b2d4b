package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
)

const (
	// OwnerHeader carries the owner id when a trusted gateway has already authenticated the caller
	OwnerHeader = "X-Owner-ID"

	ownerKey = "owner_id"
)

type ctxKey struct{}

// Config holds identity edge configuration
type Config struct {
	JWTSecret        []byte
	TrustOwnerHeader bool
}

// Verifier extracts the owner id from tokens issued by the identity service.
// It never issues tokens.
type Verifier struct {
	secret      []byte
	trustHeader bool
	parser      *jwt.Parser
}

// NewVerifier creates a verifier for HS256 tokens
func NewVerifier(config Config) *Verifier {
	return &Verifier{
		secret:      config.JWTSecret,
		trustHeader: config.TrustOwnerHeader,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

// OwnerFromToken validates the token and returns its user_id claim, falling back to sub
func (v *Verifier) OwnerFromToken(tokenString string) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("token verification is not configured")
	}

	token, err := v.parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	if userID, ok := claims["user_id"].(string); ok && strings.TrimSpace(userID) != "" {
		return userID, nil
	}
	if sub, err := claims.GetSubject(); err == nil && strings.TrimSpace(sub) != "" {
		return sub, nil
	}
	return "", fmt.Errorf("user_id not found in token")
}

// Owner resolves the caller's owner id from the request
func (v *Verifier) Owner(c *gin.Context) (string, error) {
	if v.trustHeader {
		if owner := strings.TrimSpace(c.GetHeader(OwnerHeader)); owner != "" {
			return owner, nil
		}
	}

	header := c.GetHeader("Authorization")
	if header == "" {
		return "", errors.NewUnauthenticatedError("missing bearer token", nil)
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errors.NewUnauthenticatedError("malformed authorization header", nil)
	}

	owner, err := v.OwnerFromToken(strings.TrimSpace(token))
	if err != nil {
		return "", errors.NewUnauthenticatedError("invalid bearer token", err)
	}
	return owner, nil
}

// Middleware rejects requests without an owner and stores it on the request context
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, err := v.Owner(c)
		if err != nil {
			errors.Respond(c, errors.ToAppError(err))
			c.Abort()
			return
		}

		c.Set(ownerKey, owner)
		c.Request = c.Request.WithContext(WithOwner(c.Request.Context(), owner))
		c.Next()
	}
}

// WithOwner returns a context carrying the owner id
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, ownerID)
}

// OwnerFromContext returns the owner id placed by Middleware
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ctxKey{}).(string)
	return owner, ok && owner != ""
}

// OwnerID returns the owner for a gin request
func OwnerID(c *gin.Context) string {
	return c.GetString(ownerKey)
}
