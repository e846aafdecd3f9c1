package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	tokenIssuer         = "callpilot"
)

// Roles carried in admin tokens.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Claims of an admin API token.
type Claims struct {
	jwt.RegisteredClaims

	Role string `json:"role"`
}

// Tokens issues and verifies HS256 admin tokens.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens creates a token manager for secret.
func NewTokens(secret string) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return &Tokens{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for subject with role, valid for ttl.
func (t *Tokens) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses and validates a token.
func (t *Tokens) Verify(raw string) (Claims, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(t.now),
	)
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}); err != nil {
		return Claims{}, err
	}
	switch claims.Role {
	case RoleAdmin, RoleOperator, RoleViewer:
	default:
		return Claims{}, errors.New("unknown role")
	}
	return claims, nil
}

// requireToken verifies the bearer token. WebSocket clients that cannot set
// headers may pass it as the token query parameter.
func requireToken(t *Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		switch {
		case strings.HasPrefix(raw, bearerPrefix):
			raw = strings.TrimPrefix(raw, bearerPrefix)
		case raw == "" && c.Query("token") != "":
			raw = c.Query("token")
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := t.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("subject", claims.Subject)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// requireRole rejects callers whose role is not in roles.
func requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("role")
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}
