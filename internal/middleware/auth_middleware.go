package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
	"github.com/Dhoini/proposalkraft-billing/pkg/res"
)

// ContextKey тип для ключей контекста во избежание коллизий.
type ContextKey string

const (
	// ContextPrincipalKey ключ для хранения *domain.Principal в контексте gin
	ContextPrincipalKey ContextKey = "principal"
	authHeaderPrefix               = "Bearer "
	adminRole                      = "admin"
)

type TokenValidator interface {
	Validate(tokenString string) (*TokenClaims, error)
}

type TokenClaims struct {
	UserEmail string `json:"email"`
	Role      string `json:"role"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

// IsAdmin роль admin или scope admin в токене
func (c *TokenClaims) IsAdmin() bool {
	if strings.EqualFold(c.Role, adminRole) {
		return true
	}
	for _, s := range strings.Fields(c.Scope) {
		if s == adminRole {
			return true
		}
	}
	return false
}

type JWTMiddleware struct {
	log         *logger.Logger
	validator   TokenValidator
	adminEmails map[string]struct{}
}

func NewJWTMiddleware(validator TokenValidator, adminEmails []string, log *logger.Logger) *JWTMiddleware {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			admins[e] = struct{}{}
		}
	}
	return &JWTMiddleware{
		log:         log,
		validator:   validator,
		adminEmails: admins,
	}
}

// RequireAuth пропускает только запросы с валидным bearer-токеном
func (m *JWTMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			m.handleAuthError(c, "Missing authorization token")
			return
		}
		if !m.authenticate(c) {
			return
		}
		c.Next()
	}
}

// OptionalAuth пропускает анонимные запросы; невалидный токен все равно отклоняется
func (m *JWTMiddleware) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != "" && !m.authenticate(c) {
			return
		}
		c.Next()
	}
}

func (m *JWTMiddleware) authenticate(c *gin.Context) bool {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, authHeaderPrefix) {
		m.handleAuthError(c, "Malformed authorization header")
		return false
	}

	claims, err := m.validator.Validate(strings.TrimPrefix(authHeader, authHeaderPrefix))
	if err != nil {
		m.handleAuthError(c, fmt.Sprintf("Token validation failed: %v", err))
		return false
	}
	if claims.Subject == "" {
		m.handleAuthError(c, "User ID (sub) missing in token")
		return false
	}

	principal := &domain.Principal{
		UserID:  claims.Subject,
		Email:   strings.TrimSpace(claims.UserEmail),
		IsAdmin: claims.IsAdmin() || m.isAdminEmail(claims.UserEmail),
	}
	c.Set(string(ContextPrincipalKey), principal)
	m.log.Debugw("User authenticated via HTTP", "userID", principal.UserID, "admin", principal.IsAdmin)
	return true
}

func (m *JWTMiddleware) isAdminEmail(email string) bool {
	_, ok := m.adminEmails[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

func (m *JWTMiddleware) handleAuthError(c *gin.Context, message string) {
	m.log.Warnw("HTTP authentication failed", "path", c.Request.URL.Path, "error", message)
	res.JsonResponse(c.Writer, res.ErrorResponse{
		Error:     "Unauthorized",
		ErrorCode: http.StatusUnauthorized,
	}, http.StatusUnauthorized)
	c.Abort()
}

// PrincipalFrom возвращает аутентифицированного пользователя запроса
func PrincipalFrom(c *gin.Context) (*domain.Principal, bool) {
	v, ok := c.Get(string(ContextPrincipalKey))
	if !ok {
		return nil, false
	}
	p, ok := v.(*domain.Principal)
	return p, ok && p != nil
}

// DefaultTokenValidator - реализация валидатора по умолчанию.
type DefaultTokenValidator struct {
	Secret []byte
}

func (v *DefaultTokenValidator) Validate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.Secret, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, errors.New("malformed token")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errors.New("invalid token signature")
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, errors.New("token expired")
		default:
			return nil, fmt.Errorf("invalid token: %w", err)
		}
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}
