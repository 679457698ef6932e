// Package auth provides the thin access-control glue for operator endpoints:
// a static API key check and optional JWT-based operator identity used for
// audit attribution. Full role-based access control lives outside this core.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var (
	// ErrMissingKey indicates no API key was supplied on a protected route.
	ErrMissingKey = errors.New("missing api key")

	// ErrInvalidKey indicates the supplied API key does not match.
	ErrInvalidKey = errors.New("invalid api key")

	// ErrInvalidToken indicates the operator token failed validation.
	ErrInvalidToken = errors.New("invalid operator token")
)

const (
	apiKeyHeader = "X-API-Key"

	// operatorContextKey is where the resolved operator id is stored on the
	// echo context.
	operatorContextKey = "operator_id"

	// AnonymousOperator is used for attribution when no operator identity
	// is available (development mode without a configured key).
	AnonymousOperator = "anonymous"
)

// APIKeyMiddleware requires the X-API-Key header to match the configured key.
// When key is empty the middleware passes everything through; config.Validate
// refuses that combination in production.
func APIKeyMiddleware(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}
			supplied := c.Request().Header.Get(apiKeyHeader)
			if supplied == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrMissingKey.Error())
			}
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrInvalidKey.Error())
			}
			return next(c)
		}
	}
}

// OperatorClaims are the JWT claims carried by operator tokens.
type OperatorClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// OperatorIdentityMiddleware extracts the operator id from a Bearer token
// signed with the shared HMAC secret. With no secret configured, or no token
// present, the operator is recorded as anonymous rather than rejected: the
// API key gate already decided access, this middleware only attributes it.
func OperatorIdentityMiddleware(jwtSecret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(operatorContextKey, AnonymousOperator)

			header := c.Request().Header.Get("Authorization")
			if jwtSecret == "" || !strings.HasPrefix(header, "Bearer ") {
				return next(c)
			}

			raw := strings.TrimPrefix(header, "Bearer ")
			claims := &OperatorClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, ErrInvalidToken
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrInvalidToken.Error())
			}
			if claims.Subject != "" {
				c.Set(operatorContextKey, claims.Subject)
			}
			return next(c)
		}
	}
}

// OperatorID returns the operator id attributed to the current request.
func OperatorID(c echo.Context) string {
	if id, ok := c.Get(operatorContextKey).(string); ok && id != "" {
		return id
	}
	return AnonymousOperator
}
