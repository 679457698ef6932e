package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func doRequest(t *testing.T, mw echo.MiddlewareFunc, setup func(*http.Request)) (error, echo.Context) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	handler := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	return handler(c), c
}

func TestAPIKeyMiddleware_Missing(t *testing.T) {
	err, _ := doRequest(t, APIKeyMiddleware("secret"), nil)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for missing key, got %v", err)
	}
}

func TestAPIKeyMiddleware_Wrong(t *testing.T) {
	err, _ := doRequest(t, APIKeyMiddleware("secret"), func(r *http.Request) {
		r.Header.Set("X-API-Key", "wrong")
	})
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong key, got %v", err)
	}
}

func TestAPIKeyMiddleware_Correct(t *testing.T) {
	err, _ := doRequest(t, APIKeyMiddleware("secret"), func(r *http.Request) {
		r.Header.Set("X-API-Key", "secret")
	})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAPIKeyMiddleware_EmptyKeyPassesThrough(t *testing.T) {
	err, _ := doRequest(t, APIKeyMiddleware(""), nil)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestOperatorIdentity_NoToken(t *testing.T) {
	err, c := doRequest(t, OperatorIdentityMiddleware("jwt-secret"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if OperatorID(c) != AnonymousOperator {
		t.Errorf("expected anonymous operator, got %s", OperatorID(c))
	}
}

func TestOperatorIdentity_ValidToken(t *testing.T) {
	claims := &OperatorClaims{
		Name: "Dana Ops",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("jwt-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	handlerErr, c := doRequest(t, OperatorIdentityMiddleware("jwt-secret"), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+raw)
	})
	if handlerErr != nil {
		t.Fatalf("unexpected error: %v", handlerErr)
	}
	if OperatorID(c) != "op-42" {
		t.Errorf("expected operator op-42, got %s", OperatorID(c))
	}
}

func TestOperatorIdentity_BadSignature(t *testing.T) {
	claims := &OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	handlerErr, _ := doRequest(t, OperatorIdentityMiddleware("jwt-secret"), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+raw)
	})
	he, ok := handlerErr.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad signature, got %v", handlerErr)
	}
}
