package middleware

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func newTestApp(auth fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Get("/whoami", auth, func(c *fiber.Ctx) error {
		return c.SendString(GetOwnerID(c) + "|" + GetEmail(c))
	})
	return app
}

func doGet(t *testing.T, app *fiber.App, headers map[string]string) (int, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func signed(t *testing.T, claims OwnerClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestAuthenticate(t *testing.T) {
	m := NewAuthMiddleware(testSecret, time.Hour)
	app := newTestApp(m.Authenticate())

	valid, err := m.GenerateToken("user-1", "user@example.com")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	expired := signed(t, OwnerClaims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}, testSecret)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, "user-1|user@example.com"},
		{"lowercase scheme", "bearer " + valid, http.StatusOK, "user-1|user@example.com"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized, ""},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + signed(t, OwnerClaims{UserID: "user-1", RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer}}, "other"), http.StatusUnauthorized, ""},
		{"wrong issuer", "Bearer " + signed(t, OwnerClaims{UserID: "user-1", RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"}}, testSecret), http.StatusUnauthorized, ""},
		{"no user id", "Bearer " + signed(t, OwnerClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer}}, testSecret), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			status, body := doGet(t, app, headers)
			if status != tt.wantStatus {
				t.Errorf("expected status %d, got %d (%s)", tt.wantStatus, status, body)
			}
			if tt.wantBody != "" && body != tt.wantBody {
				t.Errorf("expected body %q, got %q", tt.wantBody, body)
			}
		})
	}
}

func TestGenerateToken_Claims(t *testing.T) {
	m := NewAuthMiddleware(testSecret, 2*time.Hour)

	token, err := m.GenerateToken("user-1", "user@example.com")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if claims.Subject != "user-1" || claims.Issuer != tokenIssuer {
		t.Errorf("unexpected claims %+v", claims.RegisteredClaims)
	}
	ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if ttl != 2*time.Hour {
		t.Errorf("expected 2h lifetime, got %v", ttl)
	}
}

func TestGatewayAuthMiddleware(t *testing.T) {
	app := newTestApp(GatewayAuthMiddleware())

	status, body := doGet(t, app, map[string]string{
		"X-User-Id":    "user-9",
		"X-User-Email": "nine@example.com",
	})
	if status != http.StatusOK || body != "user-9|nine@example.com" {
		t.Errorf("unexpected response %d %q", status, body)
	}

	status, _ = doGet(t, app, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity headers, got %d", status)
	}
}
