package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/adforge/api/pkg/response"
)

const (
	localOwnerID = "ownerId"
	localEmail   = "email"
	tokenIssuer  = "adforge-api"
)

// OwnerClaims are the claims of an HMAC-signed access token. The owner of
// every job is the token's user id.
type OwnerClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// AuthMiddleware authenticates bearer tokens
type AuthMiddleware struct {
	jwtSecret  string
	expiration time.Duration
}

func NewAuthMiddleware(jwtSecret string, expiration time.Duration) *AuthMiddleware {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &AuthMiddleware{jwtSecret: jwtSecret, expiration: expiration}
}

// Authenticate validates the token from the Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		claims, err := m.Validate(tokenString)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals(localOwnerID, claims.UserID)
		c.Locals(localEmail, claims.Email)
		return c.Next()
	}
}

// Validate parses an HMAC-signed token and returns its claims
func (m *AuthMiddleware) Validate(tokenString string) (*OwnerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OwnerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(m.jwtSecret), nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*OwnerClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user id")
	}
	return claims, nil
}

// GenerateToken issues a token for userID (used by tests and local tooling)
func (m *AuthMiddleware) GenerateToken(userID, email string) (string, error) {
	now := time.Now()
	claims := OwnerClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.jwtSecret))
}

// GetOwnerID extracts the authenticated owner from context
func GetOwnerID(c *fiber.Ctx) string {
	if ownerID, ok := c.Locals(localOwnerID).(string); ok {
		return ownerID
	}
	return ""
}

// GetEmail extracts the authenticated email from context
func GetEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals(localEmail).(string); ok {
		return email
	}
	return ""
}
