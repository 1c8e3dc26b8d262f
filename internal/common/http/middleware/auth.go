package middleware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "querylab/pkg/errors"
	"querylab/pkg/utils/contextkey"
	"querylab/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const userIDHeader = "X-User-Id"

// IdentityConfig selects how the caller identity is established.
// With a JWT secret the bearer token is verified here; without one the
// upstream gateway is trusted to set X-User-Id.
type IdentityConfig struct {
	JWTSecret string
	JWTIssuer string
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

// IdentityMiddleware stores the caller's user id under "user_id" or aborts with 401.
func IdentityMiddleware(cfg IdentityConfig) gin.HandlerFunc {
	secret := []byte(cfg.JWTSecret)
	return func(c *gin.Context) {
		var (
			userID int64
			err    error
		)
		if len(secret) > 0 {
			userID, err = authenticateBearer(secret, cfg.JWTIssuer, extractBearerToken(c.GetHeader("Authorization")))
		} else {
			userID, err = parseUserID(c.GetHeader(userIDHeader))
		}
		if err != nil {
			response.AbortWithError(c, err)
			return
		}

		c.Set("user_id", userID)
		ctx := context.WithValue(c.Request.Context(), contextkey.UserID, userID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// UserID returns the identity stored by IdentityMiddleware.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get("user_id")
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

func authenticateBearer(secret []byte, issuer, raw string) (int64, error) {
	if raw == "" {
		return 0, pkgerrors.UnauthorizedError("Not logged in")
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return 0, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return 0, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if issuer != "" && claims.Issuer != issuer {
		return 0, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return id, nil
}

func parseUserID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, pkgerrors.UnauthorizedError("Not logged in")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, pkgerrors.UnauthorizedError("Invalid user identity")
	}
	return id, nil
}

func extractBearerToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
