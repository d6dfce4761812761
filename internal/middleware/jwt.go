package myMiddleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperr "go-chat-delivery/internal/errors"
)

// 1. Context Keys (exported so handlers can read them)
type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

const issuer = "go-chat-delivery"

// 2. What the middleware needs from whoever checks tokens
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

type Claims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTValidator checks HS256 tokens signed with the shared secret.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

func (v *JWTValidator) ValidateToken(tokenString string) (int64, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return 0, "", err
	}
	if !token.Valid || claims.ID <= 0 {
		return 0, "", errors.New("invalid token")
	}
	return claims.ID, claims.Username, nil
}

// Issue signs a token for userID. Used by tooling; login lives elsewhere.
func (v *JWTValidator) Issue(userID int64, username string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   fmt.Sprint(userID),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}

// 3. The Middleware
type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle accepts "Authorization: Bearer <token>" or, for websocket upgrades
// where browsers cannot set headers, a ?token= query parameter.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenString = parts[1]
			}
		}

		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			unauthorized(w, "Missing authentication token")
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			unauthorized(w, "Invalid token")
			return
		}

		ctx := WithUser(r.Context(), userID, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func WithUser(ctx context.Context, userID int64, username string) context.Context {
	ctx = context.WithValue(ctx, UserKey, userID)
	return context.WithValue(ctx, UsernameKey, username)
}

func UserFromContext(ctx context.Context) (int64, string, bool) {
	userID, ok := ctx.Value(UserKey).(int64)
	if !ok {
		return 0, "", false
	}
	username, _ := ctx.Value(UsernameKey).(string)
	return userID, username, true
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(apperr.ErrorResponse{
		Code:    apperr.ErrCodeAuthentication,
		Message: msg,
	})
}
