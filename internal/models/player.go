package models

import (
	"context"

	"github.com/golang-jwt/jwt"
)

// Claims are carried by player access tokens.
type Claims struct {
	PlayerID string `json:"player_id"`
	Role     string `json:"role"`
	jwt.StandardClaims
}

type contextKey string

const (
	playerIDKey contextKey = "player_id"
	roleKey     contextKey = "role"
)

func WithPlayer(ctx context.Context, playerID, role string) context.Context {
	ctx = context.WithValue(ctx, playerIDKey, playerID)
	return context.WithValue(ctx, roleKey, role)
}

// PlayerIDFromContext returns "" when the request is unauthenticated.
func PlayerIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(playerIDKey).(string)
	return id
}

func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey).(string)
	return role
}
