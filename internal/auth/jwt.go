package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v4"

	"topup-market/internal/model"
)

type Claims struct {
	Username string     `json:"login"`
	Role     model.Role `json:"role"`
	jwt.RegisteredClaims
}

const TokenExp = time.Hour * 24
const defaultSecret = "supersecretkey"

func secretOrDefault(secret string) []byte {
	if secret == "" {
		return []byte(defaultSecret)
	}
	return []byte(secret)
}

func GenerateToken(username string, role model.Role, secret string) (string, error) {
	claims := &Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenExp)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secretOrDefault(secret))
}

func ParseToken(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secretOrDefault(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}
