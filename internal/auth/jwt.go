// Package auth - jwt.go issues and validates the HS256 tokens that identify actors.
// The token subject is the actor id the workflow engine evaluates permissions for.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "qms-lifecycle"

var (
	jwtSecret     string
	jwtSecretOnce sync.Once
	jwtSecretErr  error
)

// Claims represents the JWT claims structure
type Claims struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// isDevMode reports whether the process runs in a development setting
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	ginMode := os.Getenv("GIN_MODE")
	return devMode == "true" || devMode == "1" || ginMode == "debug"
}

func generateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ValidateJWTSecret fixes the signing secret for the life of the process.
// configured is the value loaded from configuration; QMS_JWT_SECRET is used when it
// is empty. Outside dev mode a missing secret is an error. Call this at startup.
func ValidateJWTSecret(configured string) error {
	jwtSecretOnce.Do(func() {
		secret := configured
		if secret == "" {
			secret = os.Getenv("QMS_JWT_SECRET")
		}

		if secret == "" {
			if !isDevMode() {
				jwtSecretErr = errors.New("QMS_JWT_SECRET is required outside dev mode; generate one with: openssl rand -hex 32")
				return
			}
			generated, err := generateRandomSecret()
			if err != nil {
				jwtSecretErr = fmt.Errorf("failed to generate development secret: %w", err)
				return
			}
			slog.Warn("QMS_JWT_SECRET not set, using a generated secret; tokens will not survive a restart")
			jwtSecret = generated
			return
		}

		if len(secret) < 32 {
			slog.Warn("QMS_JWT_SECRET is shorter than 32 characters")
		}
		jwtSecret = secret
	})
	return jwtSecretErr
}

func secret() (string, error) {
	if jwtSecret == "" {
		if err := ValidateJWTSecret(""); err != nil {
			return "", err
		}
	}
	return jwtSecret, nil
}

// GenerateJWT issues a token naming actorID as its subject
func GenerateJWT(actorID, name string, expiresIn time.Duration) (string, error) {
	if actorID == "" {
		return "", errors.New("actor id is required")
	}
	if expiresIn == 0 {
		expiresIn = time.Hour
	}
	key, err := secret()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := &Claims{
		ActorID: actorID,
		Name:    name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   actorID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

// ValidateJWT parses a token and returns its claims. Tokens from another issuer,
// or whose actor claim disagrees with the subject, are rejected.
func ValidateJWT(tokenString string) (*Claims, error) {
	key, err := secret()
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if claims.Subject == "" || claims.ActorID != claims.Subject {
		return nil, errors.New("token subject does not name an actor")
	}
	return claims, nil
}
