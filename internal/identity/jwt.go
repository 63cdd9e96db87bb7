package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates HS256 tokens whose subject is the numeric user id,
// then resolves the subject through a Directory.
type JWTVerifier struct {
	secret    []byte
	directory Directory
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret string, directory Directory) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), directory: directory}
}

// Verify parses and validates the token and looks up its subject.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (User, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return User{}, fmt.Errorf("%w: missing token", ErrInvalidCredential)
	}

	userID, err := v.subject(credential)
	if err != nil {
		return User{}, err
	}

	user, err := v.directory.LookupUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return User{}, err
		}
		return User{}, fmt.Errorf("identity: lookup user %d: %w", userID, err)
	}
	return user, nil
}

func (v *JWTVerifier) subject(token string) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if claims.Subject == "" {
		return 0, fmt.Errorf("%w: token missing subject", ErrInvalidCredential)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: subject %q is not a user id", ErrInvalidCredential, claims.Subject)
	}
	return id, nil
}

// IssueToken signs a token for userID that expires after ttl. It backs the
// token CLI and tests; production tokens come from the account service.
func IssueToken(secret string, userID int64, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, expiresAt, nil
}
