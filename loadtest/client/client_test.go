package client

import (
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"type":"pong"}`, KindPong},
		{`{"error":"content must not be empty"}`, KindError},
		{`{"error":"rate limit exceeded","retry_after":3}`, KindError},
		{`{"id":1,"sender_id":2,"sender_name":"Bob","content":"hi","created_at":"2024-01-01T00:00:00.000Z"}`, KindMessage},
		{`{}`, ""},
		{`not json`, ""},
	}

	for _, tt := range tests {
		if got := classify([]byte(tt.payload)); got != tt.want {
			t.Errorf("classify(%s) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestToken_SubjectAndExpiry(t *testing.T) {
	tok, err := Token("secret", 42, time.Minute)
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return []byte("secret"), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		t.Fatalf("token did not verify: %v", err)
	}
	if claims.Subject != strconv.FormatInt(42, 10) {
		t.Errorf("expected subject 42, got %q", claims.Subject)
	}
	if claims.ExpiresAt == nil || time.Until(claims.ExpiresAt.Time) > time.Minute {
		t.Errorf("unexpected expiry %v", claims.ExpiresAt)
	}
}
