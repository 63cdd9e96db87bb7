package identity

import (
	"net/http/httptest"
	"testing"
)

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{"query", "/chat/ws?token=abc", "", "abc"},
		{"bearer", "/chat/ws", "Bearer xyz", "xyz"},
		{"lowercase scheme", "/chat/ws", "bearer xyz", "xyz"},
		{"query wins", "/chat/ws?token=abc", "Bearer xyz", "abc"},
		{"basic ignored", "/chat/ws", "Basic dXNlcg==", ""},
		{"missing", "/chat/ws", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("TokenFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}
