package identity

import (
	"net/http"
	"strings"
)

// TokenFromRequest extracts the credential from the "token" query parameter
// or, failing that, an "Authorization: Bearer" header. Browsers cannot set
// headers on WebSocket handshakes, hence the query parameter.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken returns the token of a "Bearer <token>" header value, or "".
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
