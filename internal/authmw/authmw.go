// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

const scheme = "bearer "

// BearerToken returns middleware that accepts a request when its
// Authorization header carries one of tokens. Several tokens allow a key
// to be rotated without downtime; empty tokens are ignored, and with no
// tokens left every request is rejected. Comparison is constant-time per
// token.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	accepted := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			accepted = append(accepted, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := credential(r.Header.Get("Authorization"))
			if !ok {
				reject(w, r, "missing or malformed authorization header")
				return
			}
			if !match(accepted, got) {
				reject(w, r, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// credential extracts the token from an Authorization header. The scheme
// is matched case-insensitively.
func credential(header string) ([]byte, bool) {
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return nil, false
	}
	tok := strings.TrimSpace(header[len(scheme):])
	if tok == "" {
		return nil, false
	}
	return []byte(tok), true
}

func match(accepted [][]byte, got []byte) bool {
	found := 0
	for _, want := range accepted {
		found |= subtle.ConstantTimeCompare(got, want)
	}
	return found == 1
}

func reject(w http.ResponseWriter, r *http.Request, reason string) {
	log.FromContext(r.Context()).Warn(r.Context(), "unauthorized request",
		"reason", reason,
		"path", r.URL.Path,
	)
	w.Header().Set("WWW-Authenticate", `Bearer realm="canary"`)
	http.Error(w, `{"error":"`+reason+`"}`, http.StatusUnauthorized)
}
