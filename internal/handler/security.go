package handler

import (
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/servicebook/internal/domain/auth"
)

// Security authenticates admin requests via HMAC-SHA256 hashed API keys.
type Security struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurity creates a Security with the given API key repository and HMAC
// pepper.
func NewSecurity(apikeys auth.Repository, pepper []byte) *Security {
	return &Security{apikeys: apikeys, pepper: pepper}
}

// apiKeyFrom reads the key from X-API-Key, falling back to the legacy
// api_key header.
func apiKeyFrom(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.Header.Get("api_key")
}

// Require returns a middleware admitting only requests whose API key carries
// scope. Missing or unknown keys get 401, keys without the scope get 403.
func (s *Security) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := apiKeyFrom(r)
			if key == "" {
				writeMessage(w, http.StatusUnauthorized, "missing api key")
				return
			}
			info, ok := s.authenticate(r, key)
			if !ok {
				writeMessage(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !info.HasScope(scope) {
				zctx.From(r.Context()).Warn("API key lacks scope",
					zap.String("key", info.Name),
					zap.String("scope", scope),
				)
				writeMessage(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithKey(r.Context(), info)))
		})
	}
}

func (s *Security) authenticate(r *http.Request, key string) (*auth.APIKeyInfo, bool) {
	hexHash := auth.HashKey(s.pepper, key)
	info, err := s.apikeys.FindByHash(r.Context(), hexHash)
	if err != nil {
		return nil, false
	}

	// The stored hash is compared in constant time even though the lookup
	// already matched on it.
	hash, _ := hex.DecodeString(hexHash)
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(hash, stored) != 1 {
		return nil, false
	}
	return info, true
}
