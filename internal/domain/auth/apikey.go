package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"slices"
)

// ScopeAdmin grants access to booking status changes and coupon repairs.
const ScopeAdmin = "admin"

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key was granted scope.
func (i *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// HashKey returns the hex HMAC-SHA256 of a raw API key under pepper. Only
// hashes are stored.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

type keyCtx struct{}

// WithKey returns a context carrying the authenticated key.
func WithKey(ctx context.Context, info *APIKeyInfo) context.Context {
	return context.WithValue(ctx, keyCtx{}, info)
}

// KeyFrom returns the authenticated key stored by WithKey, if any.
func KeyFrom(ctx context.Context) (*APIKeyInfo, bool) {
	info, ok := ctx.Value(keyCtx{}).(*APIKeyInfo)
	return info, ok
}
