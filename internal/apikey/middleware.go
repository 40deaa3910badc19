// Package apikey authenticates merchant requests by API key. Keys are never
// stored; the store holds a SHA-256 hex digest and lookups go through it.
package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ZecPay/facilitator/internal/storage"
	"github.com/ZecPay/facilitator/pkg/responders"
)

// HeaderAPIKey carries the merchant API key.
const HeaderAPIKey = "X-API-Key"

type contextKey string

const contextKeyMerchant contextKey = "apikey.merchant"

// Hash returns the hex SHA-256 digest of a raw API key, the form the store
// indexes merchants by.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Middleware requires a valid X-API-Key on every request it wraps and puts
// the authenticated merchant in the request context. Missing or unknown keys
// get a 401; store failures get a 503 so clients retry rather than rotate
// credentials.
func Middleware(store storage.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
			if key == "" {
				responders.JSON(w, http.StatusUnauthorized, map[string]any{
					"error": "missing API key",
				})
				return
			}

			merchant, err := store.GetMerchantByAPIKeyHash(r.Context(), Hash(key))
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					responders.JSON(w, http.StatusUnauthorized, map[string]any{
						"error": "invalid API key",
					})
					return
				}
				log.Error().Err(err).Msg("apikey.lookup_failed")
				responders.JSON(w, http.StatusServiceUnavailable, map[string]any{
					"error": "authentication temporarily unavailable",
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithMerchant(r.Context(), merchant)))
		})
	}
}

// WithMerchant stores an authenticated merchant in the context.
func WithMerchant(ctx context.Context, m storage.Merchant) context.Context {
	return context.WithValue(ctx, contextKeyMerchant, m)
}

// MerchantFromContext returns the merchant authenticated by Middleware.
func MerchantFromContext(ctx context.Context) (storage.Merchant, bool) {
	m, ok := ctx.Value(contextKeyMerchant).(storage.Merchant)
	return m, ok
}
