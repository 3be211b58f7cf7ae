// Package identity resolves the caller of an API request. The wallet
// connection layer authenticates users upstream and forwards the address in
// X-Wallet-Address; this package validates it and stores the checksummed
// form in the request context.
package identity

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bitpredict/market-ledger/internal/model"
)

// Header carries the caller's wallet address.
const Header = "X-Wallet-Address"

var ErrInvalidAddress = fmt.Errorf("identity: invalid wallet address: %w", model.ErrInvalidParameter)

type ctxKey struct{}

// Normalize validates a hex address and returns its EIP-55 checksummed form.
func Normalize(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	a := common.HexToAddress(addr)
	if a == (common.Address{}) {
		return "", fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	return a.Hex(), nil
}

// WithCaller returns a context carrying addr.
func WithCaller(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, ctxKey{}, addr)
}

// Caller returns the resolved caller, or "" for anonymous requests.
func Caller(ctx context.Context) string {
	s, _ := ctx.Value(ctxKey{}).(string)
	return s
}

// Resolve is middleware that reads Header. Requests without it proceed
// anonymously; the ledger rejects anonymous mutations. A malformed address
// is rejected with 400.
func Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(Header)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		addr, err := Normalize(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "InvalidParameter")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
	})
}

// APIKey returns middleware that requires apiKey as a Bearer token or in
// X-API-Key. An empty apiKey disables the check.
func APIKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			token := extractToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing authentication token", "Unauthorized")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid authentication token", "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": kind})
}
