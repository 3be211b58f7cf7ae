package identity

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bitpredict/market-ledger/internal/model"
)

const (
	lower    = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	checksum = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
)

func TestNormalize(t *testing.T) {
	got, err := Normalize("  " + lower + " ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != checksum {
		t.Errorf("expected %s, got %s", checksum, got)
	}
}

func TestNormalize_Invalid(t *testing.T) {
	for _, addr := range []string{"", "alice", "0x123", "0x0000000000000000000000000000000000000000", "oracle"} {
		_, err := Normalize(addr)
		if !errors.Is(err, ErrInvalidAddress) || !errors.Is(err, model.ErrInvalidParameter) {
			t.Errorf("%q: expected ErrInvalidAddress, got %v", addr, err)
		}
	}
}

func callerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(Caller(r.Context())))
	})
}

func TestResolve(t *testing.T) {
	h := Resolve(callerEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, lower)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != checksum {
		t.Fatalf("expected %s, got %d %s", checksum, w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || w.Body.String() != "" {
		t.Fatalf("anonymous request: %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, "not-an-address")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAPIKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		key    string
		header string
		value  string
		want   int
	}{
		{"disabled", "", "", "", http.StatusNoContent},
		{"missing", "s3cret", "", "", http.StatusUnauthorized},
		{"bearer", "s3cret", "Authorization", "Bearer s3cret", http.StatusNoContent},
		{"header", "s3cret", "X-API-Key", "s3cret", http.StatusNoContent},
		{"wrong", "s3cret", "X-API-Key", "nope", http.StatusUnauthorized},
		{"basic scheme", "s3cret", "Authorization", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			w := httptest.NewRecorder()
			APIKey(tc.key)(ok).ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}
