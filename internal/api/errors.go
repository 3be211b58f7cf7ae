package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bitpredict/market-ledger/internal/model"
	"github.com/bitpredict/market-ledger/internal/store"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

var kindStatus = map[string]int{
	"InvalidParameter":   http.StatusBadRequest,
	"BelowMinimum":       http.StatusBadRequest,
	"TradeTooSmall":      http.StatusBadRequest,
	"NotFound":           http.StatusNotFound,
	"Unauthorized":       http.StatusForbidden,
	"MarketClosed":       http.StatusConflict,
	"AlreadyResolved":    http.StatusConflict,
	"NotResolved":        http.StatusConflict,
	"TooEarly":           http.StatusConflict,
	"AlreadyClaimed":     http.StatusConflict,
	"NoWinningShares":    http.StatusConflict,
	"NoWinningPool":      http.StatusConflict,
	"SlippageExceeded":   http.StatusConflict,
	"ArithmeticOverflow": http.StatusInternalServerError,
}

// classify maps err to an HTTP status and error-kind name.
func classify(err error) (int, string) {
	if kind := model.Kind(err); kind != "" {
		return kindStatus[kind], kind
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, "Conflict"
	}
	return http.StatusInternalServerError, "Internal"
}

// writeError writes err as a JSON error response. Internal errors are
// logged and their detail withheld.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	msg := err.Error()
	if kind == "Internal" {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
