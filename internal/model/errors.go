package model

import (
	"errors"

	"github.com/bitpredict/market-ledger/internal/fixedpoint"
)

// Error kinds. Every ledger failure wraps exactly one of these.
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotFound         = errors.New("market not found")
	ErrUnauthorized     = errors.New("caller is not the administrator")
	ErrBelowMinimum     = errors.New("amount below minimum trade")
	ErrMarketClosed     = errors.New("market closed for trading")
	ErrAlreadyResolved  = errors.New("market already resolved")
	ErrNotResolved      = errors.New("market not resolved")
	ErrTooEarly         = errors.New("market end time not reached")
	ErrTradeTooSmall    = errors.New("trade issues zero shares")
	ErrAlreadyClaimed   = errors.New("payout already claimed")
	ErrNoWinningShares  = errors.New("no winning shares")
	ErrNoWinningPool    = errors.New("no winning shares outstanding")
	ErrSlippageExceeded = errors.New("shares issued below minimum")

	// ErrArithmeticOverflow is the fixed-point core's overflow error.
	ErrArithmeticOverflow = fixedpoint.ErrOverflow
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidParameter, "InvalidParameter"},
	{ErrNotFound, "NotFound"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrBelowMinimum, "BelowMinimum"},
	{ErrMarketClosed, "MarketClosed"},
	{ErrAlreadyResolved, "AlreadyResolved"},
	{ErrNotResolved, "NotResolved"},
	{ErrTooEarly, "TooEarly"},
	{ErrTradeTooSmall, "TradeTooSmall"},
	{ErrAlreadyClaimed, "AlreadyClaimed"},
	{ErrNoWinningShares, "NoWinningShares"},
	{ErrNoWinningPool, "NoWinningPool"},
	{ErrSlippageExceeded, "SlippageExceeded"},
	{ErrArithmeticOverflow, "ArithmeticOverflow"},
}

// Kind returns the error-kind name for err, or "" if err is nil or not a
// ledger error.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}
