// Package contract handles threshold market descriptor parsing and
// validation for the auxiliary oracle-resolved markets.
package contract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bitpredict/market-ledger/internal/model"
)

// Supported comparison operators.
const (
	OpGTE = ">="
	OpGT  = ">"
	OpLTE = "<="
	OpLT  = "<"
)

var validOps = map[string]bool{
	OpGTE: true,
	OpGT:  true,
	OpLTE: true,
	OpLT:  true,
}

// descriptorRegex matches: {SYMBOL}{op}{strike}
// Example: BTCUSDT>=65000, ETHUSDT<3200.5
var descriptorRegex = regexp.MustCompile(
	`^([A-Z0-9]{2,20})\s*(>=|<=|>|<|=>|=<)\s*([0-9]+(?:\.[0-9]+)?)$`,
)

var (
	ErrInvalidDescriptor = fmt.Errorf("contract: invalid threshold descriptor: %w", model.ErrInvalidParameter)
	ErrInvalidOp         = fmt.Errorf("contract: unsupported comparison: %w", model.ErrInvalidParameter)
	ErrInvalidStrike     = fmt.Errorf("contract: strike must be positive: %w", model.ErrInvalidParameter)
)

// ParseThreshold parses and validates a descriptor string.
// Format: {SYMBOL}{>=|>|<=|<}{strike}
func ParseThreshold(descriptor string) (*model.Threshold, error) {
	s := strings.ToUpper(strings.TrimSpace(descriptor))
	matches := descriptorRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {SYMBOL}{op}{strike}, e.g. BTCUSDT>=65000)",
			ErrInvalidDescriptor, descriptor)
	}

	symbol, op, raw := matches[1], matches[2], matches[3]
	switch op {
	case "=>", "=<":
		return nil, fmt.Errorf("%w: %s", ErrInvalidOp, op)
	}

	strike, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDescriptor, raw)
	}
	t := &model.Threshold{Symbol: symbol, Op: op, Strike: strike}
	if err := Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks a threshold built without going through ParseThreshold,
// e.g. one decoded from a JSON request body.
func Validate(t *model.Threshold) error {
	if t == nil {
		return nil
	}
	if t.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidDescriptor)
	}
	if !validOps[t.Op] {
		return fmt.Errorf("%w: %s", ErrInvalidOp, t.Op)
	}
	if !t.Strike.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidStrike, t.Strike)
	}
	return nil
}

// Question renders a default question for a threshold market that was
// created without one.
func Question(t *model.Threshold, endTime uint64) string {
	verb := map[string]string{
		OpGTE: "at or above",
		OpGT:  "above",
		OpLTE: "at or below",
		OpLT:  "below",
	}[t.Op]
	return fmt.Sprintf("Will %s be %s %s at %d?", t.Symbol, verb, t.Strike, endTime)
}
