// Package symbol handles stock ticker normalization and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches 1-10 upper-case letters, digits, dots or dashes,
// starting with a letter. Example: AAPL, BRK.B
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

var ErrInvalidSymbol = errors.New("symbol: invalid ticker format")

// Normalize trims and upper-cases a ticker without validating it.
func Normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// Parse normalizes and validates a ticker string.
func Parse(ticker string) (string, error) {
	s := Normalize(ticker)
	if !tickerRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 1-10 chars, leading letter)", ErrInvalidSymbol, ticker)
	}
	return s, nil
}
