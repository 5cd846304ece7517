package symbol

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := map[string]string{
		"AAPL":    "AAPL",
		"aapl":    "AAPL",
		"  msft ": "MSFT",
		"brk.b":   "BRK.B",
		"X":       "X",
		"XYZ-1":   "XYZ-1",
	}
	for in, want := range tests {
		got, err := Parse(in)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Parse(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"1ABC",
		".AAPL",
		"ABCDEFGHIJK", // 11 chars
		"AA PL",
		"AAPL$",
	}
	for _, ticker := range tests {
		_, err := Parse(ticker)
		if err == nil {
			t.Errorf("expected error for ticker %q", ticker)
			continue
		}
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", ticker, err)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize(" tsla "); got != "TSLA" {
		t.Errorf("expected TSLA, got %q", got)
	}
}
