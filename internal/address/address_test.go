package address

import (
	"errors"
	"testing"
)

func TestParseWallet_Valid(t *testing.T) {
	w, err := ParseWallet("  7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU" {
		t.Errorf("expected trimmed wallet, got %q", w)
	}
}

func TestParseWallet_Invalid(t *testing.T) {
	tests := []string{
		"INVALID",
		"0xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", // '0' is not base58
		"7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsUIl", // 'I' and 'l' are not base58
		"7xKXtg2CW87d97TX",                               // too short
	}
	for _, addr := range tests {
		_, err := ParseWallet(addr)
		if !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("expected ErrInvalidAddress for %q, got %v", addr, err)
		}
	}
}

func TestParseWallet_Empty(t *testing.T) {
	if _, err := ParseWallet("   "); !errors.Is(err, ErrEmptyAddress) {
		t.Errorf("expected ErrEmptyAddress, got %v", err)
	}
}

func TestIsPositionToken(t *testing.T) {
	cases := map[string]bool{
		"":         false,
		WrappedSOL: false,
		NativeSOL:  false,
		USDC:       false,
		USDT:       false,
		"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263": true, // BONK
	}
	for mint, want := range cases {
		if got := IsPositionToken(mint); got != want {
			t.Errorf("IsPositionToken(%q) = %v, want %v", mint, got, want)
		}
	}
}

func TestBaseSymbol(t *testing.T) {
	if BaseSymbol(USDC) != "USDC" {
		t.Errorf("expected USDC, got %q", BaseSymbol(USDC))
	}
	if BaseSymbol("DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263") != "" {
		t.Error("non-base mint should have no base symbol")
	}
}
