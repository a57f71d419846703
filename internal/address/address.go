// Package address handles Solana account and mint address parsing,
// validation, and classification of base-currency mints.
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Well-known base-currency mints. Swaps are valued in these, so a trade whose
// token side is one of them does not describe a position.
const (
	WrappedSOL = "So11111111111111111111111111111111111111112"
	NativeSOL  = "So11111111111111111111111111111111111111111"
	USDC       = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDT       = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

var baseCurrencies = map[string]string{
	WrappedSOL: "SOL",
	NativeSOL:  "SOL",
	USDC:       "USDC",
	USDT:       "USDT",
}

// addressRegex matches a base58-encoded 32-byte public key.
// Example: 7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU
var addressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

var (
	ErrInvalidAddress = errors.New("address: invalid base58 address")
	ErrEmptyAddress   = errors.New("address: empty address")
)

// ParseWallet trims and validates a wallet address.
func ParseWallet(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyAddress
	}
	if !addressRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %s (expected 32-44 base58 characters)", ErrInvalidAddress, s)
	}
	return s, nil
}

// ValidMint reports whether s looks like a token mint address.
func ValidMint(s string) bool {
	return addressRegex.MatchString(s)
}

// IsBaseCurrency reports whether mint is SOL or a USD stablecoin.
func IsBaseCurrency(mint string) bool {
	_, ok := baseCurrencies[mint]
	return ok
}

// IsPositionToken reports whether a trade on mint can open or change a
// position: it must name a mint and that mint must not be a base currency.
func IsPositionToken(mint string) bool {
	return mint != "" && !IsBaseCurrency(mint)
}

// BaseSymbol returns the ticker for a base-currency mint, or "".
func BaseSymbol(mint string) string {
	return baseCurrencies[mint]
}
