// Package ingest is the boundary where raw trade payloads enter the engine.
// Numeric fields that fail to parse are coerced to zero and reported, so one
// bad field never costs the rest of the batch.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/address"
	"github.com/walletdoctor/position-engine/internal/model"
)

var (
	ErrBadTimestamp = errors.New("ingest: unparseable timestamp")
	ErrBadAction    = errors.New("ingest: action must be buy or sell")
	ErrBadMint      = errors.New("ingest: invalid token mint")
)

// signatureSpace namespaces derived signatures for trades submitted without one.
var signatureSpace = uuid.MustParse("6f1c8a52-3d0e-4b8e-9a57-0c2f4e1d9b3a")

// RawTrade is a trade as submitted. Numeric fields accept JSON numbers or
// strings.
type RawTrade struct {
	Timestamp   json.RawMessage `json:"timestamp"`
	Action      string          `json:"action"`
	Token       string          `json:"token"`
	TokenSymbol string          `json:"token_symbol,omitempty"`
	Amount      json.RawMessage `json:"amount"`
	Decimals    json.RawMessage `json:"decimals,omitempty"`
	Price       json.RawMessage `json:"price,omitempty"`
	Value       json.RawMessage `json:"value"`
	Fee         json.RawMessage `json:"fee,omitempty"`
	Signature   string          `json:"signature"`
}

// FieldWarning reports one field coerced to zero.
type FieldWarning struct {
	Index     int    `json:"index"`
	Signature string `json:"signature,omitempty"`
	Field     string `json:"field"`
	Value     string `json:"value"`
}

// Parse converts raw into a Trade. It fails only when the trade cannot be
// placed at all: no usable timestamp, action or mint. Malformed numbers
// come back as warnings with the field set to zero.
func Parse(wallet string, index int, raw RawTrade) (model.Trade, []FieldWarning, error) {
	var warns []FieldWarning
	num := func(field string, v json.RawMessage) decimal.Decimal {
		d, ok := parseDecimal(v)
		if !ok {
			warns = append(warns, FieldWarning{Index: index, Signature: raw.Signature, Field: field, Value: string(v)})
			return decimal.Zero
		}
		return d
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return model.Trade{}, nil, err
	}

	action := model.Action(strings.ToLower(strings.TrimSpace(raw.Action)))
	if action != model.ActionBuy && action != model.ActionSell {
		return model.Trade{}, nil, fmt.Errorf("%w: %q", ErrBadAction, raw.Action)
	}

	mint := strings.TrimSpace(raw.Token)
	if !address.ValidMint(mint) {
		return model.Trade{}, nil, fmt.Errorf("%w: %q", ErrBadMint, raw.Token)
	}

	t := model.Trade{
		Timestamp:   ts,
		Action:      action,
		TokenMint:   mint,
		TokenSymbol: raw.TokenSymbol,
		Amount:      num("amount", raw.Amount),
		ValueUSD:    num("value", raw.Value),
		FeeUSD:      num("fee", raw.Fee),
		Signature:   strings.TrimSpace(raw.Signature),
	}
	if t.TokenSymbol == "" {
		t.TokenSymbol = address.BaseSymbol(mint)
	}

	decimals := num("decimals", raw.Decimals)
	t.Decimals = int(decimals.IntPart())
	if t.Decimals <= 0 {
		t.Decimals = model.NativeDecimals
	}

	if price := num("price", raw.Price); price.IsPositive() {
		t.TradePriceUSD = &price
	} else if t.Amount.IsPositive() && t.ValueUSD.IsPositive() {
		derived := t.ValueUSD.DivRound(t.Amount, 18)
		t.TradePriceUSD = &derived
	}

	if t.Signature == "" {
		t.Signature = deriveSignature(wallet, t)
	}
	return t, warns, nil
}

// parseDecimal accepts a JSON number, a numeric string, or nothing. Absent
// and null values are zero without complaint.
func parseDecimal(v json.RawMessage) (decimal.Decimal, bool) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return decimal.Zero, true
	}
	s := string(v)
	if v[0] == '"' {
		if err := json.Unmarshal(v, &s); err != nil {
			return decimal.Zero, false
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return decimal.Zero, true
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// parseTimestamp accepts RFC 3339 strings or unix seconds (milliseconds
// when the value is too large to be seconds).
func parseTimestamp(v json.RawMessage) (time.Time, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return time.Time{}, fmt.Errorf("%w: missing", ErrBadTimestamp)
	}

	s := string(v)
	if v[0] == '"' {
		if err := json.Unmarshal(v, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrBadTimestamp, v)
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), nil
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, fmt.Errorf("%w: %s", ErrBadTimestamp, v)
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}

// deriveSignature names an unsigned trade deterministically so a resubmitted
// batch deduplicates.
func deriveSignature(wallet string, t model.Trade) string {
	key := strings.Join([]string{
		wallet,
		strconv.FormatInt(t.Timestamp.UnixNano(), 10),
		string(t.Action),
		t.TokenMint,
		t.Amount.String(),
		t.ValueUSD.String(),
	}, "|")
	return "derived-" + uuid.NewSHA1(signatureSpace, []byte(key)).String()
}
