package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/address"
	"github.com/walletdoctor/position-engine/internal/model"
	"github.com/walletdoctor/position-engine/internal/store"
)

const (
	wallet = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	bonk   = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decode(t *testing.T, body string) []RawTrade {
	t.Helper()
	var raws []RawTrade
	if err := json.Unmarshal([]byte(body), &raws); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return raws
}

func TestParse_NumbersAndStrings(t *testing.T) {
	raws := decode(t, `[
		{"timestamp":"2025-01-02T03:04:05Z","action":"BUY","token":"`+bonk+`","amount":"1000000","price":0.00002,"value":20,"fee":"0.01","decimals":5,"signature":"sig1"}
	]`)

	tr, warns, err := Parse(wallet, 0, raws[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warns) != 0 {
		t.Errorf("unexpected warnings %+v", warns)
	}
	if tr.Action != model.ActionBuy || tr.Decimals != 5 || tr.Signature != "sig1" {
		t.Errorf("unexpected trade %+v", tr)
	}
	if !tr.Amount.Equal(d("1000000")) || !tr.ValueUSD.Equal(d("20")) || !tr.FeeUSD.Equal(d("0.01")) {
		t.Errorf("unexpected numerics %+v", tr)
	}
	if tr.TradePriceUSD == nil || !tr.TradePriceUSD.Equal(d("0.00002")) {
		t.Errorf("expected explicit price, got %v", tr.TradePriceUSD)
	}
	if !tr.Timestamp.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %v", tr.Timestamp)
	}
}

func TestParse_MalformedFieldCoercedToZero(t *testing.T) {
	raws := decode(t, `[
		{"timestamp":1735787045,"action":"sell","token":"`+bonk+`","amount":"12.5","value":"N/A","fee":"abc","signature":"sig1"}
	]`)

	tr, warns, err := Parse(wallet, 3, raws[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.ValueUSD.IsZero() || !tr.FeeUSD.IsZero() {
		t.Errorf("malformed fields should be zero, got value=%s fee=%s", tr.ValueUSD, tr.FeeUSD)
	}
	if len(warns) != 2 || warns[0].Field != "value" || warns[1].Field != "fee" || warns[0].Index != 3 {
		t.Errorf("unexpected warnings %+v", warns)
	}
	if !tr.Amount.Equal(d("12.5")) {
		t.Errorf("good fields must survive, got amount %s", tr.Amount)
	}
}

func TestParse_DerivesPriceAndDefaultsDecimals(t *testing.T) {
	raws := decode(t, `[
		{"timestamp":1735787045000,"action":"buy","token":"`+bonk+`","amount":4,"value":"10","signature":"sig1"}
	]`)

	tr, _, err := Parse(wallet, 0, raws[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.TradePriceUSD == nil || !tr.TradePriceUSD.Equal(d("2.5")) {
		t.Errorf("expected derived price 2.5, got %v", tr.TradePriceUSD)
	}
	if tr.Decimals != model.NativeDecimals {
		t.Errorf("expected default decimals %d, got %d", model.NativeDecimals, tr.Decimals)
	}
	if !tr.Timestamp.Equal(time.Unix(1735787045, 0).UTC()) {
		t.Errorf("millisecond timestamp misread: %v", tr.Timestamp)
	}
}

func TestParse_DerivedSignatureIsStable(t *testing.T) {
	body := `[{"timestamp":1735787045,"action":"buy","token":"` + bonk + `","amount":4,"value":10}]`
	a, _, _ := Parse(wallet, 0, decode(t, body)[0])
	b, _, _ := Parse(wallet, 0, decode(t, body)[0])

	if !strings.HasPrefix(a.Signature, "derived-") || a.Signature != b.Signature {
		t.Errorf("expected stable derived signature, got %q and %q", a.Signature, b.Signature)
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"no timestamp", `{"action":"buy","token":"` + bonk + `","amount":1,"value":1}`, ErrBadTimestamp},
		{"bad timestamp", `{"timestamp":"yesterday","action":"buy","token":"` + bonk + `","amount":1,"value":1}`, ErrBadTimestamp},
		{"transfer", `{"timestamp":1,"action":"transfer","token":"` + bonk + `","amount":1,"value":1}`, ErrBadAction},
		{"bad mint", `{"timestamp":1,"action":"buy","token":"not-a-mint","amount":1,"value":1}`, ErrBadMint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw RawTrade
			if err := json.Unmarshal([]byte(tt.body), &raw); err != nil {
				t.Fatal(err)
			}
			if _, _, err := Parse(wallet, 0, raw); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

type recordingInvalidator struct {
	wallets []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, wallet string) {
	r.wallets = append(r.wallets, wallet)
}

func TestService_IngestStoresAndInvalidates(t *testing.T) {
	ms := store.NewMemoryStore()
	inv := &recordingInvalidator{}
	svc := NewService(ms, inv, nil)

	raws := decode(t, `[
		{"timestamp":1735787045,"action":"buy","token":"`+bonk+`","amount":100,"value":"oops","signature":"s1"},
		{"timestamp":1735787046,"action":"wrap","token":"`+bonk+`","amount":1,"value":1,"signature":"s2"},
		{"timestamp":1735787047,"action":"buy","token":"`+address.USDC+`","amount":5,"value":5,"signature":"s3"}
	]`)

	res, err := svc.Ingest(context.Background(), wallet, raws)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Received != 3 || res.Inserted != 2 || len(res.Rejected) != 1 || len(res.Warnings) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(inv.wallets) != 1 || inv.wallets[0] != wallet {
		t.Errorf("expected one invalidation for %s, got %v", wallet, inv.wallets)
	}

	stored, _ := ms.TradesByWallet(context.Background(), wallet)
	if len(stored) != 2 || stored[1].TokenSymbol != "USDC" {
		t.Errorf("unexpected stored trades %+v", stored)
	}

	// Replaying the batch inserts nothing and leaves the cache alone.
	res, _ = svc.Ingest(context.Background(), wallet, raws)
	if res.Inserted != 0 || len(inv.wallets) != 1 {
		t.Errorf("duplicate batch should not invalidate, got inserted=%d invalidations=%d", res.Inserted, len(inv.wallets))
	}
}

type brokenStore struct{ store.Store }

func (brokenStore) InsertTrades(context.Context, string, []model.Trade) (int, error) {
	return 0, errors.New("connection reset")
}

func TestService_StoreFailure(t *testing.T) {
	svc := NewService(brokenStore{}, nil, nil)
	raws := decode(t, `[{"timestamp":1,"action":"buy","token":"`+bonk+`","amount":1,"value":1,"signature":"s1"}]`)
	if _, err := svc.Ingest(context.Background(), wallet, raws); err == nil {
		t.Error("expected store error to propagate")
	}
}
