package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/model"
)

// AggregatorProvider queries an HTTP price aggregator of the form
//
//	GET {base}/price?ids={mint}[&timestamp={unix}]
//	{"data": {"<mint>": {"id": "<mint>", "price": "1.234", "updated_at": 1700000000}}}
//
// Aggregated prices are derived from routing quotes rather than read from a
// pool, so they carry the "est" tier.
type AggregatorProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAggregatorProvider creates a provider for the aggregator at baseURL.
// Pass a nil client to use a default one; per-call deadlines come from ctx.
func NewAggregatorProvider(name, baseURL, apiKey string, client *http.Client) *AggregatorProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if name == "" {
		name = "aggregator"
	}
	return &AggregatorProvider{name: name, baseURL: baseURL, apiKey: apiKey, client: client}
}

func (p *AggregatorProvider) Name() string { return p.name }

func (p *AggregatorProvider) Tier() model.Confidence { return model.ConfidenceEstimated }

type aggregatorResponse struct {
	Data map[string]struct {
		ID        string          `json:"id"`
		Price     decimal.Decimal `json:"price"`
		UpdatedAt int64           `json:"updated_at"`
	} `json:"data"`
}

// GetPrice implements Provider.
func (p *AggregatorProvider) GetPrice(ctx context.Context, mint string, at *When) (Price, error) {
	q := url.Values{}
	q.Set("ids", mint)
	if !at.IsZero() && !at.Time.IsZero() {
		q.Set("timestamp", strconv.FormatInt(at.Time.Unix(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/price?"+q.Encode(), nil)
	if err != nil {
		return Price{}, fmt.Errorf("price: %s: build request: %w", p.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("x-api-key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Price{}, fmt.Errorf("price: %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Price{}, fmt.Errorf("%w: %s has no %s", ErrNotFound, p.name, mint)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Price{}, fmt.Errorf("price: %s: status %d: %s", p.name, resp.StatusCode, body)
	}

	var out aggregatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Price{}, fmt.Errorf("price: %s: decode: %w", p.name, err)
	}

	entry, ok := out.Data[mint]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s has no %s", ErrNotFound, p.name, mint)
	}

	var observed time.Time
	if entry.UpdatedAt > 0 {
		observed = time.Unix(entry.UpdatedAt, 0).UTC()
	}
	return Price{USD: entry.Price, Source: p.name, ObservedAt: observed}, nil
}
