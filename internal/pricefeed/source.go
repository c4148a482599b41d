package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bollar/cdp-engine/internal/model"
)

// Source fetches candidate samples from an external oracle.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (model.PriceSample, error)
}

// HTTPSource reads a JSON quote of the form
//
//	{"price": "65000.12", "observed_at": "2024-05-01T12:00:00Z", "confidence": 97}
//
// where price is USD per BTC. Prices are floored to whole cents.
type HTTPSource struct {
	URL    string
	Client *http.Client
	name   string
}

// NewHTTPSource creates a source polling url.
func NewHTTPSource(name, url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{URL: url, Client: client, name: name}
}

func (s *HTTPSource) Name() string { return s.name }

type quote struct {
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
	Confidence uint8           `json:"confidence"`
	Source     string          `json:"source"`
}

func (s *HTTPSource) Fetch(ctx context.Context) (model.PriceSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return model.PriceSample{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return model.PriceSample{}, fmt.Errorf("fetch %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.PriceSample{}, fmt.Errorf("fetch %s: status %d", s.name, resp.StatusCode)
	}

	var q quote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return model.PriceSample{}, fmt.Errorf("decode %s: %w", s.name, err)
	}
	return q.sample(s.name)
}

func (q quote) sample(fallbackSource string) (model.PriceSample, error) {
	if !q.Price.IsPositive() {
		return model.PriceSample{}, fmt.Errorf("non-positive price %s", q.Price)
	}
	cents := q.Price.Shift(2).Floor()
	if !cents.IsPositive() || cents.GreaterThan(decimal.NewFromInt(1<<62)) {
		return model.PriceSample{}, fmt.Errorf("price %s out of range", q.Price)
	}
	src := q.Source
	if src == "" {
		src = fallbackSource
	}
	return model.PriceSample{
		PriceCents: uint64(cents.IntPart()),
		ObservedAt: q.ObservedAt,
		Confidence: q.Confidence,
		Source:     src,
	}, nil
}

// StaticSource always reports the same price, observed now. It backs
// development setups without an oracle.
type StaticSource struct {
	PriceCents uint64
	Confidence uint8
}

func (s StaticSource) Name() string { return "static" }

func (s StaticSource) Fetch(context.Context) (model.PriceSample, error) {
	return model.PriceSample{
		PriceCents: s.PriceCents,
		ObservedAt: time.Now(),
		Confidence: s.Confidence,
		Source:     "static",
	}, nil
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (model.PriceSample, error)

func (fn SourceFunc) Name() string { return "func" }

func (fn SourceFunc) Fetch(ctx context.Context) (model.PriceSample, error) {
	return fn(ctx)
}
