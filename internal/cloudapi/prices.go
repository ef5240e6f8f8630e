package cloudapi

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// PriceCatalog caches the cloud's price list. The cache changes only
// when Refresh is called; a PricePerHour miss returns ok=false and does
// not trigger a refresh.
type PriceCatalog struct {
	cloud Cloud

	mu     sync.RWMutex
	prices map[string]float64 // "type|location" -> price per hour
}

// NewPriceCatalog returns a PriceCatalog backed by cloud.
func NewPriceCatalog(cloud Cloud) *PriceCatalog {
	return &PriceCatalog{cloud: cloud, prices: map[string]float64{}}
}

// Refresh reloads the price list from the cloud.
func (p *PriceCatalog) Refresh(ctx context.Context) error {
	prices, err := p.cloud.ListPrices(ctx)
	if err != nil {
		return fmt.Errorf("refresh prices: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices = make(map[string]float64, len(prices))
	for _, pr := range prices {
		p.prices[priceKey(pr.ServerType, pr.Location)] = pr.PricePerHour
	}
	return nil
}

// PricePerHour returns the hourly price for a server type at a
// location, and whether the price is known.
func (p *PriceCatalog) PricePerHour(serverType, location string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[priceKey(serverType, location)]
	return price, ok
}

func priceKey(serverType, location string) string {
	return strings.ToLower(serverType) + "|" + strings.ToLower(location)
}
