package fixedpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/sirupsen/logrus"
)

// DetailsSource supplies a market's order book details.
type DetailsSource interface {
	GetOrderBookDetails(ctx context.Context, market uint8) (*models.OrderBookDetail, error)
}

// Registry resolves the codec for a market: configured override first, then
// the exchange's declared decimals. The fallback precision applies only when
// the exchange answers without declaring decimals; a failed lookup is an error.
type Registry struct {
	source    DetailsSource
	overrides map[uint8]Codec
	fallback  Codec
	logger    *logrus.Logger

	mu     sync.RWMutex
	cached map[uint8]Codec
}

func NewRegistry(source DetailsSource, fallback Codec, overrides map[uint8]Codec, logger *logrus.Logger) *Registry {
	if overrides == nil {
		overrides = make(map[uint8]Codec)
	}
	return &Registry{
		source:    source,
		overrides: overrides,
		fallback:  fallback,
		logger:    logger,
		cached:    make(map[uint8]Codec),
	}
}

func (r *Registry) Codec(ctx context.Context, market uint8) (Codec, error) {
	if c, ok := r.overrides[market]; ok {
		return c, nil
	}

	r.mu.RLock()
	c, ok := r.cached[market]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	if r.source == nil {
		return r.fallback, nil
	}

	details, err := r.source.GetOrderBookDetails(ctx, market)
	if err != nil {
		return Codec{}, fmt.Errorf("resolve decimals for market %d: %w", market, err)
	}
	if details.SizeDecimals == 0 && details.PriceDecimals == 0 {
		r.logger.WithField("market_id", market).Warn("Exchange declared no decimals for market, using defaults")
		return r.fallback, nil
	}

	c, err = New(details.SizeDecimals, details.PriceDecimals)
	if err != nil {
		return Codec{}, err
	}

	r.mu.Lock()
	r.cached[market] = c
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"market_id":      market,
		"size_decimals":  c.SizeDecimals,
		"price_decimals": c.PriceDecimals,
	}).Debug("Resolved market codec")
	return c, nil
}
