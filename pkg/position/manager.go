// Package position reads the account's positions and closes them with
// reduce-only orders.
package position

import (
	"context"
	"fmt"

	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var hundred = decimal.NewFromInt(100)

// MarketData supplies account and quote snapshots.
type MarketData interface {
	GetAccountByIndex(ctx context.Context, accountIndex int64) (*models.Account, error)
	GetQuote(ctx context.Context, market uint8) (models.Quote, error)
}

// Executor submits orders.
type Executor interface {
	PlaceMarketOrder(ctx context.Context, req models.OrderRequest) models.OrderResult
	PlaceLimitOrder(ctx context.Context, req models.OrderRequest) models.OrderResult
}

type Config struct {
	AccountIndex              int64
	DefaultMaxSlippagePercent decimal.Decimal
	CloseMarketClientOrderID  int64
	CloseLimitClientOrderID   int64
}

type Manager struct {
	data   MarketData
	exec   Executor
	cfg    Config
	logger *logrus.Logger
}

func NewManager(data MarketData, exec Executor, cfg Config, logger *logrus.Logger) *Manager {
	return &Manager{
		data:   data,
		exec:   exec,
		cfg:    cfg,
		logger: logger,
	}
}

func marketLabel(p models.AccountPosition) string {
	if p.Symbol != "" {
		return p.Symbol
	}
	return fmt.Sprintf("market %d", p.MarketID)
}

// closingSide is the side that reduces p: longs close with a sell.
func closingSide(p models.AccountPosition) models.OrderSide {
	if p.IsLong() {
		return models.OrderSideSell
	}
	return models.OrderSideBuy
}

// AccountStatus returns the raw account snapshot.
func (m *Manager) AccountStatus(ctx context.Context) (*models.Account, error) {
	return m.data.GetAccountByIndex(ctx, m.cfg.AccountIndex)
}

// GetPositions lists the account's open positions. Zero-size entries are
// dropped.
func (m *Manager) GetPositions(ctx context.Context) models.PositionsResult {
	acc, err := m.AccountStatus(ctx)
	if err != nil {
		return models.PositionsResult{AccountIndex: m.cfg.AccountIndex, Error: err.Error(), ErrorKind: models.KindOf(err)}
	}

	views := make([]models.PositionView, 0, len(acc.Positions))
	for _, p := range acc.Positions {
		if !p.IsOpen() {
			continue
		}
		views = append(views, models.PositionView{
			Market:           marketLabel(p),
			MarketID:         p.MarketID,
			Side:             p.SideLabel(),
			Size:             p.Size(),
			EntryPrice:       p.AvgEntryPrice,
			PositionValue:    p.PositionValue,
			UnrealizedPnL:    p.UnrealizedPnL,
			RealizedPnL:      p.RealizedPnL,
			LiquidationPrice: p.LiquidationPrice,
		})
	}

	return models.PositionsResult{
		Success:        true,
		AccountIndex:   m.cfg.AccountIndex,
		Balance:        acc.AvailableBalance,
		Collateral:     acc.Collateral,
		Positions:      views,
		TotalPositions: len(views),
	}
}

func (m *Manager) openPosition(ctx context.Context, market uint8) (models.AccountPosition, error) {
	acc, err := m.AccountStatus(ctx)
	if err != nil {
		return models.AccountPosition{}, err
	}
	p, ok := acc.FindOpenPosition(market)
	if !ok {
		return models.AccountPosition{}, fmt.Errorf("%w for market %d", models.ErrNoOpenPosition, market)
	}
	return p, nil
}

// SlippageBound moves quote against the closer by slippagePercent: down when
// closing a long, up when closing a short.
func SlippageBound(quote, slippagePercent decimal.Decimal, closingLong bool) decimal.Decimal {
	frac := slippagePercent.Div(hundred)
	if closingLong {
		return quote.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return quote.Mul(decimal.NewFromInt(1).Add(frac))
}

func closeFailure(err error) models.ClosePositionResult {
	return models.ClosePositionResult{Error: err.Error(), ErrorKind: models.KindOf(err)}
}

// ClosePositionMarket closes the whole position on market with a reduce-only
// MARKET order bounded by maxSlippagePercent around a freshly fetched quote.
// A nil maxSlippagePercent uses the configured default.
//
// The position and quote are read before submission and may move in
// between; the slippage bound is what absorbs that staleness.
func (m *Manager) ClosePositionMarket(ctx context.Context, market uint8, maxSlippagePercent *decimal.Decimal) models.ClosePositionResult {
	slippage := m.cfg.DefaultMaxSlippagePercent
	if maxSlippagePercent != nil {
		slippage = *maxSlippagePercent
	}
	if slippage.IsNegative() || slippage.GreaterThanOrEqual(hundred) {
		return closeFailure(fmt.Errorf("%w: slippage %s%% must be in [0, 100)", models.ErrInvalidRequest, slippage))
	}

	p, err := m.openPosition(ctx, market)
	if err != nil {
		return closeFailure(err)
	}
	quote, err := m.data.GetQuote(ctx, market)
	if err != nil {
		return closeFailure(err)
	}

	long := p.IsLong()
	bound := SlippageBound(quote.Price, slippage, long)

	log := m.logger.WithFields(logrus.Fields{
		"market_id":   market,
		"side":        p.SideLabel(),
		"size":        p.Size().String(),
		"quote":       quote.Price.String(),
		"price_bound": bound.String(),
		"slippage":    slippage.String(),
	})
	log.Info("Closing position at market")

	res := m.exec.PlaceMarketOrder(ctx, models.OrderRequest{
		MarketID:      market,
		Side:          closingSide(p),
		Size:          p.Size(),
		Price:         bound,
		ClientOrderID: m.cfg.CloseMarketClientOrderID,
		ReduceOnly:    true,
	})
	if !res.Success {
		log.WithField("error_kind", res.ErrorKind).Warn("Market close failed")
		return models.ClosePositionResult{Error: res.Error, ErrorKind: res.ErrorKind}
	}

	return models.ClosePositionResult{
		Success: true,
		TxHash:  res.TxHash,
		ClosedPosition: &models.ClosedPosition{
			Market:                   marketLabel(p),
			Side:                     p.SideLabel(),
			Size:                     p.Size(),
			EntryPrice:               p.AvgEntryPrice,
			ExitPrice:                quote.Price,
			PriceBound:               bound,
			UnrealizedPnLBeforeClose: p.UnrealizedPnL,
		},
	}
}

// ClosePositionLimit closes the whole position on market with a reduce-only
// LIMIT order at limitPrice. The price is taken as given.
func (m *Manager) ClosePositionLimit(ctx context.Context, market uint8, limitPrice decimal.Decimal) models.ClosePositionResult {
	if !limitPrice.IsPositive() {
		return closeFailure(fmt.Errorf("%w: limit price %s must be positive", models.ErrInvalidRequest, limitPrice))
	}

	p, err := m.openPosition(ctx, market)
	if err != nil {
		return closeFailure(err)
	}

	side := closingSide(p)
	m.logger.WithFields(logrus.Fields{
		"market_id":   market,
		"side":        p.SideLabel(),
		"size":        p.Size().String(),
		"limit_price": limitPrice.String(),
	}).Info("Closing position with limit order")

	res := m.exec.PlaceLimitOrder(ctx, models.OrderRequest{
		MarketID:      market,
		Side:          side,
		Size:          p.Size(),
		Price:         limitPrice,
		ClientOrderID: m.cfg.CloseLimitClientOrderID,
		ReduceOnly:    true,
	})
	if !res.Success {
		return models.ClosePositionResult{Error: res.Error, ErrorKind: res.ErrorKind}
	}

	return models.ClosePositionResult{
		Success: true,
		TxHash:  res.TxHash,
		Order: &models.LimitCloseOrder{
			Market:     marketLabel(p),
			Type:       models.OrderTypeLimit.String(),
			Side:       string(side),
			Size:       p.Size(),
			LimitPrice: limitPrice,
			ReduceOnly: true,
		},
	}
}

// PnLPercent is the move from entry to quote in the position's favour, in
// percent.
func PnLPercent(entry, quote decimal.Decimal, long bool) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	pct := quote.Sub(entry).Div(entry).Mul(hundred)
	if !long {
		pct = pct.Neg()
	}
	return pct
}

// GetPositionPnL reports the position on market against a fresh quote. A
// missing position is a normal result with HasPosition false.
func (m *Manager) GetPositionPnL(ctx context.Context, market uint8) models.PositionPnL {
	p, err := m.openPosition(ctx, market)
	switch {
	case models.KindOf(err) == models.KindNoOpenPosition:
		return models.PositionPnL{
			MarketID: market,
			Message:  fmt.Sprintf("No open position for market %d", market),
		}
	case err != nil:
		return models.PositionPnL{MarketID: market, Error: err.Error(), ErrorKind: models.KindOf(err)}
	}

	quote, err := m.data.GetQuote(ctx, market)
	if err != nil {
		return models.PositionPnL{MarketID: market, HasPosition: true, Error: err.Error(), ErrorKind: models.KindOf(err)}
	}

	size := p.Size()
	pct := PnLPercent(p.AvgEntryPrice, quote.Price, p.IsLong())
	return models.PositionPnL{
		MarketID:             market,
		HasPosition:          true,
		Market:               marketLabel(p),
		Side:                 p.SideLabel(),
		Size:                 &size,
		EntryPrice:           &p.AvgEntryPrice,
		CurrentPrice:         &quote.Price,
		PositionValue:        &p.PositionValue,
		UnrealizedPnL:        &p.UnrealizedPnL,
		UnrealizedPnLPercent: pct.StringFixed(2) + "%",
		RealizedPnL:          &p.RealizedPnL,
		LiquidationPrice:     &p.LiquidationPrice,
	}
}
