package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MarketType string

const (
	MarketTypePerp MarketType = "perp"
	MarketTypeSpot MarketType = "spot"
)

type OrderBookDetail struct {
	Symbol                 string          `json:"symbol"`
	MarketID               uint8           `json:"market_id"`
	MarketType             MarketType      `json:"market_type"`
	Status                 string          `json:"status"`
	TakerFee               decimal.Decimal `json:"taker_fee"`
	MakerFee               decimal.Decimal `json:"maker_fee"`
	MinBaseAmount          decimal.Decimal `json:"min_base_amount"`
	MinQuoteAmount         decimal.Decimal `json:"min_quote_amount"`
	SupportedSizeDecimals  int32           `json:"supported_size_decimals"`
	SupportedPriceDecimals int32           `json:"supported_price_decimals"`
	SizeDecimals           int32           `json:"size_decimals"`
	PriceDecimals          int32           `json:"price_decimals"`
	LastTradePrice         decimal.Decimal `json:"last_trade_price"`
	DailyPriceLow          decimal.Decimal `json:"daily_price_low"`
	DailyPriceHigh         decimal.Decimal `json:"daily_price_high"`
	DailyPriceChange       decimal.Decimal `json:"daily_price_change"`
	OpenInterest           decimal.Decimal `json:"open_interest"`
}

type OrderBookDetailsResponse struct {
	Code             int               `json:"code"`
	Message          string            `json:"message,omitempty"`
	OrderBookDetails []OrderBookDetail `json:"order_book_details"`
}

// Quote is a last-trade-price snapshot. It is never cached: every market
// action that depends on it fetches a new one.
type Quote struct {
	MarketID  uint8           `json:"market_id"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// MarketStats is the payload of the market_stats websocket channel.
type MarketStats struct {
	MarketID       uint8           `json:"market_id"`
	IndexPrice     decimal.Decimal `json:"index_price"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
	LastTradePrice decimal.Decimal `json:"last_trade_price"`
	OpenInterest   decimal.Decimal `json:"open_interest"`
}
