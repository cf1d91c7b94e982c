package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AllMarkets is the reserved market index meaning "every market".
const AllMarkets uint8 = 255

// API key index conventions of the exchange.
const (
	APIKeyIndexDesktop     uint8 = 0
	APIKeyIndexMobilePWA   uint8 = 1
	APIKeyIndexMobileApp   uint8 = 2
	APIKeyIndexCustomStart uint8 = 3
	APIKeyIndexCustomEnd   uint8 = 254
	APIKeyIndexAll         uint8 = 255
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

func ParseOrderSide(s string) (OrderSide, error) {
	switch OrderSide(strings.ToLower(strings.TrimSpace(s))) {
	case OrderSideBuy:
		return OrderSideBuy, nil
	case OrderSideSell:
		return OrderSideSell, nil
	}
	return "", fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidRequest, s)
}

// IsAsk reports the wire flag for the side: sells are asks.
func (s OrderSide) IsAsk() bool {
	return s == OrderSideSell
}

// OrderType is the fixed order-type vocabulary of the wire format.
type OrderType uint8

const (
	OrderTypeLimit OrderType = iota
	OrderTypeMarket
	OrderTypeStopLoss
	OrderTypeStopLossLimit
	OrderTypeTakeProfit
	OrderTypeTakeProfitLimit
	OrderTypeTWAP
)

var orderTypeNames = [...]string{
	OrderTypeLimit:           "LIMIT",
	OrderTypeMarket:          "MARKET",
	OrderTypeStopLoss:        "STOP_LOSS",
	OrderTypeStopLossLimit:   "STOP_LOSS_LIMIT",
	OrderTypeTakeProfit:      "TAKE_PROFIT",
	OrderTypeTakeProfitLimit: "TAKE_PROFIT_LIMIT",
	OrderTypeTWAP:            "TWAP",
}

func (t OrderType) String() string {
	if int(t) < len(orderTypeNames) {
		return orderTypeNames[t]
	}
	return fmt.Sprintf("OrderType(%d)", uint8(t))
}

func (t OrderType) Valid() bool {
	return int(t) < len(orderTypeNames)
}

type TimeInForce uint8

const (
	TimeInForceImmediateOrCancel TimeInForce = iota
	TimeInForceGoodTillTime
	TimeInForcePostOnly
)

var timeInForceNames = [...]string{
	TimeInForceImmediateOrCancel: "IMMEDIATE_OR_CANCEL",
	TimeInForceGoodTillTime:      "GOOD_TILL_TIME",
	TimeInForcePostOnly:          "POST_ONLY",
}

func (t TimeInForce) String() string {
	if int(t) < len(timeInForceNames) {
		return timeInForceNames[t]
	}
	return fmt.Sprintf("TimeInForce(%d)", uint8(t))
}

func (t TimeInForce) Valid() bool {
	return int(t) < len(timeInForceNames)
}

// CancelAllTimeInForce selects how a cancel-all transaction takes effect.
type CancelAllTimeInForce uint8

const (
	CancelAllImmediate CancelAllTimeInForce = iota
	CancelAllScheduled
	CancelAllAbort
)

// OrderRequest is a human-level order intent. Price is the limit price for
// limit orders and the worst acceptable average execution price for market
// orders.
type OrderRequest struct {
	MarketID      uint8           `json:"market_index"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"-"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	ClientOrderID int64           `json:"client_order_id"`
	ReduceOnly    bool            `json:"reduce_only"`
}

// OrderEcho is the order as accepted for submission, returned to callers.
type OrderEcho struct {
	MarketID      uint8            `json:"market_index"`
	Side          OrderSide        `json:"side"`
	Type          string           `json:"type"`
	Size          decimal.Decimal  `json:"size"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	ClientOrderID int64            `json:"client_order_id"`
	ReduceOnly    bool             `json:"reduce_only"`
}
