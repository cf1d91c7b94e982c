package models

import (
	"github.com/shopspring/decimal"
)

// OrderResult is returned by order placement. Failures are reported in the
// record, never as a Go error.
type OrderResult struct {
	Success   bool       `json:"success"`
	TxHash    string     `json:"tx_hash,omitempty"`
	Order     *OrderEcho `json:"order,omitempty"`
	Error     string     `json:"error,omitempty"`
	ErrorKind ErrorKind  `json:"error_kind,omitempty"`
}

type CancelResult struct {
	Success          bool      `json:"success"`
	TxHash           string    `json:"tx_hash,omitempty"`
	CancelledOrderID *int64    `json:"cancelled_order_id,omitempty"`
	MarketID         *uint8    `json:"market_index,omitempty"`
	Error            string    `json:"error,omitempty"`
	ErrorKind        ErrorKind `json:"error_kind,omitempty"`
}

type PositionView struct {
	Market           string          `json:"market"`
	MarketID         uint8           `json:"market_id"`
	Side             string          `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	PositionValue    decimal.Decimal `json:"position_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

type PositionsResult struct {
	Success        bool            `json:"success"`
	AccountIndex   int64           `json:"account_index"`
	Balance        decimal.Decimal `json:"balance"`
	Collateral     decimal.Decimal `json:"collateral"`
	Positions      []PositionView  `json:"positions"`
	TotalPositions int             `json:"total_positions"`
	Error          string          `json:"error,omitempty"`
	ErrorKind      ErrorKind       `json:"error_kind,omitempty"`
}

type ClosedPosition struct {
	Market                   string          `json:"market"`
	Side                     string          `json:"side"`
	Size                     decimal.Decimal `json:"size"`
	EntryPrice               decimal.Decimal `json:"entry_price"`
	ExitPrice                decimal.Decimal `json:"exit_price"`
	PriceBound               decimal.Decimal `json:"price_bound"`
	UnrealizedPnLBeforeClose decimal.Decimal `json:"unrealized_pnl_before_close"`
}

type LimitCloseOrder struct {
	Market     string          `json:"market"`
	Type       string          `json:"type"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	ReduceOnly bool            `json:"reduce_only"`
}

type ClosePositionResult struct {
	Success        bool             `json:"success"`
	TxHash         string           `json:"tx_hash,omitempty"`
	ClosedPosition *ClosedPosition  `json:"closed_position,omitempty"`
	Order          *LimitCloseOrder `json:"order,omitempty"`
	Error          string           `json:"error,omitempty"`
	ErrorKind      ErrorKind        `json:"error_kind,omitempty"`
}

type PositionPnL struct {
	MarketID             uint8            `json:"market_id"`
	HasPosition          bool             `json:"has_position"`
	Message              string           `json:"message,omitempty"`
	Market               string           `json:"market,omitempty"`
	Side                 string           `json:"side,omitempty"`
	Size                 *decimal.Decimal `json:"size,omitempty"`
	EntryPrice           *decimal.Decimal `json:"entry_price,omitempty"`
	CurrentPrice         *decimal.Decimal `json:"current_price,omitempty"`
	PositionValue        *decimal.Decimal `json:"position_value,omitempty"`
	UnrealizedPnL        *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	UnrealizedPnLPercent string           `json:"unrealized_pnl_percent,omitempty"`
	RealizedPnL          *decimal.Decimal `json:"realized_pnl,omitempty"`
	LiquidationPrice     *decimal.Decimal `json:"liquidation_price,omitempty"`
	Error                string           `json:"error,omitempty"`
	ErrorKind            ErrorKind        `json:"error_kind,omitempty"`
}

type NonceResult struct {
	AccountIndex int64 `json:"account_index"`
	APIKeyIndex  uint8 `json:"api_key_index"`
	Nonce        int64 `json:"nonce"`
}

type BatchOrderResult struct {
	Success   bool        `json:"success"`
	TxHashes  []string    `json:"tx_hashes,omitempty"`
	Orders    []OrderEcho `json:"orders,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind ErrorKind   `json:"error_kind,omitempty"`
}

// TxResult reports the submission of a transaction signed elsewhere.
type TxResult struct {
	Success   bool      `json:"success"`
	TxType    uint8     `json:"tx_type"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}
