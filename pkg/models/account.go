package models

import (
	"github.com/shopspring/decimal"
)

type Account struct {
	AccountIndex     int64             `json:"account_index"`
	Index            int64             `json:"index"`
	L1Address        string            `json:"l1_address"`
	Status           int               `json:"status"`
	AvailableBalance decimal.Decimal   `json:"available_balance"`
	Collateral       decimal.Decimal   `json:"collateral"`
	Positions        []AccountPosition `json:"positions"`
}

// AccountPosition is the exchange's view of one (account, market) position.
// Position holds the absolute size and Sign its direction.
type AccountPosition struct {
	MarketID         uint8           `json:"market_id"`
	Symbol           string          `json:"symbol"`
	Sign             int             `json:"sign"`
	Position         decimal.Decimal `json:"position"`
	AvgEntryPrice    decimal.Decimal `json:"avg_entry_price"`
	PositionValue    decimal.Decimal `json:"position_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	OpenOrderCount   int             `json:"open_order_count"`
}

// IsOpen reports whether the position is non-zero. Zero size means no
// position at all.
func (p AccountPosition) IsOpen() bool {
	return !p.Position.IsZero()
}

func (p AccountPosition) IsLong() bool {
	if p.Sign != 0 {
		return p.Sign == 1
	}
	return p.Position.IsPositive()
}

func (p AccountPosition) Size() decimal.Decimal {
	return p.Position.Abs()
}

func (p AccountPosition) SideLabel() string {
	if p.IsLong() {
		return "LONG"
	}
	return "SHORT"
}

// FindOpenPosition returns the open position for market, if any.
func (a *Account) FindOpenPosition(market uint8) (AccountPosition, bool) {
	for _, p := range a.Positions {
		if p.MarketID == market && p.IsOpen() {
			return p, true
		}
	}
	return AccountPosition{}, false
}

type AccountResponse struct {
	Code     int       `json:"code"`
	Message  string    `json:"message,omitempty"`
	Total    int       `json:"total"`
	Accounts []Account `json:"accounts"`
}

type APIKey struct {
	AccountIndex int64  `json:"account_index"`
	APIKeyIndex  uint8  `json:"api_key_index"`
	Nonce        int64  `json:"nonce"`
	PublicKey    string `json:"public_key"`
}

type APIKeysResponse struct {
	Code    int      `json:"code"`
	Message string   `json:"message,omitempty"`
	APIKeys []APIKey `json:"api_keys"`
}

type NextNonceResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Nonce   int64  `json:"nonce"`
}

type TxResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	TxHash  string `json:"tx_hash"`
}

type BatchTxResponse struct {
	Code    int      `json:"code"`
	Message string   `json:"message,omitempty"`
	TxHash  []string `json:"tx_hash"`
}
