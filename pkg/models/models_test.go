package models

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"config", fmt.Errorf("load: %w", ErrConfigNotFound), KindConfigNotFound},
		{"signer", fmt.Errorf("%w: bad key", ErrSignerInit), KindSignerInit},
		{"nonce", fmt.Errorf("%w: down", ErrNonceFetch), KindNonceFetch},
		{"no position", fmt.Errorf("%w for market 1", ErrNoOpenPosition), KindNoOpenPosition},
		{"rejected", &ExchangeRejectedError{Code: 21104, Message: "invalid nonce"}, KindExchangeRejected},
		{"wrapped rejected", fmt.Errorf("submit: %w", &ExchangeRejectedError{Code: 1}), KindExchangeRejected},
		{"timeout", NewTransportError("send tx", context.DeadlineExceeded), KindTimeout},
		{"transport", NewTransportError("send tx", errors.New("connection reset")), KindTransport},
		{"magnitude", fmt.Errorf("%w: size", ErrInvalidMagnitude), KindInvalidMagnitude},
		{"request", fmt.Errorf("%w: side", ErrInvalidRequest), KindInvalidRequest},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestNonceFetchWinsOverTransport(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrNonceFetch, NewTransportError("next nonce", errors.New("refused")))
	assert.Equal(t, KindNonceFetch, KindOf(err))
}

func TestTransportErrorUnwraps(t *testing.T) {
	err := NewTransportError("send tx", context.DeadlineExceeded)
	assert.True(t, err.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "outcome unknown")
}

func TestParseOrderSide(t *testing.T) {
	s, err := ParseOrderSide(" SELL ")
	require.NoError(t, err)
	assert.Equal(t, OrderSideSell, s)
	assert.True(t, s.IsAsk())
	assert.False(t, OrderSideBuy.IsAsk())

	_, err = ParseOrderSide("hold")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestOrderVocabulary(t *testing.T) {
	assert.Equal(t, "MARKET", OrderTypeMarket.String())
	assert.Equal(t, "TWAP", OrderTypeTWAP.String())
	assert.False(t, OrderType(7).Valid())
	assert.Equal(t, "OrderType(9)", OrderType(9).String())
	assert.Equal(t, "GOOD_TILL_TIME", TimeInForceGoodTillTime.String())
	assert.False(t, TimeInForce(3).Valid())
}

func TestAccountPositions(t *testing.T) {
	acc := &Account{Positions: []AccountPosition{
		{MarketID: 0, Position: decimal.Zero},
		{MarketID: 1, Sign: -1, Position: decimal.RequireFromString("3")},
	}}

	_, ok := acc.FindOpenPosition(0)
	assert.False(t, ok, "zero size is no position")

	p, ok := acc.FindOpenPosition(1)
	require.True(t, ok)
	assert.False(t, p.IsLong())
	assert.Equal(t, "SHORT", p.SideLabel())
	assert.True(t, decimal.NewFromInt(3).Equal(p.Size()))

	signed := AccountPosition{Position: decimal.RequireFromString("-2")}
	assert.False(t, signed.IsLong())
	assert.True(t, decimal.NewFromInt(2).Equal(signed.Size()))
}
