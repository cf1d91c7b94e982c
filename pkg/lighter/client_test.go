package lighter

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/gregtusar/perpexec/internal/lightertest"
	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(t *testing.T, timeout time.Duration) (*Client, *lightertest.Server) {
	t.Helper()
	srv := lightertest.New()
	t.Cleanup(srv.Close)
	c := NewClient(Options{BaseURL: srv.URL, Timeout: timeout}, quietLogger())
	t.Cleanup(c.Close)
	return c, srv
}

func TestGetAccountByIndex(t *testing.T) {
	c, srv := newTestClient(t, time.Second)
	srv.SetAccount(models.Account{
		AccountIndex:     7,
		AvailableBalance: decimal.RequireFromString("1200.5"),
		Positions: []models.AccountPosition{
			{MarketID: 1, Symbol: "ETH", Sign: 1, Position: decimal.RequireFromString("2.5")},
		},
	})

	acc, err := c.GetAccountByIndex(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), acc.AccountIndex)
	assert.True(t, decimal.RequireFromString("1200.5").Equal(acc.AvailableBalance))
	require.Len(t, acc.Positions, 1)
	assert.Equal(t, "ETH", acc.Positions[0].Symbol)

	_, err = c.GetAccountByIndex(context.Background(), 8)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestGetQuote(t *testing.T) {
	c, srv := newTestClient(t, time.Second)
	srv.SetMarket(models.OrderBookDetail{MarketID: 1, Symbol: "ETH", SizeDecimals: 4, PriceDecimals: 2, LastTradePrice: decimal.RequireFromString("98")})
	srv.SetMarket(models.OrderBookDetail{MarketID: 2, Symbol: "NEW"})

	q, err := c.GetQuote(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), q.MarketID)
	assert.True(t, decimal.NewFromInt(98).Equal(q.Price))
	assert.False(t, q.FetchedAt.IsZero())

	details, err := c.GetOrderBookDetails(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(4), details.SizeDecimals)

	_, err = c.GetQuote(context.Background(), 2)
	assert.Error(t, err, "no last trade price")

	_, err = c.GetOrderBookDetails(context.Background(), 9)
	assert.Error(t, err)
}

func TestNextNonceAndAPIKeys(t *testing.T) {
	c, srv := newTestClient(t, time.Second)
	srv.RegisterKey(7, 3, "0x02ab", 40)

	n, err := c.NextNonce(context.Background(), 7, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(40), n)

	keys, err := c.GetAPIKeys(context.Background(), 7, 3)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "0x02ab", keys[0].PublicKey)
}

func TestReadFailureIsTransport(t *testing.T) {
	c, srv := newTestClient(t, time.Second)
	srv.SetNonceDown(true)

	_, err := c.NextNonce(context.Background(), 7, 3)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 503, apiErr.Status)
	assert.ErrorIs(t, err, models.ErrTransport)
}

func TestSendTx(t *testing.T) {
	c, srv := newTestClient(t, time.Second)
	srv.RegisterKey(7, 3, "0x02ab", 40)

	hash, err := c.SendTx(context.Background(), 14, `{"AccountIndex":7,"ApiKeyIndex":3,"Nonce":40}`)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	subs := srv.Submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, uint8(14), subs[0].Type)
	assert.Equal(t, hash, subs[0].Hash)
}

func TestSendTxRejected(t *testing.T) {
	c, srv := newTestClient(t, time.Second)
	srv.RegisterKey(7, 3, "0x02ab", 40)

	_, err := c.SendTx(context.Background(), 14, `{"AccountIndex":7,"ApiKeyIndex":3,"Nonce":39}`)
	require.Error(t, err)

	var rej *models.ExchangeRejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, 21104, rej.Code)
	assert.Equal(t, models.KindExchangeRejected, models.KindOf(err))
}

func TestSendTxTimeoutIsUnknownOutcome(t *testing.T) {
	c, srv := newTestClient(t, 50*time.Millisecond)
	srv.RegisterKey(7, 3, "0x02ab", 40)
	srv.SetDelay(300 * time.Millisecond)

	_, err := c.SendTx(context.Background(), 14, `{"AccountIndex":7,"ApiKeyIndex":3,"Nonce":40}`)
	require.Error(t, err)
	assert.Equal(t, models.KindTimeout, models.KindOf(err))
}

func TestSendTxBatch(t *testing.T) {
	c, srv := newTestClient(t, time.Second)
	srv.RegisterKey(7, 3, "0x02ab", 40)

	hashes, err := c.SendTxBatch(context.Background(), []uint8{14, 15}, []string{
		`{"AccountIndex":7,"ApiKeyIndex":3,"Nonce":40}`,
		`{"AccountIndex":7,"ApiKeyIndex":3,"Nonce":41}`,
	})
	require.NoError(t, err)
	assert.Len(t, hashes, 2)
	assert.Equal(t, int64(42), srv.NextNonceFor(7, 3))
}

func TestRateLimiterHonoursContext(t *testing.T) {
	srv := lightertest.New()
	t.Cleanup(srv.Close)
	c := NewClient(Options{BaseURL: srv.URL, RateLimit: 0.001, RateBurst: 1}, quietLogger())
	srv.RegisterKey(7, 3, "0x02ab", 1)

	_, err := c.NextNonce(context.Background(), 7, 3)
	require.NoError(t, err, "burst admits the first call")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.NextNonce(ctx, 7, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransport)
}
