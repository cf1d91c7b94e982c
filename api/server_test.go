package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gregtusar/perpexec/pkg/journal"
	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExec struct {
	lastReq     models.OrderRequest
	lastType    string
	cancelAllOn *uint8
	cancelAll   bool
	nonceKey    uint8
	result      models.OrderResult
	batch       []models.OrderRequest
}

func (f *fakeExec) PlaceLimitOrder(_ context.Context, req models.OrderRequest) models.OrderResult {
	f.lastReq, f.lastType = req, "limit"
	return f.result
}

func (f *fakeExec) PlaceMarketOrder(_ context.Context, req models.OrderRequest) models.OrderResult {
	f.lastReq, f.lastType = req, "market"
	return f.result
}

func (f *fakeExec) PlaceOrders(_ context.Context, reqs []models.OrderRequest) models.BatchOrderResult {
	f.batch = reqs
	return models.BatchOrderResult{Success: true, TxHashes: []string{"0x1", "0x2"}}
}

func (f *fakeExec) CancelOrder(_ context.Context, market uint8, orderID int64) models.CancelResult {
	return models.CancelResult{Success: true, TxHash: "0xc", MarketID: &market, CancelledOrderID: &orderID}
}

func (f *fakeExec) CancelAllOrders(_ context.Context, market *uint8) models.CancelResult {
	f.cancelAll, f.cancelAllOn = true, market
	return models.CancelResult{Success: true, TxHash: "0xa", MarketID: market}
}

func (f *fakeExec) NextNonce(_ context.Context, key uint8) (models.NonceResult, error) {
	f.nonceKey = key
	return models.NonceResult{AccountIndex: 7, APIKeyIndex: key, Nonce: 41}, nil
}

type fakePositions struct {
	closeSlippage *decimal.Decimal
	closeLimit    decimal.Decimal
	closedMarket  uint8
}

func (f *fakePositions) AccountStatus(context.Context) (*models.Account, error) {
	return nil, models.NewTransportError("get account", context.DeadlineExceeded)
}

func (f *fakePositions) GetPositions(context.Context) models.PositionsResult {
	return models.PositionsResult{Success: true, AccountIndex: 7, TotalPositions: 0}
}

func (f *fakePositions) GetPositionPnL(_ context.Context, market uint8) models.PositionPnL {
	return models.PositionPnL{MarketID: market, Message: "No open position for market 1"}
}

func (f *fakePositions) ClosePositionMarket(_ context.Context, market uint8, pct *decimal.Decimal) models.ClosePositionResult {
	f.closedMarket, f.closeSlippage = market, pct
	return models.ClosePositionResult{Error: "no open position for market 1", ErrorKind: models.KindNoOpenPosition}
}

func (f *fakePositions) ClosePositionLimit(_ context.Context, market uint8, price decimal.Decimal) models.ClosePositionResult {
	f.closedMarket, f.closeLimit = market, price
	return models.ClosePositionResult{Success: true, TxHash: "0xl"}
}

type fakeHistory struct{ limit int }

func (f *fakeHistory) List(_ context.Context, limit int) ([]journal.Entry, error) {
	f.limit = limit
	return []journal.Entry{{ID: 1, Operation: "place_limit_order", Outcome: journal.OutcomeAccepted}}, nil
}

type harness struct {
	exec    *fakeExec
	pos     *fakePositions
	history *fakeHistory
	server  *Server
}

func newHarness(secret string) *harness {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := &harness{exec: &fakeExec{}, pos: &fakePositions{}, history: &fakeHistory{}}
	h.server = NewServer(h.exec, h.pos, h.history, Options{Port: 0, JWTSecret: secret, DefaultAPIKeyIndex: 3}, logger)
	return h
}

func (h *harness) do(t *testing.T, method, path, body, token string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestHealth(t *testing.T) {
	h := newHarness("s3cret")
	rec, body := h.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestPlaceLimitOrder(t *testing.T) {
	h := newHarness("")
	h.exec.result = models.OrderResult{Success: true, TxHash: "0xabc"}

	rec, body := h.do(t, http.MethodPost, "/api/orders/limit",
		`{"market_index":0,"side":"buy","size":"0.1","price":"50000","client_order_id":12,"reduce_only":false}`, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0xabc", body["tx_hash"])
	assert.Equal(t, "limit", h.exec.lastType)
	assert.Equal(t, models.OrderSideBuy, h.exec.lastReq.Side)
	assert.True(t, decimal.RequireFromString("0.1").Equal(h.exec.lastReq.Size))
	assert.True(t, decimal.NewFromInt(50000).Equal(h.exec.lastReq.Price))
	assert.Equal(t, int64(12), h.exec.lastReq.ClientOrderID)
}

func TestPlaceMarketOrderRejected(t *testing.T) {
	h := newHarness("")
	h.exec.result = models.OrderResult{Error: "exchange rejected transaction (code 21120): margin", ErrorKind: models.KindExchangeRejected}

	rec, body := h.do(t, http.MethodPost, "/api/orders/market",
		`{"market_index":1,"side":"sell","size":2.5,"price":97.02,"reduce_only":true}`, "")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(models.KindExchangeRejected), body["error_kind"])
	assert.Equal(t, "market", h.exec.lastType)
	assert.True(t, h.exec.lastReq.ReduceOnly)
}

func TestPlaceOrderMalformedBody(t *testing.T) {
	h := newHarness("")
	rec, body := h.do(t, http.MethodPost, "/api/orders/limit", `{"size":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(models.KindInvalidRequest), body["error_kind"])
	assert.Empty(t, h.exec.lastType)
}

func TestPlaceOrdersBatch(t *testing.T) {
	h := newHarness("")

	rec, body := h.do(t, http.MethodPost, "/api/orders/batch", `{"orders":[
		{"type":"limit","market_index":0,"side":"buy","size":"0.1","price":"50000"},
		{"type":"market","market_index":1,"side":"sell","size":"2","price":"97","reduce_only":true}
	]}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["tx_hashes"], 2)
	require.Len(t, h.exec.batch, 2)
	assert.Equal(t, models.OrderTypeLimit, h.exec.batch[0].Type)
	assert.Equal(t, models.OrderTypeMarket, h.exec.batch[1].Type)
	assert.Equal(t, uint8(1), h.exec.batch[1].MarketID)
	assert.True(t, h.exec.batch[1].ReduceOnly)

	rec, _ = h.do(t, http.MethodPost, "/api/orders/batch", `{"orders":[{"type":"twap"}]}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRoutes(t *testing.T) {
	h := newHarness("")

	rec, body := h.do(t, http.MethodDelete, "/api/orders/2/8812", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["market_index"])
	assert.EqualValues(t, 8812, body["cancelled_order_id"])

	rec, body = h.do(t, http.MethodDelete, "/api/orders", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.exec.cancelAll)
	assert.Nil(t, h.exec.cancelAllOn)
	assert.NotContains(t, body, "market_index")

	rec, _ = h.do(t, http.MethodDelete, "/api/orders?market=4", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, h.exec.cancelAllOn)
	assert.Equal(t, uint8(4), *h.exec.cancelAllOn)

	rec, _ = h.do(t, http.MethodDelete, "/api/orders/300/1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCloseRoutes(t *testing.T) {
	h := newHarness("")

	rec, body := h.do(t, http.MethodPost, "/api/positions/1/close", `{"type":"market","max_slippage_percent":"1"}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(models.KindNoOpenPosition), body["error_kind"])
	require.NotNil(t, h.pos.closeSlippage)
	assert.True(t, decimal.NewFromInt(1).Equal(*h.pos.closeSlippage))

	rec, _ = h.do(t, http.MethodPost, "/api/positions/1/close", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Nil(t, h.pos.closeSlippage, "empty body closes at market with the default slippage")

	rec, _ = h.do(t, http.MethodPost, "/api/positions/3/close", `{"type":"limit","limit_price":"101.5"}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint8(3), h.pos.closedMarket)
	assert.True(t, decimal.RequireFromString("101.5").Equal(h.pos.closeLimit))

	rec, _ = h.do(t, http.MethodPost, "/api/positions/3/close", `{"type":"limit"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/api/positions/3/close", `{"type":"twap"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadRoutes(t *testing.T) {
	h := newHarness("")

	rec, body := h.do(t, http.MethodGet, "/api/positions", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])

	rec, body = h.do(t, http.MethodGet, "/api/positions/1/pnl", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["has_position"])

	rec, body = h.do(t, http.MethodGet, "/api/account", "", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, string(models.KindTimeout), body["error_kind"])
}

func TestNonceRoute(t *testing.T) {
	h := newHarness("")

	rec, body := h.do(t, http.MethodGet, "/api/nonce", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 41, body["nonce"])
	assert.Equal(t, uint8(3), h.exec.nonceKey)

	rec, _ = h.do(t, http.MethodGet, "/api/nonce?api_key_index=5", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint8(5), h.exec.nonceKey)

	rec, _ = h.do(t, http.MethodGet, "/api/nonce?api_key_index=255", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryRoute(t *testing.T) {
	h := newHarness("")

	rec, body := h.do(t, http.MethodGet, "/api/history?limit=5", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, h.history.limit)
	assert.Len(t, body["entries"], 1)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	noJournal := NewServer(&fakeExec{}, &fakePositions{}, nil, Options{}, logger)
	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	w := httptest.NewRecorder()
	noJournal.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness("s3cret")

	rec, _ := h.do(t, http.MethodGet, "/api/positions", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/api/positions", "", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong, err := IssueToken("other", "ops", time.Hour, time.Now())
	require.NoError(t, err)
	rec, _ = h.do(t, http.MethodGet, "/api/positions", "", wrong)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := IssueToken("s3cret", "ops", time.Hour, time.Now())
	require.NoError(t, err)
	rec, _ = h.do(t, http.MethodGet, "/api/positions", "", token)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVerifyToken(t *testing.T) {
	token, err := IssueToken("s3cret", "ops", time.Minute, time.Now())
	require.NoError(t, err)

	claims, err := VerifyToken("s3cret", token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, tokenIssuer, claims.Issuer)

	expired, err := IssueToken("s3cret", "ops", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = VerifyToken("s3cret", expired)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = IssueToken("", "ops", time.Minute, time.Now())
	assert.Error(t, err)
	_, err = IssueToken("s3cret", "ops", 0, time.Now())
	assert.Error(t, err)
}
