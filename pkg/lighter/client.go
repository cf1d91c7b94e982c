package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://mainnet.zklighter.elliot.ai"
	DefaultTimeout = 30 * time.Second

	apiPrefix = "/api/v1"
	codeOK    = 200
)

type AccountLookup string

const (
	ByIndex     AccountLookup = "index"
	ByL1Address AccountLookup = "l1_address"
)

var ErrAccountNotFound = errors.New("account not found")

type Options struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

// Client talks to the exchange's REST API. Every call is paced by a shared
// rate limiter and bounded by the configured timeout. Nothing is retried.
type Client struct {
	rest    *resty.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

func NewClient(opts Options, logger *logrus.Logger) *Client {
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	rest := resty.New().
		SetBaseURL(baseURL+apiPrefix).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "perpexec")

	return &Client{
		rest:    rest,
		limiter: limiter,
		logger:  logger,
	}
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.rest.GetClient().CloseIdleConnections()
}

// APIError is a non-success answer to a read request.
type APIError struct {
	Op      string
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: http %d code %d: %s", e.Op, e.Status, e.Code, e.Message)
}

// Is classes read failures as transport-level: the caller may re-read.
func (e *APIError) Is(target error) bool {
	return target == models.ErrTransport
}

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.NewTransportError(op, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, op, path string, params map[string]string, out interface{}) error {
	if err := c.wait(ctx, op); err != nil {
		return err
	}

	resp, err := c.rest.R().SetContext(ctx).SetQueryParams(params).Get(path)
	if err != nil {
		return models.NewTransportError(op, err)
	}

	var env envelope
	_ = json.Unmarshal(resp.Body(), &env)
	if !resp.IsSuccess() || (env.Code != 0 && env.Code != codeOK) {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(string(resp.Body()))
		}
		return &APIError{Op: op, Status: resp.StatusCode(), Code: env.Code, Message: msg}
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrapf(err, "%s: decode response", op)
	}
	return nil
}

// GetAccount fetches an account snapshot.
func (c *Client) GetAccount(ctx context.Context, by AccountLookup, value string) (*models.Account, error) {
	var out models.AccountResponse
	err := c.get(ctx, "get account", "/account", map[string]string{
		"by":    string(by),
		"value": value,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Accounts) == 0 {
		return nil, errors.Wrapf(ErrAccountNotFound, "%s=%s", by, value)
	}
	return &out.Accounts[0], nil
}

func (c *Client) GetAccountByIndex(ctx context.Context, accountIndex int64) (*models.Account, error) {
	return c.GetAccount(ctx, ByIndex, strconv.FormatInt(accountIndex, 10))
}

func (c *Client) GetOrderBookDetails(ctx context.Context, market uint8) (*models.OrderBookDetail, error) {
	var out models.OrderBookDetailsResponse
	err := c.get(ctx, "get order book details", "/orderBookDetails", map[string]string{
		"market_id": strconv.Itoa(int(market)),
	}, &out)
	if err != nil {
		return nil, err
	}
	for i := range out.OrderBookDetails {
		if out.OrderBookDetails[i].MarketID == market {
			return &out.OrderBookDetails[i], nil
		}
	}
	return nil, errors.Errorf("market %d not found in order book details", market)
}

// GetQuote fetches the market's last trade price.
func (c *Client) GetQuote(ctx context.Context, market uint8) (models.Quote, error) {
	details, err := c.GetOrderBookDetails(ctx, market)
	if err != nil {
		return models.Quote{}, err
	}
	if !details.LastTradePrice.IsPositive() {
		return models.Quote{}, errors.Errorf("market %d has no last trade price", market)
	}
	return models.Quote{
		MarketID:  market,
		Price:     details.LastTradePrice,
		FetchedAt: time.Now(),
	}, nil
}

func (c *Client) NextNonce(ctx context.Context, accountIndex int64, apiKeyIndex uint8) (int64, error) {
	var out models.NextNonceResponse
	err := c.get(ctx, "next nonce", "/nextNonce", map[string]string{
		"account_index": strconv.FormatInt(accountIndex, 10),
		"api_key_index": strconv.Itoa(int(apiKeyIndex)),
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

func (c *Client) GetAPIKeys(ctx context.Context, accountIndex int64, apiKeyIndex uint8) ([]models.APIKey, error) {
	var out models.APIKeysResponse
	err := c.get(ctx, "get api keys", "/apikeys", map[string]string{
		"account_index": strconv.FormatInt(accountIndex, 10),
		"api_key_index": strconv.Itoa(int(apiKeyIndex)),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.APIKeys, nil
}

func (c *Client) post(ctx context.Context, op, path string, form map[string]string, out interface{}) error {
	if err := c.wait(ctx, op); err != nil {
		return err
	}

	resp, err := c.rest.R().SetContext(ctx).SetFormData(form).Post(path)
	if err != nil {
		return models.NewTransportError(op, err)
	}

	var env envelope
	if jsonErr := json.Unmarshal(resp.Body(), &env); jsonErr != nil || env.Code == 0 {
		if !resp.IsSuccess() {
			return models.NewTransportError(op, errors.Errorf("http %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body()))))
		}
		if jsonErr != nil {
			return models.NewTransportError(op, errors.Wrap(jsonErr, "decode response"))
		}
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return models.NewTransportError(op, errors.Errorf("http %d: %s", resp.StatusCode(), env.Message))
	}
	if env.Code != 0 && env.Code != codeOK {
		return &models.ExchangeRejectedError{Code: env.Code, Message: env.Message}
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return models.NewTransportError(op, errors.Wrap(err, "decode response"))
	}
	return nil
}

// SendTx submits one signed transaction and returns its hash.
func (c *Client) SendTx(ctx context.Context, txType uint8, txInfo string) (string, error) {
	var out models.TxResponse
	err := c.post(ctx, "send tx", "/sendTx", map[string]string{
		"tx_type": strconv.Itoa(int(txType)),
		"tx_info": txInfo,
	}, &out)
	if err != nil {
		return "", err
	}
	c.logger.WithFields(logrus.Fields{
		"tx_type": txType,
		"tx_hash": out.TxHash,
	}).Debug("Transaction submitted")
	return out.TxHash, nil
}

// SendTxBatch submits signed transactions in one request.
func (c *Client) SendTxBatch(ctx context.Context, txTypes []uint8, txInfos []string) ([]string, error) {
	types := make([]int, len(txTypes))
	for i, t := range txTypes {
		types[i] = int(t)
	}
	typesJSON, err := json.Marshal(types)
	if err != nil {
		return nil, err
	}
	infosJSON, err := json.Marshal(txInfos)
	if err != nil {
		return nil, err
	}

	var out models.BatchTxResponse
	err = c.post(ctx, "send tx batch", "/sendTxBatch", map[string]string{
		"tx_types": string(typesJSON),
		"tx_infos": string(infosJSON),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.TxHash, nil
}
