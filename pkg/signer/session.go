// Package signer builds, signs and submits exchange transactions for one
// account and its API keys.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/gregtusar/perpexec/pkg/nonce"
	"github.com/sirupsen/logrus"
)

const (
	DefaultOrderExpiry = 28 * 24 * time.Hour
	DefaultTxExpiry    = 10 * time.Minute
)

// API is the part of the exchange a session talks to.
type API interface {
	GetAPIKeys(ctx context.Context, accountIndex int64, apiKeyIndex uint8) ([]models.APIKey, error)
	SendTx(ctx context.Context, txType uint8, txInfo string) (string, error)
	SendTxBatch(ctx context.Context, txTypes []uint8, txInfos []string) ([]string, error)
	Close()
}

type Config struct {
	AccountIndex int64
	PrivateKeys  map[uint8]string
	// OrderExpiry is added to the current time for GOOD_TILL_TIME orders.
	OrderExpiry time.Duration
	// TxExpiry bounds how long the exchange may hold the transaction.
	TxExpiry time.Duration
}

// Receipt identifies a submitted transaction.
type Receipt struct {
	TxType      uint8  `json:"tx_type"`
	TxHash      string `json:"tx_hash"`
	Nonce       int64  `json:"nonce"`
	APIKeyIndex uint8  `json:"api_key_index"`
}

// Factory opens sessions. Sessions from one factory share the nonce
// sequencer and the per-key submission locks.
type Factory struct {
	cfg    Config
	dial   func() API
	seq    *nonce.Sequencer
	locks  *nonce.KeyLocks
	logger *logrus.Logger
	now    func() time.Time
}

func NewFactory(cfg Config, dial func() API, seq *nonce.Sequencer, logger *logrus.Logger) *Factory {
	if cfg.OrderExpiry <= 0 {
		cfg.OrderExpiry = DefaultOrderExpiry
	}
	if cfg.TxExpiry <= 0 {
		cfg.TxExpiry = DefaultTxExpiry
	}
	return &Factory{
		cfg:    cfg,
		dial:   dial,
		seq:    seq,
		locks:  nonce.NewKeyLocks(),
		logger: logger,
		now:    time.Now,
	}
}

func (f *Factory) AccountIndex() int64 {
	return f.cfg.AccountIndex
}

// Open creates a session on a fresh transport and checks it against the
// exchange. The caller must Close the session.
func (f *Factory) Open(ctx context.Context) (*Session, error) {
	if len(f.cfg.PrivateKeys) == 0 {
		return nil, fmt.Errorf("%w: no signing keys configured", models.ErrConfigNotFound)
	}
	if f.cfg.AccountIndex < 0 {
		return nil, fmt.Errorf("%w: account index %d is negative", models.ErrSignerInit, f.cfg.AccountIndex)
	}

	keys := make(map[uint8]*ecdsa.PrivateKey, len(f.cfg.PrivateKeys))
	indices := make([]int, 0, len(f.cfg.PrivateKeys))
	for idx, raw := range f.cfg.PrivateKeys {
		if idx == models.APIKeyIndexAll {
			return nil, fmt.Errorf("%w: api key index %d is reserved", models.ErrSignerInit, idx)
		}
		key, err := ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("api key %d: %w", idx, err)
		}
		keys[idx] = key
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)

	s := &Session{
		accountIndex: f.cfg.AccountIndex,
		keyIndex:     uint8(indices[0]),
		keys:         keys,
		api:          f.dial(),
		seq:          f.seq,
		locks:        f.locks,
		logger:       f.logger,
		now:          f.now,
		orderExpiry:  f.cfg.OrderExpiry,
		txExpiry:     f.cfg.TxExpiry,
	}
	if err := s.CheckClient(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Session signs and submits transactions with the lowest configured API key.
// It owns its transport and must be closed.
type Session struct {
	accountIndex int64
	keyIndex     uint8
	keys         map[uint8]*ecdsa.PrivateKey
	api          API
	seq          *nonce.Sequencer
	locks        *nonce.KeyLocks
	logger       *logrus.Logger
	now          func() time.Time
	orderExpiry  time.Duration
	txExpiry     time.Duration
	closed       atomic.Bool
}

func (s *Session) AccountIndex() int64 { return s.accountIndex }
func (s *Session) APIKeyIndex() uint8  { return s.keyIndex }

// CheckClient verifies that every configured key is registered with the
// exchange under the session's account.
func (s *Session) CheckClient(ctx context.Context) error {
	for idx, key := range s.keys {
		registered, err := s.api.GetAPIKeys(ctx, s.accountIndex, idx)
		if errors.Is(err, models.ErrTransport) {
			return fmt.Errorf("check api key %d of account %d: %w", idx, s.accountIndex, err)
		}
		if err != nil {
			return fmt.Errorf("%w: account %d key %d: %w", models.ErrSignerInit, s.accountIndex, idx, err)
		}
		var found *models.APIKey
		for i := range registered {
			if registered[i].APIKeyIndex == idx {
				found = &registered[i]
				break
			}
		}
		if found == nil {
			return fmt.Errorf("%w: api key %d not registered for account %d", models.ErrSignerInit, idx, s.accountIndex)
		}
		if !samePublicKey(found.PublicKey, PublicKeyHex(key)) {
			return fmt.Errorf("%w: private key does not match api key %d of account %d", models.ErrSignerInit, idx, s.accountIndex)
		}
	}
	return nil
}

// Action is one transaction a session can sign.
type Action interface {
	sign(s *Session, nonce int64) (SignedTx, error)
}

// CreateOrderParams carries wire-level values; amounts are already encoded.
// A zero OrderExpiry means the session default for GOOD_TILL_TIME orders.
type CreateOrderParams struct {
	MarketIndex      uint8
	ClientOrderIndex int64
	BaseAmount       int64
	Price            uint32
	IsAsk            bool
	OrderType        models.OrderType
	TimeInForce      models.TimeInForce
	ReduceOnly       bool
	TriggerPrice     uint32
	OrderExpiry      int64
}

func (p CreateOrderParams) sign(s *Session, n int64) (SignedTx, error) {
	expiry := p.OrderExpiry
	switch {
	case p.TimeInForce == models.TimeInForceImmediateOrCancel:
		expiry = ImmediateExpiry
	case expiry == 0:
		expiry = s.now().Add(s.orderExpiry).UnixMilli()
	}
	return SignCreateOrder(s.keys[s.keyIndex], &CreateOrderTx{
		AccountIndex:     s.accountIndex,
		ApiKeyIndex:      s.keyIndex,
		MarketIndex:      p.MarketIndex,
		ClientOrderIndex: p.ClientOrderIndex,
		BaseAmount:       p.BaseAmount,
		Price:            p.Price,
		IsAsk:            p.IsAsk,
		Type:             p.OrderType,
		TimeInForce:      p.TimeInForce,
		ReduceOnly:       p.ReduceOnly,
		TriggerPrice:     p.TriggerPrice,
		OrderExpiry:      expiry,
		ExpiredAt:        s.expiredAt(),
		Nonce:            n,
	})
}

type CancelOrderParams struct {
	MarketIndex uint8
	OrderIndex  int64
}

func (p CancelOrderParams) sign(s *Session, n int64) (SignedTx, error) {
	return SignCancelOrder(s.keys[s.keyIndex], &CancelOrderTx{
		AccountIndex: s.accountIndex,
		ApiKeyIndex:  s.keyIndex,
		MarketIndex:  p.MarketIndex,
		Index:        p.OrderIndex,
		ExpiredAt:    s.expiredAt(),
		Nonce:        n,
	})
}

type CancelAllParams struct {
	MarketIndex uint8
	TimeInForce models.CancelAllTimeInForce
	Time        int64
}

func (p CancelAllParams) sign(s *Session, n int64) (SignedTx, error) {
	return SignCancelAllOrders(s.keys[s.keyIndex], &CancelAllOrdersTx{
		AccountIndex: s.accountIndex,
		ApiKeyIndex:  s.keyIndex,
		MarketIndex:  p.MarketIndex,
		TimeInForce:  p.TimeInForce,
		Time:         p.Time,
		ExpiredAt:    s.expiredAt(),
		Nonce:        n,
	})
}

func (s *Session) expiredAt() int64 {
	return s.now().Add(s.txExpiry).UnixMilli()
}

func (s *Session) CreateOrder(ctx context.Context, p CreateOrderParams) (Receipt, error) {
	return s.submit(ctx, p)
}

// CreateMarketOrder submits a MARKET/IOC order. avgExecPrice is the worst
// acceptable average execution price.
func (s *Session) CreateMarketOrder(ctx context.Context, market uint8, clientOrderIndex, baseAmount int64, avgExecPrice uint32, isAsk, reduceOnly bool) (Receipt, error) {
	return s.submit(ctx, CreateOrderParams{
		MarketIndex:      market,
		ClientOrderIndex: clientOrderIndex,
		BaseAmount:       baseAmount,
		Price:            avgExecPrice,
		IsAsk:            isAsk,
		OrderType:        models.OrderTypeMarket,
		TimeInForce:      models.TimeInForceImmediateOrCancel,
		ReduceOnly:       reduceOnly,
		TriggerPrice:     NilTriggerPrice,
		OrderExpiry:      ImmediateExpiry,
	})
}

func (s *Session) CancelOrder(ctx context.Context, market uint8, orderIndex int64) (Receipt, error) {
	return s.submit(ctx, CancelOrderParams{MarketIndex: market, OrderIndex: orderIndex})
}

// CancelAllOrders cancels immediately on market, or everywhere when market
// is models.AllMarkets.
func (s *Session) CancelAllOrders(ctx context.Context, market uint8) (Receipt, error) {
	return s.submit(ctx, CancelAllParams{MarketIndex: market, TimeInForce: models.CancelAllImmediate})
}

func (s *Session) logFields(tx SignedTx) logrus.Fields {
	return logrus.Fields{
		"account_index": s.accountIndex,
		"api_key_index": tx.APIKeyIndex,
		"tx_type":       tx.Type,
		"nonce":         tx.Nonce,
	}
}

func (s *Session) submit(ctx context.Context, a Action) (Receipt, error) {
	if s.closed.Load() {
		return Receipt{}, models.ErrSessionClosed
	}

	unlock := s.locks.Lock(s.accountIndex, s.keyIndex)
	defer unlock()

	n, err := s.seq.Next(ctx, s.accountIndex, s.keyIndex)
	if err != nil {
		return Receipt{}, err
	}
	tx, err := a.sign(s, n)
	if err != nil {
		s.seq.Invalidate(s.accountIndex, s.keyIndex)
		return Receipt{}, err
	}

	rec := Receipt{TxType: tx.Type, TxHash: tx.Hash.Hex(), Nonce: n, APIKeyIndex: s.keyIndex}
	hash, err := s.api.SendTx(ctx, tx.Type, tx.Info)
	if err != nil {
		s.seq.Invalidate(s.accountIndex, s.keyIndex)
		s.logger.WithFields(s.logFields(tx)).WithError(err).Warn("Transaction submission failed")
		return rec, err
	}
	if hash != "" {
		rec.TxHash = hash
	}
	s.logger.WithFields(s.logFields(tx)).WithField("tx_hash", rec.TxHash).Info("Transaction accepted")
	return rec, nil
}

// SendBatch signs actions with consecutive nonces and submits them in one
// request. The exchange accepts or rejects the batch as a whole.
func (s *Session) SendBatch(ctx context.Context, actions ...Action) ([]Receipt, error) {
	if s.closed.Load() {
		return nil, models.ErrSessionClosed
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("%w: empty batch", models.ErrInvalidRequest)
	}

	unlock := s.locks.Lock(s.accountIndex, s.keyIndex)
	defer unlock()

	types := make([]uint8, 0, len(actions))
	infos := make([]string, 0, len(actions))
	receipts := make([]Receipt, 0, len(actions))
	for _, a := range actions {
		n, err := s.seq.Next(ctx, s.accountIndex, s.keyIndex)
		if err != nil {
			if len(receipts) > 0 {
				s.seq.Invalidate(s.accountIndex, s.keyIndex)
			}
			return nil, err
		}
		tx, err := a.sign(s, n)
		if err != nil {
			s.seq.Invalidate(s.accountIndex, s.keyIndex)
			return nil, err
		}
		types = append(types, tx.Type)
		infos = append(infos, tx.Info)
		receipts = append(receipts, Receipt{TxType: tx.Type, TxHash: tx.Hash.Hex(), Nonce: n, APIKeyIndex: s.keyIndex})
	}

	hashes, err := s.api.SendTxBatch(ctx, types, infos)
	if err != nil {
		s.seq.Invalidate(s.accountIndex, s.keyIndex)
		s.logger.WithFields(logrus.Fields{
			"account_index": s.accountIndex,
			"api_key_index": s.keyIndex,
			"batch_size":    len(actions),
		}).WithError(err).Warn("Batch submission failed")
		return receipts, err
	}
	if len(hashes) == len(receipts) {
		for i := range receipts {
			receipts[i].TxHash = hashes[i]
		}
	}
	s.logger.WithFields(logrus.Fields{
		"account_index": s.accountIndex,
		"api_key_index": s.keyIndex,
		"batch_size":    len(actions),
	}).Info("Batch accepted")
	return receipts, nil
}

// SendRaw submits a transaction signed elsewhere. Its nonce was not drawn
// from this process, so every key of the session resyncs afterwards.
func (s *Session) SendRaw(ctx context.Context, txType uint8, txInfo string) (Receipt, error) {
	if s.closed.Load() {
		return Receipt{}, models.ErrSessionClosed
	}

	unlock := s.locks.Lock(s.accountIndex, s.keyIndex)
	defer unlock()
	defer func() {
		for idx := range s.keys {
			s.seq.Invalidate(s.accountIndex, idx)
		}
	}()

	hash, err := s.api.SendTx(ctx, txType, txInfo)
	if err != nil {
		return Receipt{TxType: txType}, err
	}
	return Receipt{TxType: txType, TxHash: hash, APIKeyIndex: s.keyIndex}, nil
}

// Close releases the session's transport. It is safe to call more than once.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.api.Close()
}
