// Package execution turns order intents into signed exchange transactions.
// Every operation opens its own signer session and releases it on return;
// failures are reported inside the result records.
package execution

import (
	"context"
	"fmt"

	"github.com/gregtusar/perpexec/pkg/bridge"
	"github.com/gregtusar/perpexec/pkg/fixedpoint"
	"github.com/gregtusar/perpexec/pkg/journal"
	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/gregtusar/perpexec/pkg/nonce"
	"github.com/gregtusar/perpexec/pkg/signer"
	"github.com/sirupsen/logrus"
)

type Sessions interface {
	Open(ctx context.Context) (*signer.Session, error)
	AccountIndex() int64
}

type Codecs interface {
	Codec(ctx context.Context, market uint8) (fixedpoint.Codec, error)
}

type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

type Service struct {
	sessions Sessions
	codecs   Codecs
	bridge   *bridge.Bridge
	nonces   nonce.Source
	recorder Recorder
	logger   *logrus.Logger
}

// NewService wires the service. recorder may be nil.
func NewService(sessions Sessions, codecs Codecs, b *bridge.Bridge, nonces nonce.Source, recorder Recorder, logger *logrus.Logger) *Service {
	return &Service{
		sessions: sessions,
		codecs:   codecs,
		bridge:   b,
		nonces:   nonces,
		recorder: recorder,
		logger:   logger,
	}
}

func withSession[T any](ctx context.Context, s *Service, fn func(sess *signer.Session) (T, error)) (T, error) {
	sess, err := s.sessions.Open(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer sess.Close()
	return fn(sess)
}

type encodedOrder struct {
	base  int64
	price uint32
}

func (s *Service) encode(ctx context.Context, req models.OrderRequest) (encodedOrder, error) {
	if req.MarketID == models.AllMarkets {
		return encodedOrder{}, fmt.Errorf("%w: market %d is reserved", models.ErrInvalidRequest, req.MarketID)
	}
	codec, err := s.codecs.Codec(ctx, req.MarketID)
	if err != nil {
		return encodedOrder{}, err
	}
	base, err := codec.EncodeSize(req.Size)
	if err != nil {
		return encodedOrder{}, err
	}
	if base == 0 {
		return encodedOrder{}, fmt.Errorf("%w: size %s is below one base unit", models.ErrInvalidMagnitude, req.Size)
	}
	price, err := codec.EncodePrice(req.Price)
	if err != nil {
		return encodedOrder{}, err
	}
	if price == 0 {
		return encodedOrder{}, fmt.Errorf("%w: price %s is below one price unit", models.ErrInvalidMagnitude, req.Price)
	}
	return encodedOrder{base: base, price: price}, nil
}

func validateSide(req *models.OrderRequest) error {
	side, err := models.ParseOrderSide(string(req.Side))
	if err != nil {
		return err
	}
	req.Side = side
	return nil
}

func echoOf(req models.OrderRequest) *models.OrderEcho {
	price := req.Price
	return &models.OrderEcho{
		MarketID:      req.MarketID,
		Side:          req.Side,
		Type:          req.Type.String(),
		Size:          req.Size,
		Price:         &price,
		ClientOrderID: req.ClientOrderID,
		ReduceOnly:    req.ReduceOnly,
	}
}

// PlaceLimitOrder submits a LIMIT/GOOD_TILL_TIME order.
func (s *Service) PlaceLimitOrder(ctx context.Context, req models.OrderRequest) models.OrderResult {
	req.Type = models.OrderTypeLimit
	return s.place(ctx, "place_limit_order", req, models.TimeInForceGoodTillTime)
}

// PlaceMarketOrder submits a MARKET/IMMEDIATE_OR_CANCEL order. req.Price is
// the caller's worst acceptable average execution price and is passed
// through unchanged.
func (s *Service) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) models.OrderResult {
	req.Type = models.OrderTypeMarket
	return s.place(ctx, "place_market_order", req, models.TimeInForceImmediateOrCancel)
}

func (s *Service) place(ctx context.Context, op string, req models.OrderRequest, tif models.TimeInForce) models.OrderResult {
	rec, err := bridge.Run(ctx, s.bridge, func(ctx context.Context) (signer.Receipt, error) {
		if err := validateSide(&req); err != nil {
			return signer.Receipt{}, err
		}
		enc, err := s.encode(ctx, req)
		if err != nil {
			return signer.Receipt{}, err
		}
		return withSession(ctx, s, func(sess *signer.Session) (signer.Receipt, error) {
			return sess.CreateOrder(ctx, signer.CreateOrderParams{
				MarketIndex:      req.MarketID,
				ClientOrderIndex: req.ClientOrderID,
				BaseAmount:       enc.base,
				Price:            enc.price,
				IsAsk:            req.Side.IsAsk(),
				OrderType:        req.Type,
				TimeInForce:      tif,
				ReduceOnly:       req.ReduceOnly,
				TriggerPrice:     signer.NilTriggerPrice,
			})
		})
	})

	s.record(ctx, journal.Entry{
		Operation:     op,
		MarketID:      req.MarketID,
		Side:          string(req.Side),
		Size:          req.Size,
		Price:         req.Price,
		ClientOrderID: req.ClientOrderID,
		ReduceOnly:    req.ReduceOnly,
	}, rec.TxHash, err)

	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"operation":  op,
			"market_id":  req.MarketID,
			"side":       req.Side,
			"error_kind": models.KindOf(err),
		}).WithError(err).Error("Order submission failed")
		return models.OrderResult{Error: err.Error(), ErrorKind: models.KindOf(err)}
	}
	return models.OrderResult{Success: true, TxHash: rec.TxHash, Order: echoOf(req)}
}

// PlaceOrders submits several orders in one batch transaction. Each entry's
// Type selects LIMIT or MARKET handling.
func (s *Service) PlaceOrders(ctx context.Context, reqs []models.OrderRequest) models.BatchOrderResult {
	reqs = append([]models.OrderRequest(nil), reqs...)
	receipts, err := bridge.Run(ctx, s.bridge, func(ctx context.Context) ([]signer.Receipt, error) {
		if len(reqs) == 0 {
			return nil, fmt.Errorf("%w: no orders", models.ErrInvalidRequest)
		}
		actions := make([]signer.Action, 0, len(reqs))
		for i := range reqs {
			if err := validateSide(&reqs[i]); err != nil {
				return nil, fmt.Errorf("order %d: %w", i, err)
			}
			tif := models.TimeInForceGoodTillTime
			switch reqs[i].Type {
			case models.OrderTypeLimit:
			case models.OrderTypeMarket:
				tif = models.TimeInForceImmediateOrCancel
			default:
				return nil, fmt.Errorf("%w: order %d: batch supports LIMIT and MARKET, got %s", models.ErrInvalidRequest, i, reqs[i].Type)
			}
			enc, err := s.encode(ctx, reqs[i])
			if err != nil {
				return nil, fmt.Errorf("order %d: %w", i, err)
			}
			actions = append(actions, signer.CreateOrderParams{
				MarketIndex:      reqs[i].MarketID,
				ClientOrderIndex: reqs[i].ClientOrderID,
				BaseAmount:       enc.base,
				Price:            enc.price,
				IsAsk:            reqs[i].Side.IsAsk(),
				OrderType:        reqs[i].Type,
				TimeInForce:      tif,
				ReduceOnly:       reqs[i].ReduceOnly,
			})
		}
		return withSession(ctx, s, func(sess *signer.Session) ([]signer.Receipt, error) {
			return sess.SendBatch(ctx, actions...)
		})
	})

	for i, req := range reqs {
		var hash string
		if i < len(receipts) {
			hash = receipts[i].TxHash
		}
		s.record(ctx, journal.Entry{
			Operation:     "place_orders",
			MarketID:      req.MarketID,
			Side:          string(req.Side),
			Size:          req.Size,
			Price:         req.Price,
			ClientOrderID: req.ClientOrderID,
			ReduceOnly:    req.ReduceOnly,
		}, hash, err)
	}

	if err != nil {
		return models.BatchOrderResult{Error: err.Error(), ErrorKind: models.KindOf(err)}
	}
	out := models.BatchOrderResult{Success: true}
	for i, r := range receipts {
		out.TxHashes = append(out.TxHashes, r.TxHash)
		out.Orders = append(out.Orders, *echoOf(reqs[i]))
	}
	return out
}

func (s *Service) CancelOrder(ctx context.Context, market uint8, orderID int64) models.CancelResult {
	rec, err := bridge.Run(ctx, s.bridge, func(ctx context.Context) (signer.Receipt, error) {
		return withSession(ctx, s, func(sess *signer.Session) (signer.Receipt, error) {
			return sess.CancelOrder(ctx, market, orderID)
		})
	})
	s.record(ctx, journal.Entry{Operation: "cancel_order", MarketID: market, ClientOrderID: orderID}, rec.TxHash, err)

	if err != nil {
		return models.CancelResult{Error: err.Error(), ErrorKind: models.KindOf(err)}
	}
	return models.CancelResult{Success: true, TxHash: rec.TxHash, CancelledOrderID: &orderID}
}

// CancelAllOrders cancels every open order on market, or on all markets when
// market is nil.
func (s *Service) CancelAllOrders(ctx context.Context, market *uint8) models.CancelResult {
	target := models.AllMarkets
	if market != nil {
		target = *market
	}
	rec, err := bridge.Run(ctx, s.bridge, func(ctx context.Context) (signer.Receipt, error) {
		return withSession(ctx, s, func(sess *signer.Session) (signer.Receipt, error) {
			return sess.CancelAllOrders(ctx, target)
		})
	})
	s.record(ctx, journal.Entry{Operation: "cancel_all_orders", MarketID: target}, rec.TxHash, err)

	if err != nil {
		return models.CancelResult{Error: err.Error(), ErrorKind: models.KindOf(err)}
	}
	return models.CancelResult{Success: true, TxHash: rec.TxHash, MarketID: market}
}

// SendTransaction forwards a transaction that was signed elsewhere.
func (s *Service) SendTransaction(ctx context.Context, txType uint8, txInfo string) models.TxResult {
	rec, err := bridge.Run(ctx, s.bridge, func(ctx context.Context) (signer.Receipt, error) {
		return withSession(ctx, s, func(sess *signer.Session) (signer.Receipt, error) {
			return sess.SendRaw(ctx, txType, txInfo)
		})
	})
	s.record(ctx, journal.Entry{Operation: "send_transaction"}, rec.TxHash, err)

	if err != nil {
		return models.TxResult{TxType: txType, Error: err.Error(), ErrorKind: models.KindOf(err)}
	}
	return models.TxResult{Success: true, TxType: txType, TxHash: rec.TxHash}
}

// NextNonce reads the exchange's next nonce for an API key without
// consuming it.
func (s *Service) NextNonce(ctx context.Context, apiKeyIndex uint8) (models.NonceResult, error) {
	account := s.sessions.AccountIndex()
	n, err := bridge.Run(ctx, s.bridge, func(ctx context.Context) (int64, error) {
		return s.nonces.NextNonce(ctx, account, apiKeyIndex)
	})
	if err != nil {
		return models.NonceResult{}, fmt.Errorf("%w: %w", models.ErrNonceFetch, err)
	}
	return models.NonceResult{AccountIndex: account, APIKeyIndex: apiKeyIndex, Nonce: n}, nil
}

func (s *Service) record(ctx context.Context, e journal.Entry, txHash string, err error) {
	if s.recorder == nil {
		return
	}
	e.TxHash = txHash
	e.Outcome = journal.OutcomeOf(err)
	if err != nil {
		e.Error = err.Error()
		e.ErrorKind = string(models.KindOf(err))
	}
	if rerr := s.recorder.Record(context.WithoutCancel(ctx), e); rerr != nil {
		s.logger.WithError(rerr).WithField("operation", e.Operation).Warn("Failed to journal submission")
	}
}
