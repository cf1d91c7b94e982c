package signer

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/gregtusar/perpexec/pkg/fixedpoint"
	"github.com/gregtusar/perpexec/pkg/models"
)

// Transaction types understood by the exchange.
const (
	TxTypeCreateOrder     uint8 = 14
	TxTypeCancelOrder     uint8 = 15
	TxTypeCancelAllOrders uint8 = 16
)

const (
	// MaxClientOrderIndex matches the 48-bit client order index field.
	MaxClientOrderIndex int64 = 1<<48 - 1
	// NilTriggerPrice marks orders without a trigger.
	NilTriggerPrice uint32 = 0
	// ImmediateExpiry is the order expiry carried by IOC orders.
	ImmediateExpiry int64 = 0
)

// CreateOrderTx is the tx_info payload of a create-order transaction.
type CreateOrderTx struct {
	AccountIndex     int64              `json:"AccountIndex"`
	ApiKeyIndex      uint8              `json:"ApiKeyIndex"`
	MarketIndex      uint8              `json:"MarketIndex"`
	ClientOrderIndex int64              `json:"ClientOrderIndex"`
	BaseAmount       int64              `json:"BaseAmount"`
	Price            uint32             `json:"Price"`
	IsAsk            bool               `json:"IsAsk"`
	Type             models.OrderType   `json:"Type"`
	TimeInForce      models.TimeInForce `json:"TimeInForce"`
	ReduceOnly       bool               `json:"ReduceOnly"`
	TriggerPrice     uint32             `json:"TriggerPrice"`
	OrderExpiry      int64              `json:"OrderExpiry"`
	ExpiredAt        int64              `json:"ExpiredAt"`
	Nonce            int64              `json:"Nonce"`
	Sig              string             `json:"Sig,omitempty"`
}

type CancelOrderTx struct {
	AccountIndex int64  `json:"AccountIndex"`
	ApiKeyIndex  uint8  `json:"ApiKeyIndex"`
	MarketIndex  uint8  `json:"MarketIndex"`
	Index        int64  `json:"Index"`
	ExpiredAt    int64  `json:"ExpiredAt"`
	Nonce        int64  `json:"Nonce"`
	Sig          string `json:"Sig,omitempty"`
}

// CancelAllOrdersTx cancels every open order on MarketIndex, or on all
// markets when MarketIndex is models.AllMarkets.
type CancelAllOrdersTx struct {
	AccountIndex int64                       `json:"AccountIndex"`
	ApiKeyIndex  uint8                       `json:"ApiKeyIndex"`
	MarketIndex  uint8                       `json:"MarketIndex"`
	TimeInForce  models.CancelAllTimeInForce `json:"TimeInForce"`
	Time         int64                       `json:"Time"`
	ExpiredAt    int64                       `json:"ExpiredAt"`
	Nonce        int64                       `json:"Nonce"`
	Sig          string                      `json:"Sig,omitempty"`
}

// SignedTx is an immutable, signed transaction ready for submission.
type SignedTx struct {
	Type        uint8
	Info        string
	Hash        common.Hash
	Nonce       int64
	APIKeyIndex uint8
}

func (tx *CreateOrderTx) validate() error {
	switch {
	case tx.MarketIndex == models.AllMarkets:
		return fmt.Errorf("%w: market %d is reserved", models.ErrInvalidRequest, tx.MarketIndex)
	case !tx.Type.Valid():
		return fmt.Errorf("%w: unknown order type %d", models.ErrInvalidRequest, tx.Type)
	case !tx.TimeInForce.Valid():
		return fmt.Errorf("%w: unknown time in force %d", models.ErrInvalidRequest, tx.TimeInForce)
	case tx.ClientOrderIndex < 0 || tx.ClientOrderIndex > MaxClientOrderIndex:
		return fmt.Errorf("%w: client order index %d out of range", models.ErrInvalidRequest, tx.ClientOrderIndex)
	case tx.BaseAmount <= 0 || tx.BaseAmount > fixedpoint.MaxBaseAmount:
		return fmt.Errorf("%w: base amount %d out of range", models.ErrInvalidMagnitude, tx.BaseAmount)
	case tx.Price == 0:
		return fmt.Errorf("%w: price must be positive", models.ErrInvalidMagnitude)
	case tx.OrderExpiry < 0:
		return fmt.Errorf("%w: negative order expiry", models.ErrInvalidRequest)
	}
	return nil
}

// Canonical message layouts. Field order is part of the signed format.

type createOrderMessage struct {
	AccountIndex     uint64
	ApiKeyIndex      uint8
	MarketIndex      uint8
	ClientOrderIndex uint64
	BaseAmount       uint64
	Price            uint32
	IsAsk            bool
	Type             uint8
	TimeInForce      uint8
	ReduceOnly       bool
	TriggerPrice     uint32
	OrderExpiry      uint64
	ExpiredAt        uint64
	Nonce            uint64
}

type cancelOrderMessage struct {
	AccountIndex uint64
	ApiKeyIndex  uint8
	MarketIndex  uint8
	Index        uint64
	ExpiredAt    uint64
	Nonce        uint64
}

type cancelAllOrdersMessage struct {
	AccountIndex uint64
	ApiKeyIndex  uint8
	MarketIndex  uint8
	TimeInForce  uint8
	Time         uint64
	ExpiredAt    uint64
	Nonce        uint64
}

func (tx *CreateOrderTx) message() interface{} {
	return createOrderMessage{
		AccountIndex:     uint64(tx.AccountIndex),
		ApiKeyIndex:      tx.ApiKeyIndex,
		MarketIndex:      tx.MarketIndex,
		ClientOrderIndex: uint64(tx.ClientOrderIndex),
		BaseAmount:       uint64(tx.BaseAmount),
		Price:            tx.Price,
		IsAsk:            tx.IsAsk,
		Type:             uint8(tx.Type),
		TimeInForce:      uint8(tx.TimeInForce),
		ReduceOnly:       tx.ReduceOnly,
		TriggerPrice:     tx.TriggerPrice,
		OrderExpiry:      uint64(tx.OrderExpiry),
		ExpiredAt:        uint64(tx.ExpiredAt),
		Nonce:            uint64(tx.Nonce),
	}
}

func (tx *CancelOrderTx) message() interface{} {
	return cancelOrderMessage{
		AccountIndex: uint64(tx.AccountIndex),
		ApiKeyIndex:  tx.ApiKeyIndex,
		MarketIndex:  tx.MarketIndex,
		Index:        uint64(tx.Index),
		ExpiredAt:    uint64(tx.ExpiredAt),
		Nonce:        uint64(tx.Nonce),
	}
}

func (tx *CancelAllOrdersTx) message() interface{} {
	return cancelAllOrdersMessage{
		AccountIndex: uint64(tx.AccountIndex),
		ApiKeyIndex:  tx.ApiKeyIndex,
		MarketIndex:  tx.MarketIndex,
		TimeInForce:  uint8(tx.TimeInForce),
		Time:         uint64(tx.Time),
		ExpiredAt:    uint64(tx.ExpiredAt),
		Nonce:        uint64(tx.Nonce),
	}
}

// Hash returns Keccak256(txType || rlp(message)).
func Hash(txType uint8, message interface{}) (common.Hash, error) {
	encoded, err := rlp.EncodeToBytes(message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode tx message: %w", err)
	}
	return crypto.Keccak256Hash([]byte{txType}, encoded), nil
}

// sign hashes the message, stores the signature through setSig and renders
// the tx_info JSON of info.
func sign(key *ecdsa.PrivateKey, txType uint8, message interface{}, info interface{}, setSig func(string)) (common.Hash, string, error) {
	hash, err := Hash(txType, message)
	if err != nil {
		return common.Hash{}, "", err
	}
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return common.Hash{}, "", fmt.Errorf("sign tx: %w", err)
	}
	setSig(hexutil.Encode(sig))

	raw, err := json.Marshal(info)
	if err != nil {
		return common.Hash{}, "", fmt.Errorf("encode tx info: %w", err)
	}
	return hash, string(raw), nil
}

// SignCreateOrder signs tx in place and returns the submission form.
func SignCreateOrder(key *ecdsa.PrivateKey, tx *CreateOrderTx) (SignedTx, error) {
	if err := tx.validate(); err != nil {
		return SignedTx{}, err
	}
	hash, info, err := sign(key, TxTypeCreateOrder, tx.message(), tx, func(s string) { tx.Sig = s })
	if err != nil {
		return SignedTx{}, err
	}
	return SignedTx{Type: TxTypeCreateOrder, Info: info, Hash: hash, Nonce: tx.Nonce, APIKeyIndex: tx.ApiKeyIndex}, nil
}

func SignCancelOrder(key *ecdsa.PrivateKey, tx *CancelOrderTx) (SignedTx, error) {
	if tx.MarketIndex == models.AllMarkets {
		return SignedTx{}, fmt.Errorf("%w: cancel of one order needs a concrete market", models.ErrInvalidRequest)
	}
	if tx.Index < 0 {
		return SignedTx{}, fmt.Errorf("%w: order index %d is negative", models.ErrInvalidRequest, tx.Index)
	}
	hash, info, err := sign(key, TxTypeCancelOrder, tx.message(), tx, func(s string) { tx.Sig = s })
	if err != nil {
		return SignedTx{}, err
	}
	return SignedTx{Type: TxTypeCancelOrder, Info: info, Hash: hash, Nonce: tx.Nonce, APIKeyIndex: tx.ApiKeyIndex}, nil
}

func SignCancelAllOrders(key *ecdsa.PrivateKey, tx *CancelAllOrdersTx) (SignedTx, error) {
	if tx.TimeInForce > models.CancelAllAbort {
		return SignedTx{}, fmt.Errorf("%w: unknown cancel-all time in force %d", models.ErrInvalidRequest, tx.TimeInForce)
	}
	if tx.Time < 0 {
		return SignedTx{}, fmt.Errorf("%w: negative cancel-all time", models.ErrInvalidRequest)
	}
	hash, info, err := sign(key, TxTypeCancelAllOrders, tx.message(), tx, func(s string) { tx.Sig = s })
	if err != nil {
		return SignedTx{}, err
	}
	return SignedTx{Type: TxTypeCancelAllOrders, Info: info, Hash: hash, Nonce: tx.Nonce, APIKeyIndex: tx.ApiKeyIndex}, nil
}
