// Package fixedpoint converts human decimal sizes and prices to the integer
// base units carried by exchange transactions, and back.
package fixedpoint

import (
	"fmt"

	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	// MaxBaseAmount is the widest base amount the wire format carries (48 bits).
	MaxBaseAmount int64 = 1<<48 - 1
	// MaxPrice is the widest price the wire format carries (32 bits).
	MaxPrice int64 = 1<<32 - 1

	maxDecimals = 18
)

// Codec holds one market's precision. Size and price scale independently.
type Codec struct {
	SizeDecimals  int32
	PriceDecimals int32
}

func New(sizeDecimals, priceDecimals int32) (Codec, error) {
	if sizeDecimals < 0 || sizeDecimals > maxDecimals {
		return Codec{}, fmt.Errorf("size decimals %d out of range [0,%d]", sizeDecimals, maxDecimals)
	}
	if priceDecimals < 0 || priceDecimals > maxDecimals {
		return Codec{}, fmt.Errorf("price decimals %d out of range [0,%d]", priceDecimals, maxDecimals)
	}
	return Codec{SizeDecimals: sizeDecimals, PriceDecimals: priceDecimals}, nil
}

// EncodeSize truncates x to the market's size precision and returns the base
// amount.
func (c Codec) EncodeSize(x decimal.Decimal) (int64, error) {
	return encode("size", x, c.SizeDecimals, MaxBaseAmount)
}

func (c Codec) DecodeSize(v int64) decimal.Decimal {
	return decimal.New(v, -c.SizeDecimals)
}

// EncodePrice truncates x to the market's price precision.
func (c Codec) EncodePrice(x decimal.Decimal) (uint32, error) {
	v, err := encode("price", x, c.PriceDecimals, MaxPrice)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (c Codec) DecodePrice(v uint32) decimal.Decimal {
	return decimal.New(int64(v), -c.PriceDecimals)
}

// SizeScale is 10^SizeDecimals.
func (c Codec) SizeScale() int64 {
	return decimal.New(1, c.SizeDecimals).IntPart()
}

// PriceScale is 10^PriceDecimals.
func (c Codec) PriceScale() int64 {
	return decimal.New(1, c.PriceDecimals).IntPart()
}

func encode(field string, x decimal.Decimal, decimals int32, limit int64) (int64, error) {
	if x.IsNegative() {
		return 0, fmt.Errorf("%w: %s %s is negative", models.ErrInvalidMagnitude, field, x)
	}
	scaled := x.Shift(decimals).Truncate(0)
	if !scaled.BigInt().IsInt64() || scaled.IntPart() > limit {
		return 0, fmt.Errorf("%w: %s %s exceeds wire width (max %d base units)", models.ErrInvalidMagnitude, field, x, limit)
	}
	return scaled.IntPart(), nil
}
