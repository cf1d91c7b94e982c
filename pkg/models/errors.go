package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound   = errors.New("config not found")
	ErrSignerInit       = errors.New("signer init failed")
	ErrNonceFetch       = errors.New("nonce fetch failed")
	ErrNoOpenPosition   = errors.New("no open position")
	ErrExchangeRejected = errors.New("exchange rejected transaction")
	ErrTransport        = errors.New("transport error")
	ErrInvalidMagnitude = errors.New("invalid magnitude")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrSessionClosed    = errors.New("signer session closed")
)

// ExchangeRejectedError means the exchange answered but declined the
// transaction. It must not be retried blindly: a retry can double-submit.
type ExchangeRejectedError struct {
	Code    int
	Message string
}

func (e *ExchangeRejectedError) Error() string {
	return fmt.Sprintf("exchange rejected transaction (code %d): %s", e.Code, e.Message)
}

func (e *ExchangeRejectedError) Is(target error) bool {
	return target == ErrExchangeRejected
}

// TransportError covers network failures and timeouts. For submissions the
// outcome is unknown; callers reconcile by re-reading account state.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("transport timeout during %s (outcome unknown): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// NewTransportError wraps err, flagging context deadlines as timeouts.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{
		Op:      op,
		Timeout: errors.Is(err, context.DeadlineExceeded) || isTimeout(err),
		Err:     err,
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

type ErrorKind string

const (
	KindConfigNotFound   ErrorKind = "ConfigNotFound"
	KindSignerInit       ErrorKind = "SignerInitError"
	KindNonceFetch       ErrorKind = "NonceFetchError"
	KindNoOpenPosition   ErrorKind = "NoOpenPosition"
	KindExchangeRejected ErrorKind = "ExchangeRejected"
	KindTransport        ErrorKind = "TransportError"
	KindTimeout          ErrorKind = "Timeout"
	KindInvalidMagnitude ErrorKind = "InvalidMagnitude"
	KindInvalidRequest   ErrorKind = "InvalidRequest"
	KindInternal         ErrorKind = "Internal"
)

// KindOf maps err onto the error taxonomy. The first matching class wins, in
// the order the classes are checked below.
func KindOf(err error) ErrorKind {
	var te *TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfigNotFound):
		return KindConfigNotFound
	case errors.Is(err, ErrSignerInit):
		return KindSignerInit
	case errors.Is(err, ErrNonceFetch):
		return KindNonceFetch
	case errors.Is(err, ErrNoOpenPosition):
		return KindNoOpenPosition
	case errors.Is(err, ErrExchangeRejected):
		return KindExchangeRejected
	case errors.As(err, &te) && te.Timeout:
		return KindTimeout
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrInvalidMagnitude):
		return KindInvalidMagnitude
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	}
	return KindInternal
}
