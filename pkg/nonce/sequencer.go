// Package nonce hands out per signing key transaction nonces, using the
// exchange's counter as the source of truth.
package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/sirupsen/logrus"
)

// Source is the exchange's authoritative next-nonce endpoint.
type Source interface {
	NextNonce(ctx context.Context, accountIndex int64, apiKeyIndex uint8) (int64, error)
}

type Mode string

const (
	// ModeRemote queries the exchange before every transaction.
	ModeRemote Mode = "remote"
	// ModeCached queries once, then increments locally until invalidated.
	ModeCached Mode = "cached"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRemote, "":
		return ModeRemote, nil
	case ModeCached:
		return ModeCached, nil
	}
	return "", fmt.Errorf("unknown nonce mode %q", s)
}

// Key identifies one signing key's nonce counter.
type Key struct {
	AccountIndex int64
	APIKeyIndex  uint8
}

type counter struct {
	mu     sync.Mutex
	last   int64
	issued bool
	warm   bool
	resync bool
}

type Sequencer struct {
	source Source
	mode   Mode
	logger *logrus.Logger

	mu       sync.Mutex
	counters map[Key]*counter
}

func NewSequencer(source Source, mode Mode, logger *logrus.Logger) *Sequencer {
	return &Sequencer{
		source:   source,
		mode:     mode,
		logger:   logger,
		counters: make(map[Key]*counter),
	}
}

func (s *Sequencer) counter(k Key) *counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[k]
	if !ok {
		c = &counter{}
		s.counters[k] = c
	}
	return c
}

// Next returns the nonce for the next transaction signed by (account, key).
// Between invalidations the returned values are strictly increasing; if the
// exchange lags behind a nonce already handed out, the local floor wins.
func (s *Sequencer) Next(ctx context.Context, accountIndex int64, apiKeyIndex uint8) (int64, error) {
	k := Key{AccountIndex: accountIndex, APIKeyIndex: apiKeyIndex}
	c := s.counter(k)

	c.mu.Lock()
	defer c.mu.Unlock()

	if s.mode == ModeCached && c.warm {
		c.last++
		return c.last, nil
	}

	remote, err := s.source.NextNonce(ctx, accountIndex, apiKeyIndex)
	if err != nil {
		return 0, fmt.Errorf("%w: account %d key %d: %w", models.ErrNonceFetch, accountIndex, apiKeyIndex, err)
	}

	n := remote
	if c.issued && !c.resync && n <= c.last {
		s.logger.WithFields(logrus.Fields{
			"account_index": accountIndex,
			"api_key_index": apiKeyIndex,
			"remote_nonce":  remote,
			"last_nonce":    c.last,
		}).Debug("Exchange nonce behind local floor")
		n = c.last + 1
	}

	c.last = n
	c.issued = true
	c.warm = true
	c.resync = false
	return n, nil
}

// Invalidate drops the local view after a failed submission. The next call
// re-reads the exchange counter and accepts it as is, since the failed
// nonce may never have been consumed.
func (s *Sequencer) Invalidate(accountIndex int64, apiKeyIndex uint8) {
	c := s.counter(Key{AccountIndex: accountIndex, APIKeyIndex: apiKeyIndex})
	c.mu.Lock()
	c.warm = false
	c.resync = true
	c.mu.Unlock()
}

// KeyLocks serialises nonce acquisition and submission per signing key, so
// at most one transaction per key is in flight.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[Key]*sync.Mutex)}
}

func (l *KeyLocks) Lock(accountIndex int64, apiKeyIndex uint8) (unlock func()) {
	k := Key{AccountIndex: accountIndex, APIKeyIndex: apiKeyIndex}
	l.mu.Lock()
	m, ok := l.locks[k]
	if !ok {
		m = &sync.Mutex{}
		l.locks[k] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
