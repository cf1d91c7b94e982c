package main

import (
	"github.com/gregtusar/perpexec/internal/config"
	"github.com/gregtusar/perpexec/internal/logging"
	"github.com/gregtusar/perpexec/pkg/bridge"
	"github.com/gregtusar/perpexec/pkg/execution"
	"github.com/gregtusar/perpexec/pkg/fixedpoint"
	"github.com/gregtusar/perpexec/pkg/journal"
	"github.com/gregtusar/perpexec/pkg/lighter"
	"github.com/gregtusar/perpexec/pkg/nonce"
	"github.com/gregtusar/perpexec/pkg/position"
	"github.com/gregtusar/perpexec/pkg/signer"
	"github.com/sirupsen/logrus"
)

// app holds the wired components for one process.
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	client    *lighter.Client
	bridge    *bridge.Bridge
	journal   *journal.Store
	exec      *execution.Service
	positions *position.Manager
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging, nil)
	if err != nil {
		return nil, err
	}

	clientOpts := lighter.Options{
		BaseURL:   cfg.Exchange.BaseURL,
		Timeout:   cfg.Exchange.Timeout,
		RateLimit: cfg.Exchange.RateLimitPerSecond,
		RateBurst: cfg.Exchange.RateBurst,
	}
	client := lighter.NewClient(clientOpts, logger)

	// Read-only commands work without keys; the factory reports the
	// missing config when a write is attempted.
	keys, err := cfg.SigningKeys()
	if err != nil {
		logger.WithError(err).Debug("No signing keys configured")
		keys = nil
	}

	mode, err := nonce.ParseMode(cfg.Trading.NonceMode)
	if err != nil {
		return nil, err
	}
	seq := nonce.NewSequencer(client, mode, logger)

	factory := signer.NewFactory(signer.Config{
		AccountIndex: cfg.Exchange.AccountIndex,
		PrivateKeys:  keys,
		OrderExpiry:  cfg.Trading.OrderExpiry,
		TxExpiry:     cfg.Trading.TxExpiry,
	}, func() signer.API {
		return lighter.NewClient(clientOpts, logger)
	}, seq, logger)

	registry := fixedpoint.NewRegistry(client, cfg.DefaultCodec(), cfg.CodecOverrides(), logger)
	b := bridge.New(cfg.Trading.OperationTimeout, logger)

	a := &app{
		cfg:    cfg,
		logger: logger,
		client: client,
		bridge: b,
	}

	var recorder execution.Recorder
	if cfg.Database.Path != "" {
		store, err := journal.Open(cfg.Database.Path, logger)
		if err != nil {
			return nil, err
		}
		a.journal = store
		recorder = store
	}

	a.exec = execution.NewService(factory, registry, b, client, recorder, logger)
	a.positions = position.NewManager(client, a.exec, position.Config{
		AccountIndex:              cfg.Exchange.AccountIndex,
		DefaultMaxSlippagePercent: cfg.DefaultMaxSlippage(),
		CloseMarketClientOrderID:  cfg.Trading.CloseMarketClientOrderID,
		CloseLimitClientOrderID:   cfg.Trading.CloseLimitClientOrderID,
	}, logger)
	return a, nil
}

// defaultKeyIndex is the key sessions sign with: the lowest configured one.
func (a *app) defaultKeyIndex() uint8 {
	keys, err := a.cfg.SigningKeys()
	if err != nil {
		return 0
	}
	lowest := -1
	for idx := range keys {
		if lowest < 0 || int(idx) < lowest {
			lowest = int(idx)
		}
	}
	return uint8(lowest)
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close journal")
		}
	}
	a.client.Close()
}
