package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gregtusar/perpexec/api"
	"github.com/gregtusar/perpexec/internal/config"
	"github.com/gregtusar/perpexec/pkg/lighter"
	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func parseMarket(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("market %q must be an integer in [0,255]", s)
	}
	return uint8(v), nil
}

func parseDecimal(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s %q is not a number", name, s)
	}
	return d, nil
}

func emit(v interface{}) error {
	return render(os.Stdout, outputFormat, v)
}

// report prints a result record and turns a failed one into a non-zero exit.
func report(v interface{}, success bool, kind models.ErrorKind, msg string) error {
	if err := emit(v); err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("%s: %s", kind, msg)
	}
	return nil
}

func newPositionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List open positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.positions.GetPositions(ctx)
				return report(res, res.Success, res.ErrorKind, res.Error)
			})
		},
	}
}

func newAccountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Show the raw account snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				acc, err := a.positions.AccountStatus(ctx)
				if err != nil {
					return err
				}
				return emit(acc)
			})
		},
	}
}

func newPnLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pnl MARKET",
		Short: "Show the PnL of the position on a market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := parseMarket(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.positions.GetPositionPnL(ctx, market)
				return report(res, res.Error == "", res.ErrorKind, res.Error)
			})
		},
	}
}

func newCloseCmd() *cobra.Command {
	var limitPrice, slippage string

	cmd := &cobra.Command{
		Use:   "close MARKET",
		Short: "Close the position on a market with a reduce-only order",
		Long:  "Closes at market bounded by --slippage percent around a fresh quote, or with a limit order at --limit-price.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := parseMarket(args[0])
			if err != nil {
				return err
			}
			if limitPrice != "" && slippage != "" {
				return fmt.Errorf("--limit-price and --slippage are mutually exclusive")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var res models.ClosePositionResult
				switch {
				case limitPrice != "":
					price, err := parseDecimal("limit price", limitPrice)
					if err != nil {
						return err
					}
					res = a.positions.ClosePositionLimit(ctx, market, price)
				case slippage != "":
					pct, err := parseDecimal("slippage", slippage)
					if err != nil {
						return err
					}
					res = a.positions.ClosePositionMarket(ctx, market, &pct)
				default:
					res = a.positions.ClosePositionMarket(ctx, market, nil)
				}
				return report(res, res.Success, res.ErrorKind, res.Error)
			})
		},
	}

	cmd.Flags().StringVar(&limitPrice, "limit-price", "", "close with a limit order at this price")
	cmd.Flags().StringVar(&slippage, "slippage", "", "max slippage percent for a market close (default from config)")
	return cmd
}

func newOrderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Place orders",
	}
	cmd.AddCommand(newPlaceCmd("limit", "Place a GOOD_TILL_TIME limit order"), newPlaceCmd("market", "Place an IMMEDIATE_OR_CANCEL market order bounded by PRICE"))
	return cmd
}

func newPlaceCmd(kind, short string) *cobra.Command {
	var clientOrderID int64
	var reduceOnly bool

	cmd := &cobra.Command{
		Use:   kind + " MARKET SIDE SIZE PRICE",
		Short: short,
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := parseMarket(args[0])
			if err != nil {
				return err
			}
			side, err := models.ParseOrderSide(args[1])
			if err != nil {
				return err
			}
			size, err := parseDecimal("size", args[2])
			if err != nil {
				return err
			}
			price, err := parseDecimal("price", args[3])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if !cmd.Flags().Changed("client-order-id") {
					clientOrderID = a.cfg.Trading.DefaultClientOrderID
				}
				req := models.OrderRequest{
					MarketID:      market,
					Side:          side,
					Size:          size,
					Price:         price,
					ClientOrderID: clientOrderID,
					ReduceOnly:    reduceOnly,
				}
				var res models.OrderResult
				if kind == "market" {
					res = a.exec.PlaceMarketOrder(ctx, req)
				} else {
					res = a.exec.PlaceLimitOrder(ctx, req)
				}
				return report(res, res.Success, res.ErrorKind, res.Error)
			})
		},
	}

	cmd.Flags().Int64Var(&clientOrderID, "client-order-id", 0, "client order index (default from config)")
	cmd.Flags().BoolVar(&reduceOnly, "reduce-only", false, "only reduce an existing position")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel MARKET ORDER_ID",
		Short: "Cancel one resting order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := parseMarket(args[0])
			if err != nil {
				return err
			}
			orderID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("order id %q must be an integer", args[1])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.exec.CancelOrder(ctx, market, orderID)
				return report(res, res.Success, res.ErrorKind, res.Error)
			})
		},
	}
}

func newCancelAllCmd() *cobra.Command {
	var market int

	cmd := &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel all resting orders, on every market unless --market is given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var target *uint8
			if cmd.Flags().Changed("market") {
				if market < 0 || market > 255 {
					return fmt.Errorf("market %d must be in [0,255]", market)
				}
				m := uint8(market)
				target = &m
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.exec.CancelAllOrders(ctx, target)
				return report(res, res.Success, res.ErrorKind, res.Error)
			})
		},
	}

	cmd.Flags().IntVar(&market, "market", 0, "restrict to one market")
	return cmd
}

func newNonceCmd() *cobra.Command {
	var key int

	cmd := &cobra.Command{
		Use:   "nonce",
		Short: "Show the next nonce the exchange expects for an API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				idx := a.defaultKeyIndex()
				if cmd.Flags().Changed("key") {
					if key < 0 || key >= int(models.APIKeyIndexAll) {
						return fmt.Errorf("api key index %d must be in [0,254]", key)
					}
					idx = uint8(key)
				}
				res, err := a.exec.NextNonce(ctx, idx)
				if err != nil {
					return err
				}
				return emit(res)
			})
		},
	}

	cmd.Flags().IntVar(&key, "key", 0, "api key index (default: the signing key)")
	return cmd
}

func newSendTxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-tx TX_TYPE TX_INFO",
		Short: "Submit a transaction signed elsewhere",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			txType, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return fmt.Errorf("tx type %q must be an integer in [0,255]", args[0])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.exec.SendTransaction(ctx, uint8(txType), args[1])
				return report(res, res.Success, res.ErrorKind, res.Error)
			})
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch MARKET...",
		Short: "Stream market stats until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			markets := make([]uint8, 0, len(args))
			for _, arg := range args {
				m, err := parseMarket(arg)
				if err != nil {
					return err
				}
				markets = append(markets, m)
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				var mu sync.Mutex
				stream := lighter.NewStreamClient(a.cfg.Exchange.WSURL, func(stats models.MarketStats) {
					mu.Lock()
					defer mu.Unlock()
					if err := emit(stats); err != nil {
						a.logger.WithError(err).Warn("Failed to render market stats")
					}
				}, a.logger)

				if err := stream.Connect(ctx); err != nil {
					return err
				}
				defer stream.Close()

				for _, m := range markets {
					if err := stream.SubscribeMarketStats(m); err != nil {
						return err
					}
				}

				select {
				case <-ctx.Done():
					return nil
				case <-stream.Done():
					return fmt.Errorf("market stats stream closed")
				}
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent submissions from the journal, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.journal == nil {
					return fmt.Errorf("submission journal is disabled (database.path is empty)")
				}
				entries, err := a.journal.List(ctx, limit)
				if err != nil {
					return err
				}
				return emit(entries)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "number of entries")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var history api.History
				if a.journal != nil {
					history = a.journal
				}
				server := api.NewServer(a.exec, a.positions, history, api.Options{
					Port:               a.cfg.Server.Port,
					JWTSecret:          a.cfg.Server.JWTSecret,
					DefaultAPIKeyIndex: a.defaultKeyIndex(),
				}, a.logger)

				errCh := make(chan error, 1)
				go func() {
					errCh <- server.Start()
				}()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}

				a.logger.Info("Received shutdown signal")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return err
				}
				a.logger.WithField("bridge", a.bridge.Stats()).Info("API server stopped")
				return nil
			})
		},
	}
}

func newTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			token, err := api.IssueToken(cfg.Server.JWTSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			return emit(map[string]string{
				"token":      token,
				"subject":    subject,
				"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
			})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
