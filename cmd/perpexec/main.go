package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gregtusar/perpexec/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	outputFormat string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "perpexec",
		Short:         "Perpetual futures execution toolkit",
		Long:          `Signs and submits orders to a Lighter-style perpetual exchange and manages the account's open positions`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputJSON, "output format: json or yaml")

	rootCmd.AddCommand(
		newPositionsCmd(),
		newAccountCmd(),
		newPnLCmd(),
		newCloseCmd(),
		newOrderCmd(),
		newCancelCmd(),
		newCancelAllCmd(),
		newNonceCmd(),
		newSendTxCmd(),
		newWatchCmd(),
		newHistoryCmd(),
		newServeCmd(),
		newTokenCmd(),
	)
	return rootCmd
}

// withApp loads configuration, wires the components and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}
