// Package cli provides the command-line interface for the paper trading
// service.
package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"paper-trader/internal/config"
	"paper-trader/internal/logging"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
	"paper-trader/internal/trading"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies shared by commands.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "paper-trader",
		Short: "Simulated NSE/BSE trading service",
		Long: `paper-trader runs a simulated market for Indian equities.

A price simulator moves instrument prices on a fixed cadence, a broadcaster
streams them over WebSocket, and an order processor executes paper trades
against the live simulated price while keeping holdings and intraday
positions consistent.

Use 'paper-trader serve' to start the HTTP and WebSocket gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/paper-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newSeedCmd(app))
	rootCmd.AddCommand(newOrdersCmd(app))
	rootCmd.AddCommand(newPortfolioCmd(app))

	return rootCmd
}

// load reads configuration and rebuilds the logger from it.
func (app *App) load(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}

	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	app.Config = cfg
	app.ConfigDir = dir

	lc := cfg.Logging
	if lc.FilePath == "" {
		lc.FilePath = filepath.Join(dir, "logs", "paper-trader.log")
	}
	app.Logger = logging.NewLoggerWithConfig(logging.LogConfig{
		Level:      lc.Level,
		Console:    lc.Console,
		File:       lc.File,
		FilePath:   lc.FilePath,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
	})

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logging.SetDebugLevel()
		app.Logger = app.Logger.Level(zerolog.DebugLevel)
	}
	return nil
}

// services is the wired trading core.
type services struct {
	store     store.Store
	ledger    *trading.Ledger
	processor *trading.Processor
	portfolio *trading.Portfolio
}

func (app *App) openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, app.Config.Store)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", app.Config.Store.Driver, err)
	}
	return st, nil
}

// newServices builds the trading core over st. A nil notifier discards order
// events.
func (app *App) newServices(st store.Store, notifier trading.Notifier) *services {
	ledger := trading.NewLedger(st, decimal.NewFromFloat(app.Config.Account.InitialBalance),
		app.Config.Account.EnforceBalance, app.Logger)
	processor := trading.NewProcessor(st, ledger, notifier, trading.Config{
		DefaultExchange: models.Exchange(strings.ToUpper(app.Config.Trading.DefaultExchange)),
		DefaultProduct:  models.ProductType(strings.ToUpper(app.Config.Trading.DefaultProduct)),
		LockStripes:     app.Config.Trading.LockStripes,
	}, app.Logger)

	return &services{
		store:     st,
		ledger:    ledger,
		processor: processor,
		portfolio: trading.NewPortfolio(st, ledger),
	}
}

// userFlag returns the --user flag value, defaulting to the demo user.
func (app *App) userFlag(cmd *cobra.Command) trading.Session {
	if u, _ := cmd.Flags().GetString("user"); u != "" {
		return trading.Session{UserID: u}
	}
	return trading.Session{UserID: app.Config.Account.DemoUser}
}
