package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"paper-trader/internal/config"
	"paper-trader/internal/market"
	"paper-trader/internal/models"
	"paper-trader/pkg/utils"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("paper-trader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": app.ConfigDir})
			}
			output.Println(app.ConfigDir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			// Load already validated; reaching here means it passed.
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Server")
	output.Printf("  Address:          %s\n", cfg.Server.Addr)
	output.Printf("  Shutdown timeout: %s\n", cfg.Server.ShutdownTimeout)
	output.Println()

	output.Bold("Simulator")
	output.Printf("  Enabled:          %v\n", cfg.Simulator.Enabled)
	output.Printf("  Interval:         %s\n", cfg.Simulator.Interval)
	output.Printf("  Max move:         %.2f%%\n", cfg.Simulator.MaxMovePercent)
	output.Printf("  Workers:          %d\n", cfg.Simulator.Workers)
	output.Println()

	output.Bold("Trading")
	output.Printf("  Default exchange: %s\n", cfg.Trading.DefaultExchange)
	output.Printf("  Default product:  %s\n", cfg.Trading.DefaultProduct)
	output.Printf("  Resting orders:   %v\n", cfg.Trading.EvaluateRestingOrders)
	output.Println()

	output.Bold("Account")
	output.Printf("  Demo user:        %s\n", cfg.Account.DemoUser)
	output.Printf("  Initial balance:  %s\n", utils.FormatIndianCurrency(decimal.NewFromFloat(cfg.Account.InitialBalance)))
	output.Printf("  Enforce balance:  %v\n", cfg.Account.EnforceBalance)
	output.Println()

	output.Bold("Store")
	output.Printf("  Driver:           %s\n", cfg.Store.Driver)
	if cfg.Store.Driver == "sqlite" {
		output.Printf("  Path:             %s\n", cfg.Store.Path)
	}
}

func newSeedCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert the reference instruments",
		Long:  "Insert the reference NSE instruments that are not already in the store. Existing instruments keep their prices.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := market.SeedInstruments(ctx, st, market.NewRand(app.Config.Simulator.Seed))
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]int{"created": n})
			}
			output.Success("Seeded %d instruments", n)
			return nil
		},
	}
}

func newOrdersCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List, place and cancel orders",
	}
	cmd.PersistentFlags().String("user", "", "user id (default: account.demo_user)")

	list := func(use, short string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				st, err := app.openStore(ctx)
				if err != nil {
					return err
				}
				defer st.Close()
				svc := app.newServices(st, nil)

				session := app.userFlag(cmd)
				var orders []models.Order
				switch use {
				case "book":
					orders, err = svc.processor.OrderBook(ctx, session)
				case "trades":
					orders, err = svc.processor.TradeBook(ctx, session)
				default:
					orders, err = svc.processor.Orders(ctx, session)
				}
				if err != nil {
					return err
				}
				return renderOrders(NewOutput(cmd), orders)
			},
		}
	}
	cmd.AddCommand(list("list", "List all orders"))
	cmd.AddCommand(list("book", "List pending orders"))
	cmd.AddCommand(list("trades", "List executed orders"))

	place := &cobra.Command{
		Use:   "place <symbol> <BUY|SELL> <quantity>",
		Short: "Place an order",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := orderRequestFromArgs(cmd, args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			order, err := app.newServices(st, nil).processor.Submit(ctx, app.userFlag(cmd), req)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(order)
			}
			output.Success("Order %s %s", order.ID, order.Status)
			output.Printf("  %s %d %s @ %s = %s\n", order.Side, order.Quantity, order.Symbol,
				order.EffectivePrice().StringFixed(2), utils.FormatIndianCurrency(order.OrderValue))
			return nil
		},
	}
	place.Flags().String("type", "MARKET", "order type: MARKET, LIMIT, STOP, STOP_MARKET")
	place.Flags().String("price", "", "limit price")
	place.Flags().String("trigger", "", "trigger price for STOP and STOP_MARKET")
	place.Flags().String("exchange", "", "exchange (default: trading.default_exchange)")
	place.Flags().String("product", "", "DELIVERY or INTRADAY (default: trading.default_product)")
	cmd.AddCommand(place)

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel a pending order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			order, err := app.newServices(st, nil).processor.Cancel(ctx, app.userFlag(cmd), args[0])
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(order)
			}
			output.Success("Order %s cancelled", order.ID)
			return nil
		},
	})

	return cmd
}

func orderRequestFromArgs(cmd *cobra.Command, args []string) (models.OrderRequest, error) {
	qty, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return models.OrderRequest{}, fmt.Errorf("invalid quantity %q", args[2])
	}
	typ, _ := cmd.Flags().GetString("type")
	exchange, _ := cmd.Flags().GetString("exchange")
	product, _ := cmd.Flags().GetString("product")

	req := models.OrderRequest{
		Symbol:   strings.ToUpper(args[0]),
		Side:     models.OrderSide(strings.ToUpper(args[1])),
		Quantity: qty,
		Type:     models.OrderType(strings.ToUpper(typ)),
		Exchange: models.Exchange(strings.ToUpper(exchange)),
		Product:  models.ProductType(strings.ToUpper(product)),
	}
	if raw, _ := cmd.Flags().GetString("price"); raw != "" {
		if req.Price, err = decimal.NewFromString(raw); err != nil {
			return req, fmt.Errorf("invalid price %q", raw)
		}
	}
	if raw, _ := cmd.Flags().GetString("trigger"); raw != "" {
		if req.TriggerPrice, err = decimal.NewFromString(raw); err != nil {
			return req, fmt.Errorf("invalid trigger price %q", raw)
		}
	}
	return req, nil
}

func renderOrders(output *Output, orders []models.Order) error {
	if output.IsJSON() {
		if orders == nil {
			orders = []models.Order{}
		}
		return output.JSON(orders)
	}
	if len(orders) == 0 {
		output.Dim("No orders")
		return nil
	}
	table := NewTable(output, "ID", "Time", "Symbol", "Side", "Type", "Qty", "Price", "Value", "Status")
	for _, o := range orders {
		table.AddRow(
			shortID(o.ID),
			o.CreatedAt.Local().Format("15:04:05"),
			o.Symbol,
			string(o.Side),
			string(o.Type),
			utils.FormatQuantity(o.Quantity),
			o.EffectivePrice().StringFixed(2),
			utils.FormatIndianCurrency(o.OrderValue),
			output.Status(string(o.Status)),
		)
	}
	table.Render()
	return nil
}

func newPortfolioCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "portfolio",
		Aliases: []string{"pf"},
		Short:   "Show holdings, positions and funds",
	}
	cmd.PersistentFlags().String("user", "", "user id (default: account.demo_user)")

	cmd.AddCommand(&cobra.Command{
		Use:   "holdings",
		Short: "Show delivery holdings valued at the last price",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			views, err := app.newServices(st, nil).portfolio.Holdings(ctx, app.userFlag(cmd).UserID)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(views)
			}
			if len(views) == 0 {
				output.Dim("No holdings")
				return nil
			}
			table := NewTable(output, "Symbol", "Qty", "Avg", "LTP", "Invested", "Current", "P&L", "%")
			for _, v := range views {
				table.AddRow(
					v.Symbol,
					utils.FormatQuantity(v.Quantity),
					v.AvgPrice.StringFixed(2),
					v.LastPrice.StringFixed(2),
					utils.FormatIndianCurrency(v.InvestedValue),
					utils.FormatIndianCurrency(v.CurrentValue),
					output.PnL(v.PnL),
					output.Percent(v.PnLPercent),
				)
			}
			table.Render()
			return nil
		},
	})

	positions := &cobra.Command{
		Use:   "positions",
		Short: "Show net intraday positions for a trade date",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			date, _ := cmd.Flags().GetString("date")
			views, err := app.newServices(st, nil).portfolio.Positions(ctx, app.userFlag(cmd).UserID, date)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(views)
			}
			if len(views) == 0 {
				output.Dim("No positions")
				return nil
			}
			table := NewTable(output, "Symbol", "Net", "Bought", "Sold", "Avg", "LTP", "P&L")
			for _, v := range views {
				table.AddRow(
					v.Symbol,
					strconv.FormatInt(v.Quantity, 10),
					utils.FormatQuantity(v.BuyQuantity),
					utils.FormatQuantity(v.SellQuantity),
					v.AvgPrice.StringFixed(2),
					v.LastPrice.StringFixed(2),
					output.PnL(v.PnL),
				)
			}
			table.Render()
			return nil
		},
	}
	positions.Flags().String("date", "", "trade date YYYY-MM-DD (default: today, IST)")
	cmd.AddCommand(positions)

	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Show portfolio totals and funds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := app.newServices(st, nil)
			user := app.userFlag(cmd).UserID
			summary, err := svc.portfolio.Summary(ctx, user)
			if err != nil {
				return err
			}
			funds, err := svc.portfolio.Funds(ctx, user)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]any{"summary": summary, "funds": funds})
			}
			output.Bold("Portfolio (%s)", user)
			output.Printf("  Holdings:   %d\n", summary.HoldingCount)
			output.Printf("  Invested:   %s\n", utils.FormatIndianCurrency(summary.TotalInvested))
			output.Printf("  Current:    %s\n", utils.FormatIndianCurrency(summary.CurrentValue))
			output.Printf("  P&L:        %s (%s)\n", output.PnL(summary.TotalPnL), output.Percent(summary.TotalPnLPercent))
			output.Printf("  Day P&L:    %s (%s)\n", output.PnL(summary.DayPnL), output.Percent(summary.DayPnLPercent))
			output.Println()
			output.Bold("Funds")
			output.Printf("  Available:  %s\n", utils.FormatIndianCurrency(funds.Available))
			output.Printf("  Total:      %s\n", utils.FormatIndianCurrency(funds.Total))
			return nil
		},
	})

	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
