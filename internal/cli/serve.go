package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"paper-trader/internal/gateway"
	"paper-trader/internal/market"
	"paper-trader/internal/resilience"
	"paper-trader/internal/stream"
)

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulator and the HTTP/WebSocket gateway",
		Long: `Start the price simulator, the market data broadcaster and the gateway.

The process runs until interrupted. On SIGINT or SIGTERM the simulator
finishes its current cycle, the gateway drains in-flight requests and every
WebSocket connection is closed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				app.Config.Server.Addr = addr
			}
			if noSim, _ := cmd.Flags().GetBool("no-simulator"); noSim {
				app.Config.Simulator.Enabled = false
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.serve(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().Bool("no-simulator", false, "serve without moving prices")
	return cmd
}

func (app *App) serve(ctx context.Context) error {
	cfg := app.Config
	logger := app.Logger

	st, err := app.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	simCfg := app.simulatorConfig()
	if cfg.Simulator.SeedInstruments {
		n, err := market.SeedInstruments(ctx, st, market.NewRand(simCfg.Seed))
		if err != nil {
			return err
		}
		logger.Info().Int("created", n).Msg("Reference instruments seeded")
	}

	hubCfg := stream.DefaultHubConfig()
	hubCfg.SubscriberBufferSize = cfg.Stream.SubscriberBuffer
	hub := stream.NewHubWithConfig(hubCfg, st, logger)
	svc := app.newServices(st, hub)

	sim := market.NewSimulator(st, simCfg, logger)
	// Subscribers see the tick before any resting order reacts to it.
	sim.OnTick(hub.Broadcast)
	if cfg.Trading.EvaluateRestingOrders {
		sim.OnTick(svc.processor.EvaluateResting)
	}

	health := resilience.NewHealthMonitor(cfg.Server.ReadTimeout)
	health.RegisterComponent("store", resilience.DatabaseHealthCheck(func(ctx context.Context) error {
		_, err := st.ListActiveInstruments(ctx)
		return err
	}))
	if cfg.Simulator.Enabled {
		health.RegisterComponent("simulator", resilience.FreshnessCheck(sim.LastCycle, 5*cfg.Simulator.Interval))
	}

	server := gateway.NewServer(gateway.Deps{
		Store:     st,
		Orders:    svc.processor,
		Portfolio: svc.portfolio,
		Ledger:    svc.ledger,
		Hub:       hub,
		Simulator: sim,
		Health:    health,
	}, cfg, logger)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Simulator.Enabled {
		g.Go(func() error { return sim.Run(gctx) })
	} else {
		logger.Info().Msg("Price simulator disabled")
	}
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	logger.Info().Interface("stream", hub.GetMetrics()).Interface("simulator", sim.Stats()).Msg("Stopped")
	return err
}

func (app *App) simulatorConfig() market.Config {
	sc := app.Config.Simulator
	return market.Config{
		Interval:       sc.Interval,
		MaxMovePercent: decimal.NewFromFloat(sc.MaxMovePercent),
		PriceFloor:     decimal.NewFromFloat(sc.PriceFloor),
		MaxVolumeStep:  sc.MaxVolumeStep,
		Workers:        sc.Workers,
		Seed:           sc.Seed,
	}
}
