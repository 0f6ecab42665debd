// Package market provides the synthetic price feed.
package market

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"paper-trader/internal/logging"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

// TickHandler is invoked after a tick has been persisted.
type TickHandler func(ctx context.Context, tick models.Tick)

// Config holds simulator parameters.
type Config struct {
	Interval       time.Duration
	MaxMovePercent decimal.Decimal
	PriceFloor     decimal.Decimal
	MaxVolumeStep  int64
	Workers        int
	Seed           uint64 // 0 picks a random seed
}

// DefaultConfig returns the reference simulator parameters.
func DefaultConfig() Config {
	return Config{
		Interval:       2 * time.Second,
		MaxMovePercent: decimal.NewFromInt(2),
		PriceFloor:     decimal.NewFromInt(1),
		MaxVolumeStep:  1000,
		Workers:        4,
	}
}

// Stats is a snapshot of simulator counters.
type Stats struct {
	Cycles   int64 `json:"cycles"`
	Ticks    int64 `json:"ticks"`
	Failures int64 `json:"failures"`
}

// Simulator periodically moves every active instrument by a bounded random
// step, persists the result and fans the tick out to registered handlers.
type Simulator struct {
	store  store.Store
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	handlersMu sync.RWMutex
	handlers   []TickHandler

	cycles   atomic.Int64
	lastRun  atomic.Int64 // unix nanos of the last completed cycle
	ticks    atomic.Int64
	failures atomic.Int64
}

// NewSimulator creates a simulator over st.
func NewSimulator(st store.Store, cfg Config, logger zerolog.Logger) *Simulator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxVolumeStep < 1 {
		cfg.MaxVolumeStep = 1
	}
	return &Simulator{
		store:  st,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "simulator"),
		now:    time.Now,
		rng:    NewRand(cfg.Seed),
	}
}

// NewRand returns a PCG source seeded with seed, or randomly when seed is 0.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// OnTick registers a handler. Handlers run in registration order.
func (s *Simulator) OnTick(h TickHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Stats returns the current counters.
func (s *Simulator) Stats() Stats {
	return Stats{
		Cycles:   s.cycles.Load(),
		Ticks:    s.ticks.Load(),
		Failures: s.failures.Load(),
	}
}

// LastCycle returns when the last cycle completed, or the zero time.
func (s *Simulator) LastCycle() time.Time {
	n := s.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run drives cycles every Interval until ctx is cancelled. A cycle always
// completes before the next begins.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Price simulation started")
	defer s.logger.Info().Msg("Price simulation stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Step(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Simulation cycle completed with failures")
			}
		}
	}
}

// Step runs one cycle over all active instruments and returns the number
// updated. A failing instrument is skipped; its error is joined into the
// result without affecting the rest of the cycle.
func (s *Simulator) Step(ctx context.Context) (int, error) {
	instruments, err := s.store.ListActiveInstruments(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active instruments: %w", err)
	}
	s.cycles.Add(1)

	var updated atomic.Int64
	p := pool.New().WithMaxGoroutines(s.cfg.Workers).WithErrors()
	for _, inst := range instruments {
		p.Go(func() error {
			var pc panics.Catcher
			var err error
			pc.Try(func() { err = s.updateInstrument(ctx, inst) })
			if r := pc.Recovered(); r != nil {
				err = r.AsError()
			}
			if err != nil {
				s.failures.Add(1)
				log := logging.WithSymbol(s.logger, inst.Symbol)
				log.Error().Err(err).Msg("Failed to update instrument")
				return fmt.Errorf("%s: %w", inst.Symbol, err)
			}
			updated.Add(1)
			return nil
		})
	}
	err = p.Wait()
	s.lastRun.Store(s.now().UnixNano())
	return int(updated.Load()), err
}

func (s *Simulator) updateInstrument(ctx context.Context, snapshot models.Instrument) error {
	var tick models.Tick
	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		inst, err := tx.GetInstrument(ctx, snapshot.Symbol, snapshot.Exchange)
		if err != nil {
			return err
		}
		if !inst.Active {
			return errInactive
		}

		now := s.now()
		price, volumeStep := s.draw(inst.LastPrice)
		inst.ApplyPrice(price, volumeStep, now)

		if err := tx.SaveInstrument(ctx, inst); err != nil {
			return err
		}
		tick = inst.Tick(now)
		return tx.AppendTick(ctx, &tick)
	})
	if errors.Is(err, errInactive) {
		return nil
	}
	if err != nil {
		return err
	}

	s.ticks.Add(1)
	logging.LogTick(s.logger, tick.Symbol, tick.LastPrice, tick.Volume)
	s.dispatch(ctx, tick)
	return nil
}

var errInactive = errors.New("instrument deactivated")

func (s *Simulator) dispatch(ctx context.Context, tick models.Tick) {
	s.handlersMu.RLock()
	handlers := s.handlers
	s.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ctx, tick)
	}
}

// draw returns the next price and volume increment for an instrument
// currently at last.
func (s *Simulator) draw(last decimal.Decimal) (decimal.Decimal, int64) {
	s.rngMu.Lock()
	u := s.rng.Float64()*2 - 1
	volumeStep := 1 + s.rng.Int64N(s.cfg.MaxVolumeStep)
	s.rngMu.Unlock()

	return NextPrice(last, s.cfg.MaxMovePercent, s.cfg.PriceFloor, u), volumeStep
}

var hundred = decimal.NewFromInt(100)

// NextPrice moves last by u * maxPct percent (u in [-1, 1]), rounds to two
// decimals and clamps at floor.
func NextPrice(last, maxPct, floor decimal.Decimal, u float64) decimal.Decimal {
	delta := last.Mul(maxPct).Div(hundred).Mul(decimal.NewFromFloat(u))
	next := last.Add(delta).Round(2)
	if next.LessThan(floor) {
		return floor
	}
	return next
}
