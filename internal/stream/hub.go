// Package stream provides real-time distribution of market data and order
// events to connected clients.
package stream

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/logging"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// SubscriberBufferSize is the size of each connection's outbound queue.
	SubscriberBufferSize int
	// SlowConsumerDropThreshold is the number of drops between warnings.
	SlowConsumerDropThreshold int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SubscriberBufferSize:      256,
		SlowConsumerDropThreshold: 100,
	}
}

// Hub is the subscription registry. It owns every connection's interest set
// and outbound queue, and fans ticks and order events out to them.
type Hub struct {
	config      HubConfig
	instruments store.InstrumentReader
	logger      zerolog.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber            // connID -> subscriber
	bySymbol    map[string]map[string]*Subscriber // symbol -> connID -> subscriber
	byUser      map[string]map[string]*Subscriber // userID -> connID -> subscriber

	// Metrics
	ticksReceived     atomic.Uint64
	messagesDelivered atomic.Uint64
	messagesDropped   atomic.Uint64
}

// Subscriber is one registered connection.
type Subscriber struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	queue     chan Message
	symbols   map[string]struct{} // guarded by Hub.mu
	dropped   atomic.Uint64
	closeOnce sync.Once

	// latest market_data timestamp queued per symbol
	marksMu sync.Mutex
	marks   map[string]time.Time
}

// Messages returns the connection's outbound queue. It is closed by
// Unregister.
func (s *Subscriber) Messages() <-chan Message {
	return s.queue
}

// DroppedCount returns how many messages were dropped for this connection.
func (s *Subscriber) DroppedCount() uint64 {
	return s.dropped.Load()
}

// NewHub creates a hub that resolves subscription snapshots from instruments.
func NewHub(instruments store.InstrumentReader, logger zerolog.Logger) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), instruments, logger)
}

// NewHubWithConfig creates a hub with custom configuration.
func NewHubWithConfig(config HubConfig, instruments store.InstrumentReader, logger zerolog.Logger) *Hub {
	if config.SubscriberBufferSize < 1 {
		config.SubscriberBufferSize = 1
	}
	if config.SlowConsumerDropThreshold < 1 {
		config.SlowConsumerDropThreshold = 1
	}
	return &Hub{
		config:      config,
		instruments: instruments,
		logger:      logging.WithComponent(logger, "stream"),
		subscribers: make(map[string]*Subscriber),
		bySymbol:    make(map[string]map[string]*Subscriber),
		byUser:      make(map[string]map[string]*Subscriber),
	}
}

// Register creates the outbound queue for a new connection. Registering an
// ID twice returns the existing subscriber.
func (h *Hub) Register(connID, userID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subscribers[connID]; ok {
		return sub
	}
	sub := &Subscriber{
		ID:        connID,
		UserID:    userID,
		CreatedAt: time.Now(),
		queue:     make(chan Message, h.config.SubscriberBufferSize),
		symbols:   make(map[string]struct{}),
		marks:     make(map[string]time.Time),
	}
	h.subscribers[connID] = sub
	addIndex(h.byUser, userID, sub)

	log := logging.WithConn(h.logger, connID)
	log.Debug().Str("user", userID).Msg("Connection registered")
	return sub
}

// Unregister removes every interest held by the connection and closes its
// queue. Calling it more than once is a no-op.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[connID]
	if !ok {
		return
	}
	for symbol := range sub.symbols {
		removeIndex(h.bySymbol, symbol, connID)
	}
	removeIndex(h.byUser, sub.UserID, connID)
	delete(h.subscribers, connID)

	sub.closeOnce.Do(func() { close(sub.queue) })
	log := logging.WithConn(h.logger, connID)
	log.Debug().Uint64("dropped", sub.dropped.Load()).Msg("Connection unregistered")
}

// Subscribe adds symbols to the connection's interest set and immediately
// enqueues a market_data snapshot for every symbol that resolves to an
// instrument. Subscribing to an already held symbol is harmless.
func (h *Hub) Subscribe(ctx context.Context, connID string, symbols []string) error {
	symbols = store.NormalizeSymbols(symbols)

	h.mu.Lock()
	sub, ok := h.subscribers[connID]
	if ok {
		for _, symbol := range symbols {
			sub.symbols[symbol] = struct{}{}
			addIndex(h.bySymbol, symbol, sub)
		}
	}
	h.mu.Unlock()

	if !ok {
		return apperrors.NotFound("connection", connID)
	}
	if len(symbols) == 0 {
		return nil
	}

	instruments, err := h.instruments.FindInstruments(ctx, symbols)
	if err != nil {
		return apperrors.Wrap(err, "loading subscription snapshot")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.subscribers[connID]; !ok {
		return nil
	}
	for i := range instruments {
		inst := &instruments[i]
		h.enqueueTick(sub, inst.Tick(inst.UpdatedAt))
	}
	return nil
}

// Unsubscribe removes symbols from the connection's interest set.
func (h *Hub) Unsubscribe(connID string, symbols []string) {
	symbols = store.NormalizeSymbols(symbols)

	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[connID]
	if !ok {
		return
	}
	for _, symbol := range symbols {
		delete(sub.symbols, symbol)
		removeIndex(h.bySymbol, symbol, connID)
	}
}

// Broadcast enqueues a market_data message on every connection subscribed to
// tick.Symbol. Full queues drop the message.
func (h *Hub) Broadcast(_ context.Context, tick models.Tick) {
	h.ticksReceived.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.bySymbol[tick.Symbol] {
		h.enqueueTick(sub, tick)
	}
}

// NotifyOrder enqueues an order_update on every connection of the user.
func (h *Hub) NotifyOrder(userID string, update models.OrderUpdate) {
	msg := OrderUpdateMessage(update)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.byUser[userID] {
		h.enqueue(sub, msg)
	}
}

// Send enqueues msg on a single connection. It reports false when the
// connection is unknown or its queue is full.
func (h *Hub) Send(connID string, msg Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sub, ok := h.subscribers[connID]
	if !ok {
		return false
	}
	return h.enqueue(sub, msg)
}

// enqueueTick queues tick unless the connection already has a newer price
// for the symbol. A snapshot read before a concurrent broadcast would
// otherwise arrive after it and move the price backwards. Must be called
// with h.mu held.
func (h *Hub) enqueueTick(sub *Subscriber, tick models.Tick) bool {
	sub.marksMu.Lock()
	defer sub.marksMu.Unlock()

	if last, ok := sub.marks[tick.Symbol]; ok && tick.Timestamp.Before(last) {
		return false
	}
	if !h.enqueue(sub, MarketDataMessage(tick)) {
		return false
	}
	sub.marks[tick.Symbol] = tick.Timestamp
	return true
}

// enqueue must be called with h.mu held. Holding the lock keeps Unregister
// from closing the queue mid-send.
func (h *Hub) enqueue(sub *Subscriber, msg Message) bool {
	select {
	case sub.queue <- msg:
		h.messagesDelivered.Add(1)
		return true
	default:
		h.messagesDropped.Add(1)
		if n := sub.dropped.Add(1); n%uint64(h.config.SlowConsumerDropThreshold) == 1 {
			log := logging.WithConn(h.logger, sub.ID)
			log.Warn().Uint64("dropped", n).Msg("Slow consumer, dropping messages")
		}
		return false
	}
}

// Symbols returns the connection's interest set, sorted.
func (h *Hub) Symbols(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sub, ok := h.subscribers[connID]
	if !ok {
		return nil
	}
	symbols := make([]string, 0, len(sub.symbols))
	for symbol := range sub.symbols {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// GetSubscriberCount returns the number of connections subscribed to symbol.
func (h *Hub) GetSubscriberCount(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySymbol[symbol])
}

// GetMetrics returns hub metrics.
func (h *Hub) GetMetrics() HubMetrics {
	h.mu.RLock()
	connections := len(h.subscribers)
	symbols := len(h.bySymbol)
	h.mu.RUnlock()

	return HubMetrics{
		TicksReceived:     h.ticksReceived.Load(),
		MessagesDelivered: h.messagesDelivered.Load(),
		MessagesDropped:   h.messagesDropped.Load(),
		Connections:       connections,
		Symbols:           symbols,
	}
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	TicksReceived     uint64 `json:"ticksReceived"`
	MessagesDelivered uint64 `json:"messagesDelivered"`
	MessagesDropped   uint64 `json:"messagesDropped"`
	Connections       int    `json:"connections"`
	Symbols           int    `json:"symbols"`
}

func addIndex(index map[string]map[string]*Subscriber, key string, sub *Subscriber) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]*Subscriber)
		index[key] = set
	}
	set[sub.ID] = sub
}

func removeIndex(index map[string]map[string]*Subscriber, key, connID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}
