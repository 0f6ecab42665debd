package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-trader/internal/config"
	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/models"
	"paper-trader/internal/resilience"
	"paper-trader/internal/store"
	"paper-trader/internal/stream"
	"paper-trader/internal/trading"
)

const demoUser = "demo_user_123"

type testEnv struct {
	store  *store.MemoryStore
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	for sym, price := range map[string]string{"INFY": "1555.45", "TCS": "3194.80"} {
		p := decimal.RequireFromString(price)
		inst := &models.Instrument{
			Symbol:        sym,
			Exchange:      models.NSE,
			Name:          sym,
			LastPrice:     p,
			PreviousClose: p,
			Active:        true,
			UpdatedAt:     time.Now(),
		}
		inst.Recalculate()
		require.NoError(t, st.SaveInstrument(ctx, inst))
	}

	logger := zerolog.Nop()
	hub := stream.NewHub(st, logger)
	ledger := trading.NewLedger(st, decimal.NewFromInt(1000000), true, logger)
	processor := trading.NewProcessor(st, ledger, hub, trading.DefaultConfig(), logger)

	cfg := &config.Config{
		Stream:  config.StreamConfig{SubscriberBuffer: 64, PingInterval: time.Second, WriteWait: time.Second},
		Account: config.AccountConfig{DemoUser: demoUser},
	}
	deps := Deps{
		Store:     st,
		Orders:    processor,
		Portfolio: trading.NewPortfolio(st, ledger),
		Ledger:    ledger,
		Hub:       hub,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv := NewServer(deps, cfg, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{store: st, server: srv, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, user string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func orderBody(symbol string, side models.OrderSide, qty int64) map[string]any {
	return map[string]any{
		"symbol":    symbol,
		"exchange":  "NSE",
		"orderType": "MARKET",
		"side":      string(side),
		"quantity":  qty,
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "OK", body["status"])
	assert.Contains(t, []any{"CLOSED", "PRE_OPEN", "OPEN"}, body["marketSession"])
}

func TestHealth_ReportsComponents(t *testing.T) {
	monitor := resilience.NewHealthMonitor(time.Second)
	monitor.RegisterComponent("store", resilience.DatabaseHealthCheck(func(ctx context.Context) error { return nil }))
	env := newTestEnv(t, func(d *Deps) { d.Health = monitor })

	resp := env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	monitor.RegisterComponent("store", resilience.DatabaseHealthCheck(func(ctx context.Context) error {
		return errors.New("database is closed")
	}))
	resp = env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "UNHEALTHY", body["status"])
}

func TestServerErrorsLogRequestContext(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{Account: config.AccountConfig{DemoUser: demoUser}}
	srv := NewServer(Deps{}, cfg, zerolog.New(&buf))

	h := srv.requestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.writeError(w, r, errors.New("disk full"))
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-User-ID", "u9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	line := buf.String()
	assert.Contains(t, line, `"message":"Request failed"`)
	assert.Contains(t, line, `"user_id":"u9"`)
	assert.Contains(t, line, `"path":"/api/orders"`)
	assert.Contains(t, line, `"component":"gateway"`)

	buf.Reset()
	h = srv.requestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.writeError(w, r, apperrors.NotFound("order", "o1"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/orders/o1", nil))
	assert.Empty(t, buf.String(), "client errors are not logged")
}

func TestPlaceOrder_MarketBuyUpdatesPortfolio(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/orders", orderBody("INFY", models.OrderSideBuy, 3), "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	order := decode[models.Order](t, resp)
	assert.Equal(t, models.OrderStatusExecuted, order.Status)
	assert.Equal(t, demoUser, order.UserID)
	assert.True(t, order.OrderValue.Equal(decimal.RequireFromString("4666.35")))

	resp = env.do(t, http.MethodGet, "/api/portfolio/holdings", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	holdings := decode[[]trading.HoldingView](t, resp)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(3), holdings[0].Quantity)

	resp = env.do(t, http.MethodGet, "/api/orders/trades", nil, "")
	trades := decode[[]models.Order](t, resp)
	assert.Len(t, trades, 1)

	// Another user sees nothing.
	resp = env.do(t, http.MethodGet, "/api/orders", nil, "someone_else")
	assert.Empty(t, decode[[]models.Order](t, resp))
	resp = env.do(t, http.MethodGet, "/api/orders/"+order.ID, nil, "someone_else")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   apperrors.Code
	}{
		{"zero quantity", http.MethodPost, "/api/orders", orderBody("INFY", models.OrderSideBuy, 0), http.StatusBadRequest, apperrors.CodeValidation},
		{"malformed body", http.MethodPost, "/api/orders", "not an order", http.StatusBadRequest, apperrors.CodeValidation},
		{"sell without holding", http.MethodPost, "/api/orders", orderBody("TCS", models.OrderSideSell, 1), http.StatusUnprocessableEntity, apperrors.CodeInsufficientHoldings},
		{"order too large", http.MethodPost, "/api/orders", orderBody("TCS", models.OrderSideBuy, 1000), http.StatusUnprocessableEntity, apperrors.CodeInsufficientBalance},
		{"unknown order", http.MethodGet, "/api/orders/missing", nil, http.StatusNotFound, apperrors.CodeNotFound},
		{"unknown instrument", http.MethodGet, "/api/market/instruments/NOPE", nil, http.StatusNotFound, apperrors.CodeNotFound},
		{"negative withdraw", http.MethodPost, "/api/funds/withdraw", map[string]any{"amount": -5}, http.StatusBadRequest, apperrors.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.body, "")
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[errorBody](t, resp)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestCancelExecutedOrderConflicts(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/orders", orderBody("INFY", models.OrderSideBuy, 1), "")
	order := decode[models.Order](t, resp)

	resp = env.do(t, http.MethodDelete, "/api/orders/"+order.ID, nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, apperrors.CodeInvalidState, decode[errorBody](t, resp).Code)
}

func TestModifyAndCancelPendingOrder(t *testing.T) {
	env := newTestEnv(t)
	body := orderBody("INFY", models.OrderSideBuy, 2)
	body["orderType"] = "LIMIT"
	body["price"] = "1500"

	resp := env.do(t, http.MethodPost, "/api/orders", body, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	order := decode[models.Order](t, resp)
	assert.Equal(t, models.OrderStatusPending, order.Status)

	resp = env.do(t, http.MethodPut, "/api/orders/"+order.ID, map[string]any{"quantity": 4}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	modified := decode[models.Order](t, resp)
	assert.Equal(t, int64(4), modified.Quantity)
	assert.True(t, modified.OrderValue.Equal(decimal.NewFromInt(6000)))

	resp = env.do(t, http.MethodGet, "/api/orders/book", nil, "")
	assert.Len(t, decode[[]models.Order](t, resp), 1)

	resp = env.do(t, http.MethodDelete, "/api/orders/"+order.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.OrderStatusCancelled, decode[models.Order](t, resp).Status)
}

func TestFunds(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/funds/add", map[string]any{"amount": "500.50"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Balance decimal.Decimal `json:"availableBalance"`
	}](t, resp)
	assert.True(t, body.Balance.Equal(decimal.RequireFromString("1000500.50")))

	resp = env.do(t, http.MethodPost, "/api/funds/withdraw", map[string]any{"amount": "2000000"}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/funds", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	funds := decode[trading.FundsSummary](t, resp)
	assert.True(t, funds.Available.Equal(decimal.RequireFromString("1000500.50")))
}

func TestInstrumentsAndTicks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.AppendTick(ctx, &models.Tick{
		Symbol: "INFY", Exchange: models.NSE, LastPrice: decimal.NewFromInt(1556), Timestamp: time.Now(),
	}))

	resp := env.do(t, http.MethodGet, "/api/market/instruments", nil, "")
	assert.Len(t, decode[[]models.Instrument](t, resp), 2)

	resp = env.do(t, http.MethodGet, "/api/market/instruments/infy", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "INFY", decode[models.Instrument](t, resp).Symbol)

	resp = env.do(t, http.MethodGet, "/api/market/instruments/INFY/ticks?limit=10", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Tick](t, resp), 1)

	resp = env.do(t, http.MethodGet, "/api/market/instruments/INFY/ticks?limit=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// WebSocket

type wireMessage struct {
	Type stream.MessageType `json:"type"`
	Data json.RawMessage    `json:"data"`
}

func dial(t *testing.T, env *testEnv, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws?userId=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want stream.MessageType) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg wireMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func TestWebSocket_SubscribeSnapshotAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env, demoUser)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "symbols": []string{"infy"}}))
	msg := readUntil(t, conn, stream.MessageMarketData)
	var snap models.Tick
	require.NoError(t, json.Unmarshal(msg.Data, &snap))
	assert.Equal(t, "INFY", snap.Symbol)
	assert.True(t, snap.LastPrice.Equal(decimal.RequireFromString("1555.45")))

	require.Eventually(t, func() bool {
		return env.server.deps.Hub.GetSubscriberCount("INFY") == 1
	}, time.Second, 10*time.Millisecond)

	env.server.deps.Hub.Broadcast(context.Background(), models.Tick{
		Symbol: "INFY", Exchange: models.NSE, LastPrice: decimal.NewFromInt(1560), Timestamp: time.Now(),
	})
	msg = readUntil(t, conn, stream.MessageMarketData)
	var live models.Tick
	require.NoError(t, json.Unmarshal(msg.Data, &live))
	assert.True(t, live.LastPrice.Equal(decimal.NewFromInt(1560)))
}

func TestWebSocket_PlaceOrder(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env, demoUser)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":  "place_order",
		"ref":   "buy-1",
		"order": orderBody("TCS", models.OrderSideBuy, 2),
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	seen := map[stream.MessageType]wireMessage{}
	for len(seen) < 2 {
		var msg wireMessage
		require.NoError(t, conn.ReadJSON(&msg))
		seen[msg.Type] = msg
	}

	var resp stream.ResponsePayload
	require.NoError(t, json.Unmarshal(seen[stream.MessageOrderResponse].Data, &resp))
	assert.Equal(t, "buy-1", resp.Ref)
	require.NotNil(t, resp.Order)
	assert.Equal(t, models.OrderStatusExecuted, resp.Order.Status)

	var update models.OrderUpdate
	require.NoError(t, json.Unmarshal(seen[stream.MessageOrderUpdate].Data, &update))
	assert.Equal(t, models.OrderExecuted, update.Type)
	assert.Equal(t, resp.Order.ID, update.Order.ID)
}

func TestWebSocket_Errors(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env, demoUser)

	tests := []struct {
		name string
		send any
		code apperrors.Code
	}{
		{"unknown type", map[string]any{"type": "dance", "ref": "r1"}, apperrors.CodeValidation},
		{"sell without holding", map[string]any{"type": "place_order", "ref": "r2", "order": orderBody("INFY", models.OrderSideSell, 1)}, apperrors.CodeInsufficientHoldings},
		{"cancel unknown", map[string]any{"type": "cancel_order", "ref": "r3", "orderId": "nope"}, apperrors.CodeNotFound},
		{"missing order", map[string]any{"type": "place_order", "ref": "r4"}, apperrors.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteJSON(tt.send))
			msg := readUntil(t, conn, stream.MessageOrderError)
			var payload stream.ErrorPayload
			require.NoError(t, json.Unmarshal(msg.Data, &payload))
			assert.Equal(t, tt.code, payload.Code)
			assert.Equal(t, tt.send.(map[string]any)["ref"], payload.Ref)
		})
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readUntil(t, conn, stream.MessageOrderError)
	var payload stream.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, apperrors.CodeValidation, payload.Code)
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env, demoUser)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "symbols": []string{"TCS"}}))
	readUntil(t, conn, stream.MessageMarketData)

	require.Equal(t, 1, env.server.deps.Hub.GetMetrics().Connections)
	conn.Close()

	assert.Eventually(t, func() bool {
		m := env.server.deps.Hub.GetMetrics()
		return m.Connections == 0 && env.server.deps.Hub.GetSubscriberCount("TCS") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
