package bybit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketsync/models"
	"marketsync/rest"
)

func testAdapter() *Adapter {
	return New("api-key", "api-secret", "https://api-testnet.bybit.com")
}

func TestSubscribePayloads(t *testing.T) {
	a := testAdapter()
	frames, err := a.SubscribePayloads(
		[]models.Topic{models.TopicTicker, models.TopicTrades, models.TopicBook},
		[]string{"BTCUSDT"},
		"",
	)
	if err != nil {
		t.Fatalf("SubscribePayloads: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected a single subscribe frame, got %d", len(frames))
	}
	frame := string(frames[0])
	for _, want := range []string{"tickers.BTCUSDT", "publicTrade.BTCUSDT", "orderbook.50.BTCUSDT"} {
		if !strings.Contains(frame, want) {
			t.Errorf("frame missing %s: %s", want, frame)
		}
	}
}

func TestSubscribePayloadsRejectsPrivateTopics(t *testing.T) {
	a := testAdapter()
	if _, err := a.SubscribePayloads([]models.Topic{models.TopicOwnOrders}, nil, ""); err == nil {
		t.Fatal("own orders are not served on the public stream")
	}
}

func TestParseTickerDelta(t *testing.T) {
	a := testAdapter()
	raw := []byte(`{"topic":"tickers.BTCUSDT","type":"delta","ts":1700000000123,"data":{"symbol":"BTCUSDT","lastPrice":"30100.5","bid1Price":"30100.0","ask1Price":"30101.0","volume24h":"12345.6","tickDirection":"ZeroMinusTick"}}`)
	msg, err := a.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Topic != models.TopicTicker || msg.Kind != models.KindDelta {
		t.Fatalf("unexpected message: %+v", msg)
	}
	tick := msg.Ticks[0]
	if tick.Last != 30100.5 || tick.Bid != 30100.0 || tick.Ask != 30101.0 {
		t.Errorf("unexpected tick: %+v", tick)
	}
	if tick.Direction != -1 {
		t.Errorf("ZeroMinusTick must map to -1, got %d", tick.Direction)
	}
	if tick.Time.UnixMilli() != 1700000000123 {
		t.Errorf("unexpected timestamp: %v", tick.Time)
	}
}

func TestParseTickerPartialDeltaKeepsZeroFields(t *testing.T) {
	a := testAdapter()
	// Bybit ticker deltas omit unchanged fields entirely.
	raw := []byte(`{"topic":"tickers.BTCUSDT","type":"delta","ts":1700000000123,"data":{"symbol":"BTCUSDT","bid1Price":"30100.0","ask1Price":"30101.0"}}`)
	msg, err := a.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	tick := msg.Ticks[0]
	if tick.Last != 0 {
		t.Errorf("omitted last price must stay zero, got %v", tick.Last)
	}
	if tick.Bid != 30100.0 {
		t.Errorf("unexpected bid: %v", tick.Bid)
	}
}

func TestParseTrades(t *testing.T) {
	a := testAdapter()
	raw := []byte(`{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1700000000123,"data":[{"s":"BTCUSDT","p":"30100.5","v":"0.05","S":"Sell","T":1700000000100}]}`)
	msg, err := a.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if len(msg.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(msg.Trades))
	}
	trade := msg.Trades[0]
	if trade.Price != 30100.5 || trade.Quantity != 0.05 || trade.Side != "sell" {
		t.Errorf("unexpected trade: %+v", trade)
	}
}

func TestParseBookSnapshotAndDelta(t *testing.T) {
	a := testAdapter()

	snap := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000000123,"data":{"s":"BTCUSDT","b":[["30100.0","1.5"]],"a":[["30101.0","2.0"]]}}`)
	msg, err := a.ParseMessage(snap)
	if err != nil {
		t.Fatalf("ParseMessage snapshot: %v", err)
	}
	if msg.Kind != models.KindSnapshot || len(msg.Book.Bids) != 1 || len(msg.Book.Asks) != 1 {
		t.Fatalf("unexpected snapshot: %+v", msg)
	}

	delta := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000000456,"data":{"s":"BTCUSDT","b":[["30100.0","0"]],"a":[]}}`)
	msg, err = a.ParseMessage(delta)
	if err != nil {
		t.Fatalf("ParseMessage delta: %v", err)
	}
	if msg.Kind != models.KindDelta || msg.Book.Bids[0].Quantity != 0 {
		t.Fatalf("unexpected delta: %+v", msg)
	}
}

func TestParseControlFrames(t *testing.T) {
	a := testAdapter()

	msg, err := a.ParseMessage([]byte(`{"op":"pong","success":true,"conn_id":"abc"}`))
	if err != nil || msg.Kind != models.KindHeartbeat {
		t.Fatalf("pong: msg=%+v err=%v", msg, err)
	}

	msg, err = a.ParseMessage([]byte(`{"op":"subscribe","success":true}`))
	if err != nil || msg.Kind != models.KindSubscriptionAck {
		t.Fatalf("ack: msg=%+v err=%v", msg, err)
	}

	if _, err := a.ParseMessage([]byte(`{"op":"subscribe","success":false,"ret_msg":"invalid topic"}`)); err == nil {
		t.Fatal("rejected subscribe must surface")
	}
}

func TestPingFrame(t *testing.T) {
	a := testAdapter()
	frame, ok := a.PingFrame()
	if !ok || string(frame) != `{"op":"ping"}` {
		t.Fatalf("unexpected ping frame: %q %v", frame, ok)
	}
}

func TestParseCandlesReversesNewestFirst(t *testing.T) {
	a := testAdapter()
	body := []byte(`{"retCode":0,"retMsg":"OK","result":{"category":"linear","symbol":"BTCUSDT","list":[["1700000060000","30050","30060","30040","30055","3.1","93170"],["1700000000000","30000","30100","29900","30050","12.5","375125"]]}}`)

	bars, cursor, err := a.ParseCandles("BTCUSDT", time.Minute, body)
	if err != nil {
		t.Fatalf("ParseCandles: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if !bars[0].Start.Before(bars[1].Start) {
		t.Errorf("bars must be ascending: %v then %v", bars[0].Start, bars[1].Start)
	}
	if bars[0].Open != 30000 || bars[1].Open != 30050 {
		t.Errorf("unexpected bars: %+v", bars)
	}
	if !cursor.IsZero() {
		t.Errorf("short page must end pagination, got %v", cursor)
	}
}

func TestParseCandlesEnvelopeError(t *testing.T) {
	a := testAdapter()
	body := []byte(`{"retCode":10001,"retMsg":"params error","result":{}}`)
	if _, _, err := a.ParseCandles("BTCUSDT", time.Minute, body); err == nil {
		t.Fatal("non-zero retCode must surface")
	}
}

func TestParseBalancesUnifiedWallet(t *testing.T) {
	a := testAdapter()
	body := []byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"accountType":"UNIFIED","coin":[{"coin":"USDT","walletBalance":"1000.5","locked":"200.5"}]}]}}`)
	balances, err := a.ParseBalances(body)
	if err != nil {
		t.Fatalf("ParseBalances: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("expected 1 balance, got %d", len(balances))
	}
	if balances[0].Asset != "USDT" || balances[0].Free != 800.0 || balances[0].Locked != 200.5 {
		t.Errorf("unexpected balance: %+v", balances[0])
	}
}

func TestParseOrdersStatusMapping(t *testing.T) {
	a := testAdapter()
	body := []byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"orderId":"o1","orderLinkId":"c1","symbol":"BTCUSDT","side":"Buy","orderType":"Limit","price":"30000","qty":"0.5","cumExecQty":"0.2","avgPrice":"30000","orderStatus":"PartiallyFilled","updatedTime":"1700000000123"}]}}`)
	orders, err := a.ParseOrders(body)
	if err != nil {
		t.Fatalf("ParseOrders: %v", err)
	}
	ord := orders[0]
	if ord.ID != "o1" || ord.ClientID != "c1" || ord.Status != models.OrderPartiallyFilled {
		t.Errorf("unexpected order: %+v", ord)
	}
	if ord.ExecutedQuantity != 0.2 || ord.UpdatedAt.UnixMilli() != 1700000000123 {
		t.Errorf("unexpected order fields: %+v", ord)
	}
}

func TestClassifierRetCodes(t *testing.T) {
	c := classifier{}
	cases := []struct {
		body string
		want rest.Disposition
	}{
		{`{"retCode":0,"retMsg":"OK"}`, rest.DispositionOK},
		{`{"retCode":10006,"retMsg":"rate limit"}`, rest.DispositionRateLimited},
		{`{"retCode":10016,"retMsg":"server busy"}`, rest.DispositionBusy},
		{`{"retCode":10003,"retMsg":"invalid api key"}`, rest.DispositionAuth},
		{`{"retCode":110072,"retMsg":"duplicate orderLinkId"}`, rest.DispositionDuplicateOrder},
		{`{"retCode":10001,"retMsg":"params error"}`, rest.DispositionFatal},
	}
	for _, tc := range cases {
		if got := c.Classify(http.StatusOK, []byte(tc.body)); got != tc.want {
			t.Errorf("Classify(%s) = %v, want %v", tc.body, got, tc.want)
		}
	}
	if got := c.Classify(http.StatusTooManyRequests, nil); got != rest.DispositionRateLimited {
		t.Errorf("status 429 = %v, want rate limited", got)
	}
}

func TestSignerHeaders(t *testing.T) {
	s := &signer{key: "api-key", secret: "api-secret"}
	req := httptest.NewRequest(http.MethodGet, "https://api.bybit.com/v5/account/wallet-balance?accountType=UNIFIED", nil)
	if err := s.Sign(req, nil); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if req.Header.Get("X-BAPI-API-KEY") != "api-key" {
		t.Error("missing api key header")
	}
	if req.Header.Get("X-BAPI-RECV-WINDOW") != "5000" {
		t.Error("missing recv window header")
	}
	if req.Header.Get("X-BAPI-TIMESTAMP") == "" || len(req.Header.Get("X-BAPI-SIGN")) != 64 {
		t.Errorf("missing timestamp or malformed signature %q", req.Header.Get("X-BAPI-SIGN"))
	}
}

func TestSubmitOrderRequestStringQuantities(t *testing.T) {
	a := testAdapter()
	req := a.SubmitOrderRequest(models.Order{
		MarketID: "BTCUSDT", Side: "buy", Type: "limit",
		Price: 50000.5, Quantity: 0.25, ClientID: "c-1",
	})
	if req.Method != http.MethodPost || req.Path != "/v5/order/create" || !req.Auth {
		t.Fatalf("unexpected request shape: %+v", req)
	}
	var payload struct {
		Category    string `json:"category"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		OrderType   string `json:"orderType"`
		Qty         string `json:"qty"`
		Price       string `json:"price"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload.Category != "linear" || payload.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Side != "Buy" || payload.OrderType != "Limit" {
		t.Fatalf("enums not capitalized: %+v", payload)
	}
	if payload.Qty != "0.25" || payload.Price != "50000.5" {
		t.Fatalf("quantities must travel as strings: %+v", payload)
	}
	if payload.OrderLinkID != "c-1" {
		t.Fatalf("orderLinkId = %q, want c-1", payload.OrderLinkID)
	}
}

func TestCancelOrderRequestFallsBackToClientID(t *testing.T) {
	a := testAdapter()

	req := a.CancelOrderRequest(models.Order{ID: "v-1", MarketID: "BTCUSDT"})
	var payload map[string]string
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload["orderId"] != "v-1" || payload["orderLinkId"] != "" {
		t.Fatalf("venue id must win when present: %v", payload)
	}

	req = a.CancelOrderRequest(models.Order{ClientID: "c-1", MarketID: "BTCUSDT"})
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload["orderLinkId"] != "c-1" {
		t.Fatalf("cancel without venue id must fall back to orderLinkId: %v", payload)
	}
	if req.Path != "/v5/order/cancel" || !req.Auth {
		t.Fatalf("unexpected request shape: %+v", req)
	}
}
