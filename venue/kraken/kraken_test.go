package kraken

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"marketsync/models"
	"marketsync/rest"
)

func TestSubscribePayloads(t *testing.T) {
	a := New("", "")
	frames, err := a.SubscribePayloads(
		[]models.Topic{models.TopicTicker, models.TopicBook, models.TopicOwnOrders},
		[]string{"XBT/USD"},
		"ws-token",
	)
	if err != nil {
		t.Fatalf("SubscribePayloads: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if s := string(frames[0]); !strings.Contains(s, `"ticker"`) || !strings.Contains(s, "XBT/USD") {
		t.Errorf("unexpected ticker frame: %s", s)
	}
	if s := string(frames[1]); !strings.Contains(s, `"depth":25`) {
		t.Errorf("book frame missing depth: %s", s)
	}
	if s := string(frames[2]); !strings.Contains(s, `"token":"ws-token"`) || strings.Contains(s, "pair") {
		t.Errorf("unexpected private frame: %s", s)
	}
}

func TestSubscribePayloadsRequiresToken(t *testing.T) {
	a := New("", "")
	if _, err := a.SubscribePayloads([]models.Topic{models.TopicOwnOrders}, nil, ""); err == nil {
		t.Fatal("private subscription without token must fail")
	}
}

func TestParseTickerFrame(t *testing.T) {
	a := New("", "")
	raw := []byte(`[340,{"a":["30100.1","1","1.000"],"b":["30100.0","2","2.000"],"c":["30100.05","0.01"],"v":["53.1","1205.7"]},"ticker","XBT/USD"]`)
	msg, err := a.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Topic != models.TopicTicker || len(msg.Ticks) != 1 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	tick := msg.Ticks[0]
	if tick.MarketID != "XBT/USD" || tick.Ask != 30100.1 || tick.Bid != 30100.0 || tick.Last != 30100.05 {
		t.Errorf("unexpected tick: %+v", tick)
	}
	if tick.Volume != 1205.7 {
		t.Errorf("volume must come from the 24h slot, got %v", tick.Volume)
	}
}

func TestParseTradeFrame(t *testing.T) {
	a := New("", "")
	raw := []byte(`[337,[["30100.5","0.02","1700000000.123456","s","l",""],["30101.0","0.10","1700000001.000000","b","m",""]],"trade","XBT/USD"]`)
	msg, err := a.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if len(msg.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(msg.Trades))
	}
	if msg.Trades[0].Side != "sell" || msg.Trades[1].Side != "buy" {
		t.Errorf("unexpected sides: %+v", msg.Trades)
	}
	if msg.Trades[0].Price != 30100.5 || msg.Trades[0].Quantity != 0.02 {
		t.Errorf("unexpected trade: %+v", msg.Trades[0])
	}
}

func TestParseBookSnapshotAndDelta(t *testing.T) {
	a := New("", "")

	snap := []byte(`[336,{"as":[["30105.0","1.5"],["30106.0","2.0"]],"bs":[["30100.0","0.5"]]},"book-25","XBT/USD"]`)
	msg, err := a.ParseMessage(snap)
	if err != nil {
		t.Fatalf("ParseMessage snapshot: %v", err)
	}
	if msg.Kind != models.KindSnapshot || len(msg.Book.Asks) != 2 || len(msg.Book.Bids) != 1 {
		t.Fatalf("unexpected snapshot: %+v", msg)
	}

	// Deltas may split ask and bid payloads across adjacent slots.
	delta := []byte(`[336,{"a":[["30105.0","0"]]},{"b":[["30099.0","3.0"]]},"book-25","XBT/USD"]`)
	msg, err = a.ParseMessage(delta)
	if err != nil {
		t.Fatalf("ParseMessage delta: %v", err)
	}
	if msg.Kind != models.KindDelta {
		t.Fatalf("expected delta kind, got %s", msg.Kind)
	}
	if len(msg.Book.Asks) != 1 || msg.Book.Asks[0].Quantity != 0 {
		t.Errorf("expected zero-quantity ask removal: %+v", msg.Book.Asks)
	}
	if len(msg.Book.Bids) != 1 || msg.Book.Bids[0].Price != 30099.0 {
		t.Errorf("unexpected bids: %+v", msg.Book.Bids)
	}
}

func TestParseOpenOrdersFrame(t *testing.T) {
	a := New("", "")
	raw := []byte(`[[{"OTX1-AAAA-BBBBBB":{"status":"open","vol":"1.5","vol_exec":"0.5","avg_price":"30100.0","cl_ord_id":"cid-1","descr":{"pair":"XBT/USD","type":"buy","ordertype":"limit","price":"30100.0"}}}],"openOrders",{"sequence":2}]`)
	msg, err := a.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Topic != models.TopicOwnOrders || len(msg.Orders) != 1 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	ord := msg.Orders[0]
	if ord.ID != "OTX1-AAAA-BBBBBB" || ord.ClientID != "cid-1" {
		t.Errorf("unexpected ids: %+v", ord)
	}
	if ord.Status != models.OrderPartiallyFilled {
		t.Errorf("open with executed volume must map to partially_filled, got %s", ord.Status)
	}
	if ord.MarketID != "XBT/USD" || ord.Side != "buy" || ord.ExecutedQuantity != 0.5 {
		t.Errorf("unexpected order: %+v", ord)
	}
}

func TestParseLifecycleEvents(t *testing.T) {
	a := New("", "")

	msg, err := a.ParseMessage([]byte(`{"event":"heartbeat"}`))
	if err != nil || msg.Kind != models.KindHeartbeat {
		t.Fatalf("heartbeat: msg=%+v err=%v", msg, err)
	}

	msg, err = a.ParseMessage([]byte(`{"event":"subscriptionStatus","status":"subscribed","subscription":{"name":"ticker"}}`))
	if err != nil || msg.Kind != models.KindSubscriptionAck || msg.Topic != models.TopicTicker {
		t.Fatalf("ack: msg=%+v err=%v", msg, err)
	}

	if _, err = a.ParseMessage([]byte(`{"event":"subscriptionStatus","status":"error","errorMessage":"Subscription depth not supported"}`)); err == nil {
		t.Fatal("subscription error must surface")
	}
}

func TestOrderStatusMapping(t *testing.T) {
	cases := []struct {
		status   string
		executed float64
		want     models.OrderStatus
	}{
		{"pending", 0, models.OrderPending},
		{"open", 0, models.OrderOpen},
		{"open", 0.5, models.OrderPartiallyFilled},
		{"closed", 1, models.OrderFilled},
		{"canceled", 0, models.OrderCanceled},
		{"expired", 0, models.OrderCanceled},
	}
	for _, c := range cases {
		if got := orderStatus(c.status, c.executed); got != c.want {
			t.Errorf("orderStatus(%q, %v) = %s, want %s", c.status, c.executed, got, c.want)
		}
	}
}

func TestParseCandlesCursor(t *testing.T) {
	a := New("", "")
	body := []byte(`{"error":[],"result":{"XXBTZUSD":[[1700000000,"30000.0","30100.0","29900.0","30050.0","30010.0","12.5",42],[1700000060,"30050.0","30060.0","30040.0","30055.0","30052.0","3.1",7]],"last":1700000060}}`)

	bars, cursor, err := a.ParseCandles("XBT/USD", time.Minute, body)
	if err != nil {
		t.Fatalf("ParseCandles: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if bars[0].Open != 30000.0 || bars[0].Volume != 12.5 || !bars[0].Closed {
		t.Errorf("unexpected bar: %+v", bars[0])
	}
	if !cursor.Equal(time.Unix(1700000060, 0)) {
		t.Errorf("unexpected cursor: %v", cursor)
	}

	// A single-row page means the pull caught up with the open bucket.
	short := []byte(`{"error":[],"result":{"XXBTZUSD":[[1700000060,"30050.0","30060.0","30040.0","30055.0","30052.0","3.1",7]],"last":1700000060}}`)
	_, cursor, err = a.ParseCandles("XBT/USD", time.Minute, short)
	if err != nil {
		t.Fatalf("ParseCandles short page: %v", err)
	}
	if !cursor.IsZero() {
		t.Errorf("short page must end pagination, got cursor %v", cursor)
	}
}

func TestParseBalances(t *testing.T) {
	a := New("", "")
	body := []byte(`{"error":[],"result":{"XXBT":{"balance":"1.75","hold_trade":"0.25"},"ZUSD":{"balance":"1000.0","hold_trade":"0"}}}`)
	balances, err := a.ParseBalances(body)
	if err != nil {
		t.Fatalf("ParseBalances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("expected 2 balances, got %d", len(balances))
	}
	for _, bal := range balances {
		if bal.Asset == "XXBT" {
			if bal.Free != 1.5 || bal.Locked != 0.25 {
				t.Errorf("unexpected XXBT balance: %+v", bal)
			}
		}
	}
}

func TestParseBalancesErrorEnvelope(t *testing.T) {
	a := New("", "")
	if _, err := a.ParseBalances([]byte(`{"error":["EAPI:Invalid key"]}`)); err == nil {
		t.Fatal("error envelope must surface")
	}
}

func TestClassifierInBodyErrors(t *testing.T) {
	c := classifier{}
	cases := []struct {
		body string
		want rest.Disposition
	}{
		{`{"error":[],"result":{}}`, rest.DispositionOK},
		{`{"error":["EAPI:Rate limit exceeded"]}`, rest.DispositionRateLimited},
		{`{"error":["EService:Unavailable"]}`, rest.DispositionBusy},
		{`{"error":["EService:Busy"]}`, rest.DispositionBusy},
		{`{"error":["EAPI:Invalid key"]}`, rest.DispositionAuth},
		{`{"error":["EGeneral:Permission denied"]}`, rest.DispositionAuth},
		{`{"error":["EAPI:Invalid nonce"]}`, rest.DispositionRetryable},
		{`{"error":["EGeneral:Invalid arguments"]}`, rest.DispositionFatal},
	}
	for _, tc := range cases {
		if got := c.Classify(http.StatusOK, []byte(tc.body)); got != tc.want {
			t.Errorf("Classify(%s) = %v, want %v", tc.body, got, tc.want)
		}
	}
	// HTTP-level failures take precedence over the body.
	if got := c.Classify(http.StatusServiceUnavailable, nil); got != rest.DispositionBusy {
		t.Errorf("status 503 = %v, want busy", got)
	}
}

func TestSignerSetsHeadersAndNonceBody(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("super-secret-key-material"))
	s := &signer{key: "api-key", secret: secret}

	req := httptest.NewRequest(http.MethodPost, "https://api.kraken.com/0/private/BalanceEx", nil)
	if err := s.Sign(req, nil); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if req.Header.Get("API-Key") != "api-key" {
		t.Errorf("missing API-Key header")
	}
	sig := req.Header.Get("API-Sign")
	if sig == "" {
		t.Fatal("missing API-Sign header")
	}
	if _, err := base64.StdEncoding.DecodeString(sig); err != nil {
		t.Errorf("signature is not base64: %v", err)
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.HasPrefix(string(body), "nonce=") {
		t.Errorf("body must carry the nonce, got %q", string(body))
	}
	if req.ContentLength != int64(len(body)) {
		t.Errorf("content length %d does not match body %d", req.ContentLength, len(body))
	}
}

func TestSignerRejectsMalformedSecret(t *testing.T) {
	s := &signer{key: "k", secret: "not-base64!!"}
	req := httptest.NewRequest(http.MethodPost, "https://api.kraken.com/0/private/BalanceEx", nil)
	if err := s.Sign(req, nil); err == nil {
		t.Fatal("malformed secret must fail")
	}
}

func TestSubmitOrderRequestForm(t *testing.T) {
	a := New("", "")
	req := a.SubmitOrderRequest(models.Order{
		MarketID: "XBT/USD", Side: "buy", Type: "limit",
		Price: 100.5, Quantity: 0.25, ClientID: "c-1",
	})
	if req.Method != http.MethodPost || req.Path != "/0/private/AddOrder" || !req.Auth {
		t.Fatalf("unexpected request shape: %+v", req)
	}
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		t.Fatalf("parse form: %v", err)
	}
	want := map[string]string{
		"pair":      "XBT/USD",
		"type":      "buy",
		"ordertype": "limit",
		"volume":    "0.25",
		"price":     "100.5",
		"cl_ord_id": "c-1",
	}
	for field, expect := range want {
		if got := form.Get(field); got != expect {
			t.Errorf("%s = %q, want %q", field, got, expect)
		}
	}

	// Market orders carry no price field.
	market := a.SubmitOrderRequest(models.Order{MarketID: "XBT/USD", Side: "sell", Type: "market", Quantity: 1})
	form, _ = url.ParseQuery(string(market.Body))
	if form.Has("price") {
		t.Error("market order must not carry a price")
	}
}

func TestCancelOrderRequestForm(t *testing.T) {
	a := New("", "")
	req := a.CancelOrderRequest(models.Order{ID: "TX-1", MarketID: "XBT/USD"})
	if req.Method != http.MethodPost || req.Path != "/0/private/CancelOrder" || !req.Auth {
		t.Fatalf("unexpected request shape: %+v", req)
	}
	if string(req.Body) != "txid=TX-1" {
		t.Fatalf("body = %q, want txid=TX-1", string(req.Body))
	}
}
