// Package kraken maps Kraken's spot websocket and REST payloads onto the
// venue-independent message model.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketsync/models"
	"marketsync/rest"
)

// Adapter implements the Kraken spot venue. Kraken is spot-only: the
// positions topic is absent and position state never flows from here.
type Adapter struct {
	key    string
	secret string
}

func New(key, secret string) *Adapter {
	return &Adapter{key: key, secret: secret}
}

func (a *Adapter) Name() string { return "kraken" }

func (a *Adapter) Topics() []models.Topic {
	return []models.Topic{
		models.TopicTicker,
		models.TopicTrades,
		models.TopicBook,
		models.TopicOwnOrders,
		models.TopicOwnTrades,
	}
}

var subscriptionNames = map[models.Topic]string{
	models.TopicTicker:    "ticker",
	models.TopicTrades:    "trade",
	models.TopicBook:      "book",
	models.TopicOwnOrders: "openOrders",
	models.TopicOwnTrades: "ownTrades",
}

type subscribeFrame struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair,omitempty"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth,omitempty"`
	Token string `json:"token,omitempty"`
}

func (a *Adapter) SubscribePayloads(topics []models.Topic, markets []string, token string) ([][]byte, error) {
	var frames [][]byte
	for _, topic := range topics {
		name, ok := subscriptionNames[topic]
		if !ok {
			return nil, fmt.Errorf("kraken: unsupported topic %q", topic)
		}
		frame := subscribeFrame{Event: "subscribe", Subscription: subscription{Name: name}}
		switch topic {
		case models.TopicOwnOrders, models.TopicOwnTrades:
			if token == "" {
				return nil, fmt.Errorf("kraken: topic %q requires a websocket token", topic)
			}
			frame.Subscription.Token = token
		case models.TopicBook:
			frame.Pair = markets
			frame.Subscription.Depth = 25
		default:
			frame.Pair = markets
		}
		raw, err := json.Marshal(frame)
		if err != nil {
			return nil, err
		}
		frames = append(frames, raw)
	}
	return frames, nil
}

// ParseMessage handles both frame shapes Kraken uses: JSON objects for
// lifecycle events and JSON arrays for channel data.
func (a *Adapter) ParseMessage(raw []byte) (*models.Message, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		return a.parseEvent(raw)
	}
	return a.parseChannelData(raw)
}

func (a *Adapter) parseEvent(raw []byte) (*models.Message, error) {
	var evt struct {
		Event        string `json:"event"`
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage"`
		Subscription struct {
			Name string `json:"name"`
		} `json:"subscription"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, err
	}
	switch evt.Event {
	case "heartbeat", "pong", "systemStatus":
		return &models.Message{Kind: models.KindHeartbeat, Time: time.Now().UTC()}, nil
	case "subscriptionStatus":
		if evt.Status == "error" {
			return nil, fmt.Errorf("kraken: subscription %s failed: %s", evt.Subscription.Name, evt.ErrorMessage)
		}
		return &models.Message{Kind: models.KindSubscriptionAck, Topic: topicForChannel(evt.Subscription.Name)}, nil
	}
	return nil, nil
}

func (a *Adapter) parseChannelData(raw []byte) (*models.Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, err
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("kraken: short channel frame")
	}

	// Private channels name the channel in the second slot, public in the
	// third (after the integer channel id).
	var channel string
	if err := json.Unmarshal(parts[1], &channel); err == nil && channel != "" {
		switch channel {
		case "openOrders":
			return a.parseOpenOrders(parts[0])
		case "ownTrades":
			return a.parseOwnTrades(parts[0])
		}
	}
	// Public frames end with [..., channelName, pair]; the payload occupies
	// the slots in between and may be split across several of them.
	if len(parts) < 4 {
		return nil, fmt.Errorf("kraken: short public frame")
	}
	var pair string
	if err := json.Unmarshal(parts[len(parts)-2], &channel); err != nil {
		return nil, fmt.Errorf("kraken: unnamed channel frame")
	}
	_ = json.Unmarshal(parts[len(parts)-1], &pair)

	payload := parts[1 : len(parts)-2]
	switch {
	case channel == "ticker":
		return a.parseTicker(payload[0], pair)
	case channel == "trade":
		return a.parseTrades(payload[0], pair)
	case strings.HasPrefix(channel, "book"):
		return a.parseBook(payload, pair)
	}
	return nil, nil
}

func (a *Adapter) parseTicker(raw json.RawMessage, pair string) (*models.Message, error) {
	var payload struct {
		Ask    []string `json:"a"`
		Bid    []string `json:"b"`
		Last   []string `json:"c"`
		Volume []string `json:"v"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	tick := models.MarketTick{MarketID: pair, Time: time.Now().UTC()}
	if len(payload.Ask) > 0 {
		tick.Ask = parseFloat(payload.Ask[0])
	}
	if len(payload.Bid) > 0 {
		tick.Bid = parseFloat(payload.Bid[0])
	}
	if len(payload.Last) > 0 {
		tick.Last = parseFloat(payload.Last[0])
	}
	if len(payload.Volume) > 1 {
		tick.Volume = parseFloat(payload.Volume[1])
	}
	return &models.Message{
		Topic: models.TopicTicker,
		Kind:  models.KindDelta,
		Time:  tick.Time,
		Ticks: []models.MarketTick{tick},
	}, nil
}

func (a *Adapter) parseTrades(raw json.RawMessage, pair string) (*models.Message, error) {
	var rows [][]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	trades := make([]models.PublicTrade, 0, len(rows))
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		side := "buy"
		if row[3] == "s" {
			side = "sell"
		}
		trades = append(trades, models.PublicTrade{
			MarketID: pair,
			Price:    parseFloat(row[0]),
			Quantity: parseFloat(row[1]),
			Side:     side,
			Time:     unixFloat(parseFloat(row[2])),
		})
	}
	return &models.Message{
		Topic:  models.TopicTrades,
		Kind:   models.KindDelta,
		Trades: trades,
	}, nil
}

// parseBook handles snapshot ("as"/"bs") and delta ("a"/"b") payloads, which
// Kraken may split across adjacent slots of the same frame.
func (a *Adapter) parseBook(slots []json.RawMessage, pair string) (*models.Message, error) {
	update := &models.BookUpdate{MarketID: pair}
	snapshot := false
	for _, slot := range slots {
		var payload struct {
			AsksSnap [][]string `json:"as"`
			BidsSnap [][]string `json:"bs"`
			Asks     [][]string `json:"a"`
			Bids     [][]string `json:"b"`
		}
		if err := json.Unmarshal(slot, &payload); err != nil {
			return nil, err
		}
		if len(payload.AsksSnap) > 0 || len(payload.BidsSnap) > 0 {
			snapshot = true
			update.Asks = append(update.Asks, bookLevels(payload.AsksSnap)...)
			update.Bids = append(update.Bids, bookLevels(payload.BidsSnap)...)
		}
		update.Asks = append(update.Asks, bookLevels(payload.Asks)...)
		update.Bids = append(update.Bids, bookLevels(payload.Bids)...)
	}
	kind := models.KindDelta
	if snapshot {
		kind = models.KindSnapshot
	}
	return &models.Message{Topic: models.TopicBook, Kind: kind, Book: update}, nil
}

func bookLevels(rows [][]string) []models.BookLevel {
	levels := make([]models.BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		levels = append(levels, models.BookLevel{
			Price:    parseFloat(row[0]),
			Quantity: parseFloat(row[1]),
		})
	}
	return levels
}

type krakenWsOrder struct {
	Status   string `json:"status"`
	Vol      string `json:"vol"`
	VolExec  string `json:"vol_exec"`
	AvgPrice string `json:"avg_price"`
	UserRef  int64  `json:"userref"`
	ClOrdID  string `json:"cl_ord_id"`
	Descr    *struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

// parseOpenOrders maps the openOrders private channel. The first frame after
// subscribe carries the full open order set; later frames carry changed
// fields only, which the reconciler merges over its cache.
func (a *Adapter) parseOpenOrders(raw json.RawMessage) (*models.Message, error) {
	var batches []map[string]krakenWsOrder
	if err := json.Unmarshal(raw, &batches); err != nil {
		return nil, err
	}
	var orders []models.Order
	for _, batch := range batches {
		for txid, wsOrd := range batch {
			ord := models.Order{
				ID:               txid,
				ClientID:         wsOrd.ClOrdID,
				Quantity:         parseFloat(wsOrd.Vol),
				ExecutedQuantity: parseFloat(wsOrd.VolExec),
				AvgFillPrice:     parseFloat(wsOrd.AvgPrice),
				Status:           orderStatus(wsOrd.Status, parseFloat(wsOrd.VolExec)),
				UpdatedAt:        time.Now().UTC(),
			}
			if wsOrd.Descr != nil {
				ord.MarketID = wsOrd.Descr.Pair
				ord.Side = wsOrd.Descr.Type
				ord.Type = wsOrd.Descr.OrderType
				ord.Price = parseFloat(wsOrd.Descr.Price)
			}
			orders = append(orders, ord)
		}
	}
	return &models.Message{
		Topic:  models.TopicOwnOrders,
		Kind:   models.KindDelta,
		Action: models.DeltaUpdate,
		Orders: orders,
	}, nil
}

func (a *Adapter) parseOwnTrades(raw json.RawMessage) (*models.Message, error) {
	// Own trades are informational on Kraken; the openOrders channel's
	// vol_exec is the authoritative fill source.
	return &models.Message{Topic: models.TopicOwnTrades, Kind: models.KindDelta}, nil
}

func orderStatus(status string, executed float64) models.OrderStatus {
	switch status {
	case "pending":
		return models.OrderPending
	case "open":
		if executed > 0 {
			return models.OrderPartiallyFilled
		}
		return models.OrderOpen
	case "closed":
		return models.OrderFilled
	case "canceled", "expired":
		return models.OrderCanceled
	default:
		return models.OrderOpen
	}
}

func topicForChannel(name string) models.Topic {
	for topic, channel := range subscriptionNames {
		if name == channel || strings.HasPrefix(name, channel+"-") {
			return topic
		}
	}
	return ""
}

// HeartbeatReply is a no-op: Kraken heartbeats require no answer and the
// transport-level ping is handled by the websocket library.
func (a *Adapter) HeartbeatReply(raw []byte) ([]byte, bool) { return nil, false }

// AuthToken fetches the websocket token private subscriptions require.
func (a *Adapter) AuthToken(ctx context.Context, exec *rest.Executor) (string, error) {
	resp, err := exec.Do(ctx, rest.Request{
		Method:      http.MethodPost,
		Path:        "/0/private/GetWebSocketsToken",
		Auth:        true,
		Description: "websocket token",
	})
	if err != nil {
		return "", err
	}
	var payload struct {
		Result struct {
			Token string `json:"token"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return "", err
	}
	if payload.Result.Token == "" {
		return "", fmt.Errorf("kraken: empty websocket token")
	}
	return payload.Result.Token, nil
}

var intervalMinutes = map[time.Duration]string{
	time.Minute:        "1",
	5 * time.Minute:    "5",
	15 * time.Minute:   "15",
	30 * time.Minute:   "30",
	time.Hour:          "60",
	4 * time.Hour:      "240",
	24 * time.Hour:     "1440",
	7 * 24 * time.Hour: "10080",
}

func (a *Adapter) TimeframeKey(tf time.Duration) (string, bool) {
	key, ok := intervalMinutes[tf]
	return key, ok
}

func (a *Adapter) Signer() rest.Signer         { return &signer{key: a.key, secret: a.secret} }
func (a *Adapter) Classifier() rest.Classifier { return classifier{} }

func (a *Adapter) InstrumentsRequest() rest.Request {
	return rest.Request{
		Method:      http.MethodGet,
		Path:        "/0/public/AssetPairs",
		Description: "instruments snapshot",
	}
}

func (a *Adapter) ParseInstruments(body []byte) ([]models.Instrument, error) {
	var payload struct {
		Result map[string]struct {
			WsName       string      `json:"wsname"`
			Quote        string      `json:"quote"`
			PairDecimals int         `json:"pair_decimals"`
			LotDecimals  int         `json:"lot_decimals"`
			OrderMin     string      `json:"ordermin"`
			TickSize     string      `json:"tick_size"`
			Fees         [][]float64 `json:"fees"`
			FeesMaker    [][]float64 `json:"fees_maker"`
			LeverageBuy  []float64   `json:"leverage_buy"`
		} `json:"result"`
	}
	if err := unmarshalResult(body, &payload); err != nil {
		return nil, err
	}
	out := make([]models.Instrument, 0, len(payload.Result))
	for name, pair := range payload.Result {
		inst := models.Instrument{
			MarketID:       pair.WsName,
			Symbol:         name,
			QuotePrecision: pair.PairDecimals,
			BasePrecision:  pair.LotDecimals,
			MinVolume:      parseFloat(pair.OrderMin),
			TickSize:       parseFloat(pair.TickSize),
			SettleAsset:    pair.Quote,
		}
		if inst.MarketID == "" {
			inst.MarketID = name
		}
		if len(pair.Fees) > 0 && len(pair.Fees[0]) > 1 {
			inst.TakerFee = pair.Fees[0][1] / 100
		}
		if len(pair.FeesMaker) > 0 && len(pair.FeesMaker[0]) > 1 {
			inst.MakerFee = pair.FeesMaker[0][1] / 100
		}
		if len(pair.LeverageBuy) > 0 {
			inst.MaxLeverage = pair.LeverageBuy[len(pair.LeverageBuy)-1]
		}
		out = append(out, inst)
	}
	return out, nil
}

func (a *Adapter) CandlesRequest(marketID string, tf time.Duration, from, to time.Time) rest.Request {
	interval, _ := a.TimeframeKey(tf)
	query := url.Values{}
	query.Set("pair", marketID)
	query.Set("interval", interval)
	if !from.IsZero() {
		query.Set("since", strconv.FormatInt(from.Unix(), 10))
	}
	return rest.Request{
		Method:      http.MethodGet,
		Path:        "/0/public/OHLC",
		Query:       query,
		Description: "candles page",
	}
}

func (a *Adapter) ParseCandles(marketID string, tf time.Duration, body []byte) ([]models.Candle, time.Time, error) {
	var payload struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := unmarshalResult(body, &payload); err != nil {
		return nil, time.Time{}, err
	}
	var last int64
	var bars []models.Candle
	for key, raw := range payload.Result {
		if key == "last" {
			_ = json.Unmarshal(raw, &last)
			continue
		}
		var rows [][]json.Number
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, time.Time{}, err
		}
		for _, row := range rows {
			if len(row) < 7 {
				continue
			}
			ts, _ := row[0].Int64()
			bars = append(bars, models.Candle{
				MarketID:  marketID,
				Timeframe: tf,
				Start:     time.Unix(ts, 0).UTC(),
				Open:      numFloat(row[1]),
				High:      numFloat(row[2]),
				Low:       numFloat(row[3]),
				Close:     numFloat(row[4]),
				Volume:    numFloat(row[6]),
				Closed:    true,
			})
		}
	}
	// Kraken returns at most 720 bars per pull; "last" is the cursor of the
	// still-open bucket. A page shorter than the window means we caught up.
	if last == 0 || len(bars) < 2 {
		return bars, time.Time{}, nil
	}
	return bars, time.Unix(last, 0).UTC(), nil
}

func (a *Adapter) BalancesRequest() rest.Request {
	return rest.Request{
		Method:      http.MethodPost,
		Path:        "/0/private/BalanceEx",
		Auth:        true,
		Description: "balances poll",
	}
}

func (a *Adapter) ParseBalances(body []byte) ([]models.Balance, error) {
	var payload struct {
		Result map[string]struct {
			Balance   string `json:"balance"`
			HoldTrade string `json:"hold_trade"`
		} `json:"result"`
	}
	if err := unmarshalResult(body, &payload); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]models.Balance, 0, len(payload.Result))
	for asset, bal := range payload.Result {
		total := parseFloat(bal.Balance)
		locked := parseFloat(bal.HoldTrade)
		out = append(out, models.Balance{
			Asset:     asset,
			Free:      total - locked,
			Locked:    locked,
			UpdatedAt: now,
		})
	}
	return out, nil
}

// SubmitOrderRequest builds the AddOrder call. The signer folds the form
// body into its nonce form before the request goes out.
func (a *Adapter) SubmitOrderRequest(ord models.Order) rest.Request {
	form := url.Values{}
	form.Set("pair", ord.MarketID)
	form.Set("type", ord.Side)
	form.Set("ordertype", ord.Type)
	form.Set("volume", strconv.FormatFloat(ord.Quantity, 'f', -1, 64))
	if ord.Price != 0 {
		form.Set("price", strconv.FormatFloat(ord.Price, 'f', -1, 64))
	}
	if ord.ClientID != "" {
		form.Set("cl_ord_id", ord.ClientID)
	}
	return rest.Request{
		Method:      http.MethodPost,
		Path:        "/0/private/AddOrder",
		Body:        []byte(form.Encode()),
		Auth:        true,
		Description: "order submit",
	}
}

func (a *Adapter) CancelOrderRequest(ord models.Order) rest.Request {
	return rest.Request{
		Method:      http.MethodPost,
		Path:        "/0/private/CancelOrder",
		Body:        []byte("txid=" + url.QueryEscape(ord.ID)),
		Auth:        true,
		Description: "order cancel",
	}
}

func (a *Adapter) OrderByClientIDRequest(clientID string) rest.Request {
	return rest.Request{
		Method:      http.MethodPost,
		Path:        "/0/private/OpenOrders",
		Body:        []byte("cl_ord_id=" + url.QueryEscape(clientID)),
		Auth:        true,
		Description: "order recovery by client id",
	}
}

func (a *Adapter) ParseOrders(body []byte) ([]models.Order, error) {
	var payload struct {
		Result struct {
			Open map[string]krakenWsOrder `json:"open"`
		} `json:"result"`
	}
	if err := unmarshalResult(body, &payload); err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(payload.Result.Open))
	for txid, wsOrd := range payload.Result.Open {
		ord := models.Order{
			ID:               txid,
			ClientID:         wsOrd.ClOrdID,
			Quantity:         parseFloat(wsOrd.Vol),
			ExecutedQuantity: parseFloat(wsOrd.VolExec),
			AvgFillPrice:     parseFloat(wsOrd.AvgPrice),
			Status:           orderStatus(wsOrd.Status, parseFloat(wsOrd.VolExec)),
			UpdatedAt:        time.Now().UTC(),
		}
		if wsOrd.Descr != nil {
			ord.MarketID = wsOrd.Descr.Pair
			ord.Side = wsOrd.Descr.Type
			ord.Type = wsOrd.Descr.OrderType
			ord.Price = parseFloat(wsOrd.Descr.Price)
		}
		out = append(out, ord)
	}
	return out, nil
}

// unmarshalResult decodes a REST envelope, surfacing Kraken's in-body error
// array as a Go error.
func unmarshalResult(body []byte, dst interface{}) error {
	var envelope struct {
		Error []string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return err
	}
	if len(envelope.Error) > 0 {
		return fmt.Errorf("kraken: %s", strings.Join(envelope.Error, ", "))
	}
	return json.Unmarshal(body, dst)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func numFloat(n json.Number) float64 {
	f, _ := n.Float64()
	return f
}

func unixFloat(secs float64) time.Time {
	return time.Unix(int64(secs), int64((secs-float64(int64(secs)))*1e9)).UTC()
}

// signer implements Kraken's private REST scheme: the nonce joins the form
// body, API-Sign is HMAC-SHA512 over path plus SHA256(nonce+postdata) keyed
// with the base64-decoded secret.
type signer struct {
	key    string
	secret string
}

func (s *signer) Sign(req *http.Request, body []byte) error {
	secret, err := base64.StdEncoding.DecodeString(s.secret)
	if err != nil {
		return fmt.Errorf("kraken: malformed api secret: %w", err)
	}
	nonce := strconv.FormatInt(time.Now().UnixMicro(), 10)
	form := "nonce=" + nonce
	if len(body) > 0 {
		form += "&" + string(body)
	}

	digest := sha256.Sum256([]byte(nonce + form))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(req.URL.Path))
	mac.Write(digest[:])

	req.Header.Set("API-Key", s.key)
	req.Header.Set("API-Sign", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Body = io.NopCloser(strings.NewReader(form))
	req.ContentLength = int64(len(form))
	return nil
}

// classifier folds Kraken's in-body error codes into the shared disposition
// model; Kraken reports most failures inside HTTP 200 responses.
type classifier struct{}

func (classifier) Classify(status int, body []byte) rest.Disposition {
	base := rest.DefaultClassifier{}.Classify(status, body)
	if base != rest.DispositionOK {
		return base
	}
	var envelope struct {
		Error []string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Error) == 0 {
		return rest.DispositionOK
	}
	for _, code := range envelope.Error {
		switch {
		case strings.Contains(code, "Rate limit"):
			return rest.DispositionRateLimited
		case strings.Contains(code, "Unavailable"), strings.Contains(code, "Busy"):
			return rest.DispositionBusy
		case strings.Contains(code, "Invalid key"), strings.Contains(code, "Invalid signature"),
			strings.Contains(code, "Permission denied"):
			return rest.DispositionAuth
		case strings.Contains(code, "Invalid nonce"):
			return rest.DispositionRetryable
		}
	}
	return rest.DispositionFatal
}

func (classifier) RetryReset(header http.Header) (time.Duration, bool) {
	return rest.DefaultClassifier{}.RetryReset(header)
}
