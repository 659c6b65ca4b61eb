// Package bitmex maps BitMEX's table/action websocket protocol and REST API
// onto the venue-independent message model.
package bitmex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketsync/models"
	"marketsync/rest"
)

// Adapter implements the BitMEX derivatives venue. BitMEX is the cleanest
// snapshot-then-delta venue: every table replays a "partial" on subscribe
// followed by keyed insert/update/delete actions.
type Adapter struct {
	key    string
	secret string
}

func New(key, secret string) *Adapter {
	return &Adapter{key: key, secret: secret}
}

func (a *Adapter) Name() string { return "bitmex" }

func (a *Adapter) Topics() []models.Topic {
	return []models.Topic{
		models.TopicTicker,
		models.TopicTrades,
		models.TopicBook,
		models.TopicOwnOrders,
		models.TopicPositions,
		models.TopicBalances,
	}
}

var tables = map[models.Topic]string{
	models.TopicTicker:    "instrument",
	models.TopicTrades:    "trade",
	models.TopicBook:      "orderBookL2_25",
	models.TopicOwnOrders: "order",
	models.TopicPositions: "position",
	models.TopicBalances:  "margin",
}

var topicForTable = map[string]models.Topic{
	"instrument":     models.TopicTicker,
	"trade":          models.TopicTrades,
	"orderBookL2_25": models.TopicBook,
	"order":          models.TopicOwnOrders,
	"position":       models.TopicPositions,
	"margin":         models.TopicBalances,
}

func isPrivate(topic models.Topic) bool {
	switch topic {
	case models.TopicOwnOrders, models.TopicPositions, models.TopicBalances:
		return true
	default:
		return false
	}
}

// SubscribePayloads emits the auth frame ahead of the subscriptions when any
// private table is requested. BitMEX authenticates in-band on the socket
// rather than through a REST-issued token.
func (a *Adapter) SubscribePayloads(topics []models.Topic, markets []string, token string) ([][]byte, error) {
	var frames [][]byte
	needAuth := false
	var args []string
	for _, topic := range topics {
		table, ok := tables[topic]
		if !ok {
			return nil, fmt.Errorf("bitmex: unsupported topic %q", topic)
		}
		if isPrivate(topic) {
			needAuth = true
			args = append(args, table)
			continue
		}
		for _, market := range markets {
			args = append(args, table+":"+market)
		}
	}

	if needAuth {
		expires := time.Now().Add(time.Minute).Unix()
		sig := signPayload(a.secret, "GET/realtime"+strconv.FormatInt(expires, 10))
		auth, err := json.Marshal(map[string]interface{}{
			"op":   "authKeyExpires",
			"args": []interface{}{a.key, expires, sig},
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, auth)
	}

	sub, err := json.Marshal(map[string]interface{}{"op": "subscribe", "args": args})
	if err != nil {
		return nil, err
	}
	return append(frames, sub), nil
}

func (a *Adapter) ParseMessage(raw []byte) (*models.Message, error) {
	text := strings.TrimSpace(string(raw))
	if text == "pong" {
		return &models.Message{Kind: models.KindHeartbeat, Time: time.Now().UTC()}, nil
	}

	var frame struct {
		Table     string          `json:"table"`
		Action    string          `json:"action"`
		Data      json.RawMessage `json:"data"`
		Subscribe string          `json:"subscribe"`
		Success   *bool           `json:"success"`
		Error     string          `json:"error"`
		Info      string          `json:"info"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}

	switch {
	case frame.Error != "":
		return nil, fmt.Errorf("bitmex: %s", frame.Error)
	case frame.Success != nil:
		if !*frame.Success {
			return nil, fmt.Errorf("bitmex: subscribe %q rejected", frame.Subscribe)
		}
		topic := topicForTable[strings.SplitN(frame.Subscribe, ":", 2)[0]]
		return &models.Message{Kind: models.KindSubscriptionAck, Topic: topic}, nil
	case frame.Info != "":
		return nil, nil
	case frame.Table == "":
		return nil, nil
	}

	topic, ok := topicForTable[frame.Table]
	if !ok {
		return nil, nil
	}

	msg := &models.Message{Topic: topic, Time: time.Now().UTC()}
	switch frame.Action {
	case "partial":
		msg.Kind = models.KindSnapshot
	case "insert":
		msg.Kind = models.KindDelta
		msg.Action = models.DeltaInsert
	case "update":
		msg.Kind = models.KindDelta
		msg.Action = models.DeltaUpdate
	case "delete":
		msg.Kind = models.KindDelta
		msg.Action = models.DeltaDelete
	default:
		return nil, nil
	}

	switch topic {
	case models.TopicTicker:
		return a.parseInstrumentRows(msg, frame.Data)
	case models.TopicTrades:
		return a.parseTradeRows(msg, frame.Data)
	case models.TopicBook:
		return a.parseBookRows(msg, frame.Data)
	case models.TopicOwnOrders:
		return a.parseOrderRows(msg, frame.Data)
	case models.TopicPositions:
		return a.parsePositionRows(msg, frame.Data)
	case models.TopicBalances:
		return a.parseMarginRows(msg, frame.Data)
	}
	return nil, nil
}

func (a *Adapter) parseInstrumentRows(msg *models.Message, data json.RawMessage) (*models.Message, error) {
	var rows []struct {
		Symbol            string    `json:"symbol"`
		BidPrice          float64   `json:"bidPrice"`
		AskPrice          float64   `json:"askPrice"`
		LastPrice         float64   `json:"lastPrice"`
		Volume24h         float64   `json:"volume24h"`
		LastTickDirection string    `json:"lastTickDirection"`
		Timestamp         time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.LastPrice == 0 && row.BidPrice == 0 {
			continue
		}
		tick := models.MarketTick{
			MarketID: row.Symbol,
			Bid:      row.BidPrice,
			Ask:      row.AskPrice,
			Last:     row.LastPrice,
			Volume:   row.Volume24h,
			Time:     row.Timestamp,
		}
		switch row.LastTickDirection {
		case "PlusTick":
			tick.Direction = 1
		case "MinusTick":
			tick.Direction = -1
		}
		msg.Ticks = append(msg.Ticks, tick)
	}
	return msg, nil
}

func (a *Adapter) parseTradeRows(msg *models.Message, data json.RawMessage) (*models.Message, error) {
	var rows []struct {
		Symbol    string    `json:"symbol"`
		Side      string    `json:"side"`
		Size      float64   `json:"size"`
		Price     float64   `json:"price"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		msg.Trades = append(msg.Trades, models.PublicTrade{
			MarketID: row.Symbol,
			Price:    row.Price,
			Quantity: row.Size,
			Side:     strings.ToLower(row.Side),
			Time:     row.Timestamp,
		})
	}
	return msg, nil
}

func (a *Adapter) parseBookRows(msg *models.Message, data json.RawMessage) (*models.Message, error) {
	var rows []struct {
		Symbol string  `json:"symbol"`
		Side   string  `json:"side"`
		Price  float64 `json:"price"`
		Size   float64 `json:"size"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	update := &models.BookUpdate{MarketID: rows[0].Symbol, Time: msg.Time}
	for _, row := range rows {
		level := models.BookLevel{Price: row.Price, Quantity: row.Size}
		if msg.Action == models.DeltaDelete {
			level.Quantity = 0
		}
		if row.Side == "Buy" {
			update.Bids = append(update.Bids, level)
		} else {
			update.Asks = append(update.Asks, level)
		}
	}
	msg.Book = update
	return msg, nil
}

type bitmexOrder struct {
	OrderID   string    `json:"orderID"`
	ClOrdID   string    `json:"clOrdID"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	OrdType   string    `json:"ordType"`
	Price     float64   `json:"price"`
	OrderQty  float64   `json:"orderQty"`
	CumQty    float64   `json:"cumQty"`
	AvgPx     float64   `json:"avgPx"`
	OrdStatus string    `json:"ordStatus"`
	Timestamp time.Time `json:"timestamp"`
}

func (o bitmexOrder) normalize() models.Order {
	ord := models.Order{
		ID:               o.OrderID,
		ClientID:         o.ClOrdID,
		MarketID:         o.Symbol,
		Side:             strings.ToLower(o.Side),
		Type:             strings.ToLower(o.OrdType),
		Price:            o.Price,
		Quantity:         o.OrderQty,
		ExecutedQuantity: o.CumQty,
		AvgFillPrice:     o.AvgPx,
		UpdatedAt:        o.Timestamp,
	}
	switch o.OrdStatus {
	case "New":
		ord.Status = models.OrderOpen
	case "PartiallyFilled":
		ord.Status = models.OrderPartiallyFilled
	case "Filled":
		ord.Status = models.OrderFilled
	case "Canceled":
		ord.Status = models.OrderCanceled
	case "Rejected":
		ord.Status = models.OrderRejected
	}
	return ord
}

func (a *Adapter) parseOrderRows(msg *models.Message, data json.RawMessage) (*models.Message, error) {
	var rows []bitmexOrder
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		msg.Orders = append(msg.Orders, row.normalize())
	}
	return msg, nil
}

func (a *Adapter) parsePositionRows(msg *models.Message, data json.RawMessage) (*models.Message, error) {
	var rows []struct {
		Account       int64     `json:"account"`
		Symbol        string    `json:"symbol"`
		CurrentQty    float64   `json:"currentQty"`
		AvgEntryPrice float64   `json:"avgEntryPrice"`
		UnrealisedPnl float64   `json:"unrealisedPnl"`
		Timestamp     time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		pos := models.Position{
			ID:            row.Symbol,
			MarketID:      row.Symbol,
			Size:          row.CurrentQty,
			EntryPrice:    row.AvgEntryPrice,
			UnrealizedPnL: row.UnrealisedPnl / 1e8,
			UpdatedAt:     row.Timestamp,
			Direction:     "long",
		}
		if row.CurrentQty < 0 {
			pos.Direction = "short"
			pos.Size = -row.CurrentQty
		}
		msg.Positions = append(msg.Positions, pos)
	}
	return msg, nil
}

func (a *Adapter) parseMarginRows(msg *models.Message, data json.RawMessage) (*models.Message, error) {
	var rows []struct {
		Currency        string    `json:"currency"`
		WalletBalance   float64   `json:"walletBalance"`
		AvailableMargin float64   `json:"availableMargin"`
		Timestamp       time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		msg.Balances = append(msg.Balances, marginBalance(row.Currency, row.WalletBalance, row.AvailableMargin, row.Timestamp))
	}
	return msg, nil
}

// marginBalance converts BitMEX's satoshi-denominated XBt margin rows into
// asset units.
func marginBalance(currency string, wallet, available float64, ts time.Time) models.Balance {
	scale := 1.0
	asset := currency
	if currency == "XBt" {
		scale = 1e8
		asset = "XBT"
	}
	free := available / scale
	total := wallet / scale
	locked := total - free
	if locked < 0 {
		locked = 0
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return models.Balance{Asset: asset, Free: free, Locked: locked, UpdatedAt: ts}
}

// HeartbeatReply answers the websocket-level ping text frame.
func (a *Adapter) HeartbeatReply(raw []byte) ([]byte, bool) {
	if strings.TrimSpace(string(raw)) == "ping" {
		return []byte("pong"), true
	}
	return nil, false
}

// AuthToken is a no-op: BitMEX authenticates in-band via authKeyExpires.
func (a *Adapter) AuthToken(ctx context.Context, exec *rest.Executor) (string, error) {
	return "", nil
}

var binSizes = map[time.Duration]string{
	time.Minute:     "1m",
	5 * time.Minute: "5m",
	time.Hour:       "1h",
	24 * time.Hour:  "1d",
}

func (a *Adapter) TimeframeKey(tf time.Duration) (string, bool) {
	key, ok := binSizes[tf]
	return key, ok
}

func (a *Adapter) Signer() rest.Signer         { return &signer{key: a.key, secret: a.secret} }
func (a *Adapter) Classifier() rest.Classifier { return classifier{} }

func (a *Adapter) InstrumentsRequest() rest.Request {
	query := url.Values{}
	query.Set("count", "500")
	return rest.Request{
		Method:      http.MethodGet,
		Path:        "/api/v1/instrument/active",
		Query:       query,
		Description: "instruments snapshot",
	}
}

func (a *Adapter) ParseInstruments(body []byte) ([]models.Instrument, error) {
	var rows []struct {
		Symbol        string  `json:"symbol"`
		TickSize      float64 `json:"tickSize"`
		LotSize       float64 `json:"lotSize"`
		MaxLeverage   float64 `json:"maxLeverage"`
		MakerFee      float64 `json:"makerFee"`
		TakerFee      float64 `json:"takerFee"`
		InitMargin    float64 `json:"initMargin"`
		SettlCurrency string  `json:"settlCurrency"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	out := make([]models.Instrument, 0, len(rows))
	for _, row := range rows {
		settle := row.SettlCurrency
		if settle == "XBt" {
			settle = "XBT"
		}
		inst := models.Instrument{
			MarketID:    row.Symbol,
			Symbol:      row.Symbol,
			TickSize:    row.TickSize,
			MinVolume:   row.LotSize,
			MaxLeverage: row.MaxLeverage,
			MakerFee:    row.MakerFee,
			TakerFee:    row.TakerFee,
			SettleAsset: settle,
		}
		if inst.MaxLeverage == 0 && row.InitMargin > 0 {
			inst.MaxLeverage = 1 / row.InitMargin
		}
		out = append(out, inst)
	}
	return out, nil
}

func (a *Adapter) CandlesRequest(marketID string, tf time.Duration, from, to time.Time) rest.Request {
	binSize, _ := a.TimeframeKey(tf)
	query := url.Values{}
	query.Set("symbol", marketID)
	query.Set("binSize", binSize)
	query.Set("partial", "false")
	query.Set("count", "1000")
	if !from.IsZero() {
		query.Set("startTime", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		query.Set("endTime", to.UTC().Format(time.RFC3339))
	}
	return rest.Request{
		Method:      http.MethodGet,
		Path:        "/api/v1/trade/bucketed",
		Query:       query,
		Description: "candles page",
	}
}

func (a *Adapter) ParseCandles(marketID string, tf time.Duration, body []byte) ([]models.Candle, time.Time, error) {
	var rows []struct {
		Timestamp time.Time `json:"timestamp"`
		Open      float64   `json:"open"`
		High      float64   `json:"high"`
		Low       float64   `json:"low"`
		Close     float64   `json:"close"`
		Volume    float64   `json:"volume"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, time.Time{}, err
	}
	bars := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		// BitMEX stamps buckets with their close time.
		bars = append(bars, models.Candle{
			MarketID:  marketID,
			Timeframe: tf,
			Start:     row.Timestamp.Add(-tf).UTC(),
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
			Closed:    true,
		})
	}
	if len(rows) < 1000 {
		return bars, time.Time{}, nil
	}
	next := rows[len(rows)-1].Timestamp
	return bars, next.UTC(), nil
}

func (a *Adapter) BalancesRequest() rest.Request {
	query := url.Values{}
	query.Set("currency", "all")
	return rest.Request{
		Method:      http.MethodGet,
		Path:        "/api/v1/user/margin",
		Query:       query,
		Auth:        true,
		Description: "balances poll",
	}
}

func (a *Adapter) ParseBalances(body []byte) ([]models.Balance, error) {
	var rows []struct {
		Currency        string  `json:"currency"`
		WalletBalance   float64 `json:"walletBalance"`
		AvailableMargin float64 `json:"availableMargin"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		// A single-currency account returns one object, not an array.
		var row struct {
			Currency        string  `json:"currency"`
			WalletBalance   float64 `json:"walletBalance"`
			AvailableMargin float64 `json:"availableMargin"`
		}
		if err2 := json.Unmarshal(body, &row); err2 != nil {
			return nil, err
		}
		return []models.Balance{marginBalance(row.Currency, row.WalletBalance, row.AvailableMargin, time.Time{})}, nil
	}
	out := make([]models.Balance, 0, len(rows))
	for _, row := range rows {
		out = append(out, marginBalance(row.Currency, row.WalletBalance, row.AvailableMargin, time.Time{}))
	}
	return out, nil
}

// capitalize maps the lower-cased model vocabulary ("buy", "limit") back to
// BitMEX's capitalized enums ("Buy", "Limit").
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// SubmitOrderRequest builds the order placement call. BitMEX rejects a reused
// clOrdID with a "Duplicate clOrdID" error, which the classifier maps so the
// caller can recover the original order instead of double-placing.
func (a *Adapter) SubmitOrderRequest(ord models.Order) rest.Request {
	payload := struct {
		Symbol   string  `json:"symbol"`
		Side     string  `json:"side"`
		OrderQty float64 `json:"orderQty"`
		Price    float64 `json:"price,omitempty"`
		OrdType  string  `json:"ordType,omitempty"`
		ClOrdID  string  `json:"clOrdID,omitempty"`
	}{
		Symbol:   ord.MarketID,
		Side:     capitalize(ord.Side),
		OrderQty: ord.Quantity,
		Price:    ord.Price,
		OrdType:  capitalize(ord.Type),
		ClOrdID:  ord.ClientID,
	}
	body, _ := json.Marshal(payload)
	return rest.Request{
		Method:      http.MethodPost,
		Path:        "/api/v1/order",
		Body:        body,
		Auth:        true,
		Description: "order submit",
	}
}

func (a *Adapter) CancelOrderRequest(ord models.Order) rest.Request {
	query := url.Values{}
	query.Set("orderID", ord.ID)
	return rest.Request{
		Method:      http.MethodDelete,
		Path:        "/api/v1/order",
		Query:       query,
		Auth:        true,
		Description: "order cancel",
	}
}

func (a *Adapter) OrderByClientIDRequest(clientID string) rest.Request {
	filter, _ := json.Marshal(map[string]string{"clOrdID": clientID})
	query := url.Values{}
	query.Set("filter", string(filter))
	return rest.Request{
		Method:      http.MethodGet,
		Path:        "/api/v1/order",
		Query:       query,
		Auth:        true,
		Description: "order recovery by client id",
	}
}

func (a *Adapter) ParseOrders(body []byte) ([]models.Order, error) {
	var rows []bitmexOrder
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.normalize())
	}
	return out, nil
}

func signPayload(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signer implements BitMEX's expiring-signature scheme: api-signature is
// HMAC-SHA256 over verb + path-with-query + expires + body.
type signer struct {
	key    string
	secret string
}

func (s *signer) Sign(req *http.Request, body []byte) error {
	expires := strconv.FormatInt(time.Now().Add(30*time.Second).Unix(), 10)
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	req.Header.Set("api-key", s.key)
	req.Header.Set("api-expires", expires)
	req.Header.Set("api-signature", signPayload(s.secret, req.Method+path+expires+string(body)))
	return nil
}

// classifier adds BitMEX's duplicate clOrdID rejection and overload status
// on top of the shared mapping.
type classifier struct{}

func (classifier) Classify(status int, body []byte) rest.Disposition {
	if status == http.StatusBadRequest {
		var payload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil &&
			strings.Contains(payload.Error.Message, "Duplicate clOrdID") {
			return rest.DispositionDuplicateOrder
		}
	}
	return rest.DefaultClassifier{}.Classify(status, body)
}

func (classifier) RetryReset(header http.Header) (time.Duration, bool) {
	if v := header.Get("x-ratelimit-reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d, true
			}
		}
	}
	return rest.DefaultClassifier{}.RetryReset(header)
}
