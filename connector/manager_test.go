package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	appconfig "marketsync/config"
	"marketsync/models"
	"marketsync/rest"
	"marketsync/stream"
)

type fakeConn struct {
	mu     sync.Mutex
	frames chan []byte
	writes [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	raw, ok := <-c.frames
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, raw, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
	return nil
}

func (c *fakeConn) sentFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

type fakeAdapter struct {
	authErr  error
	parseErr error
}

func (a *fakeAdapter) Name() string           { return "fake" }
func (a *fakeAdapter) Topics() []models.Topic { return []models.Topic{models.TopicTicker} }

func (a *fakeAdapter) SubscribePayloads(topics []models.Topic, markets []string, token string) ([][]byte, error) {
	return [][]byte{[]byte(`{"subscribe":"ticker"}`)}, nil
}

func (a *fakeAdapter) ParseMessage(raw []byte) (*models.Message, error) {
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	return &models.Message{
		Topic: models.TopicTicker,
		Kind:  models.KindDelta,
		Ticks: []models.MarketTick{{MarketID: "TEST", Last: 1}},
	}, nil
}

func (a *fakeAdapter) HeartbeatReply(raw []byte) ([]byte, bool) {
	if string(raw) == "ping" {
		return []byte("pong"), true
	}
	return nil, false
}

func (a *fakeAdapter) AuthToken(ctx context.Context, exec *rest.Executor) (string, error) {
	return "", a.authErr
}

func (a *fakeAdapter) TimeframeKey(tf time.Duration) (string, bool) { return "1", true }
func (a *fakeAdapter) Signer() rest.Signer                          { return nil }
func (a *fakeAdapter) Classifier() rest.Classifier                  { return rest.DefaultClassifier{} }
func (a *fakeAdapter) InstrumentsRequest() rest.Request             { return rest.Request{} }
func (a *fakeAdapter) ParseInstruments(body []byte) ([]models.Instrument, error) {
	return nil, nil
}
func (a *fakeAdapter) CandlesRequest(marketID string, tf time.Duration, from, to time.Time) rest.Request {
	return rest.Request{}
}
func (a *fakeAdapter) ParseCandles(marketID string, tf time.Duration, body []byte) ([]models.Candle, time.Time, error) {
	return nil, time.Time{}, nil
}
func (a *fakeAdapter) BalancesRequest() rest.Request                       { return rest.Request{} }
func (a *fakeAdapter) ParseBalances(body []byte) ([]models.Balance, error) { return nil, nil }
func (a *fakeAdapter) OrderByClientIDRequest(clientID string) rest.Request { return rest.Request{} }
func (a *fakeAdapter) SubmitOrderRequest(ord models.Order) rest.Request    { return rest.Request{} }
func (a *fakeAdapter) CancelOrderRequest(ord models.Order) rest.Request    { return rest.Request{} }
func (a *fakeAdapter) ParseOrders(body []byte) ([]models.Order, error)     { return nil, nil }

func testConnectorConfig() appconfig.ConnectorConfig {
	return appconfig.ConnectorConfig{
		ConnectTimeout: time.Second,
		StaleTimeout:   time.Minute,
		CheckInterval:  10 * time.Millisecond,
		DialBackoff: appconfig.DialBackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   1.5,
		},
	}
}

func TestManagerConnectAndSubscribe(t *testing.T) {
	conn := newFakeConn()
	dial := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	var mu sync.Mutex
	var received []*models.Message
	handler := func(msg *models.Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	}

	bus := stream.NewBus("fake", 16)
	m := NewManager(&fakeAdapter{}, nil, bus, testConnectorConfig(),
		appconfig.VenueRetryConfig{MaxRetries: 3}, "ws://test", []string{"TEST"},
		handler, nil, WithDialer(dial))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if got := conn.sentFrames(); got != 1 {
		t.Fatalf("expected 1 subscription frame, got %d", got)
	}
	states := m.TopicStates()
	if states[models.TopicTicker].State != StateOnline {
		t.Fatalf("ticker should be online, got %s", states[models.TopicTicker].State)
	}

	conn.frames <- []byte(`{"any":"frame"}`)
	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("handler never received the parsed frame")
		case <-time.After(time.Millisecond):
		}
	}

	m.Stop()
}

func TestManagerHeartbeatReply(t *testing.T) {
	conn := newFakeConn()
	dial := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	bus := stream.NewBus("fake", 16)
	m := NewManager(&fakeAdapter{}, nil, bus, testConnectorConfig(),
		appconfig.VenueRetryConfig{MaxRetries: 3}, "ws://test", []string{"TEST"},
		nil, nil, WithDialer(dial))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.frames <- []byte("ping")
	deadline := time.After(time.Second)
	for conn.sentFrames() < 2 { // subscription + pong
		select {
		case <-deadline:
			t.Fatal("heartbeat reply never sent")
		case <-time.After(time.Millisecond):
		}
	}

	m.Stop()
}

func TestManagerRetryBudgetExhaustion(t *testing.T) {
	var dials int
	var mu sync.Mutex
	dial := func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, fmt.Errorf("connection refused")
	}

	bus := stream.NewBus("fake", 16)
	m := NewManager(&fakeAdapter{}, nil, bus, testConnectorConfig(),
		appconfig.VenueRetryConfig{MaxRetries: 3}, "ws://test", []string{"TEST"},
		nil, nil, WithDialer(dial))

	err := m.Connect(context.Background())
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected UnreachableError, got %v", err)
	}

	mu.Lock()
	got := dials
	mu.Unlock()
	if got != 3 {
		t.Fatalf("expected exactly 3 dial attempts, got %d", got)
	}

	// Exactly one fatal event on the bus.
	fatal := 0
	for {
		select {
		case evt := <-bus.Events():
			if evt.Fatal != nil {
				fatal++
			}
			continue
		default:
		}
		break
	}
	if fatal != 1 {
		t.Fatalf("expected exactly one fatal event, got %d", fatal)
	}
}

func TestManagerAuthFailureIsFatal(t *testing.T) {
	var dials int
	dial := func(ctx context.Context, url string) (Conn, error) {
		dials++
		return newFakeConn(), nil
	}

	bus := stream.NewBus("fake", 16)
	adapter := &fakeAdapter{authErr: &rest.AuthError{Venue: "fake", Status: http.StatusUnauthorized}}
	m := NewManager(adapter, nil, bus, testConnectorConfig(),
		appconfig.VenueRetryConfig{MaxRetries: 5}, "ws://test", []string{"TEST"},
		nil, nil, WithDialer(dial))

	err := m.Connect(context.Background())
	var authErr *rest.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if dials != 0 {
		t.Fatalf("auth failure should not be retried, got %d dials", dials)
	}
}

func TestManagerUndecodableFramesForceReconnect(t *testing.T) {
	var mu sync.Mutex
	var conns []*fakeConn
	dial := func(ctx context.Context, url string) (Conn, error) {
		c := newFakeConn()
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	}

	reconnects := 0
	onReconnect := func() {
		mu.Lock()
		reconnects++
		mu.Unlock()
	}

	bus := stream.NewBus("fake", 64)
	adapter := &fakeAdapter{parseErr: errors.New("garbage frame")}
	m := NewManager(adapter, nil, bus, testConnectorConfig(),
		appconfig.VenueRetryConfig{MaxRetries: 150, WindowInterval: 10 * time.Minute},
		"ws://test", []string{"TEST"}, nil, onReconnect, WithDialer(dial))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	mu.Lock()
	first := conns[0]
	mu.Unlock()
	for i := 0; i <= undecodableLimit; i++ {
		first.frames <- []byte("junk")
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(conns)
		r := reconnects
		mu.Unlock()
		if n >= 2 && r >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("undecodable frame run never forced a reconnect (conns=%d, callbacks=%d)", n, r)
		case <-time.After(time.Millisecond):
		}
	}

	m.Stop()
}

func TestManagerReconnectReplaysSubscriptions(t *testing.T) {
	var mu sync.Mutex
	var conns []*fakeConn
	dial := func(ctx context.Context, url string) (Conn, error) {
		c := newFakeConn()
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	}

	reconnects := 0
	onReconnect := func() {
		mu.Lock()
		reconnects++
		mu.Unlock()
	}

	bus := stream.NewBus("fake", 64)
	m := NewManager(&fakeAdapter{}, nil, bus, testConnectorConfig(),
		appconfig.VenueRetryConfig{MaxRetries: 150, WindowInterval: 10 * time.Minute},
		"ws://test", []string{"TEST"}, nil, onReconnect, WithDialer(dial))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Drop the connection; the read pump must dial again and replay the
	// subscription set.
	mu.Lock()
	first := conns[0]
	mu.Unlock()
	first.Close()

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(conns)
		r := reconnects
		mu.Unlock()
		if n >= 2 && r >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("reconnect never happened (conns=%d, callbacks=%d)", n, r)
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	second := conns[1]
	mu.Unlock()
	if second.sentFrames() != 1 {
		t.Fatalf("expected subscription replay on new connection, got %d frames", second.sentFrames())
	}

	m.Stop()
}
