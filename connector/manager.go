package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	appconfig "marketsync/config"
	"marketsync/logger"
	"marketsync/models"
	"marketsync/rest"
	"marketsync/stream"
	"marketsync/venue"
)

// undecodableLimit is the number of consecutive frames that may fail to
// decode before the channel is treated as lost and reconnected.
const undecodableLimit = 25

// Conn is the subset of the websocket connection the manager uses. Tests
// inject synthetic connections through DialFunc.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens the push channel. The default implementation dials the
// venue websocket with gorilla.
type DialFunc func(ctx context.Context, url string) (Conn, error)

func websocketDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Manager owns the push channel of one venue and keeps every logical topic
// subscription alive. State transitions happen only here; reconnection is
// bounded by the venue's retry budget.
type Manager struct {
	adapter  venue.Adapter
	exec     *rest.Executor
	bus      *stream.Bus
	cfg      appconfig.ConnectorConfig
	retryCfg appconfig.VenueRetryConfig
	wsURL    string
	markets  []string
	log      *logger.Log
	clk      clock.Clock
	dial     DialFunc

	// handler receives every parsed frame inline on the read goroutine so
	// per-resource ordering is preserved. It must not block on I/O.
	handler func(*models.Message)
	// onReconnect lets the reconciler reset its snapshot gates before the
	// subscription set is replayed.
	onReconnect func()

	window *retryWindow

	mu     sync.RWMutex
	topics map[models.Topic]*TopicState
	conn   Conn
	token  string

	writeMu sync.Mutex
	ctx     context.Context
	wg      sync.WaitGroup
	running bool
}

// Option tweaks manager construction, used by tests to inject fakes.
type Option func(*Manager)

func WithDialer(d DialFunc) Option {
	return func(m *Manager) { m.dial = d }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clk = c }
}

// NewManager wires a manager for one venue connection.
func NewManager(adapter venue.Adapter, exec *rest.Executor, bus *stream.Bus, cfg appconfig.ConnectorConfig, retryCfg appconfig.VenueRetryConfig, wsURL string, markets []string, handler func(*models.Message), onReconnect func(), opts ...Option) *Manager {
	m := &Manager{
		adapter:     adapter,
		exec:        exec,
		bus:         bus,
		cfg:         cfg,
		retryCfg:    retryCfg,
		wsURL:       wsURL,
		markets:     markets,
		log:         logger.GetLogger(),
		clk:         clock.New(),
		dial:        websocketDial,
		handler:     handler,
		onReconnect: onReconnect,
		topics:      make(map[models.Topic]*TopicState),
	}
	for _, t := range adapter.Topics() {
		m.topics[t] = &TopicState{State: StateOffline}
	}
	for _, opt := range opts {
		opt(m)
	}
	m.window = newRetryWindow(retryCfg.MaxRetries, retryCfg.WindowInterval, m.clk)
	return m
}

// Connect performs the handshake, opens the push channel and issues the
// subscription requests. It returns once the channel is open; subscription
// confirmations arrive asynchronously. Authentication failures are fatal and
// not retried.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("connection manager already running")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	log := m.log.WithComponent("connector").WithVenue(m.adapter.Name())

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	err := m.establish(connectCtx)
	cancel()
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	m.wg.Add(2)
	go m.readPump()
	go m.supervise()

	log.WithFields(logger.Fields{"markets": m.markets}).Info("venue connection established")
	return nil
}

// Stop closes the channel and waits for the read and supervisor goroutines.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.running = false
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
	m.setAllTopics(StateOffline)
	m.log.WithComponent("connector").WithVenue(m.adapter.Name()).Info("connection manager stopped")
}

// TopicStates returns a snapshot copy of every topic's state.
func (m *Manager) TopicStates() map[models.Topic]TopicState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.Topic]TopicState, len(m.topics))
	for t, s := range m.topics {
		out[t] = *s
	}
	return out
}

// establish dials and subscribes under the retry budget. Every attempt,
// including the first, counts against the budget.
func (m *Manager) establish(ctx context.Context) error {
	log := m.log.WithComponent("connector").WithVenue(m.adapter.Name())

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.DialBackoff.InitialDelay
	bo.MaxInterval = m.cfg.DialBackoff.MaxDelay
	if m.cfg.DialBackoff.Multiplier > 0 {
		bo.Multiplier = m.cfg.DialBackoff.Multiplier
	}
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !m.window.Allow() {
			err := &UnreachableError{
				Venue:    m.adapter.Name(),
				Attempts: m.retryCfg.MaxRetries,
				Window:   m.retryCfg.WindowInterval,
			}
			m.emitFatal(err)
			return err
		}

		err := m.connectOnce(ctx)
		if err == nil {
			m.window.Reset()
			return nil
		}

		var authErr *rest.AuthError
		if errors.As(err, &authErr) {
			log.WithError(err).Error("handshake authentication failed, not retrying")
			m.emitFatal(err)
			return err
		}

		logger.IncrementReconnect()
		wait := bo.NextBackOff()
		log.WithError(err).WithFields(logger.Fields{"retry_in": wait.String()}).Warn("failed to connect push channel, retrying")
		select {
		case <-m.clk.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectOnce performs one handshake + dial + subscribe cycle.
func (m *Manager) connectOnce(ctx context.Context) error {
	log := m.log.WithComponent("connector").WithVenue(m.adapter.Name())
	m.setAllTopics(StateConnecting)

	token, err := m.adapter.AuthToken(ctx, m.exec)
	if err != nil {
		return fmt.Errorf("push auth handshake: %w", err)
	}

	conn, err := m.dial(ctx, m.wsURL)
	if err != nil {
		return fmt.Errorf("dial push channel: %w", err)
	}

	if m.onReconnect != nil {
		m.onReconnect()
	}

	payloads, err := m.adapter.SubscribePayloads(m.adapter.Topics(), m.markets, token)
	if err != nil {
		conn.Close()
		return fmt.Errorf("build subscriptions: %w", err)
	}
	for _, p := range payloads {
		if err := conn.WriteMessage(websocket.TextMessage, p); err != nil {
			conn.Close()
			return fmt.Errorf("send subscription: %w", err)
		}
	}

	m.mu.Lock()
	m.conn = conn
	m.token = token
	now := m.clk.Now()
	for t, s := range m.topics {
		s.State = StateOnline
		s.LastActivity = now
		s.Subscribed = true
		m.emitStatusLocked(t, StateOnline)
	}
	m.mu.Unlock()

	log.WithFields(logger.Fields{"subscriptions": len(payloads)}).Info("push channel open, subscriptions replayed")
	return nil
}

// readPump is the only long-blocking reader of the push channel. All parsing
// and mirror mutation happens inline here to preserve per-resource ordering.
func (m *Manager) readPump() {
	defer m.wg.Done()
	log := m.log.WithComponent("connector").WithVenue(m.adapter.Name())

	undecodable := 0
	for {
		m.mu.RLock()
		conn := m.conn
		running := m.running
		m.mu.RUnlock()
		if !running || conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if m.ctx.Err() != nil || !m.isRunning() {
				return
			}
			log.WithError(err).Warn("push channel read error, reconnecting")
			if !m.reconnect() {
				return
			}
			continue
		}
		logger.IncrementFrameRead(len(raw))

		if reply, ok := m.adapter.HeartbeatReply(raw); ok {
			m.touchAll()
			m.writeMu.Lock()
			conn.WriteMessage(websocket.TextMessage, reply)
			m.writeMu.Unlock()
			continue
		}

		msg, err := m.adapter.ParseMessage(raw)
		if err != nil {
			undecodable++
			log.WithError(err).Debug("failed to decode frame")
			if undecodable > undecodableLimit {
				log.WithFields(logger.Fields{"count": undecodable}).Error("persistent undecodable frames, reconnecting")
				undecodable = 0
				if !m.reconnect() {
					return
				}
			}
			continue
		}
		undecodable = 0
		if msg == nil {
			m.touchAll()
			continue
		}

		m.touch(msg.Topic)
		if msg.Kind == models.KindHeartbeat || msg.Kind == models.KindSubscriptionAck {
			continue
		}
		if m.handler != nil {
			m.handler(msg)
		}
	}
}

// supervise watches topic liveness and forces a reconnect when a topic goes
// stale without any heartbeat.
func (m *Manager) supervise() {
	defer m.wg.Done()
	log := m.log.WithComponent("connector").WithVenue(m.adapter.Name())

	ticker := m.clk.Ticker(m.cfg.CheckInterval)
	defer ticker.Stop()

	pinger, _ := m.adapter.(venue.Pinger)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.isRunning() {
			return
		}

		now := m.clk.Now()
		var stale models.Topic
		m.mu.RLock()
		for t, s := range m.topics {
			if s.State == StateOnline && now.Sub(s.LastActivity) > m.cfg.StaleTimeout {
				stale = t
				break
			}
		}
		conn := m.conn
		m.mu.RUnlock()

		if stale != "" && conn != nil {
			log.WithFields(logger.Fields{"topic": string(stale)}).Warn("topic stale, forcing reconnect")
			m.markTopic(stale, StateDegraded)
			// Closing the connection unblocks the read pump, which
			// owns the reconnect path.
			conn.Close()
			continue
		}

		if pinger != nil && conn != nil {
			if frame, ok := pinger.PingFrame(); ok {
				m.writeMu.Lock()
				conn.WriteMessage(websocket.TextMessage, frame)
				m.writeMu.Unlock()
			}
		}
	}
}

// ForceReconnect drops the push channel so the read pump re-establishes it
// and the subscription set is replayed. Used when a topic keeps producing
// malformed deltas.
func (m *Manager) ForceReconnect(topic models.Topic) {
	m.markTopic(topic, StateDegraded)
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
}

// reconnect re-establishes the channel after a loss. Mirrors are not cleared;
// the reconciler re-snapshots via the replayed subscriptions. Returns false
// when the retry budget is exhausted or the context is done.
func (m *Manager) reconnect() bool {
	m.setAllTopics(StateLost)
	logger.IncrementReconnect()

	if err := m.establish(m.ctx); err != nil {
		if m.ctx.Err() == nil {
			m.log.WithComponent("connector").WithVenue(m.adapter.Name()).WithError(err).Error("reconnect failed permanently")
		}
		return false
	}
	return true
}

func (m *Manager) isRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) touch(topic models.Topic) {
	m.mu.Lock()
	if s, ok := m.topics[topic]; ok {
		s.LastActivity = m.clk.Now()
		if s.State != StateOnline {
			s.State = StateOnline
			m.emitStatusLocked(topic, StateOnline)
		}
	}
	m.mu.Unlock()
}

// touchAll refreshes activity on every topic; venue heartbeats are
// connection-scoped, not per-topic.
func (m *Manager) touchAll() {
	m.mu.Lock()
	now := m.clk.Now()
	for _, s := range m.topics {
		s.LastActivity = now
	}
	m.mu.Unlock()
}

func (m *Manager) markTopic(topic models.Topic, st State) {
	m.mu.Lock()
	if s, ok := m.topics[topic]; ok && s.State != st {
		s.State = st
		if st != StateOnline {
			s.Failures++
		}
		m.emitStatusLocked(topic, st)
	}
	m.mu.Unlock()
}

func (m *Manager) setAllTopics(st State) {
	m.mu.Lock()
	for t, s := range m.topics {
		if s.State != st {
			s.State = st
			if st == StateLost {
				s.Subscribed = false
				s.Failures++
			}
			m.emitStatusLocked(t, st)
		}
	}
	m.mu.Unlock()
}

// emitStatusLocked publishes a connection status event and logs the
// transition. Callers hold m.mu.
func (m *Manager) emitStatusLocked(topic models.Topic, st State) {
	m.log.WithComponent("connector").WithVenue(m.adapter.Name()).WithFields(logger.Fields{
		"topic": string(topic),
		"state": st.String(),
	}).Info("topic state transition")
	m.bus.TryPublish(stream.Event{
		Type:  stream.EventConnectionStatus,
		Topic: topic,
		State: st.String(),
		Time:  m.clk.Now(),
	})
}

// emitFatal reports budget exhaustion or auth failure on the bus exactly
// once per occurrence.
func (m *Manager) emitFatal(err error) {
	m.bus.TryPublish(stream.Event{
		Type:  stream.EventConnectionStatus,
		State: StateLost.String(),
		Fatal: err,
		Time:  m.clk.Now(),
	})
}
