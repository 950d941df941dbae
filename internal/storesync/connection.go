package storesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

type ConnState int32

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnOpen
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

type connTrigger int

const (
	triggerDial connTrigger = iota
	triggerDialed
	triggerDialFailed
	triggerLost
	triggerShutdown
)

func (t connTrigger) String() string {
	return [...]string{"dial", "dialed", "dial-failed", "lost", "shutdown"}[t]
}

var ErrIllegalTransition = errors.New("illegal connection state transition")

// connTransitions is the whole state machine:
// Idle -> Connecting -> Open -> Closed -> Connecting ...
var connTransitions = map[ConnState]map[connTrigger]ConnState{
	ConnIdle: {
		triggerDial:     ConnConnecting,
		triggerShutdown: ConnClosed,
	},
	ConnConnecting: {
		triggerDialed:     ConnOpen,
		triggerDialFailed: ConnClosed,
		triggerShutdown:   ConnClosed,
	},
	ConnOpen: {
		triggerLost:     ConnClosed,
		triggerShutdown: ConnClosed,
	},
	ConnClosed: {
		triggerDial:     ConnConnecting,
		triggerShutdown: ConnClosed,
	},
}

func nextConnState(cur ConnState, t connTrigger) (ConnState, error) {
	next, ok := connTransitions[cur][t]
	if !ok {
		return cur, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, cur, t)
	}
	return next, nil
}

// Conn is the duplex push channel. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the push endpoint with gorilla/websocket.
type WebsocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return conn, nil
}

// ConnectionManager keeps the push channel up. It owns ConnState; nothing
// else writes it.
type ConnectionManager struct {
	dialer    Dialer
	clock     clock.WithTicker
	backoff   backoff.BackOff
	emit      func(InvalidationEvent) bool
	pingEvery time.Duration

	logger       *zap.Logger
	malformedLog *rateLimitedLogger
	metrics      *metrics

	state      atomic.Int32
	reconnects atomic.Uint64
}

type connectionConfig struct {
	backoff   backoff.BackOff
	pingEvery time.Duration
}

func newConnectionManager(
	dialer Dialer,
	clk clock.WithTicker,
	emit func(InvalidationEvent) bool,
	cfg connectionConfig,
	logger *zap.Logger,
	m *metrics,
) *ConnectionManager {
	if cfg.backoff == nil {
		cfg.backoff = backoff.NewConstantBackOff(5 * time.Second)
	}
	cm := &ConnectionManager{
		dialer:       dialer,
		clock:        clk,
		backoff:      cfg.backoff,
		emit:         emit,
		pingEvery:    cfg.pingEvery,
		logger:       logger,
		malformedLog: newRateLimitedLogger(logger, time.Minute),
		metrics:      m,
	}
	cm.state.Store(int32(ConnIdle))
	m.connState(ConnIdle)
	return cm
}

func (m *ConnectionManager) State() ConnState {
	return ConnState(m.state.Load())
}

// Reconnects counts reconnect attempts scheduled after a loss or failed dial.
func (m *ConnectionManager) Reconnects() uint64 {
	return m.reconnects.Load()
}

func (m *ConnectionManager) fire(t connTrigger) {
	cur := m.State()
	next, err := nextConnState(cur, t)
	if err != nil {
		m.logger.Error("connection state machine", zap.Error(err))
		return
	}
	if next == cur {
		return
	}
	m.state.Store(int32(next))
	m.metrics.connState(next)
	m.logger.Debug("connection state", zap.Stringer("from", cur), zap.Stringer("to", next))
}

// Run connects and reconnects until ctx is done. Each loss or failed dial
// schedules exactly one new attempt after the backoff delay.
func (m *ConnectionManager) Run(ctx context.Context) {
	defer m.fire(triggerShutdown)

	for {
		m.session(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := m.backoff.NextBackOff()
		if delay == backoff.Stop {
			m.logger.Error("reconnect policy gave up")
			return
		}
		m.reconnects.Add(1)
		m.metrics.reconnectScheduled()
		m.logger.Info("reconnecting", zap.Duration("in", delay))

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(delay):
		}
	}
}

// session runs one connection from dial to loss.
func (m *ConnectionManager) session(ctx context.Context) {
	log := m.logger.With(zap.String("conn_id", uuid.NewString()))

	m.fire(triggerDial)
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		m.fire(triggerDialFailed)
		if ctx.Err() == nil {
			log.Warn("push channel dial failed", zap.Error(err))
		}
		return
	}
	m.fire(triggerDialed)
	m.backoff.Reset()
	log.Info("push channel open")
	m.emit(InvalidationEvent{Type: EventConnected})

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-sessCtx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer wg.Done()
		m.keepalive(sessCtx, conn, log)
	}()

	err = m.readLoop(conn)
	cancel()
	wg.Wait()

	m.fire(triggerLost)
	if ctx.Err() != nil {
		return
	}
	log.Warn("push channel lost", zap.Error(err))
	m.emit(InvalidationEvent{Type: EventDisconnected})
}

func (m *ConnectionManager) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.handleFrame(data)
	}
}

// handleFrame forwards a parsed frame. Malformed frames are dropped and never
// touch connection state.
func (m *ConnectionManager) handleFrame(data []byte) {
	ev, err := ParseEvent(data)
	if err != nil {
		m.metrics.frameMalformed()
		m.malformedLog.Warn("dropping malformed push frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	m.metrics.frameReceived(ev.Type)
	if ev.Type == EventUnknown {
		m.logger.Debug("ignoring push frame of unknown type", zap.Int("bytes", len(data)))
		return
	}
	m.emit(ev)
}

func (m *ConnectionManager) keepalive(ctx context.Context, conn Conn, log *zap.Logger) {
	if m.pingEvery <= 0 {
		return
	}
	t := m.clock.NewTicker(m.pingEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
				log.Debug("ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}
