package storesync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

func TestNextConnState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from    ConnState
		trigger connTrigger
		want    ConnState
		wantErr bool
	}{
		{ConnIdle, triggerDial, ConnConnecting, false},
		{ConnConnecting, triggerDialed, ConnOpen, false},
		{ConnConnecting, triggerDialFailed, ConnClosed, false},
		{ConnOpen, triggerLost, ConnClosed, false},
		{ConnClosed, triggerDial, ConnConnecting, false},
		{ConnOpen, triggerShutdown, ConnClosed, false},
		{ConnIdle, triggerDialed, ConnIdle, true},
		{ConnOpen, triggerDial, ConnOpen, true},
		{ConnClosed, triggerLost, ConnClosed, true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.trigger.String(), func(t *testing.T) {
			t.Parallel()
			got, err := nextConnState(tt.from, tt.trigger)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIllegalTransition)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func startManager(t *testing.T, d Dialer, clk clock.WithTicker, cfg connectionConfig) (*ConnectionManager, *eventLog, context.CancelFunc) {
	t.Helper()
	log := &eventLog{}
	m := newConnectionManager(d, clk, log.emit, cfg, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, log, cancel
}

func TestConnectionMalformedFrameLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m, log, _ := startManager(t, d, newFakeClock(), connectionConfig{})
	conn := d.open()

	require.Eventually(t, func() bool { return m.State() == ConnOpen }, waitFor, tick)
	conn.send(`{"type":`)
	conn.send(`"just a string"`)
	conn.send(`{"type":"cart_updated"}`)

	require.Eventually(t, func() bool { return log.count(EventCartUpdated) == 1 }, waitFor, tick)
	assert.Equal(t, ConnOpen, m.State())
	assert.Equal(t, []EventType{EventConnected, EventCartUpdated}, eventTypes(log.all()))
	assert.Zero(t, m.Reconnects())
}

func TestConnectionIgnoresClientOnlyTypes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	d := newFakeDialer()
	log := &eventLog{}
	m := newConnectionManager(d, newFakeClock(), log.emit, connectionConfig{}, zap.NewNop(), newMetrics(reg))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn := d.open()
	require.Eventually(t, func() bool { return m.State() == ConnOpen }, waitFor, tick)
	conn.send(`{"type":"connected"}`)
	conn.send(`{"type":"poll_tick","cache":"comments"}`)
	conn.send(`{"type":"manual","cache":"cart"}`)
	conn.send(`{"type":"revalidated","cache":"cart"}`)
	conn.send(`{"type":"x-` + strings.Repeat("a", 64) + `"}`)
	conn.send(`{"type":"cart_updated"}`)

	require.Eventually(t, func() bool { return log.count(EventCartUpdated) == 1 }, waitFor, tick)
	assert.Equal(t, []EventType{EventConnected, EventCartUpdated}, eventTypes(log.all()))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	labels := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "storesync_push_frames_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{"unknown": 5, "cart_updated": 1}, labels)
}

func TestConnectionReconnectsAfterDelay(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	d := newFakeDialer()
	m, log, _ := startManager(t, d, clk, connectionConfig{})

	first := d.open()
	require.Eventually(t, func() bool { return log.count(EventConnected) == 1 }, waitFor, tick)

	first.Close()
	require.Eventually(t, func() bool { return clk.HasWaiters() }, waitFor, tick)
	assert.Equal(t, 1, log.count(EventDisconnected))
	assert.Equal(t, ConnClosed, m.State())
	assert.EqualValues(t, 1, m.Reconnects())

	clk.Step(4999 * time.Millisecond)
	assert.Never(t, func() bool { return d.dials.Load() > 1 }, 50*time.Millisecond, tick)

	clk.Step(time.Millisecond)
	require.Eventually(t, func() bool { return d.dials.Load() == 2 }, waitFor, tick)
	d.open()
	require.Eventually(t, func() bool { return log.count(EventConnected) == 2 }, waitFor, tick)
	assert.Equal(t, 1, log.count(EventDisconnected), "exactly one reconnect per loss")
	assert.EqualValues(t, 1, m.Reconnects())
}

func TestConnectionDialFailureRetries(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	d := newFakeDialer()
	m, log, _ := startManager(t, d, clk, connectionConfig{})

	d.results <- dialResult{err: errors.New("refused")}
	require.Eventually(t, func() bool { return clk.HasWaiters() }, waitFor, tick)
	assert.Equal(t, ConnClosed, m.State())
	assert.Zero(t, log.count(EventDisconnected), "never-open channel is not reported lost")

	clk.Step(5 * time.Second)
	d.open()
	require.Eventually(t, func() bool { return m.State() == ConnOpen }, waitFor, tick)
	assert.Equal(t, 1, log.count(EventConnected))
}

func TestConnectionBackoffResetsOnOpen(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	d := newFakeDialer()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Minute
	m, _, _ := startManager(t, d, clk, connectionConfig{backoff: b})

	d.results <- dialResult{err: errors.New("refused")}
	require.Eventually(t, func() bool { return clk.HasWaiters() }, waitFor, tick)
	clk.Step(time.Second)

	require.Eventually(t, func() bool { return d.dials.Load() == 2 }, waitFor, tick)
	d.results <- dialResult{err: errors.New("refused")}
	require.Eventually(t, func() bool { return m.Reconnects() == 2 && clk.HasWaiters() }, waitFor, tick)
	clk.Step(time.Second)
	assert.Never(t, func() bool { return d.dials.Load() > 2 }, 50*time.Millisecond, tick, "second delay doubled")
	clk.Step(time.Second)

	conn := d.open()
	require.Eventually(t, func() bool { return m.State() == ConnOpen }, waitFor, tick)
	conn.Close()
	require.Eventually(t, func() bool { return m.Reconnects() == 3 && clk.HasWaiters() }, waitFor, tick)
	clk.Step(time.Second)
	require.Eventually(t, func() bool { return d.dials.Load() == 4 }, waitFor, tick, "delay back to initial after open")
}

func TestConnectionWebsocketEndToEnd(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	var (
		mu    sync.Mutex
		pings int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteJSON(map[string]any{"type": "connection", "data": map[string]string{"message": "hello"}})
		_ = c.WriteJSON(map[string]any{"type": "cache_invalidated", "data": map[string]string{"cache": "bestsellers"}})
		_ = c.WriteMessage(websocket.TextMessage, []byte("garbage"))
		_ = c.WriteJSON(map[string]any{"type": "profile_updated", "data": map[string]any{"user_id": 42}})
		for {
			var msg map[string]string
			if err := c.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "ping" {
				mu.Lock()
				pings++
				mu.Unlock()
				_ = c.WriteJSON(map[string]string{"type": "pong"})
			}
		}
	}))
	t.Cleanup(srv.Close)

	d := WebsocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", HandshakeTimeout: time.Second}
	m, log, cancel := startManager(t, d, clock.RealClock{}, connectionConfig{pingEvery: 20 * time.Millisecond})

	require.Eventually(t, func() bool { return log.count(EventPong) > 0 }, waitFor, tick)
	assert.Equal(t, ConnOpen, m.State())
	assert.Equal(t, 1, log.countKind(EventCacheInvalidated, KindBestsellers))
	assert.Equal(t, 1, log.count(EventWelcome))

	var profile InvalidationEvent
	for _, ev := range log.all() {
		if ev.Type == EventProfileUpdated {
			profile = ev
		}
	}
	assert.True(t, profile.HasUserID)
	assert.EqualValues(t, 42, profile.UserID)

	mu.Lock()
	assert.Positive(t, pings)
	mu.Unlock()

	cancel()
	require.Eventually(t, func() bool { return m.State() == ConnClosed }, waitFor, tick)
	assert.Zero(t, log.count(EventDisconnected), "shutdown is not a loss")
}

func eventTypes(evs []InvalidationEvent) []EventType {
	out := make([]EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}
