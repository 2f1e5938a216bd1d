// Package transport owns the persistent websocket session to the server:
// connect, authenticate, subscribe, heartbeat, and reconnection with
// exponential backoff. Inbound frames are delivered sequentially to a single
// handler; the handler runs to completion before the next frame is read.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/AngkinV/Nexus-All/internal/wire"
)

var log = logging.Logger("nexus:transport")

// ErrNotConnected is returned by Publish while the session is down.
var ErrNotConnected = errors.New("transport: not connected")

// ErrAuthRejected is surfaced through the onReady callback when the server
// refuses the credentials. Reconnection still continues per policy; the
// caller must clear credentials externally to stop it.
var ErrAuthRejected = errors.New("transport: authentication rejected")

const (
	heartbeatEvery = 30 * time.Second
	staleAfter     = 60 * time.Second
	watchEvery     = 30 * time.Second
	writeWait      = 10 * time.Second
	handshakeWait  = 15 * time.Second
)

// Config carries the dial parameters for a Manager.
type Config struct {
	URL   string // websocket endpoint, e.g. wss://host/ws
	Token string // bearer token; sent on every dial
}

// Handler receives every decoded inbound frame, one at a time.
type Handler func(wire.Frame)

// Manager maintains one websocket session per identity across reconnects.
// Queued work above it (pending ACKs, call sessions) survives a reconnect;
// only the transport handle is recreated.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	userID    string
	attempts  int
	lastSeen  time.Time
	sessDone  chan struct{} // closed when the current session ends
	retry     *time.Timer   // pending reconnect, nil when none
	closed    bool

	writeMu sync.Mutex

	handler      Handler
	onReady      func(error)
	onDisconnect func()
}

// New creates a Manager. SetHandler must be called before Connect.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// SetHandler registers the single inbound frame handler.
func (m *Manager) SetHandler(h Handler) { m.handler = h }

// OnDisconnect registers a hook fired once per session loss, before any
// reconnect attempt. The delivery tracker uses it to reject pending ACKs.
func (m *Manager) OnDisconnect(fn func()) { m.onDisconnect = fn }

// Connected reports whether the session is currently up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Connect establishes the session for userID and fires onReady on every
// successful (re)connect, or with an error when authentication is rejected.
// Idempotent while connected. Dial failures are retried indefinitely.
func (m *Manager) Connect(userID string, onReady func(error)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.userID = userID
	m.onReady = onReady
	if m.connected {
		m.mu.Unlock()
		if onReady != nil {
			onReady(nil)
		}
		return
	}
	m.mu.Unlock()
	go m.attempt()
}

// Resume triggers an immediate reconnect if currently disconnected, with the
// attempt counter reset so backoff restarts from the minimum. Called on
// process wake / visibility regain.
func (m *Manager) Resume() {
	m.mu.Lock()
	if m.closed || m.connected {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.mu.Unlock()
	log.Infof("WS: resume, reconnecting immediately")
	go m.attempt()
}

// Publish sends one frame on the session. Returns ErrNotConnected while the
// transport is down; callers queue or fail their own work.
func (m *Manager) Publish(f wire.Frame) error {
	m.mu.Lock()
	conn := m.conn
	ok := m.connected
	m.mu.Unlock()
	if !ok || conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("transport: publish %s: %w", f.Type, err)
	}
	return nil
}

// Close tears the session down for good. Idempotent. All session timers are
// cancelled so nothing fires against the dead transport.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.sessionLost(false)
}

// attempt performs one dial. Only one attempt is ever in flight: a fresh
// attempt first deactivates any prior transport handle.
func (m *Manager) attempt() {
	m.mu.Lock()
	if m.closed || m.connected {
		m.mu.Unlock()
		return
	}
	if prev := m.conn; prev != nil {
		prev.Close()
		m.conn = nil
	}
	userID := m.userID
	m.mu.Unlock()

	header := http.Header{}
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	} else {
		header.Set("X-User-Id", userID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeWait}
	conn, resp, err := dialer.Dial(m.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			log.Errorw("WS: authentication rejected", "status", resp.StatusCode)
			if m.onReady != nil {
				m.onReady(fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode))
			}
		} else {
			log.Warnf("WS: dial %s: %v", m.cfg.URL, err)
		}
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.connected = true
	m.attempts = 0
	m.lastSeen = time.Now()
	m.sessDone = make(chan struct{})
	done := m.sessDone
	m.mu.Unlock()

	log.Infof("WS: connected as %s", userID)

	// One unified channel carries chat, receipt, group and call-signal
	// events; subscription count stays O(1) in conversation count.
	m.subscribe("user." + userID + ".messages")
	m.subscribe("user." + userID + ".contacts")

	go m.heartbeatLoop(done)
	go m.watchdogLoop(done)
	go m.readPump(conn)

	if m.onReady != nil {
		m.onReady(nil)
	}
}

func (m *Manager) subscribe(channel string) {
	f, err := wire.New(wire.KindSubscribe, wire.Subscribe{Channel: channel})
	if err == nil {
		err = m.Publish(f)
	}
	if err != nil {
		log.Warnf("WS: subscribe %s: %v", channel, err)
	}
}

// readPump delivers inbound frames sequentially until the connection dies.
func (m *Manager) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("WS: read: %v", err)
			}
			m.sessionLost(true)
			return
		}

		// Any inbound frame counts as liveness, not just heartbeat acks.
		m.touch()

		f, err := wire.Decode(data)
		if err != nil {
			log.Warnf("WS: dropping undecodable frame: %v", err)
			continue
		}
		if m.handler != nil {
			m.handler(f)
		}
	}
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastSeen = time.Now()
	m.mu.Unlock()
}

// heartbeatLoop publishes a keepalive every 30s while the session lives,
// refreshing the server-side presence TTL.
func (m *Manager) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()
			userID := m.userID
			m.mu.Unlock()
			f, err := wire.New(wire.KindHeartbeat, wire.Heartbeat{UserID: userID})
			if err == nil {
				err = m.Publish(f)
			}
			if err != nil {
				log.Debugf("WS: heartbeat: %v", err)
			}
		}
	}
}

// watchdogLoop force-closes the connection when no inbound traffic has been
// seen for 60s while nominally connected; the resulting read error drives
// the normal reconnect path.
func (m *Manager) watchdogLoop(done chan struct{}) {
	ticker := time.NewTicker(watchEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := m.connected && time.Since(m.lastSeen) > staleAfter
			conn := m.conn
			m.mu.Unlock()
			if stale && conn != nil {
				log.Warnf("WS: no inbound traffic for %s, forcing reconnect", staleAfter)
				conn.Close()
			}
		}
	}
}

// sessionLost transitions to disconnected, stops the session timers, fires
// the disconnect hook, and (when reconnect is true) schedules the next
// attempt. Safe to call twice for the same session.
func (m *Manager) sessionLost(reconnect bool) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.conn = nil
	if m.sessDone != nil {
		close(m.sessDone)
		m.sessDone = nil
	}
	closed := m.closed
	hook := m.onDisconnect
	m.mu.Unlock()

	log.Infof("WS: disconnected")
	if hook != nil {
		hook()
	}
	if reconnect && !closed {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms the backoff timer for the next attempt. At most one
// timer is armed at a time.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.connected || m.retry != nil {
		return
	}
	m.attempts++
	delay := BackoffDelay(m.attempts)
	log.Infof("WS: reconnecting in %s (attempt %d)", delay, m.attempts)
	m.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retry = nil
		m.mu.Unlock()
		m.attempt()
	})
}
