// Package connmgr implements the Connector's Connection Manager and
// Control Port (spec.md 4.2 and 4.4): it owns the live TCP/TLS sockets to
// IRC servers, journals every CONNECTION/RECEIVE/SEND event, and exposes
// the single-attach Control Port that lets a Processor drive those
// sockets and observe their traffic.
package connmgr

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mamirc/mamirc/internal/constants"
	"github.com/mamirc/mamirc/internal/events"
	"github.com/mamirc/mamirc/internal/journal"
	"github.com/mamirc/mamirc/internal/lineio"
	"github.com/mamirc/mamirc/internal/logger"
)

// ircConn is one live (or dialing) connection to an IRC server.
type ircConn struct {
	id      int64
	host    string
	port    int
	ssl     bool
	profile string

	mu      sync.Mutex
	conn    net.Conn
	writer  *lineio.LineWriter
	limiter *rate.Limiter
	cancel  context.CancelFunc
	closed  bool
}

// Manager owns every live connection and is the sole writer into the
// journal for CONNECTION/RECEIVE/SEND events (spec.md 4.1's durability
// requirement that every journaled line commits before any outbound side
// effect is visible).
type Manager struct {
	mu         sync.Mutex
	conns      map[int64]*ircConn
	nextConnID int64

	journal *journal.Journal
	bus     *events.Bus
}

// NewManager creates a Manager backed by j, announcing lifecycle events on
// bus.
func NewManager(j *journal.Journal, bus *events.Bus) *Manager {
	return &Manager{conns: make(map[int64]*ircConn), journal: j, bus: bus}
}

// Connect starts a new connection attempt, returning its connection id
// immediately; the attempt itself (DNS, dial, TLS handshake) runs in the
// background, matching spec.md 4.2's requirement that connect return
// without blocking on network I/O.
func (m *Manager) Connect(host string, port int, ssl bool, profileName string) int64 {
	m.mu.Lock()
	id := m.nextConnID
	m.nextConnID++
	c := &ircConn{id: id, host: host, port: port, ssl: ssl, profile: profileName}
	m.conns[id] = c
	m.mu.Unlock()

	line := fmt.Sprintf("connect %s %d %t %s", host, port, ssl, profileName)
	if _, err := m.journal.Append(id, journal.KindConnection, []byte(line)); err != nil {
		logger.Log.Error().Err(err).Int64("conn_id", id).Msg("connmgr: journal append connect failed")
	}
	m.bus.Emit(events.Event{Type: events.TypeConnect, ConnID: id, Timestamp: time.Now(),
		Source: events.SourceIRC, Data: map[string]interface{}{"host": host, "port": port, "ssl": ssl, "profile": profileName}})

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go m.dial(ctx, c)
	return id
}

func (m *Manager) dial(ctx context.Context, c *ircConn) {
	dialer := &net.Dialer{Timeout: constants.DialTimeout}
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))

	var conn net.Conn
	var err error
	if c.ssl {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: c.host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		logger.Log.Warn().Err(err).Int64("conn_id", c.id).Str("addr", addr).Msg("connmgr: dial failed")
		m.handleClosed(c)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if _, err := m.journal.Append(c.id, journal.KindConnection, []byte("opened "+remoteIP)); err != nil {
		logger.Log.Error().Err(err).Int64("conn_id", c.id).Msg("connmgr: journal append opened failed")
	}
	m.bus.Emit(events.Event{Type: events.TypeOpened, ConnID: c.id, Timestamp: time.Now(),
		Source: events.SourceIRC, Data: map[string]interface{}{"remote_ip": remoteIP}})

	m.runIO(ctx, c, conn)
}

func (m *Manager) runIO(ctx context.Context, c *ircConn, conn net.Conn) {
	limiter := rate.NewLimiter(rate.Limit(constants.SendRateLimit), constants.SendBurst)

	writer := lineio.NewLineWriter(conn, 256)
	writer.OnWrite = func(line lineio.CleanLine) {
		if _, err := m.journal.Append(c.id, journal.KindSend, line.Bytes()); err != nil {
			logger.Log.Error().Err(err).Int64("conn_id", c.id).Msg("connmgr: journal append send failed")
		}
	}
	c.mu.Lock()
	c.writer = writer
	c.mu.Unlock()
	writer.Start()

	go func() {
		for range writer.Err() {
			m.handleClosed(c)
			return
		}
	}()
	go m.throttledDrain(ctx, c, limiter)

	reader := lineio.NewLineReader(conn)
	for {
		raw, err := reader.ReadLine()
		if err != nil {
			break
		}
		clean, err := lineio.NewCleanLine(raw, false)
		if err != nil {
			continue // malformed line from the server; drop rather than journal garbage
		}
		if _, err := m.journal.Append(c.id, journal.KindReceive, clean.Bytes()); err != nil {
			logger.Log.Error().Err(err).Int64("conn_id", c.id).Msg("connmgr: journal append receive failed")
			break
		}
	}
	m.handleClosed(c)
}

// throttledDrain installs limiter as c.limiter, which Send then waits on
// (limiter.Wait) before posting to the writer queue; until it has run,
// c.limiter is nil and Send does not throttle. The goroutine then just
// waits for shutdown.
func (m *Manager) throttledDrain(ctx context.Context, c *ircConn, limiter *rate.Limiter) {
	c.mu.Lock()
	c.limiter = limiter
	c.mu.Unlock()
	<-ctx.Done()
}

func (m *Manager) handleClosed(c *ircConn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	writer := c.writer
	cancel := c.cancel
	c.mu.Unlock()

	if writer != nil {
		writer.Terminate()
	}
	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}

	if _, err := m.journal.Append(c.id, journal.KindConnection, []byte("closed")); err != nil {
		logger.Log.Error().Err(err).Int64("conn_id", c.id).Msg("connmgr: journal append closed failed")
	}
	m.bus.Emit(events.Event{Type: events.TypeClosed, ConnID: c.id, Timestamp: time.Now(), Source: events.SourceIRC})

	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()
}

// Disconnect forcibly closes a connection without sending anything first.
// A graceful QUIT sequence is the caller's responsibility: send the QUIT
// line via Send, then call Disconnect.
func (m *Manager) Disconnect(connID int64) error {
	c, err := m.get(connID)
	if err != nil {
		return err
	}
	if _, jerr := m.journal.Append(connID, journal.KindConnection, []byte("disconnect")); jerr != nil {
		logger.Log.Error().Err(jerr).Int64("conn_id", connID).Msg("connmgr: journal append disconnect failed")
	}
	m.bus.Emit(events.Event{Type: events.TypeDisconnect, ConnID: connID, Timestamp: time.Now(), Source: events.SourceIRC})
	m.handleClosed(c)
	return nil
}

// Send queues raw (already CR/LF-stripped) bytes for transmission on
// connID, applying the per-connection rate limiter.
func (m *Manager) Send(ctx context.Context, connID int64, raw []byte) error {
	c, err := m.get(connID)
	if err != nil {
		return err
	}
	clean, err := lineio.NewCleanLine(raw, false)
	if err != nil {
		return fmt.Errorf("connmgr: send: %w", err)
	}

	c.mu.Lock()
	limiter := c.limiter
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return fmt.Errorf("connmgr: connection %d is not yet open", connID)
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if !writer.Post(clean) {
		return fmt.Errorf("connmgr: connection %d is closed", connID)
	}
	return nil
}

func (m *Manager) get(connID int64) (*ircConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return nil, fmt.Errorf("connmgr: unknown connection id %d", connID)
	}
	return c, nil
}

// Terminate closes every live connection, for Connector shutdown.
func (m *Manager) Terminate() {
	m.mu.Lock()
	conns := make([]*ircConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		m.handleClosed(c)
	}
}
