package connmgr

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mamirc/mamirc/internal/journal"
	"github.com/mamirc/mamirc/internal/lineio"
)

// StreamedEvent is one line decoded from an attached Control Port stream,
// the Processor-side mirror of the Connector's formatStreamedEvent.
type StreamedEvent struct {
	ConnID      int64
	TimestampMs int64
	Kind        journal.Kind
	Line        []byte
}

// Client is the Processor-side half of the Control Port protocol: it
// dials the Connector, authenticates, attaches, and exposes the decoded
// event stream plus a way to send command lines back.
type Client struct {
	conn     net.Conn
	reader   *lineio.LineReader
	writer   *lineio.LineWriter
	events   chan StreamedEvent
	caughtUp chan struct{}
}

// DialAttach connects to addr, authenticates with password, and issues
// "attach", matching connector.ProcessorReaderThread's expected handshake.
func DialAttach(addr, password string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connmgr: dial control port: %w", err)
	}

	writer := lineio.NewLineWriter(conn, 256)
	writer.Start()
	if !writer.Post(lineio.MustCleanLine(password)) {
		conn.Close()
		return nil, fmt.Errorf("connmgr: control port closed before authentication")
	}
	if !writer.Post(lineio.MustCleanLine("attach")) {
		conn.Close()
		return nil, fmt.Errorf("connmgr: control port closed before attach")
	}

	c := &Client{
		conn:     conn,
		reader:   lineio.NewLineReaderSize(conn, 1<<20),
		writer:   writer,
		events:   make(chan StreamedEvent, 256),
		caughtUp: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		raw, err := c.reader.ReadLine()
		if err != nil {
			return
		}
		if string(raw) == "CAUGHTUP" {
			select {
			case <-c.caughtUp:
				// already signaled; the Connector only sends this once
			default:
				close(c.caughtUp)
			}
			continue
		}
		ev, ok := parseStreamedLine(raw)
		if !ok {
			continue
		}
		c.events <- ev
	}
}

func parseStreamedLine(raw []byte) (StreamedEvent, bool) {
	s := string(raw)
	fields := strings.SplitN(s, " ", 4)
	if len(fields) != 4 {
		return StreamedEvent{}, false
	}
	connID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return StreamedEvent{}, false
	}
	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return StreamedEvent{}, false
	}
	kind, ok := journal.ParseKind(fields[2])
	if !ok {
		return StreamedEvent{}, false
	}
	return StreamedEvent{ConnID: connID, TimestampMs: ts, Kind: kind, Line: []byte(fields[3])}, true
}

// Events returns the decoded event stream; it is closed when the
// underlying connection is lost.
func (c *Client) Events() <-chan StreamedEvent {
	return c.events
}

// CaughtUp is closed once the Connector has finished replaying the journal
// and has switched this attachment over to live events. A session that
// receives events before CaughtUp is closed must treat them as replay
// (no side effects); afterward, as realtime.
func (c *Client) CaughtUp() <-chan struct{} {
	return c.caughtUp
}

// Command sends a raw command line (e.g. "connect host port ssl
// profile", "disconnect 3", "send 3 PING :hi", "terminate").
func (c *Client) Command(line string) error {
	clean, err := lineio.NewCleanLine([]byte(line), false)
	if err != nil {
		return fmt.Errorf("connmgr: command: %w", err)
	}
	if !c.writer.Post(clean) {
		return fmt.Errorf("connmgr: control port connection is closed")
	}
	return nil
}

// Close terminates the client connection.
func (c *Client) Close() error {
	c.writer.Terminate()
	return c.conn.Close()
}
