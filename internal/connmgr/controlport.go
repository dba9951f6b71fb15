package connmgr

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mamirc/mamirc/internal/constants"
	"github.com/mamirc/mamirc/internal/journal"
	"github.com/mamirc/mamirc/internal/lineio"
	"github.com/mamirc/mamirc/internal/logger"
	"github.com/mamirc/mamirc/internal/security"
)

// ControlServer is the Connector's Control Port (spec.md 4.4): a
// password-authenticated, single-attach TCP listener a Processor uses to
// both drive connections and observe their traffic, ported from
// connector.ProcessorReaderThread.
type ControlServer struct {
	addr     string
	password string
	manager  *Manager
	journal  *journal.Journal

	attached atomic.Bool
}

// NewControlServer creates a Control Port server. password is compared in
// constant time against whatever a connecting Processor presents.
func NewControlServer(addr, password string, m *Manager, j *journal.Journal) *ControlServer {
	return &ControlServer{addr: addr, password: password, manager: m, journal: j}
}

// ListenAndServe accepts connections until ctx is canceled.
func (cs *ControlServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", cs.addr)
	if err != nil {
		return fmt.Errorf("connmgr: control port listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("connmgr: control port accept: %w", err)
			}
		}
		go cs.handle(ctx, conn)
	}
}

func (cs *ControlServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(constants.ControlAuthTimeout))
	reader := lineio.NewLineReaderSize(conn, constants.ControlLineMaxLength)

	passwordLine, err := reader.ReadLine()
	if err != nil {
		return
	}
	if !security.EqualControlPassword(string(passwordLine), cs.password) {
		logger.Log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connmgr: control port auth failed")
		return
	}

	actionLine, err := reader.ReadLine()
	if err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch {
	case string(actionLine) == "list-connections":
		cs.serveListConnections(conn)
	case string(actionLine) == "attach":
		cs.serveAttach(ctx, conn, reader)
	default:
		logger.Log.Warn().Str("action", string(actionLine)).Msg("connmgr: control port unknown action")
	}
}

func (cs *ControlServer) serveListConnections(conn net.Conn) {
	writer := lineio.NewLineWriter(conn, 16)
	writer.Start()
	defer writer.Terminate()

	cs.manager.mu.Lock()
	ids := make([]int64, 0, len(cs.manager.conns))
	for id := range cs.manager.conns {
		ids = append(ids, id)
	}
	cs.manager.mu.Unlock()

	for _, id := range ids {
		line := lineio.MustCleanLine(strconv.FormatInt(id, 10))
		writer.Post(line)
	}
}

// serveAttach implements the streaming "attach" action: only one
// Processor may be attached at a time (spec.md 4.4), it receives the full
// journal replay followed by a live stream formatted as
// "<conn-id> <timestamp-ms> <kind> <line>", and it may send back
// connect/disconnect/send/terminate command lines.
func (cs *ControlServer) serveAttach(ctx context.Context, conn net.Conn, reader *lineio.LineReader) {
	if !cs.attached.CompareAndSwap(false, true) {
		logger.Log.Warn().Msg("connmgr: control port rejecting second attach attempt")
		return
	}
	defer cs.attached.Store(false)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out, caughtUp, errc := cs.journal.ReplayThenSubscribe(streamCtx)
	writer := lineio.NewLineWriter(conn, 256)
	writer.Start()
	defer writer.Terminate()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-caughtUp:
				if !writer.Post(lineio.MustCleanLine("CAUGHTUP")) {
					return
				}
				caughtUp = nil // already signaled once; never select this case again
			case ev, ok := <-out:
				if !ok {
					return
				}
				line := formatStreamedEvent(ev)
				if !writer.Post(line) {
					return
				}
			case err := <-errc:
				if err != nil {
					logger.Log.Error().Err(err).Msg("connmgr: control port replay failed")
				}
				return
			case <-streamCtx.Done():
				return
			}
		}
	}()

	for {
		raw, err := reader.ReadLine()
		if err != nil {
			break
		}
		cs.handleCommand(ctx, string(raw))
	}
	cancel()
	wg.Wait()
}

func formatStreamedEvent(ev journal.Event) lineio.CleanLine {
	s := fmt.Sprintf("%d %d %s %s", ev.ConnID, ev.TimestampMs, ev.Kind, ev.Line)
	return lineio.MustCleanLine(s)
}

// handleCommand parses and executes one command line sent by the attached
// Processor, per connector.ProcessorReaderThread.handleLine.
func (cs *ControlServer) handleCommand(ctx context.Context, line string) {
	switch {
	case line == "terminate":
		cs.manager.Terminate()
	case strings.HasPrefix(line, "connect "):
		cs.handleConnect(line)
	case strings.HasPrefix(line, "disconnect "):
		cs.handleDisconnect(line)
	case strings.HasPrefix(line, "send "):
		cs.handleSend(ctx, line)
	default:
		logger.Log.Warn().Str("line", line).Msg("connmgr: control port unrecognized command")
	}
}

func (cs *ControlServer) handleConnect(line string) {
	fields := strings.SplitN(line, " ", 5)
	if len(fields) != 5 {
		logger.Log.Warn().Str("line", line).Msg("connmgr: malformed connect command")
		return
	}
	host := fields[1]
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		logger.Log.Warn().Str("line", line).Msg("connmgr: malformed connect port")
		return
	}
	ssl := fields[3] == "true"
	profileName := fields[4]
	cs.manager.Connect(host, port, ssl, profileName)
}

func (cs *ControlServer) handleDisconnect(line string) {
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		return
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return
	}
	if err := cs.manager.Disconnect(id); err != nil {
		logger.Log.Warn().Err(err).Int64("conn_id", id).Msg("connmgr: disconnect command failed")
	}
}

// handleSend parses "send <conn-id> <payload>"; the payload is everything
// after the second space, taken verbatim (it is not itself split), per
// the original's byte-offset extraction.
func (cs *ControlServer) handleSend(ctx context.Context, line string) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return
	}
	if err := cs.manager.Send(ctx, id, []byte(fields[2])); err != nil {
		logger.Log.Warn().Err(err).Int64("conn_id", id).Msg("connmgr: send command failed")
	}
}
