package connmgr

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/mamirc/mamirc/internal/events"
	"github.com/mamirc/mamirc/internal/journal"
)

func testManager(t *testing.T) (*Manager, *journal.Journal) {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return NewManager(j, events.NewBus()), j
}

// startStubServer starts a bare TCP listener that accepts one connection,
// sends greeting, and echoes every line it receives prefixed with "echo ".
func startStubServer(t *testing.T) (addr string, accepted <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ch <- conn
	}()
	return ln.Addr().String(), ch
}

func TestConnectJournalsConnectAndOpenedEvents(t *testing.T) {
	m, j := testManager(t)
	addr, accepted := startStubServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	id := m.Connect(host, port, false, "default")

	select {
	case conn := <-accepted:
		defer conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("stub server never accepted a connection")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, errc := j.Replay(ctx)

	var gotConnect, gotOpened bool
	for ev := range out {
		if ev.ConnID != id {
			continue
		}
		switch {
		case string(ev.Line[:min(len(ev.Line), 8)]) == "connect ":
			gotConnect = true
		case string(ev.Line[:min(len(ev.Line), 7)]) == "opened ":
			gotOpened = true
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if !gotConnect {
		t.Fatal("journal missing the connect CONNECTION event")
	}
	if !gotOpened {
		t.Fatal("journal missing the opened CONNECTION event")
	}
}

func TestSendDeliversBytesToServer(t *testing.T) {
	m, _ := testManager(t)
	addr, accepted := startStubServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	id := m.Connect(host, port, false, "default")

	var serverConn net.Conn
	select {
	case serverConn = <-accepted:
		defer serverConn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("stub server never accepted a connection")
	}

	// Give the dial goroutine time to mark the connection open and start
	// the writer before sending.
	time.Sleep(100 * time.Millisecond)

	if err := m.Send(context.Background(), id, []byte("PING :hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(serverConn).ReadString('\n')
	if err != nil {
		t.Fatalf("reading from stub server: %v", err)
	}
	if line != "PING :hello\r\n" {
		t.Fatalf("got %q, want %q", line, "PING :hello\r\n")
	}
}
