package processor

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mamirc/mamirc/internal/connmgr"
	"github.com/mamirc/mamirc/internal/profile"
	"github.com/mamirc/mamirc/internal/window"
)

// stubControlPort is a bare TCP listener emulating the Connector-side
// wire protocol well enough to drive internal/processor end to end
// without a real journal or connection manager: it accepts exactly one
// client, authenticates it, lets the test script arbitrary replay/live
// lines, and records whatever command lines the Processor sends back.
type stubControlPort struct {
	t        *testing.T
	ln       net.Listener
	conn     net.Conn
	reader   *bufio.Reader
	commands chan string
}

func startStubControlPort(t *testing.T) *stubControlPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	s := &stubControlPort{t: t, ln: ln, commands: make(chan string, 32)}
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *stubControlPort) accept() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.conn = conn
	s.reader = bufio.NewReader(conn)

	// password line, then action line.
	s.reader.ReadString('\n')
	s.reader.ReadString('\n')

	go func() {
		for {
			line, err := s.reader.ReadString('\n')
			if err != nil {
				return
			}
			s.commands <- strings.TrimRight(line, "\r\n")
		}
	}()
}

func (s *stubControlPort) send(line string) {
	s.conn.Write([]byte(line + "\r\n"))
}

func (s *stubControlPort) expectCommand(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-s.commands:
		if got != want {
			t.Fatalf("command = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for command %q", want)
	}
}

func testProfileStore(t *testing.T, host string, port int) *profile.Store {
	t.Helper()
	store, err := profile.Load(filepath.Join(t.TempDir(), "profiles.json"))
	if err != nil {
		t.Fatalf("profile.Load: %v", err)
	}
	err = store.Set([]*profile.Profile{{
		Name:      "default",
		Connect:   true,
		Nicknames: []string{"tester"},
		Username:  "tester",
		Realname:  "Tester",
		Channels:  []string{"#test"},
		Servers:   []profile.Server{{Host: host, Port: port, SSL: false}},
	}})
	if err != nil {
		t.Fatalf("profile.Set: %v", err)
	}
	return store
}

// TestRunDrivesRegistrationHandshakeInRealtime verifies that once
// CAUGHTUP fires, a freshly-opened connection's welcome reply drives the
// session through NICK/USER/JOIN exactly as a live handshake would, and
// that the resulting lines land in the server and channel windows.
func TestRunDrivesRegistrationHandshakeInRealtime(t *testing.T) {
	stub := startStubControlPort(t)
	go stub.accept()

	client, err := connmgr.DialAttach(stub.ln.Addr().String(), "secret")
	if err != nil {
		t.Fatalf("DialAttach: %v", err)
	}
	defer client.Close()

	time.Sleep(100 * time.Millisecond) // let accept()'s handshake drain

	store := testProfileStore(t, "irc.example.org", 6667)
	p := New(client, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	stub.send("1 1000 CONNECTION connect irc.example.org 6667 false default")
	stub.send("1 1001 CONNECTION opened 203.0.113.1")
	stub.send("CAUGHTUP")

	stub.expectCommand(t, "send 1 NICK tester")

	stub.send("1 1002 SEND NICK tester")
	stub.expectCommand(t, "send 1 USER tester 0 * Tester")

	stub.send("1 1003 SEND USER tester 0 * Tester")
	stub.send("1 1004 RECEIVE :irc.example.org 001 tester :Welcome")
	stub.expectCommand(t, "send 1 JOIN #test")

	time.Sleep(100 * time.Millisecond)
	p.WithLock(func() {
		w := p.Windows().Get("default", "")
		if w == nil {
			t.Fatal("server window was never created")
		}
		var sawConnected bool
		for _, l := range w.Lines {
			if l.Flags.Type() == window.CONNECTED {
				sawConnected = true
			}
		}
		if !sawConnected {
			t.Fatal("server window missing CONNECTED line")
		}
	})

	p.Stop()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after Stop")
	}
}

// TestOnCaughtUpSchedulesReconnectForInactiveConnectProfile verifies that
// a connect=true profile with no active connection gets an immediate
// connect command issued once replay ends.
func TestOnCaughtUpSchedulesReconnectForInactiveConnectProfile(t *testing.T) {
	stub := startStubControlPort(t)
	go stub.accept()

	client, err := connmgr.DialAttach(stub.ln.Addr().String(), "secret")
	if err != nil {
		t.Fatalf("DialAttach: %v", err)
	}
	defer client.Close()

	time.Sleep(100 * time.Millisecond)

	store := testProfileStore(t, "irc.example.org", 6667)
	p := New(client, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	stub.send("CAUGHTUP")
	stub.expectCommand(t, "connect irc.example.org 6667 false default")

	p.Stop()
}
