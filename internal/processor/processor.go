// Package processor implements the Processor Orchestrator (spec.md 4.4):
// the component that attaches to a Connector's control port, replays its
// journal to rebuild in-memory state without side effects, then switches
// to realtime and drives session registration, channel joins, reconnects,
// and the window/update projections that the HTTP API reads.
//
// A single mutex (mu) serializes every state mutation, matching the
// teacher's App struct (one sync.RWMutex guarding ircClients and friends)
// and spec.md section 5's "single coarse mutex" concurrency model.
package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mamirc/mamirc/internal/connmgr"
	"github.com/mamirc/mamirc/internal/constants"
	"github.com/mamirc/mamirc/internal/journal"
	"github.com/mamirc/mamirc/internal/logger"
	"github.com/mamirc/mamirc/internal/profile"
	"github.com/mamirc/mamirc/internal/reconnect"
	"github.com/mamirc/mamirc/internal/session"
	"github.com/mamirc/mamirc/internal/update"
	"github.com/mamirc/mamirc/internal/window"
	"github.com/mamirc/mamirc/internal/wire"
)

// connState is everything the orchestrator keeps per live connection,
// beyond the Session's own protocol state.
type connState struct {
	sess    *session.Session
	profile string
}

// Processor is the live orchestrator. Construct with New, then run Run in
// its own goroutine; Stop tears it down.
type Processor struct {
	mu sync.Mutex

	client   *connmgr.Client
	profiles *profile.Store
	windows  *window.Set
	updates  *update.Feed
	reconn   *reconnect.Controller

	conns         map[int64]*connState
	initialWindow string // profile+party key the web UI should select on load

	terminate chan struct{}
	done      chan struct{}
}

// New creates a Processor wired to an already-dialed control-port client
// and an already-loaded profile store.
func New(client *connmgr.Client, profiles *profile.Store) *Processor {
	return &Processor{
		client:    client,
		profiles:  profiles,
		windows:   window.NewSet(),
		updates:   update.NewFeed(),
		reconn:    reconnect.NewController(),
		conns:     make(map[int64]*connState),
		terminate: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Windows and Updates expose the projections the HTTP API reads. Callers
// must take WithLock before touching a *window.Window or *update.Feed
// returned through these, to respect the single coarse mutex.
func (p *Processor) Windows() *window.Set { return p.windows }
func (p *Processor) Updates() *update.Feed { return p.updates }
func (p *Processor) Profiles() *profile.Store { return p.profiles }

// SetInitialWindow and InitialWindow implement set-initial-window's
// persisted selection (spec.md 4.8's do-actions.json tag list), reported
// back as get-state.json's initialWindow field. The key is caller-defined
// (the web client's own encoding of a profile/party pair).
func (p *Processor) SetInitialWindow(key string) {
	p.mu.Lock()
	p.initialWindow = key
	p.mu.Unlock()
}

func (p *Processor) InitialWindow() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialWindow
}

// WithLock runs fn holding the Processor's mutex, for HTTP handlers that
// need to read or mutate session/window/profile state consistently.
func (p *Processor) WithLock(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

// Run consumes the control-port client's event stream until it closes or
// ctx is done, replaying journal history without side effects and then
// driving registration/join/reconnect logic in realtime, per spec.md 4.4.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.done)

	realtime := false
	caughtUp := p.client.CaughtUp()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.terminate:
			return nil
		case <-caughtUp:
			caughtUp = nil // fires once; never select again
			p.mu.Lock()
			p.onCaughtUp()
			p.mu.Unlock()
			realtime = true
		case ev, ok := <-p.client.Events():
			if !ok {
				return fmt.Errorf("processor: control port connection closed")
			}
			p.mu.Lock()
			p.handleStreamedEvent(ev, realtime)
			p.mu.Unlock()
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (p *Processor) Stop() {
	close(p.terminate)
	<-p.done
	p.updates.Close()
}

func (p *Processor) handleStreamedEvent(ev connmgr.StreamedEvent, realtime bool) {
	switch ev.Kind {
	case journal.KindConnection:
		p.handleConnectionEvent(ev, realtime)
	case journal.KindReceive:
		p.handleReceive(ev, realtime)
	case journal.KindSend:
		p.handleSend(ev, realtime)
	}
}

func (p *Processor) handleConnectionEvent(ev connmgr.StreamedEvent, realtime bool) {
	line := string(ev.Line)
	switch {
	case strings.HasPrefix(line, "connect "):
		fields := strings.SplitN(line, " ", 5)
		if len(fields) != 5 {
			return
		}
		cs := &connState{profile: fields[4]}
		p.conns[ev.ConnID] = cs
	case strings.HasPrefix(line, "opened "):
		cs, ok := p.conns[ev.ConnID]
		if !ok {
			return
		}
		prof := p.profiles.Get(cs.profile)
		if prof == nil {
			logger.Log.Warn().Str("profile", cs.profile).Msg("processor: opened connection for unknown profile")
			return
		}
		cs.sess = session.New(ev.ConnID, prof)
		remoteIP := strings.TrimPrefix(line, "opened ")
		eff := cs.sess.Opened(remoteIP, ev.TimestampMs, realtime)
		p.apply(cs, eff, realtime)
	case line == "disconnect":
		// graceful client-side close initiated by us; nothing to project,
		// the following "closed" line will tear the session down.
	case line == "closed":
		cs, ok := p.conns[ev.ConnID]
		if !ok {
			return
		}
		if cs.sess != nil {
			eff := cs.sess.Closed(ev.TimestampMs)
			p.apply(cs, eff, realtime)
		}
		delete(p.conns, ev.ConnID)
		if realtime {
			p.scheduleReconnect(cs)
		}
	}
}

func (p *Processor) handleReceive(ev connmgr.StreamedEvent, realtime bool) {
	cs, ok := p.conns[ev.ConnID]
	if !ok || cs.sess == nil {
		return
	}
	line, err := wire.Parse(string(ev.Line))
	if err != nil {
		logger.Log.Warn().Err(err).Int64("conn_id", ev.ConnID).Msg("processor: malformed RECEIVE line dropped")
		return
	}
	eff := cs.sess.Receive(line, ev.TimestampMs, realtime)
	p.apply(cs, eff, realtime)
	switch line.Command {
	case "001", "002", "003", "004", "005":
		// Successful registration clears reconnect backoff (spec.md 4.7).
		p.reconn.Reset(cs.profile)
	}
}

func (p *Processor) handleSend(ev connmgr.StreamedEvent, realtime bool) {
	cs, ok := p.conns[ev.ConnID]
	if !ok || cs.sess == nil {
		return
	}
	line, err := wire.Parse(string(ev.Line))
	if err != nil {
		return
	}
	eff := cs.sess.Send(line, ev.TimestampMs, realtime)
	p.apply(cs, eff, realtime)
}

// apply projects Effects onto the window set and update feed, and issues
// whatever outbound command lines and reconnect scheduling the Effects
// call for. Caller holds p.mu.
func (p *Processor) apply(cs *connState, eff *session.Effects, realtime bool) {
	for _, l := range eff.Lines {
		w := p.windows.GetOrCreate(cs.profile, l.Party)
		line := w.Append(l.TimestampMs, l.Flags, l.Payload...)
		p.updates.Add("APPEND", cs.profile, l.Party, line.Seq, l.TimestampMs, uint32(l.Flags), l.Payload)
	}
	for _, u := range eff.Updates {
		p.updates.Add(u.Tag, u.Payload...)
	}
	if eff.Disconnect && realtime {
		if eff.SendQuit {
			p.client.Command(fmt.Sprintf("send %d %s", cs.sess.ConnID, wire.Build("QUIT", "MamIRC, the headless IRC client")))
			go p.delayedDisconnect(cs.sess.ConnID)
		} else {
			p.client.Command(fmt.Sprintf("disconnect %d", cs.sess.ConnID))
		}
		return
	}
	if !realtime {
		return
	}
	for _, line := range eff.Outbound {
		p.client.Command(fmt.Sprintf("send %d %s", cs.sess.ConnID, line))
	}
}

// delayedDisconnect implements the graceful QUIT-then-force-disconnect
// sequence (SPEC_FULL.md section 10): give the server QuitLingerDelay to
// close the socket on its own before forcing it.
func (p *Processor) delayedDisconnect(connID int64) {
	time.Sleep(constants.QuitLingerDelay)
	p.client.Command(fmt.Sprintf("disconnect %d", connID))
}

// onCaughtUp runs once, right after journal replay ends: it advances
// every live session per its current registration state (ported from
// MamircProcessor.finishCatchup) and schedules a reconnect for every
// connect=true profile that has no active connection. Caller holds p.mu.
func (p *Processor) onCaughtUp() {
	active := make(map[string]bool, len(p.conns))
	for _, cs := range p.conns {
		active[cs.profile] = true
		if cs.sess == nil {
			continue
		}
		eff := cs.sess.Catchup()
		p.apply(cs, eff, true)
	}

	for _, prof := range p.profiles.All() {
		if !prof.Connect || active[prof.Name] {
			continue
		}
		p.scheduleReconnectForProfile(prof)
	}
}

func (p *Processor) scheduleReconnect(cs *connState) {
	prof := p.profiles.Get(cs.profile)
	if prof == nil || !prof.Connect {
		return
	}
	p.scheduleReconnectForProfile(prof)
}

// scheduleReconnectForProfile waits the controller's current backoff
// delay, then issues a connect command to the next server in rotation and
// advances the controller (spec.md 4.7). Caller holds p.mu; the wait
// itself runs unlocked in a goroutine.
func (p *Processor) scheduleReconnectForProfile(prof *profile.Profile) {
	name := prof.Name
	delayMs := p.reconn.NextDelay(name)
	idx := p.reconn.ServerIndex(name)
	if idx >= len(prof.Servers) {
		idx = 0
	}
	if len(prof.Servers) == 0 {
		return
	}
	server := prof.Servers[idx]
	numServers := len(prof.Servers)

	go func() {
		if delayMs > 0 {
			select {
			case <-time.After(time.Duration(delayMs) * time.Millisecond):
			case <-p.terminate:
				return
			}
		}
		p.client.Command(fmt.Sprintf("connect %s %d %s %s", server.Host, server.Port, boolStr(server.SSL), name))
		p.mu.Lock()
		p.reconn.Advance(name, numServers)
		p.mu.Unlock()
	}()
}

// SendLine issues a PRIVMSG to party on connID, as do-actions.json's
// send-line action (spec.md 4.8); the resulting window line is appended
// only once the Connector journals and streams back the SEND event it
// actually wrote, not here, so the web UI and journal never disagree
// about what was sent.
func (p *Processor) SendLine(connID int64, party, text string) error {
	p.mu.Lock()
	_, ok := p.conns[connID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("processor: no active connection %d", connID)
	}
	return p.client.Command(fmt.Sprintf("send %d %s", connID, wire.Build("PRIVMSG", party, text)))
}

// Disconnect tears down one live connection, optionally sending QUIT
// first and waiting QuitLingerDelay before forcing the socket closed
// (spec.md 4.5's graceful disconnect sequence). Safe to call from the
// HTTP API layer.
func (p *Processor) Disconnect(connID int64, graceful bool) {
	p.mu.Lock()
	_, ok := p.conns[connID]
	p.mu.Unlock()
	if !ok {
		return
	}
	if graceful {
		p.client.Command(fmt.Sprintf("send %d %s", connID, wire.Build("QUIT", "MamIRC, the headless IRC client")))
		p.delayedDisconnect(connID)
		return
	}
	p.client.Command(fmt.Sprintf("disconnect %d", connID))
}

// ApplyProfileChange implements setProfiles's "manipulate existing
// connections" step: any connection whose profile is now absent or has
// connect=false is gracefully disconnected; every connect=true profile
// with no active connection gets a reconnect scheduled. Callers replace
// the profile store's contents themselves (profile.Store.Set) before
// calling this.
func (p *Processor) ApplyProfileChange() {
	p.mu.Lock()
	type pending struct {
		connID   int64
		graceful bool
	}
	var toDisconnect []pending
	active := make(map[string]bool, len(p.conns))
	for connID, cs := range p.conns {
		prof := p.profiles.Get(cs.profile)
		if prof == nil || !prof.Connect {
			toDisconnect = append(toDisconnect, pending{connID: connID, graceful: true})
			continue
		}
		active[cs.profile] = true
	}
	var toReconnect []*profile.Profile
	for _, prof := range p.profiles.All() {
		if prof.Connect && !active[prof.Name] {
			toReconnect = append(toReconnect, prof)
		}
	}
	p.mu.Unlock()

	for _, pend := range toDisconnect {
		p.Disconnect(pend.connID, pend.graceful)
	}
	p.mu.Lock()
	for _, prof := range toReconnect {
		p.scheduleReconnectForProfile(prof)
	}
	p.mu.Unlock()
}

// NamesRefresh re-issues NAMES on every joined channel of every registered
// session, per SPEC_FULL.md section 10's daily refresh sweep. Intended to
// be called from a time.Ticker in cmd/processor.
func (p *Processor) NamesRefresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cs := range p.conns {
		if cs.sess == nil || cs.sess.State != session.StateRegistered {
			continue
		}
		for name := range cs.sess.Channels {
			p.client.Command(fmt.Sprintf("send %d %s", cs.sess.ConnID, wire.Build("NAMES", name)))
		}
	}
}

// ChannelSnapshot is get-state.json's per-channel view of one connection.
type ChannelSnapshot struct {
	Topic   string   `json:"topic"`
	Members []string `json:"members"`
}

// ConnectionSnapshot is get-state.json's per-connection view: current
// nickname, registration state, and joined channels with members/topic.
type ConnectionSnapshot struct {
	ConnID   int64                      `json:"connId"`
	Profile  string                     `json:"profile"`
	Nickname string                     `json:"nickname"`
	State    string                     `json:"state"`
	Channels map[string]ChannelSnapshot `json:"channels"`
}

// Connections returns a snapshot of every live connection's session
// state, for get-state.json. Caller must not already hold p.mu (this
// method takes it itself).
func (p *Processor) Connections() []ConnectionSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ConnectionSnapshot, 0, len(p.conns))
	for connID, cs := range p.conns {
		if cs.sess == nil {
			continue
		}
		channels := make(map[string]ChannelSnapshot, len(cs.sess.Channels))
		for name, chanState := range cs.sess.Channels {
			members := make([]string, 0, len(chanState.Members))
			for m := range chanState.Members {
				members = append(members, m)
			}
			channels[name] = ChannelSnapshot{Topic: chanState.Topic, Members: members}
		}
		out = append(out, ConnectionSnapshot{
			ConnID:   connID,
			Profile:  cs.profile,
			Nickname: cs.sess.Nickname,
			State:    cs.sess.State.String(),
			Channels: channels,
		})
	}
	return out
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
