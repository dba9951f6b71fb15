// Package session implements the IRC Session State Machine (spec.md 4.3):
// per-connection registration state, channel membership, and the line-by-
// line RECEIVE/SEND interpretation that drives both offline replay and
// live processing, ported from the original's OfflineEventProcessor and
// MamircProcessor.process{Connection,Receive,Send}.
//
// Session never performs I/O itself: every method returns an Effects
// value describing what window lines to append, what update-feed entries
// to post, and what raw IRC lines to send. The caller (the processor
// orchestrator) applies those effects under its own lock and hands
// Outbound lines to the connection manager.
package session

import (
	"regexp"
	"sort"
	"strings"

	"github.com/mamirc/mamirc/internal/profile"
	"github.com/mamirc/mamirc/internal/window"
	"github.com/mamirc/mamirc/internal/wire"
)

// State is the IRC registration state, per spec.md 4.3.
type State int

const (
	StateConnecting State = iota
	StateOpened
	StateNickSent
	StateUserSent
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpened:
		return "OPENED"
	case StateNickSent:
		return "NICK_SENT"
	case StateUserSent:
		return "USER_SENT"
	case StateRegistered:
		return "REGISTERED"
	default:
		return "UNKNOWN"
	}
}

// ChannelState tracks what a session knows about one joined channel.
type ChannelState struct {
	Topic        string
	Members      map[string]bool
	namesPending map[string]bool
}

func newChannelState() *ChannelState {
	return &ChannelState{Members: make(map[string]bool)}
}

// Session is one connection's IRC protocol state.
type Session struct {
	ConnID   int64
	Profile  string
	Username string
	Realname string

	nickservPassword      string
	sentNickservPassword  bool
	joinChannels          []string // raw "#name" or "#name key" entries from the profile

	Nicknames   []string
	rejected    map[string]bool
	Nickname    string
	State       State
	Channels    map[string]*ChannelState
}

// New creates a session for a freshly accepted connection, before the
// CONNECTION "opened" event has arrived.
func New(connID int64, p *profile.Profile) *Session {
	return &Session{
		ConnID:           connID,
		Profile:          p.Name,
		Username:         p.Username,
		Realname:         p.Realname,
		nickservPassword: p.NickservPassword,
		joinChannels:     append([]string(nil), p.Channels...),
		Nicknames:        append([]string(nil), p.Nicknames...),
		rejected:         make(map[string]bool),
		State:            StateConnecting,
		Channels:         make(map[string]*ChannelState),
	}
}

func (s *Session) candidateNickname() string {
	for _, n := range s.Nicknames {
		if !s.rejected[n] {
			return n
		}
	}
	return ""
}

func (s *Session) channel(name string) *ChannelState {
	cs, ok := s.Channels[name]
	if !ok {
		cs = newChannelState()
		s.Channels[name] = cs
	}
	return cs
}

func (s *Session) joinCommands() []string {
	var cmds []string
	for _, entry := range s.joinChannels {
		name, key := profile.SplitChannelKey(entry)
		if _, joined := s.Channels[name]; joined {
			continue
		}
		if key != "" {
			cmds = append(cmds, wire.Build("JOIN", name, key))
		} else {
			cmds = append(cmds, wire.Build("JOIN", name))
		}
	}
	return cmds
}

// WindowLine is one line to append to a window, per spec.md 4.6.
type WindowLine struct {
	Party       string
	Flags       window.Flags
	Payload     []string
	TimestampMs int64
}

// Update is one update-feed entry to post, per spec.md 4.8.
type Update struct {
	Tag     string
	Payload []interface{}
}

// Effects collects everything a Session method wants done, so Session
// itself never touches window.Set, update.Feed, or a socket.
type Effects struct {
	Lines      []WindowLine
	Updates    []Update
	Outbound   []string // raw IRC lines to send via the connection manager
	Disconnect bool      // session ran out of usable nicknames or similar; tear it down
	SendQuit   bool      // if Disconnect, whether to send QUIT first
}

func (e *Effects) line(party string, ts int64, flags window.Flags, payload ...string) {
	e.Lines = append(e.Lines, WindowLine{Party: party, Flags: flags, Payload: payload, TimestampMs: ts})
}

func (e *Effects) update(tag string, payload ...interface{}) {
	e.Updates = append(e.Updates, Update{Tag: tag, Payload: payload})
}

func (e *Effects) send(line string) {
	e.Outbound = append(e.Outbound, line)
}

// Opened handles a CONNECTION "opened <ip>" event: the TCP connection
// succeeded and the IRC registration handshake may begin.
func (s *Session) Opened(remoteIP string, ts int64, realtime bool) *Effects {
	eff := &Effects{}
	s.State = StateOpened
	eff.line("", ts, window.CONNECTED, remoteIP)
	eff.update("CONNECTED", s.Profile)

	if realtime {
		nick := s.candidateNickname()
		if nick == "" {
			eff.Disconnect = true
			return eff
		}
		eff.send(wire.Build("NICK", nick))
	}
	return eff
}

// Closed handles a CONNECTION "closed" event: the socket is gone. The
// caller is responsible for discarding the Session afterward and, if the
// owning profile still wants to connect, restarting via the reconnect
// controller.
func (s *Session) Closed(ts int64) *Effects {
	eff := &Effects{}
	for name := range s.Channels {
		eff.line(name, ts, window.DISCONNECTED)
	}
	eff.line("", ts, window.DISCONNECTED)
	return eff
}

// Send records a line the Connector actually transmitted (a journaled
// SEND event), updating local state and, when realtime, issuing whatever
// follow-up command the registration handshake requires next.
func (s *Session) Send(line wire.Line, ts int64, realtime bool) *Effects {
	eff := &Effects{}
	switch line.Command {
	case "NICK":
		nick := line.Param(0)
		if s.State == StateOpened {
			s.State = StateNickSent
		}
		if s.State != StateRegistered {
			s.Nickname = nick
		}
		if realtime && s.State == StateNickSent {
			eff.send(wire.Build("USER", s.Username, "0", "*", s.Realname))
		}
	case "USER":
		if s.State == StateNickSent {
			s.State = StateUserSent
		}
	case "PRIVMSG", "NOTICE":
		target := line.Param(0)
		text := line.Param(1)
		flags := window.PRIVMSG | window.OUTGOING
		if line.Command == "NOTICE" {
			flags = window.NOTICE | window.OUTGOING
		}
		eff.line(target, ts, flags, s.Nickname, text)
		if line.Command == "PRIVMSG" && isNickservIdentify(target, text) {
			s.sentNickservPassword = true
		}
	}
	return eff
}

// Receive handles a journaled or live RECEIVE line from the server.
func (s *Session) Receive(line wire.Line, ts int64, realtime bool) *Effects {
	eff := &Effects{}
	switch line.Command {
	case "001", "002", "003", "004", "005":
		s.handleWelcome(line, ts, realtime, eff)
	case "331":
		ch := line.Param(1)
		s.channel(ch).Topic = ""
		eff.line(ch, ts, window.INITNOTOPIC)
	case "332":
		ch, topic := line.Param(1), line.Param(2)
		s.channel(ch).Topic = topic
		eff.line(ch, ts, window.INITTOPIC, topic)
	case "353":
		s.handleNamesReply(line)
	case "366":
		s.handleNamesEnd(line, ts, eff)
	case "432", "433":
		s.handleNicknameRejected(line, realtime, eff)
	case "NICK":
		s.handleNick(line, ts, eff)
	case "JOIN":
		s.handleJoin(line, ts, eff)
	case "PART":
		s.handlePart(line, ts, eff)
	case "KICK":
		s.handleKick(line, ts, eff)
	case "QUIT":
		s.handleQuit(line, ts, eff)
	case "TOPIC":
		s.handleTopic(line, ts, eff)
	case "MODE":
		s.handleMode(line, ts, eff)
	case "PRIVMSG", "NOTICE":
		s.handlePrivmsgOrNotice(line, ts, eff)
	default:
		// Every other numeric the session has no dedicated handling for,
		// other than 331/332/353/366/432/433/001-005 handled above, is
		// relayed as a server-reply window line with parameter 0 (our own
		// nickname) stripped, per spec.md 4.3.
		if line.IsNumeric() && len(line.Params) > 0 {
			eff.line("", ts, window.SERVERREPLY, append([]string{line.Command}, line.Params[1:]...)...)
		}
	}
	return eff
}

// handleWelcome handles any of 001-005, all of which the original treats
// identically: the first one seen completes registration, and any later
// ones (a server may send several) are no-ops, guarded the same way
// MamircProcessor.processReceive guards its combined "001".."005" case on
// state != REGISTERED.
func (s *Session) handleWelcome(line wire.Line, ts int64, realtime bool, eff *Effects) {
	if s.State == StateRegistered {
		return
	}
	if nick := line.Param(0); nick != "" {
		// The server may have truncated the nickname we asked for; adopt
		// whatever it actually assigned (the original's nickname-truncation
		// workaround).
		s.Nickname = nick
	}
	s.State = StateRegistered
	s.rejected = make(map[string]bool)
	eff.update("MYNICK", s.Profile, s.Nickname)

	if !realtime {
		return
	}
	if s.nickservPassword != "" && !s.sentNickservPassword {
		eff.send(wire.Build("PRIVMSG", "NickServ", "IDENTIFY "+s.nickservPassword))
		s.sentNickservPassword = true
	}
	eff.Outbound = append(eff.Outbound, s.joinCommands()...)
}

func (s *Session) handleNamesReply(line wire.Line) {
	ch := line.Param(2)
	cs := s.channel(ch)
	if cs.namesPending == nil {
		cs.namesPending = make(map[string]bool)
	}
	for _, tok := range strings.Fields(line.Param(3)) {
		cs.namesPending[wire.StripMemberPrefix(tok)] = true
	}
}

func (s *Session) handleNamesEnd(line wire.Line, ts int64, eff *Effects) {
	ch := line.Param(1)
	cs := s.channel(ch)
	names := make([]string, 0, len(cs.namesPending))
	for n := range cs.namesPending {
		names = append(names, n)
	}
	sort.Strings(names)
	eff.line(ch, ts, window.NAMES, names...)
	cs.Members = cs.namesPending
	cs.namesPending = nil
}

func (s *Session) handleNicknameRejected(line wire.Line, realtime bool, eff *Effects) {
	badNick := line.Param(1)
	s.rejected[badNick] = true

	if s.State == StateRegistered {
		return
	}
	if !realtime {
		s.Nickname = ""
		return
	}
	next := s.candidateNickname()
	if next == "" {
		eff.Disconnect = true
		eff.SendQuit = false
		return
	}
	eff.send(wire.Build("NICK", next))
}

func (s *Session) handleNick(line wire.Line, ts int64, eff *Effects) {
	oldNick, newNick := line.Nick, line.Param(0)
	if strings.EqualFold(oldNick, s.Nickname) {
		s.Nickname = newNick
		eff.update("MYNICK", s.Profile, newNick)
	}
	for chName, cs := range s.Channels {
		if cs.Members[oldNick] {
			delete(cs.Members, oldNick)
			cs.Members[newNick] = true
			eff.line(chName, ts, window.NICK, oldNick, newNick)
		}
	}
}

func (s *Session) handleJoin(line wire.Line, ts int64, eff *Effects) {
	ch, who := line.Param(0), line.Nick
	if strings.EqualFold(who, s.Nickname) {
		if _, ok := s.Channels[ch]; !ok {
			s.Channels[ch] = newChannelState()
		}
		eff.update("JOINED", s.Profile, ch)
	}
	cs, ok := s.Channels[ch]
	if !ok {
		return
	}
	cs.Members[who] = true
	eff.line(ch, ts, window.JOIN, who)
}

func (s *Session) handlePart(line wire.Line, ts int64, eff *Effects) {
	ch, who, reason := line.Param(0), line.Nick, line.Param(1)
	if cs, ok := s.Channels[ch]; ok {
		delete(cs.Members, who)
		eff.line(ch, ts, window.PART, who, reason)
	}
	if strings.EqualFold(who, s.Nickname) {
		delete(s.Channels, ch)
		eff.update("PARTED", s.Profile, ch)
	}
}

func (s *Session) handleKick(line wire.Line, ts int64, eff *Effects) {
	chans := strings.Split(line.Param(0), ",")
	targets := strings.Split(line.Param(1), ",")
	reason := line.Param(2)

	selfKicked := ""
	for i, ch := range chans {
		target := ""
		if i < len(targets) {
			target = targets[i]
		}
		if cs, ok := s.Channels[ch]; ok {
			delete(cs.Members, target)
		}
		eff.line(ch, ts, window.KICK, line.Nick, target, reason)
		if strings.EqualFold(target, s.Nickname) {
			selfKicked = ch
		}
	}
	if selfKicked != "" {
		delete(s.Channels, selfKicked)
		eff.update("KICKED", s.Profile, selfKicked)
	}
}

func (s *Session) handleQuit(line wire.Line, ts int64, eff *Effects) {
	who, reason := line.Nick, line.Param(0)
	if strings.EqualFold(who, s.Nickname) {
		eff.update("QUITTED", s.Profile)
		return
	}
	for chName, cs := range s.Channels {
		if cs.Members[who] {
			delete(cs.Members, who)
			eff.line(chName, ts, window.QUIT, who, reason)
		}
	}
}

func (s *Session) handleTopic(line wire.Line, ts int64, eff *Effects) {
	ch, topic := line.Param(0), line.Param(1)
	if cs, ok := s.Channels[ch]; ok {
		cs.Topic = topic
	}
	eff.line(ch, ts, window.TOPIC, line.Nick, topic)
}

func (s *Session) handleMode(line wire.Line, ts int64, eff *Effects) {
	target := line.Param(0)
	party := ""
	if _, ok := s.Channels[target]; ok {
		party = target
	}
	var modeParams string
	if len(line.Params) > 1 {
		modeParams = strings.Join(line.Params[1:], " ")
	}
	eff.line(party, ts, window.MODE, line.Nick, modeParams)
}

func (s *Session) handlePrivmsgOrNotice(line wire.Line, ts int64, eff *Effects) {
	target, text := line.Param(0), line.Param(1)
	party := target
	if strings.EqualFold(target, s.Nickname) {
		// Addressed directly to us: file under the sender's party, not our
		// own nickname.
		party = line.Nick
	}

	flags := window.PRIVMSG
	if line.Command == "NOTICE" {
		flags = window.NOTICE
	}
	if line.Command == "PRIVMSG" && mentionsNickname(s.Nickname, text) {
		flags |= window.NICKFLAG
	}
	eff.line(party, ts, flags, line.Nick, text)
}

// Catchup is called once, per live session, after journal replay ends and
// before realtime processing begins, so that whatever command the
// handshake was in the middle of gets resent for a realtime audience
// (ported from MamircProcessor.finishCatchup's per-session branch).
func (s *Session) Catchup() *Effects {
	eff := &Effects{}
	switch s.State {
	case StateOpened:
		nick := s.candidateNickname()
		if nick == "" {
			eff.Disconnect = true
			return eff
		}
		eff.send(wire.Build("NICK", nick))
	case StateNickSent, StateUserSent:
		if s.Nickname == "" {
			nick := s.candidateNickname()
			if nick == "" {
				eff.Disconnect = true
				return eff
			}
			eff.send(wire.Build("NICK", nick))
		} else if s.State == StateNickSent {
			eff.send(wire.Build("USER", s.Username, "0", "*", s.Realname))
		}
	case StateRegistered:
		if s.nickservPassword != "" && !s.sentNickservPassword {
			eff.send(wire.Build("PRIVMSG", "NickServ", "IDENTIFY "+s.nickservPassword))
			s.sentNickservPassword = true
		}
		eff.Outbound = append(eff.Outbound, s.joinCommands()...)
	}
	return eff
}

func isNickservIdentify(target, text string) bool {
	return strings.EqualFold(target, "NickServ") && strings.HasPrefix(strings.ToUpper(text), "IDENTIFY ")
}

func mentionsNickname(nick, text string) bool {
	if nick == "" {
		return false
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(nick) + `\b`)
	return re.MatchString(text)
}
