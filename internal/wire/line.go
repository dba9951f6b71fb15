// Package wire parses and builds IRC protocol lines (RFC 1459/2812 subset,
// spec.md section 6), on top of github.com/ergochat/irc-go/ircmsg for
// tag/prefix/parameter tokenization.
package wire

import (
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

// Line is a parsed IRC protocol line: source nick/user/host, command, and
// parameters. It is the unit the session state machine and window
// projector operate on.
type Line struct {
	Nick    string // prefix nickname, empty if the line has no prefix
	User    string // prefix username, empty if absent
	Host    string // prefix hostname, empty if absent
	Command string // upper-cased command or three-digit numeric
	Params  []string
}

// Parse parses a raw IRC line (without its CR/LF terminator).
func Parse(raw string) (Line, error) {
	msg, err := ircmsg.ParseLine(raw)
	if err != nil {
		return Line{}, err
	}
	nick, user, host := splitPrefix(msg.Source)
	return Line{
		Nick:    nick,
		User:    user,
		Host:    host,
		Command: strings.ToUpper(msg.Command),
		Params:  msg.Params,
	}, nil
}

// Param returns the i'th parameter, or "" if absent (mirroring the
// original's tolerant out-of-range parameter access).
func (l Line) Param(i int) string {
	if i < 0 || i >= len(l.Params) {
		return ""
	}
	return l.Params[i]
}

// IsNumeric reports whether Command is a three-digit numeric reply.
func (l Line) IsNumeric() bool {
	if len(l.Command) != 3 {
		return false
	}
	for _, c := range l.Command {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func splitPrefix(source string) (nick, user, host string) {
	if source == "" {
		return "", "", ""
	}
	rest := source
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		host = rest[at+1:]
		rest = rest[:at]
	}
	if bang := strings.IndexByte(rest, '!'); bang >= 0 {
		user = rest[bang+1:]
		rest = rest[:bang]
	}
	nick = rest
	return
}

// Build constructs a raw IRC line for outbound sending: "CMD p0 p1 pN",
// colon-prefixing the final parameter only when it needs it (it is empty,
// contains a space, or starts with ':'), e.g. "NICK gopher" but
// "PRIVMSG #go :hello there".
func Build(command string, params ...string) string {
	var sb strings.Builder
	sb.WriteString(command)
	for i, p := range params {
		sb.WriteByte(' ')
		if i == len(params)-1 && (p == "" || strings.ContainsRune(p, ' ') || strings.HasPrefix(p, ":")) {
			sb.WriteByte(':')
		}
		sb.WriteString(p)
	}
	return sb.String()
}

// IsChannelName reports whether target names a channel rather than a user,
// per spec.md's Party definition (starts with '#' or '&').
func IsChannelName(target string) bool {
	return len(target) > 0 && (target[0] == '#' || target[0] == '&')
}

// StripMemberPrefix removes a leading NAMES-reply mode-prefix character
// (@,+,!,%,&,~) from a nickname, per spec.md 4.3.
func StripMemberPrefix(name string) string {
	for len(name) > 0 {
		switch name[0] {
		case '@', '+', '!', '%', '&', '~':
			name = name[1:]
		default:
			return name
		}
	}
	return name
}
