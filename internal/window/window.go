// Package window implements the Window Projector (spec.md section 4.6/4.7):
// per-(profile,party) ordered line logs derived from journal replay and
// live processing, with bounded retention and read-tracking.
//
// Window and Set hold plain data; callers (the processor orchestrator)
// are responsible for serializing access under its own lock, matching
// spec.md's single-coarse-mutex concurrency model (section 7).
package window

import "fmt"

// Flags is a bitmask describing a Line's kind plus modifiers. The low bits
// name the line's type (mutually exclusive); OUTGOING and NICKFLAG are
// modifiers that may be OR'd onto any type, per spec.md 4.6.
type Flags uint32

const (
	PRIVMSG Flags = 1 << iota
	NOTICE
	JOIN
	PART
	QUIT
	KICK
	NICK
	MODE
	TOPIC
	INITTOPIC
	INITNOTOPIC
	NAMES
	SERVERREPLY
	CONNECTING
	CONNECTED
	DISCONNECTED

	// Modifiers, OR'd onto one of the type bits above.
	OUTGOING Flags = 1 << 30
	NICKFLAG Flags = 1 << 31
)

var typeNames = map[Flags]string{
	PRIVMSG:     "PRIVMSG",
	NOTICE:      "NOTICE",
	JOIN:        "JOIN",
	PART:        "PART",
	QUIT:        "QUIT",
	KICK:        "KICK",
	NICK:        "NICK",
	MODE:        "MODE",
	TOPIC:       "TOPIC",
	INITTOPIC:   "INITTOPIC",
	INITNOTOPIC: "INITNOTOPIC",
	NAMES:       "NAMES",
	SERVERREPLY: "SERVERREPLY",
	CONNECTING:  "CONNECTING",
	CONNECTED:   "CONNECTED",
	DISCONNECTED: "DISCONNECTED",
}

// FlagConstants returns every named flag (type bits and modifiers) as a
// name-to-value map, for get-state.json's client-facing flag-constant
// table (spec.md 4.8) so a web client never hardcodes bit positions.
func FlagConstants() map[string]uint32 {
	out := make(map[string]uint32, len(typeNames)+2)
	for flag, name := range typeNames {
		out[name] = uint32(flag)
	}
	out["OUTGOING"] = uint32(OUTGOING)
	out["NICKFLAG"] = uint32(NICKFLAG)
	return out
}

// Type masks off the OUTGOING/NICKFLAG modifier bits.
func (f Flags) Type() Flags {
	return f &^ (OUTGOING | NICKFLAG)
}

func (f Flags) String() string {
	name, ok := typeNames[f.Type()]
	if !ok {
		name = fmt.Sprintf("FLAGS(%#x)", uint32(f))
	}
	if f&OUTGOING != 0 {
		name += "+OUTGOING"
	}
	if f&NICKFLAG != 0 {
		name += "+NICKFLAG"
	}
	return name
}

// Line is one entry in a window's log.
type Line struct {
	Seq         int64 // monotonic within the window, starting at 0
	TimestampMs int64
	Flags       Flags
	Payload     []string // meaning depends on Flags.Type(), e.g. [nick, text] for PRIVMSG
}

// MaxLinesPerWindow bounds retention per spec.md 4.6 ("on the order of
// 10,000 lines per window").
const MaxLinesPerWindow = 10000

// Window holds the ordered line log for one (profile, party) pair. Party is
// "" for the server window, a channel name for a channel window, or a
// nickname for a private-message window.
type Window struct {
	Profile string
	Party   string

	Lines           []Line
	nextSeq         int64
	MarkedReadUntil int64 // highest Seq considered read; -1 if nothing is read
}

func newWindow(profile, party string) *Window {
	return &Window{Profile: profile, Party: party, MarkedReadUntil: -1}
}

// Append adds a line to the window's tail, trimming the oldest entries once
// MaxLinesPerWindow is exceeded.
func (w *Window) Append(timestampMs int64, flags Flags, payload ...string) Line {
	line := Line{Seq: w.nextSeq, TimestampMs: timestampMs, Flags: flags, Payload: payload}
	w.nextSeq++
	w.Lines = append(w.Lines, line)
	if len(w.Lines) > MaxLinesPerWindow {
		drop := len(w.Lines) - MaxLinesPerWindow
		w.Lines = w.Lines[drop:]
	}
	return line
}

// Tail returns the last n lines (or fewer, if the window has fewer).
func (w *Window) Tail(n int) []Line {
	if n <= 0 || n >= len(w.Lines) {
		return w.Lines
	}
	return w.Lines[len(w.Lines)-n:]
}

// MarkRead sets MarkedReadUntil to seq, clamped to the newest line's Seq;
// it never moves MarkedReadUntil backwards.
func (w *Window) MarkRead(seq int64) {
	if len(w.Lines) > 0 {
		if newest := w.Lines[len(w.Lines)-1].Seq; seq > newest {
			seq = newest
		}
	}
	if seq > w.MarkedReadUntil {
		w.MarkedReadUntil = seq
	}
}

// Clear drops every line with Seq < seq (spec.md 4.5's CLEARLINES(N):
// "drops all lines with sequence < N"), mirroring Append's retention trim.
// It does not touch MarkedReadUntil, matching the original's clearLines,
// which is a separate operation from markRead.
func (w *Window) Clear(seq int64) {
	i := 0
	for ; i < len(w.Lines); i++ {
		if w.Lines[i].Seq >= seq {
			break
		}
	}
	w.Lines = w.Lines[i:]
}

// Key identifies a window by its (profile, party) pair.
type Key struct {
	Profile string
	Party   string
}

// Set is the collection of all windows known to a processor instance.
type Set struct {
	windows map[Key]*Window
	order   []Key // insertion order, for stable iteration (get-state listing)
}

// NewSet creates an empty window set.
func NewSet() *Set {
	return &Set{windows: make(map[Key]*Window)}
}

// GetOrCreate returns the window for (profile, party), creating it (in
// insertion order) if it does not yet exist.
func (s *Set) GetOrCreate(profile, party string) *Window {
	key := Key{Profile: profile, Party: party}
	if w, ok := s.windows[key]; ok {
		return w
	}
	w := newWindow(profile, party)
	s.windows[key] = w
	s.order = append(s.order, key)
	return w
}

// Get returns the window for (profile, party), or nil if it does not exist.
func (s *Set) Get(profile, party string) *Window {
	return s.windows[Key{Profile: profile, Party: party}]
}

// Remove deletes a window entirely (the close-window action).
func (s *Set) Remove(profile, party string) {
	key := Key{Profile: profile, Party: party}
	if _, ok := s.windows[key]; !ok {
		return
	}
	delete(s.windows, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// RemoveProfile deletes every window belonging to profile.
func (s *Set) RemoveProfile(profile string) {
	var kept []Key
	for _, k := range s.order {
		if k.Profile == profile {
			delete(s.windows, k)
			continue
		}
		kept = append(kept, k)
	}
	s.order = kept
}

// All returns every window in stable insertion order.
func (s *Set) All() []*Window {
	out := make([]*Window, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.windows[k])
	}
	return out
}
