// Package reconnect implements the Reconnect Controller (spec.md 4.5):
// per-profile server rotation and exponential backoff, ported line for
// line from the original's MamircProcessor.tryConnect/ConnectionAttempt
// state so the timing behavior (including its floor-raise quirk) matches
// exactly.
package reconnect

// InitialDelayMs is the starting backoff, and also its floor: the delay
// never drops below this value once raised.
const InitialDelayMs = 1000

// MaxDelayMs caps the exponential backoff.
const MaxDelayMs = 200000

// State tracks one profile's position in its server list and its current
// backoff delay. The zero value is not valid; use New.
type State struct {
	ServerIndex int
	DelayMs     int
}

// New returns the initial attempt state: the first server, with the delay
// at its floor. Controller.NextDelay still fires the very first attempt
// with no delay.
func New() *State {
	return &State{ServerIndex: 0, DelayMs: InitialDelayMs}
}

// NextDelay returns the delay to wait before the attempt this state
// describes. The very first attempt (DelayMs still at its construction
// value and ServerIndex 0) is usually fired immediately by the caller
// instead of consulting this; Advance below governs steady-state timing.
func (s *State) NextDelay() int {
	return s.DelayMs
}

// Advance moves to the next server in rotation of numServers, and updates
// the backoff delay per the original's doubling rule: the delay only
// doubles while it sits strictly between the floor and the cap (never
// exceeding MaxDelayMs), and if a
// full rotation of the server list completes while the delay is still
// sitting at the floor, it is additionally doubled once more (this is the
// anti-thundering-herd quirk from MamircProcessor.tryConnect: without it,
// a profile with a short server list and no reachable servers retries
// every InitialDelayMs forever).
func (s *State) Advance(numServers int) {
	if numServers <= 0 {
		numServers = 1
	}

	if s.DelayMs > InitialDelayMs && s.DelayMs < MaxDelayMs {
		s.DelayMs *= 2
		if s.DelayMs > MaxDelayMs {
			s.DelayMs = MaxDelayMs
		}
	}

	s.ServerIndex++
	wrapped := s.ServerIndex >= numServers
	if wrapped {
		s.ServerIndex = 0
	}

	if wrapped && s.DelayMs == InitialDelayMs {
		s.DelayMs *= 2
	}
}

// Controller tracks reconnect state per profile name. The zero value is
// usable.
type Controller struct {
	states map[string]*State
}

// NewController returns an empty controller.
func NewController() *Controller {
	return &Controller{states: make(map[string]*State)}
}

func (c *Controller) get(profile string) *State {
	if c.states == nil {
		c.states = make(map[string]*State)
	}
	s, ok := c.states[profile]
	if !ok {
		s = New()
		c.states[profile] = s
	}
	return s
}

// NextDelay returns the number of milliseconds the caller should wait
// before its next connection attempt for profile. A profile attempted for
// the very first time returns 0 (connect immediately), matching
// tryConnect's initial {serverIndex: 0, delay: 1000} state firing with
// delay 0 on its first use.
func (c *Controller) NextDelay(profile string) int {
	if c.states == nil {
		c.states = make(map[string]*State)
	}
	if _, ok := c.states[profile]; !ok {
		c.states[profile] = New()
		return 0
	}
	return c.states[profile].DelayMs
}

// ServerIndex returns the index into the profile's server list to use for
// the upcoming attempt.
func (c *Controller) ServerIndex(profile string) int {
	return c.get(profile).ServerIndex
}

// Advance records that an attempt was made and rotates to the next server,
// updating backoff per State.Advance.
func (c *Controller) Advance(profile string, numServers int) {
	c.get(profile).Advance(numServers)
}

// Reset discards a profile's attempt state, so its next NextDelay call
// fires immediately at server index 0. Called once a session reaches
// REGISTERED (spec.md 4.3), matching the original clearing
// connectionAttemptState on successful registration.
func (c *Controller) Reset(profile string) {
	delete(c.states, profile)
}
