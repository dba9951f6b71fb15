// Package profile manages MamIRC's connection profiles: the persistent,
// Processor-owned configuration of which IRC networks to join, as what
// nickname, and to which channels, loaded from and atomically rewritten to
// a JSON file on disk (spec.md 4.5's profile/server list; HTTP API
// get-profiles.json and do-actions.json's set-profiles action).
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mamirc/mamirc/internal/validation"
)

// Server is one fallback connection endpoint within a profile.
type Server struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	SSL  bool   `json:"ssl"`
}

// Profile is one configured IRC identity: which servers to try, which
// nicknames to attempt in order, and which channels to auto-join.
//
// Channels are stored as "#name" or "#name key" (space-separated), exactly
// as accepted by a JOIN command, per the original's channel-key encoding.
type Profile struct {
	Name             string   `json:"name"`
	Connect          bool     `json:"connect"`
	Nicknames        []string `json:"nicknames"`
	Username         string   `json:"username"`
	Realname         string   `json:"realname"`
	NickservPassword string   `json:"nickservPassword,omitempty"`
	Channels         []string `json:"channels"`
	Servers          []Server `json:"servers"`
}

// Snapshot is the redacted, client-facing view of a Profile returned by
// get-profiles.json: NickservPassword is collapsed to a boolean so the web
// UI can render "configured" without ever seeing the secret over HTTP. The
// original transmitted nickservPassword unredacted; this is a deliberate
// deviation (see DESIGN.md).
type Snapshot struct {
	Name                string   `json:"name"`
	Connect             bool     `json:"connect"`
	Nicknames           []string `json:"nicknames"`
	Username            string   `json:"username"`
	Realname            string   `json:"realname"`
	HasNickservPassword bool     `json:"hasNickservPassword"`
	Channels            []string `json:"channels"`
	Servers             []Server `json:"servers"`
}

// ToSnapshot redacts p for transmission to an HTTP client.
func (p *Profile) ToSnapshot() Snapshot {
	return Snapshot{
		Name:                p.Name,
		Connect:             p.Connect,
		Nicknames:           append([]string(nil), p.Nicknames...),
		Username:            p.Username,
		Realname:            p.Realname,
		HasNickservPassword: p.NickservPassword != "",
		Channels:            append([]string(nil), p.Channels...),
		Servers:             append([]Server(nil), p.Servers...),
	}
}

// Validate checks p's required fields and server list.
func (p *Profile) Validate() error {
	servers := make([]validation.ServerAddress, len(p.Servers))
	for i, s := range p.Servers {
		servers[i] = validation.ServerAddress{Host: s.Host, Port: s.Port, SSL: s.SSL}
	}
	if len(p.Nicknames) == 0 {
		return fmt.Errorf("profile %q: at least one nickname is required", p.Name)
	}
	if err := validation.ValidateProfile(p.Name, p.Nicknames[0], p.Username, p.Realname, servers); err != nil {
		return fmt.Errorf("profile %q: %w", p.Name, err)
	}
	for _, ch := range p.Channels {
		name, _ := SplitChannelKey(ch)
		if err := validation.ValidateChannelName(name); err != nil {
			return fmt.Errorf("profile %q: channel %q: %w", p.Name, ch, err)
		}
	}
	return nil
}

// SplitChannelKey splits a stored "#name key" entry into its name and key
// (key is "" if absent).
func SplitChannelKey(entry string) (name, key string) {
	if i := strings.IndexByte(entry, ' '); i >= 0 {
		return entry[:i], entry[i+1:]
	}
	return entry, ""
}

// Store is the on-disk, in-memory profile set. Safe for concurrent use,
// though callers operating under the processor's coarse lock (spec.md
// section 7) will typically already be serialized.
type Store struct {
	mu       sync.Mutex
	path     string
	profiles map[string]*Profile
	order    []string
}

// Load reads profiles from path, creating an empty store if the file does
// not exist yet.
func Load(path string) (*Store, error) {
	s := &Store{path: path, profiles: make(map[string]*Profile)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	var list []*Profile
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	for _, p := range list {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		s.profiles[p.Name] = p
		s.order = append(s.order, p.Name)
	}
	return s, nil
}

// Get returns the named profile, or nil if it does not exist.
func (s *Store) Get(name string) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[name]
}

// All returns every profile in stable (load/set) order.
func (s *Store) All() []*Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Profile, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.profiles[name])
	}
	return out
}

// Snapshots returns the redacted view of every profile, in stable order.
func (s *Store) Snapshots() []Snapshot {
	all := s.All()
	out := make([]Snapshot, len(all))
	for i, p := range all {
		out[i] = p.ToSnapshot()
	}
	return out
}

// Set atomically replaces the entire profile list and rewrites the backing
// file, following the set-profiles action's semantics (spec.md 4.5/5): the whole
// list is replaced, not merged.
func (s *Store) Set(newProfiles []*Profile) error {
	for _, p := range newProfiles {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(newProfiles))
	for _, p := range newProfiles {
		if seen[p.Name] {
			return fmt.Errorf("profile: duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
	}

	if err := s.writeFile(newProfiles); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = make(map[string]*Profile, len(newProfiles))
	s.order = s.order[:0]
	for _, p := range newProfiles {
		s.profiles[p.Name] = p
		s.order = append(s.order, p.Name)
	}
	return nil
}

// writeFile rewrites the backing JSON file via a temp-file-then-rename so
// a crash mid-write can never leave a truncated or partially-written
// profiles file behind.
func (s *Store) writeFile(profiles []*Profile) error {
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("profile: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".profiles-*.json.tmp")
	if err != nil {
		return fmt.Errorf("profile: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("profile: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("profile: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("profile: rename into place: %w", err)
	}
	return nil
}
