// Package api implements MamIRC's HTTP API (spec.md 4.8): the JSON,
// POST-only endpoints a web client uses to read state, long-poll updates,
// and submit actions, built on the standard library's net/http and
// ServeMux since none of the retrieval pack pulls in a router framework
// (see DESIGN.md) — cookie-based session auth plus a per-session CSRF
// token gate the mutating endpoint, following the teacher's JSON-tag
// struct convention (internal/storage/models.go) for wire shapes.
package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mamirc/mamirc/internal/constants"
	"github.com/mamirc/mamirc/internal/logger"
	"github.com/mamirc/mamirc/internal/processor"
	"github.com/mamirc/mamirc/internal/profile"
	"github.com/mamirc/mamirc/internal/security"
	"github.com/mamirc/mamirc/internal/update"
	"github.com/mamirc/mamirc/internal/window"
)

const sessionCookieName = "mamirc_session"

// Server is the HTTP API server. Construct with New, then pass Handler()
// to http.Server or httptest.
type Server struct {
	proc         *processor.Processor
	passwordHash string

	mu       sync.Mutex
	sessions map[string]string // cookie value -> csrf token
}

// New creates an API server backed by proc, authorizing against the
// bcrypt hash of the web UI password.
func New(proc *processor.Processor, passwordHash string) *Server {
	return &Server{proc: proc, passwordHash: passwordHash, sessions: make(map[string]string)}
}

// Handler returns the routed http.Handler for this server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login.json", s.handleLogin)
	mux.HandleFunc("/get-state.json", s.withSession(s.handleGetState))
	mux.HandleFunc("/get-updates.json", s.withSession(s.handleGetUpdates))
	mux.HandleFunc("/do-actions.json", s.withSession(s.handleDoActions))
	mux.HandleFunc("/get-profiles.json", s.withSession(s.handleGetProfiles))
	mux.HandleFunc("/get-time.json", s.withSession(s.handleGetTime))
	return mux
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("api: encode response")
	}
}

// loginRequest/loginResponse implement "POST the password to obtain a
// session cookie" (spec.md 4.8 Authorization).
type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	CsrfToken string `json:"csrfToken"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if !security.CheckWebPassword(s.passwordHash, req.Password) {
		logger.Log.Warn().Str("remote", r.RemoteAddr).Msg("api: login failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	cookieValue, err := randomToken(constants.CSRFTokenLength)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	csrfToken, err := randomToken(constants.CSRFTokenLength)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.sessions[cookieValue] = csrfToken
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    cookieValue,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, loginResponse{CsrfToken: csrfToken})
}

// withSession rejects requests without a valid session cookie (spec.md
// 4.8's "thereafter the cookie ... gate[s]" every endpoint but login),
// comparing the presented cookie against stored sessions in constant
// time to avoid leaking valid cookie values through timing.
func (s *Server) withSession(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		csrf, ok := s.lookupSession(cookie.Value)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, csrf)
	}
}

func (s *Server) lookupSession(cookieValue string) (csrf string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cv, token := range s.sessions {
		if subtle.ConstantTimeCompare([]byte(cv), []byte(cookieValue)) == 1 {
			return token, true
		}
	}
	return "", false
}

// lineDump is one window line with its timestamp delta-encoded against
// the previous line in the same dump, per spec.md 6's "delta-encoded
// timestamps on initial window dumps... in seconds".
type lineDump struct {
	Seq          int64    `json:"seq"`
	Flags        uint32   `json:"flags"`
	DeltaSeconds int64    `json:"deltaSeconds"`
	Payload      []string `json:"payload"`
}

type windowDump struct {
	Profile          string     `json:"profile"`
	Party            string     `json:"party"`
	FirstTimestampMs int64      `json:"firstTimestampMs"`
	Lines            []lineDump `json:"lines"`
	MarkedReadUntil  int64      `json:"markedReadUntil"`
}

func dumpWindow(w *window.Window, maxLines int) windowDump {
	lines := w.Tail(maxLines)
	dump := windowDump{Profile: w.Profile, Party: w.Party, MarkedReadUntil: w.MarkedReadUntil}
	var prevTs int64
	for i, l := range lines {
		if i == 0 {
			dump.FirstTimestampMs = l.TimestampMs
		}
		delta := int64(0)
		if i > 0 {
			delta = (l.TimestampMs - prevTs) / 1000
		}
		prevTs = l.TimestampMs
		dump.Lines = append(dump.Lines, lineDump{
			Seq:          l.Seq,
			Flags:        uint32(l.Flags),
			DeltaSeconds: delta,
			Payload:      l.Payload,
		})
	}
	return dump
}

type getStateRequest struct {
	MaxMessagesPerWindow int `json:"maxMessagesPerWindow"`
}

type getStateResponse struct {
	Connections   []processor.ConnectionSnapshot `json:"connections"`
	Windows       []windowDump                   `json:"windows"`
	NextUpdateID  int64                          `json:"nextUpdateId"`
	Flags         map[string]uint32              `json:"flags"`
	InitialWindow string                         `json:"initialWindow"`
	CsrfToken     string                         `json:"csrfToken"`
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request, csrf string) {
	var req getStateRequest
	json.NewDecoder(r.Body).Decode(&req)
	maxLines := req.MaxMessagesPerWindow
	if maxLines <= 0 {
		maxLines = window.MaxLinesPerWindow
	}

	resp := getStateResponse{
		Connections:   s.proc.Connections(),
		Flags:         window.FlagConstants(),
		InitialWindow: s.proc.InitialWindow(),
		CsrfToken:     csrf,
	}
	s.proc.WithLock(func() {
		for _, win := range s.proc.Windows().All() {
			resp.Windows = append(resp.Windows, dumpWindow(win, maxLines))
		}
		resp.NextUpdateID = s.proc.Updates().NextID()
	})
	writeJSON(w, resp)
}

type getUpdatesRequest struct {
	NextUpdateID int64 `json:"nextUpdateId"`
	MaxWaitMs    int   `json:"maxWait"`
}

type getUpdatesResponse struct {
	Updates      []update.Update `json:"updates"`
	NextUpdateID int64           `json:"nextUpdateId"`
}

func (s *Server) handleGetUpdates(w http.ResponseWriter, r *http.Request, _ string) {
	var req getUpdatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	maxWait := req.MaxWaitMs
	if maxWait > int(constants.MaxLongPollWait/time.Millisecond) {
		maxWait = int(constants.MaxLongPollWait / time.Millisecond)
	}

	updates, err := s.proc.Updates().GetUpdates(r.Context(), req.NextUpdateID, maxWait)
	if err != nil {
		// Out-of-range or invalid start id: null response signals resync
		// (spec.md 4.6/4.8).
		writeJSON(w, nil)
		return
	}
	next := req.NextUpdateID
	if len(updates) > 0 {
		next = updates[len(updates)-1].ID + 1
	}
	writeJSON(w, getUpdatesResponse{Updates: updates, NextUpdateID: next})
}

type doActionsRequest struct {
	Payload      []action `json:"payload"`
	CsrfToken    string   `json:"csrfToken"`
	NextUpdateID int64    `json:"nextUpdateId"`
}

// action is one tagged do-actions.json operation (spec.md 4.8): Tag
// selects the handler and Args is interpreted per tag, mirroring
// session.Update's own [tag, ...args] shape.
type action struct {
	Tag  string        `json:"tag"`
	Args []interface{} `json:"args"`
}

func (s *Server) handleDoActions(w http.ResponseWriter, r *http.Request, csrf string) {
	var req doActionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.CsrfToken), []byte(csrf)) != 1 {
		writeJSON(w, "Invalid CSRF token")
		return
	}

	for _, act := range req.Payload {
		if err := s.applyAction(act); err != nil {
			writeJSON(w, err.Error())
			return
		}
	}
	writeJSON(w, "OK")
}

func (s *Server) applyAction(act action) error {
	switch act.Tag {
	case "send-line":
		return s.actionSendLine(act.Args)
	case "mark-read":
		return s.actionMarkRead(act.Args)
	case "clear-lines":
		return s.actionClearLines(act.Args)
	case "open-window":
		return s.actionOpenWindow(act.Args)
	case "close-window":
		return s.actionCloseWindow(act.Args)
	case "set-profiles":
		return s.actionSetProfiles(act.Args)
	case "set-initial-window":
		s.proc.SetInitialWindow(argString(act.Args, 0))
		return nil
	default:
		return fmt.Errorf("do-actions: unrecognized action %q", act.Tag)
	}
}

func argString(args []interface{}, i int) string {
	if i < 0 || i >= len(args) {
		return ""
	}
	s, _ := args[i].(string)
	return s
}

func argInt64(args []interface{}, i int) int64 {
	if i < 0 || i >= len(args) {
		return 0
	}
	switch v := args[i].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

func (s *Server) actionSendLine(args []interface{}) error {
	profileName, party, text := argString(args, 0), argString(args, 1), argString(args, 2)
	var connID int64
	var found bool
	for _, c := range s.proc.Connections() {
		if c.Profile == profileName {
			connID, found = c.ConnID, true
		}
	}
	if !found {
		return fmt.Errorf("send-line: no active connection for profile %q", profileName)
	}
	return s.proc.SendLine(connID, party, text)
}

func (s *Server) actionMarkRead(args []interface{}) error {
	profileName, party, seq := argString(args, 0), argString(args, 1), argInt64(args, 2)
	s.proc.WithLock(func() {
		if win := s.proc.Windows().Get(profileName, party); win != nil {
			win.MarkRead(seq)
			s.proc.Updates().Add("MARKREAD", profileName, party, seq)
		}
	})
	return nil
}

func (s *Server) actionClearLines(args []interface{}) error {
	profileName, party, seq := argString(args, 0), argString(args, 1), argInt64(args, 2)
	s.proc.WithLock(func() {
		if win := s.proc.Windows().Get(profileName, party); win != nil {
			win.Clear(seq)
			s.proc.Updates().Add("CLEARLINES", profileName, party, seq)
		}
	})
	return nil
}

func (s *Server) actionOpenWindow(args []interface{}) error {
	profileName, party := argString(args, 0), argString(args, 1)
	s.proc.WithLock(func() {
		s.proc.Windows().GetOrCreate(profileName, party)
		s.proc.Updates().Add("OPENWIN", profileName, party)
	})
	return nil
}

func (s *Server) actionCloseWindow(args []interface{}) error {
	profileName, party := argString(args, 0), argString(args, 1)
	s.proc.WithLock(func() {
		s.proc.Windows().Remove(profileName, party)
	})
	return nil
}

func (s *Server) actionSetProfiles(args []interface{}) error {
	if len(args) == 0 {
		return fmt.Errorf("set-profiles: missing profile list")
	}
	raw, err := json.Marshal(args[0])
	if err != nil {
		return fmt.Errorf("set-profiles: %w", err)
	}
	var profiles []*profile.Profile
	if err := json.Unmarshal(raw, &profiles); err != nil {
		return fmt.Errorf("set-profiles: %w", err)
	}
	if err := s.proc.Profiles().Set(profiles); err != nil {
		return err
	}
	s.proc.ApplyProfileChange()
	return nil
}

func (s *Server) handleGetProfiles(w http.ResponseWriter, r *http.Request, _ string) {
	writeJSON(w, s.proc.Profiles().Snapshots())
}

type getTimeResponse struct {
	TimeMs int64 `json:"timeMs"`
}

func (s *Server) handleGetTime(w http.ResponseWriter, r *http.Request, _ string) {
	writeJSON(w, getTimeResponse{TimeMs: time.Now().UnixMilli()})
}
