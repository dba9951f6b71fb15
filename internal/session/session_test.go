package session

import (
	"testing"

	"github.com/mamirc/mamirc/internal/profile"
	"github.com/mamirc/mamirc/internal/window"
	"github.com/mamirc/mamirc/internal/wire"
)

func testProfile() *profile.Profile {
	return &profile.Profile{
		Name:      "default",
		Nicknames: []string{"gopher", "gopher_"},
		Username:  "gopher",
		Realname:  "Go Pher",
		Channels:  []string{"#go"},
	}
}

func mustParse(t *testing.T, raw string) wire.Line {
	t.Helper()
	l, err := wire.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return l
}

func TestOpenedRealtimeSendsFirstNickname(t *testing.T) {
	s := New(1, testProfile())
	eff := s.Opened("1.2.3.4", 1000, true)
	if s.State != StateOpened {
		t.Fatalf("State = %v, want OPENED", s.State)
	}
	if len(eff.Outbound) != 1 || eff.Outbound[0] != "NICK gopher" {
		t.Fatalf("Outbound = %v, want [NICK gopher]", eff.Outbound)
	}
}

func TestRegistrationHandshakeAdvancesThroughStates(t *testing.T) {
	s := New(1, testProfile())
	s.Opened("1.2.3.4", 0, true)

	s.Send(mustParse(t, "NICK gopher"), 0, true)
	if s.State != StateNickSent {
		t.Fatalf("State = %v, want NICK_SENT", s.State)
	}

	s.Send(mustParse(t, "USER gopher 0 * :Go Pher"), 0, true)
	if s.State != StateUserSent {
		t.Fatalf("State = %v, want USER_SENT", s.State)
	}

	eff := s.Receive(mustParse(t, ":irc.example.org 001 gopher :Welcome"), 0, true)
	if s.State != StateRegistered {
		t.Fatalf("State = %v, want REGISTERED", s.State)
	}
	if s.Nickname != "gopher" {
		t.Fatalf("Nickname = %q, want gopher", s.Nickname)
	}
	foundJoin := false
	for _, line := range eff.Outbound {
		if line == "JOIN #go" {
			foundJoin = true
		}
	}
	if !foundJoin {
		t.Fatalf("Outbound = %v, want a JOIN #go for the profile's channel", eff.Outbound)
	}
}

func TestRegistrationCompletesOnNumeric002WithoutPriorWelcome(t *testing.T) {
	s := New(1, testProfile())
	s.Opened("1.2.3.4", 0, true)
	s.Send(mustParse(t, "NICK gopher"), 0, true)
	s.Send(mustParse(t, "USER gopher 0 * :Go Pher"), 0, true)

	eff := s.Receive(mustParse(t, ":irc.example.org 002 gopher :Your host is irc.example.org"), 0, true)
	if s.State != StateRegistered {
		t.Fatalf("State = %v, want REGISTERED on 002 alone", s.State)
	}
	foundJoin := false
	for _, line := range eff.Outbound {
		if line == "JOIN #go" {
			foundJoin = true
		}
	}
	if !foundJoin {
		t.Fatalf("Outbound = %v, want a JOIN #go once 002 completes registration", eff.Outbound)
	}
}

func TestLaterWelcomeNumeralsAfterRegistrationDoNotRejoin(t *testing.T) {
	s := New(1, testProfile())
	s.Opened("1.2.3.4", 0, true)
	s.Send(mustParse(t, "NICK gopher"), 0, true)
	s.Send(mustParse(t, "USER gopher 0 * :Go Pher"), 0, true)
	s.Receive(mustParse(t, ":irc.example.org 001 gopher :Welcome"), 0, true)

	eff := s.Receive(mustParse(t, ":irc.example.org 002 gopher :Your host is irc.example.org"), 0, true)
	if len(eff.Outbound) != 0 {
		t.Fatalf("Outbound = %v, want no re-join/re-identify once already REGISTERED", eff.Outbound)
	}
	if len(eff.Updates) != 0 {
		t.Fatalf("Updates = %v, want no repeated MYNICK update once already REGISTERED", eff.Updates)
	}
}

func TestNicknameRejectionFallsBackToNextCandidate(t *testing.T) {
	s := New(1, testProfile())
	s.Opened("1.2.3.4", 0, true)
	s.Send(mustParse(t, "NICK gopher"), 0, true)

	eff := s.Receive(mustParse(t, ":irc.example.org 433 * gopher :Nickname is already in use"), 0, true)
	if !s.rejected["gopher"] {
		t.Fatal("rejected nicknames should contain gopher")
	}
	if len(eff.Outbound) != 1 || eff.Outbound[0] != "NICK gopher_" {
		t.Fatalf("Outbound = %v, want [NICK gopher_]", eff.Outbound)
	}
}

func TestNicknameRejectionWithNoCandidatesLeftDisconnects(t *testing.T) {
	s := New(1, testProfile())
	s.Opened("1.2.3.4", 0, true)
	s.Receive(mustParse(t, ":irc.example.org 433 * gopher :Nickname is already in use"), 0, true)
	eff := s.Receive(mustParse(t, ":irc.example.org 433 * gopher_ :Nickname is already in use"), 0, true)
	if !eff.Disconnect {
		t.Fatal("expected Disconnect once every candidate nickname is rejected")
	}
}

func TestNamesBurstPopulatesMembersOnEnd(t *testing.T) {
	s := New(1, testProfile())
	s.Channels["#go"] = newChannelState()

	s.Receive(mustParse(t, ":irc.example.org 353 gopher = #go :@alice +bob carol"), 0, false)
	eff := s.Receive(mustParse(t, ":irc.example.org 366 gopher #go :End of /NAMES list"), 0, false)

	cs := s.Channels["#go"]
	for _, nick := range []string{"alice", "bob", "carol"} {
		if !cs.Members[nick] {
			t.Fatalf("Members missing %q after NAMES burst: %v", nick, cs.Members)
		}
	}
	if len(eff.Lines) != 1 || eff.Lines[0].Flags != window.NAMES {
		t.Fatalf("expected one NAMES window line, got %+v", eff.Lines)
	}
}

func TestJoinAndPartTrackMembership(t *testing.T) {
	s := New(1, testProfile())
	s.Nickname = "gopher"
	s.Receive(mustParse(t, ":gopher!u@h JOIN #go"), 0, false)
	if _, ok := s.Channels["#go"]; !ok {
		t.Fatal("self-JOIN did not create channel state")
	}

	s.Receive(mustParse(t, ":alice!u@h JOIN #go"), 0, false)
	if !s.Channels["#go"].Members["alice"] {
		t.Fatal("alice should be a member after JOIN")
	}

	s.Receive(mustParse(t, ":alice!u@h PART #go :bye"), 0, false)
	if s.Channels["#go"].Members["alice"] {
		t.Fatal("alice should no longer be a member after PART")
	}
}

func TestPrivmsgSetsNickflagOnMention(t *testing.T) {
	s := New(1, testProfile())
	s.Nickname = "gopher"
	eff := s.Receive(mustParse(t, ":alice!u@h PRIVMSG #go :hey gopher, check this out"), 0, false)
	if len(eff.Lines) != 1 || eff.Lines[0].Flags&window.NICKFLAG == 0 {
		t.Fatalf("expected NICKFLAG set on mention, got %+v", eff.Lines)
	}
}

func TestGenericNumericRelayedAsServerReply(t *testing.T) {
	s := New(1, testProfile())
	eff := s.Receive(mustParse(t, ":irc.example.org 251 gopher :There are 5 users"), 0, false)
	if len(eff.Lines) != 1 || eff.Lines[0].Flags != window.SERVERREPLY {
		t.Fatalf("expected one SERVERREPLY line, got %+v", eff.Lines)
	}
	want := []string{"251", "There are 5 users"}
	if got := eff.Lines[0].Payload; len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Payload = %v, want %v (own nickname in parameter 0 stripped)", got, want)
	}
}

func TestClosedEmitsDisconnectedForEveryChannelAndServer(t *testing.T) {
	s := New(1, testProfile())
	s.Channels["#go"] = newChannelState()
	s.Channels["#other"] = newChannelState()

	eff := s.Closed(0)
	if len(eff.Lines) != 3 {
		t.Fatalf("got %d lines, want 3 (two channels + server)", len(eff.Lines))
	}
}
