package validation

import "testing"

func TestValidateProfileRequiresServers(t *testing.T) {
	err := ValidateProfile("default", "nick", "user", "Real Name", nil)
	if err == nil {
		t.Fatal("expected error for empty server list")
	}
}

func TestValidateProfileAccepts(t *testing.T) {
	err := ValidateProfile("default", "nick", "user", "Real Name",
		[]ServerAddress{{Host: "irc.example.org", Port: 6697, SSL: true}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateChannelNameRejectsMissingPrefix(t *testing.T) {
	if err := ValidateChannelName("go"); err == nil {
		t.Fatal("expected error for channel name without prefix")
	}
}

func TestValidateChannelNameAcceptsHash(t *testing.T) {
	if err := ValidateChannelName("#go"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateNicknameRejectsLeadingDigit(t *testing.T) {
	if err := ValidateNickname("1abc"); err == nil {
		t.Fatal("expected error for nickname starting with a digit")
	}
}

func TestValidateNicknameAcceptsSpecialFirstChar(t *testing.T) {
	if err := ValidateNickname("_abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
