package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestMemberPair(t *testing.T) {
	a, b, err := MemberPair("u2", "u1")
	if err != nil {
		t.Fatalf("MemberPair: %v", err)
	}
	if a != "u1" || b != "u2" {
		t.Errorf("got (%s, %s), want (u1, u2)", a, b)
	}

	if _, _, err := MemberPair("u1", "u1"); !errors.Is(err, ErrInvalid) {
		t.Errorf("self conversation: got %v, want ErrInvalid", err)
	}
	if _, _, err := MemberPair("", "u1"); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty member: got %v, want ErrInvalid", err)
	}
}

func TestConversationOtherMember(t *testing.T) {
	c := &Conversation{Members: []string{"u1", "u2"}}

	if got := c.OtherMember("u1"); got != "u2" {
		t.Errorf("OtherMember(u1) = %q, want u2", got)
	}
	if got := c.OtherMember("u3"); got != "" {
		t.Errorf("OtherMember(u3) = %q, want empty", got)
	}
	if c.HasMember("u3") {
		t.Error("u3 should not be a member")
	}
}

func TestNormalizeText(t *testing.T) {
	got, err := NormalizeText("  hello  ", 10)
	if err != nil || got != "hello" {
		t.Fatalf("NormalizeText = %q, %v", got, err)
	}

	if _, err := NormalizeText("   ", 10); !errors.Is(err, ErrInvalid) {
		t.Errorf("blank text: got %v, want ErrInvalid", err)
	}
	if _, err := NormalizeText(strings.Repeat("é", 11), 10); !errors.Is(err, ErrInvalid) {
		t.Errorf("long text: got %v, want ErrInvalid", err)
	}
	if _, err := NormalizeText(strings.Repeat("a", 5000), 0); err != nil {
		t.Errorf("unlimited: %v", err)
	}
}

func TestMessageIsReadBy(t *testing.T) {
	m := &Message{SenderID: "u1", ReadBy: []string{"u2"}}
	if !m.IsReadBy("u1") || !m.IsReadBy("u2") {
		t.Error("sender and reader should count as having read the message")
	}
	if m.IsReadBy("u3") {
		t.Error("u3 has not read the message")
	}
}
