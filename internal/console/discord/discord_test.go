package discord

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
)

// mockSession records sends and returns scripted errors.
type mockSession struct {
	opened  bool
	closed  bool
	sends   []string
	sendErr error
	openErr error
}

func (m *mockSession) Open() error  { m.opened = true; return m.openErr }
func (m *mockSession) Close() error { m.closed = true; return nil }
func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.sends = append(m.sends, content)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &discordgo.Message{ID: "1", ChannelID: channelID, Content: content}, nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(MirrorOpts{ChannelID: "C1"}); err == nil {
		t.Error("expected error without token or session")
	}
	if _, err := New(MirrorOpts{Session: &mockSession{}}); err == nil {
		t.Error("expected error without channel id")
	}
}

func TestNew_OpensSession(t *testing.T) {
	sess := &mockSession{}
	if _, err := New(MirrorOpts{Session: sess, ChannelID: "C1"}); err != nil {
		t.Fatalf("New: %v", err)
	}
	if !sess.opened {
		t.Error("session not opened")
	}
}

func TestNew_OpenFailure(t *testing.T) {
	sess := &mockSession{openErr: errors.New("gateway unreachable")}
	if _, err := New(MirrorOpts{Session: sess, ChannelID: "C1"}); err == nil {
		t.Fatal("expected open error")
	}
}

func TestMirrorMessage(t *testing.T) {
	sess := &mockSession{}
	m, err := New(MirrorOpts{Session: sess, ChannelID: "C1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := m.MirrorMessage(context.Background(), "5511987654321", "lead", "Hello"); err != nil {
		t.Fatalf("MirrorMessage: %v", err)
	}
	if len(sess.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sess.sends))
	}
	if !strings.Contains(sess.sends[0], "[5511987654321]") || !strings.Contains(sess.sends[0], "Hello") {
		t.Errorf("sent text = %q", sess.sends[0])
	}
}

func TestMirrorMessage_Error(t *testing.T) {
	sess := &mockSession{sendErr: errors.New("missing permissions")}
	m, _ := New(MirrorOpts{Session: sess, ChannelID: "C1"})

	if err := m.MirrorMessage(context.Background(), "p", "agent", "x"); err == nil {
		t.Fatal("expected send error")
	}
}

func TestClose(t *testing.T) {
	sess := &mockSession{}
	m, _ := New(MirrorOpts{Session: sess, ChannelID: "C1"})
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sess.closed {
		t.Error("session not closed")
	}
}
