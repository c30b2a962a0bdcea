package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"walletchat/chat"
	"walletchat/models"
	"walletchat/network"
)

type fakeChat struct {
	sent    []string
	files   []string
	read    []string
	msgs    []models.Message
	summary []chat.Summary
	sendErr error
	status  network.Status
}

func (f *fakeChat) Identity() string { return "0xa" }

func (f *fakeChat) Send(peer, body string, att *models.Attachment) (models.Message, error) {
	if f.sendErr != nil {
		return models.Message{}, f.sendErr
	}
	f.sent = append(f.sent, peer+":"+body)
	return models.Message{ID: "local:1-abcd", From: "0xa", To: peer, Body: body}, nil
}

func (f *fakeChat) SendFile(peer, body string, raw []byte, name, mediaType string) (models.Message, error) {
	f.files = append(f.files, peer+":"+name+":"+body)
	return models.Message{
		ID: "local:2-abcd", From: "0xa", To: peer, Body: body,
		Attachment: &models.Attachment{Name: name, SizeBytes: int64(len(raw))},
	}, nil
}

func (f *fakeChat) MarkRead(peer string) int {
	f.read = append(f.read, peer)
	return 2
}

func (f *fakeChat) Messages(peer string) []models.Message { return f.msgs }

func (f *fakeChat) Conversations() []chat.Summary { return f.summary }

func (f *fakeChat) FileAttachment(ctx context.Context, messageID string) (string, error) {
	if messageID != "9" {
		return "", errors.New("no attachment")
	}
	return "abc123", nil
}

func (f *fakeChat) Status() network.Status { return f.status }

func runScript(t *testing.T, c chatClient, script string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, runREPL(context.Background(), c, strings.NewReader(script), &out))
	return out.String()
}

func TestREPLSendAndRead(t *testing.T) {
	fake := &fakeChat{}
	out := runScript(t, fake, "send 0xB hello there\nread 0xb\nsend 0xb\n")

	require.Equal(t, []string{"0xB:hello there"}, fake.sent)
	require.Equal(t, []string{"0xb"}, fake.read)
	require.Contains(t, out, "queued local:1-abcd")
	require.Contains(t, out, "marked 2 read")
	require.Contains(t, out, "usage: send <peer> <text>")
}

func TestREPLSendFailureIsReported(t *testing.T) {
	fake := &fakeChat{sendErr: network.ErrNotConnected}
	out := runScript(t, fake, "send 0xb hi\n")
	require.Contains(t, out, "send failed")
}

func TestREPLFileAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	fake := &fakeChat{}
	out := runScript(t, fake, "file 0xb "+path+" see attached\nsave 9\nsave 1\n")

	require.Equal(t, []string{"0xb:notes.txt:see attached"}, fake.files)
	require.Contains(t, out, "queued local:2-abcd (5 B)")
	require.Contains(t, out, "filed abc123")
	require.Contains(t, out, "save failed")
}

func TestREPLShowAndList(t *testing.T) {
	sentAt := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	last := models.Message{ID: "5", From: "0xb", To: "0xa", Body: "hey", SentAt: sentAt, DeliveryState: models.DeliveryDelivered}
	fake := &fakeChat{
		msgs: []models.Message{
			{ID: "4", From: "0xa", To: "0xb", Body: "yo", SentAt: sentAt, DeliveryState: models.DeliveryRead},
			last,
		},
		summary: []chat.Summary{{
			Conversation: models.Conversation{Peer: "0xb", LastMessage: &last, UnreadCount: 1},
			DisplayName:  "Bob",
		}},
	}

	out := runScript(t, fake, "show 0xb\nlist\nbogus\nquit\nlist\n")
	require.Contains(t, out, "-> 0xb [read] yo (4)")
	require.Contains(t, out, "<- 0xb [delivered] hey (5)")
	require.Contains(t, out, "Bob")
	require.Contains(t, out, "unread=1")
	require.Contains(t, out, `unknown command "bogus"`)
	require.Equal(t, 1, strings.Count(out, "Bob"), "commands after quit must not run")
}

func TestConversationPrinterPrintsChangesOnce(t *testing.T) {
	var out bytes.Buffer
	p := newConversationPrinter(&out)
	msg := models.Message{ID: "1", From: "0xb", To: "0xa", Body: "hi", DeliveryState: models.DeliveryDelivered}
	convs := map[string]models.Conversation{"0xb": {Peer: "0xb", LastMessage: &msg, UnreadCount: 1}}

	p.update(convs)
	p.update(convs)
	require.Equal(t, 1, strings.Count(out.String(), "0xb"))

	convs["0xb"] = models.Conversation{Peer: "0xb", LastMessage: &msg, UnreadCount: 0}
	p.update(convs)
	require.Equal(t, 2, strings.Count(out.String(), "0xb"))
}

func TestREPLKeepsMessageSpacing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	fake := &fakeChat{}
	runScript(t, fake, "send  0xb hello    there\tfriend\nfile 0xb "+path+" see  the   table\n")

	require.Equal(t, []string{"0xb:hello    there\tfriend"}, fake.sent)
	require.Equal(t, []string{"0xb:notes.txt:see  the   table"}, fake.files)
}

func TestREPLStatus(t *testing.T) {
	fake := &fakeChat{status: network.Status{State: network.StateActive}}
	require.Contains(t, runScript(t, fake, "status\n"), string(network.StateActive))

	fake.status = network.Status{State: network.StateDisconnected, Err: errors.New("relay gone")}
	out := runScript(t, fake, "status\n")
	require.Contains(t, out, string(network.StateDisconnected)+" (relay gone)")
}
