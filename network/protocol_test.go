package network

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"walletchat/models"
)

func TestDecodeMessageType(t *testing.T) {
	msgType, err := DecodeMessageType([]byte(`{"type":"new_message","id":"1"}`))
	require.NoError(t, err)
	require.Equal(t, TypeNewMessage, msgType)

	_, err = DecodeMessageType([]byte(`{"id":"1"}`))
	require.ErrorIs(t, err, ErrInvalidMessageType)

	_, err = DecodeMessageType([]byte(`not json`))
	require.Error(t, err)
}

func TestEncodeSendMessageWireShape(t *testing.T) {
	payload, err := EncodeJSON(SendMessage{Type: TypeSendMessage, To: "0xB", Content: "hi"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"send_message","to":"0xB","content":"hi"}`, string(payload))

	payload, err = EncodeJSON(AuthenticateMessage{Type: TypeAuthenticate, WalletAddress: "0xA"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"authenticate","walletAddress":"0xA"}`, string(payload))
}

func TestEncodeJSONRejectsOversizedPayload(t *testing.T) {
	_, err := EncodeJSON(SendMessage{Type: TypeSendMessage, To: "0xB", Content: strings.Repeat("x", MaxFrameSize)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeNewMessage(t *testing.T) {
	msg, err := DecodeNewMessage([]byte(`{"type":"new_message","id":7,"from":"0xC","to":"0xA","content":"yo","timestamp":"2026-03-01T10:00:00.000Z","attachment":{"name":"a.txt","type":"text/plain","size":1,"data":"QQ=="}}`))
	require.NoError(t, err)
	require.Equal(t, "7", msg.ID)
	require.Equal(t, "0xC", msg.From)
	require.Equal(t, "yo", msg.Body)
	require.Equal(t, models.DeliveryDelivered, msg.DeliveryState)
	require.False(t, msg.ReadByRecipient)
	require.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), msg.SentAt)
	require.NotNil(t, msg.Attachment)
	require.Equal(t, "text/plain", msg.Attachment.MediaType)
	require.EqualValues(t, 1, msg.Attachment.SizeBytes)

	_, err = DecodeNewMessage([]byte(`{"type":"new_message","from":"0xC","to":"0xA","content":"yo","timestamp":"2026-03-01T10:00:00Z"}`))
	require.ErrorIs(t, err, ErrMalformedEvent)
	_, err = DecodeNewMessage([]byte(`{"type":"new_message","id":"1","from":"0xC","to":"0xA","content":"yo","timestamp":"yesterday"}`))
	require.ErrorIs(t, err, ErrMalformedEvent)
	_, err = DecodeNewMessage([]byte(`{"type":"new_message","id":{}}`))
	require.ErrorIs(t, err, ErrMalformedEvent)
}

func TestDecodeMessageSentKeepsBadTimestampZero(t *testing.T) {
	frame, sentAt, err := DecodeMessageSent([]byte(`{"type":"message_sent","id":"42","from":"0xA","to":"0xB","content":"hi","timestamp":"nope","delivered":true}`))
	require.NoError(t, err)
	require.Equal(t, MessageID("42"), frame.ID)
	require.True(t, frame.Delivered)
	require.True(t, sentAt.IsZero())
}

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, value := range []string{
		"2026-03-01T10:00:00Z",
		"2026-03-01T12:00:00+02:00",
		"2026-03-01T10:00:00",
		"2026-03-01 10:00:00",
	} {
		got, err := ParseTimestamp(value)
		require.NoError(t, err, value)
		require.True(t, want.Equal(got), value)
	}

	_, err := ParseTimestamp("")
	require.ErrorIs(t, err, ErrMalformedEvent)
}
