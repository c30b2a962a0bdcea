package network

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"walletchat/chat"
	"walletchat/logger"
	"walletchat/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeTransport struct {
	inbound chan []byte

	mu       sync.Mutex
	written  [][]byte
	writeErr error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-f.inbound:
		return payload, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) WriteFrame(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) push(t *testing.T, frame any) {
	t.Helper()
	var payload []byte
	switch v := frame.(type) {
	case string:
		payload = []byte(v)
	default:
		var err error
		payload, err = json.Marshal(v)
		require.NoError(t, err)
	}
	f.inbound <- payload
}

func (f *fakeTransport) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeTransport) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dials      int
}

func (d *fakeDialer) Dial(context.Context, string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.transports) == 0 {
		return nil, errors.New("relay unreachable")
	}
	next := d.transports[0]
	d.transports = d.transports[1:]
	return next, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type harness struct {
	store     *chat.Store
	session   *Session
	transport *fakeTransport
	dialer    *fakeDialer
}

func newHarness(t *testing.T, mutate func(*SessionOptions), extra ...*fakeTransport) *harness {
	t.Helper()

	first := newFakeTransport()
	dialer := &fakeDialer{transports: append([]*fakeTransport{first}, extra...)}
	store := chat.NewStore("0xA")

	options := SessionOptions{
		URL:      "ws://relay.test/ws",
		Identity: "0xA",
		Store:    store,
		Dialer:   dialer,
		Logger:   logger.Nop(),
	}
	if mutate != nil {
		mutate(&options)
	}

	session, err := NewSession(options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return &harness{store: store, session: session, transport: first, dialer: dialer}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Start(context.Background()))
	require.Equal(t, StateAuthenticating, h.session.State())
}

func (h *harness) activate(t *testing.T, transport *fakeTransport) {
	t.Helper()
	transport.push(t, AuthenticatedMessage{Type: TypeAuthenticated, WalletAddress: "0xa"})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.session.AwaitActive(ctx))
}

func newMessageFrame(id, from, to, content string) NewMessage {
	return NewMessage{
		Type:      TypeNewMessage,
		ID:        MessageID(id),
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: "2026-03-01T10:00:00Z",
	}
}

func TestStartSendsOnlyAuthenticateIntent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	frames := h.transport.frames()
	require.Len(t, frames, 1)
	require.JSONEq(t, `{"type":"authenticate","walletAddress":"0xA"}`, string(frames[0]))
}

func TestSendBeforeAuthenticatedIsRejected(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.session.Send("0xB", "hi", nil)
	require.ErrorIs(t, err, ErrNotConnected)

	h.start(t)
	_, err = h.session.Send("0xB", "hi", nil)
	require.ErrorIs(t, err, ErrNotConnected)

	require.Zero(t, h.store.Len())
	require.Len(t, h.transport.frames(), 1)
}

func TestSendAndConfirmScenario(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.activate(t, h.transport)

	msg, err := h.session.Send("0xB", "hi", nil)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryPending, msg.DeliveryState)
	require.Equal(t, 1, h.store.PendingCount())

	frames := h.transport.frames()
	require.Len(t, frames, 2)
	require.JSONEq(t, `{"type":"send_message","to":"0xB","content":"hi"}`, string(frames[1]))

	h.transport.push(t, MessageSent{
		Type: TypeMessageSent, ID: "42", From: "0xA", To: "0xB", Content: "hi",
		Timestamp: "2026-03-01T10:00:01Z", Delivered: true,
	})

	require.Eventually(t, func() bool { return h.store.PendingCount() == 0 }, waitFor, tick)
	conversation := h.store.Query("0xB")
	require.Len(t, conversation, 1)
	require.Equal(t, "42", conversation[0].ID)
	require.Equal(t, models.DeliveryDelivered, conversation[0].DeliveryState)
}

func TestInboundMessageScenario(t *testing.T) {
	h := newHarness(t, nil)
	agg := chat.NewAggregator(h.store)
	defer agg.Close()

	h.start(t)
	h.activate(t, h.transport)
	h.transport.push(t, newMessageFrame("7", "0xC", "0xA", "yo"))

	require.Eventually(t, func() bool {
		conv, ok := agg.Conversation("0xC")
		return ok && conv.UnreadCount == 1
	}, waitFor, tick)
	conv, _ := agg.Conversation("0xC")
	require.Equal(t, "7", conv.LastMessage.ID)

	h.store.MarkRead("0xC")
	conv, _ = agg.Conversation("0xC")
	require.Zero(t, conv.UnreadCount)
}

func TestEventsBeforeActiveAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.transport.push(t, newMessageFrame("1", "0xC", "0xA", "early"))
	h.activate(t, h.transport)
	h.transport.push(t, newMessageFrame("2", "0xC", "0xA", "late"))

	require.Eventually(t, func() bool { return h.store.Len() == 1 }, waitFor, tick)
	_, ok := h.store.Get("1")
	require.False(t, ok)
}

func TestMalformedFramesDoNotEndSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.activate(t, h.transport)

	h.transport.push(t, "not json")
	h.transport.push(t, `{"id":"x"}`)
	h.transport.push(t, `{"type":"mystery"}`)
	h.transport.push(t, `{"type":"new_message","from":"0xC"}`)
	h.transport.push(t, newMessageFrame("3", "0xB", "0xC", "not ours"))
	h.transport.push(t, `{"type":"new_message","id":"4","from":"0xC","to":"0xA","content":"x","timestamp":"2026-03-01T10:00:00Z","attachment":{"name":"a","type":"text/plain","size":5,"data":"%%%"}}`)
	h.transport.push(t, MessageSent{Type: TypeMessageSent, ID: "99", From: "0xA", To: "0xB", Content: "never sent"})
	h.transport.push(t, newMessageFrame("5", "0xC", "0xA", "valid"))

	require.Eventually(t, func() bool { return h.store.Len() == 1 }, waitFor, tick)
	_, ok := h.store.Get("5")
	require.True(t, ok)
	require.Equal(t, StateActive, h.session.State())
}

func TestDuplicateNewMessageIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.activate(t, h.transport)

	h.transport.push(t, newMessageFrame("7", "0xC", "0xA", "yo"))
	h.transport.push(t, newMessageFrame("7", "0xC", "0xA", "yo"))
	h.transport.push(t, newMessageFrame("8", "0xC", "0xA", "again"))

	require.Eventually(t, func() bool {
		_, ok := h.store.Get("8")
		return ok
	}, waitFor, tick)
	require.Equal(t, 2, h.store.Len())
}

func TestTransmitFailureMarksMessageFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.activate(t, h.transport)

	writeErr := errors.New("broken pipe")
	h.transport.failWrites(writeErr)

	msg, err := h.session.Send("0xB", "hi", nil)
	require.ErrorIs(t, err, writeErr)
	require.Equal(t, models.DeliveryFailed, msg.DeliveryState)

	stored, ok := h.store.Get(msg.ID)
	require.True(t, ok)
	require.Equal(t, models.DeliveryFailed, stored.DeliveryState)
}

func TestSendRejectsInvalidAttachmentBeforeMutation(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.activate(t, h.transport)

	_, err := h.session.Send("0xB", "", &models.Attachment{Name: "a", SizeBytes: 3, Payload: "!!"})
	require.Error(t, err)
	require.Zero(t, h.store.Len())
	require.Len(t, h.transport.frames(), 1)
}

func TestIdentityMismatchEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.transport.push(t, AuthenticatedMessage{Type: TypeAuthenticated, WalletAddress: "0xZZ"})

	select {
	case <-h.session.Done():
	case <-time.After(waitFor):
		t.Fatalf("session did not end")
	}
	require.ErrorIs(t, h.session.LastError(), ErrIdentityMismatch)
	require.Equal(t, StateDisconnected, h.session.State())
}

func TestAuthenticationTimeout(t *testing.T) {
	h := newHarness(t, func(o *SessionOptions) { o.AuthTimeout = 20 * time.Millisecond })
	h.start(t)

	select {
	case <-h.session.Done():
	case <-time.After(waitFor):
		t.Fatalf("session did not time out")
	}
	require.ErrorIs(t, h.session.LastError(), ErrAuthTimeout)
}

func TestTransportLossKeepsStoreWithoutReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.activate(t, h.transport)
	h.transport.push(t, newMessageFrame("7", "0xC", "0xA", "yo"))
	require.Eventually(t, func() bool { return h.store.Len() == 1 }, waitFor, tick)

	_ = h.transport.Close()

	select {
	case <-h.session.Done():
	case <-time.After(waitFor):
		t.Fatalf("session did not end")
	}
	require.Error(t, h.session.LastError())
	require.Equal(t, StateDisconnected, h.session.State())
	require.Equal(t, 1, h.store.Len())
	require.Equal(t, 1, h.dialer.dialCount())

	_, err := h.session.Send("0xC", "back?", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectReauthenticatesWithoutDuplicates(t *testing.T) {
	second := newFakeTransport()
	h := newHarness(t, func(o *SessionOptions) {
		o.Reconnect = ReconnectPolicy{
			Enabled:         true,
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		}
	}, second)
	h.start(t)
	h.activate(t, h.transport)

	h.transport.push(t, newMessageFrame("7", "0xC", "0xA", "yo"))
	require.Eventually(t, func() bool { return h.store.Len() == 1 }, waitFor, tick)

	_ = h.transport.Close()

	require.Eventually(t, func() bool { return len(second.frames()) == 1 }, waitFor, tick)
	require.JSONEq(t, `{"type":"authenticate","walletAddress":"0xA"}`, string(second.frames()[0]))

	h.activate(t, second)
	second.push(t, newMessageFrame("7", "0xC", "0xA", "yo"))
	second.push(t, newMessageFrame("8", "0xC", "0xA", "after reconnect"))

	require.Eventually(t, func() bool {
		_, ok := h.store.Get("8")
		return ok
	}, waitFor, tick)
	require.Equal(t, 2, h.store.Len())
	require.Equal(t, 2, h.dialer.dialCount())
}

func TestReconnectGivesUp(t *testing.T) {
	h := newHarness(t, func(o *SessionOptions) {
		o.Reconnect = ReconnectPolicy{
			Enabled:         true,
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		}
	})
	h.start(t)
	h.activate(t, h.transport)
	_ = h.transport.Close()

	select {
	case <-h.session.Done():
	case <-time.After(waitFor):
		t.Fatalf("session did not give up")
	}
	require.ErrorContains(t, h.session.LastError(), "gave up after 2 attempts")
	require.Equal(t, 3, h.dialer.dialCount())
}

func TestSendTimeoutMarksPendingFailed(t *testing.T) {
	h := newHarness(t, func(o *SessionOptions) { o.SendTimeout = 20 * time.Millisecond })
	h.start(t)
	h.activate(t, h.transport)

	msg, err := h.session.Send("0xB", "hi", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := h.store.Get(msg.ID)
		return ok && got.DeliveryState == models.DeliveryFailed
	}, waitFor, tick)

	h.transport.push(t, MessageSent{Type: TypeMessageSent, ID: "42", From: "0xA", To: "0xB", Content: "hi"})
	h.transport.push(t, newMessageFrame("9", "0xB", "0xA", "marker"))
	require.Eventually(t, func() bool {
		_, ok := h.store.Get("9")
		return ok
	}, waitFor, tick)
	_, ok := h.store.Get("42")
	require.False(t, ok, "failed entries are never promoted")
}

func TestCloseIsIdempotentAndPublishesStatus(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var states []State
	h.session.Subscribe(func(s Status) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	h.start(t)
	h.activate(t, h.transport)
	require.NoError(t, h.session.Close())
	require.NoError(t, h.session.Close())

	<-h.session.Done()
	require.NoError(t, h.session.LastError())
	require.Equal(t, Status{State: StateDisconnected}, h.session.Status())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateConnecting, StateAuthenticating, StateActive, StateDisconnected}, states)
}

func TestStartFailsWhenRelayUnreachable(t *testing.T) {
	dialer := &fakeDialer{}
	session, err := NewSession(SessionOptions{
		URL:      "ws://relay.test/ws",
		Identity: "0xA",
		Store:    chat.NewStore("0xA"),
		Dialer:   dialer,
		Logger:   logger.Nop(),
	})
	require.NoError(t, err)

	require.Error(t, session.Start(context.Background()))
	require.Equal(t, StateDisconnected, session.State())
	require.Error(t, session.LastError())
}

func TestNewSessionValidatesOptions(t *testing.T) {
	store := chat.NewStore("0xA")

	_, err := NewSession(SessionOptions{URL: "ws://x", Store: store})
	require.Error(t, err)
	_, err = NewSession(SessionOptions{URL: "ws://x", Identity: "0xA"})
	require.Error(t, err)
	_, err = NewSession(SessionOptions{URL: "ws://x", Identity: "0xB", Store: store})
	require.Error(t, err)
	_, err = NewSession(SessionOptions{Identity: "0xA", Store: store})
	require.Error(t, err)
}

func TestFramesAfterCloseAreNotApplied(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.activate(t, h.transport)

	// Closed but not yet published as disconnected.
	h.session.closeOnce.Do(func() {
		h.session.cancel()
		close(h.session.closed)
	})
	require.Equal(t, StateActive, h.session.State())

	frame, err := EncodeJSON(newMessageFrame("9", "0xC", "0xA", "too late"))
	require.NoError(t, err)
	require.NoError(t, h.session.handleFrame(frame))
	require.Zero(t, h.store.Len())
}
