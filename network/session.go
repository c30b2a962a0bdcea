package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"walletchat/attachment"
	"walletchat/chat"
	"walletchat/models"
)

var (
	// ErrNotConnected indicates a send attempted outside the active state.
	ErrNotConnected = errors.New("network: session is not active")
	// ErrIdentityMismatch indicates the relay authenticated a different address.
	ErrIdentityMismatch = errors.New("network: authenticated identity mismatch")
	// ErrSessionClosed indicates use of a closed session.
	ErrSessionClosed = errors.New("network: session closed")
	// ErrAuthTimeout indicates the relay never acknowledged authentication.
	ErrAuthTimeout = errors.New("network: authentication timed out")
)

// State represents the lifecycle state of the realtime session.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
)

// Status is one observable session transition.
type Status struct {
	State State
	Err   error
}

const (
	DefaultReconnectAttempts        = 5
	DefaultReconnectInitialInterval = 500 * time.Millisecond
	DefaultReconnectMaxInterval     = 30 * time.Second
)

// ReconnectPolicy controls redialing after the transport drops.
type ReconnectPolicy struct {
	Enabled         bool
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// SessionOptions controls runtime behavior of Session.
type SessionOptions struct {
	URL      string
	Identity string
	Store    *chat.Store
	Codec    *attachment.Codec
	Dialer   Dialer
	Logger   zerolog.Logger

	Reconnect   ReconnectPolicy
	SendTimeout time.Duration
	AuthTimeout time.Duration
}

// Session owns the realtime connection for one identity and applies its events
// to the message store.
type Session struct {
	url      string
	identity string

	store      *chat.Store
	reconciler *chat.Reconciler
	codec      *attachment.Codec
	dialer     Dialer
	log        zerolog.Logger

	reconnect   ReconnectPolicy
	sendTimeout time.Duration
	authTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	sendMu  sync.Mutex

	stateMu      sync.RWMutex
	state        State
	statusErr    error
	transport    Transport
	authDeadline time.Time

	subMu   sync.Mutex
	subs    map[uint64]func(Status)
	nextSub uint64

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewSession validates options and returns a disconnected session.
func NewSession(options SessionOptions) (*Session, error) {
	identity := strings.TrimSpace(options.Identity)
	if identity == "" {
		return nil, errors.New("network: identity is required")
	}
	if options.Store == nil {
		return nil, errors.New("network: store is required")
	}
	if !models.SameIdentity(options.Store.LocalIdentity(), identity) {
		return nil, fmt.Errorf("network: store belongs to %q, not %q", options.Store.LocalIdentity(), identity)
	}
	if strings.TrimSpace(options.URL) == "" {
		return nil, errors.New("network: relay url is required")
	}

	codec := options.Codec
	if codec == nil {
		codec = attachment.NewCodec(0)
	}
	var dialer Dialer = WebsocketDialer{}
	if options.Dialer != nil {
		dialer = options.Dialer
	}
	authTimeout := options.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = DefaultConnectionTimeout
	}

	reconnect := options.Reconnect
	if reconnect.MaxAttempts <= 0 {
		reconnect.MaxAttempts = DefaultReconnectAttempts
	}
	if reconnect.InitialInterval <= 0 {
		reconnect.InitialInterval = DefaultReconnectInitialInterval
	}
	if reconnect.MaxInterval < reconnect.InitialInterval {
		reconnect.MaxInterval = DefaultReconnectMaxInterval
	}

	log := options.Logger.With().Str("identity", models.NormalizeIdentity(identity)).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		url:         options.URL,
		identity:    identity,
		store:       options.Store,
		reconciler:  chat.NewReconciler(options.Store, log),
		codec:       codec,
		dialer:      dialer,
		log:         log,
		reconnect:   reconnect,
		sendTimeout: options.SendTimeout,
		authTimeout: authTimeout,
		ctx:         ctx,
		cancel:      cancel,
		state:       StateDisconnected,
		subs:        make(map[uint64]func(Status)),
		closed:      make(chan struct{}),
	}, nil
}

// Identity returns the identity this session authenticates as.
func (s *Session) Identity() string {
	return s.identity
}

// Start dials the relay and sends the authenticate intent. Events are read in the
// background; the session becomes active when the relay acknowledges.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("network: session already started")
	}
	if s.isClosed() {
		return ErrSessionClosed
	}

	t, err := s.connect(ctx)
	if err != nil {
		s.finish(err)
		return err
	}

	go s.run(t)
	if s.sendTimeout > 0 {
		go s.expiryLoop()
	}
	return nil
}

// AwaitActive blocks until the session is active, ends, or ctx is done.
func (s *Session) AwaitActive(ctx context.Context) error {
	notify := make(chan struct{}, 1)
	unsubscribe := s.Subscribe(func(Status) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		if s.State() == StateActive {
			return nil
		}
		select {
		case <-notify:
		case <-s.closed:
			if err := s.LastError(); err != nil {
				return err
			}
			return ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Status returns the current state and the error that caused it, if any.
func (s *Session) Status() Status {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return Status{State: s.state, Err: s.statusErr}
}

// Subscribe registers fn for every status transition. The returned func unregisters it.
func (s *Session) Subscribe(fn func(Status)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Done is closed when the session has ended for good.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// LastError returns the error that ended the session, if any.
func (s *Session) LastError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

// Send inserts an optimistic pending message and transmits it. Outside the active
// state it fails with ErrNotConnected and leaves the store untouched. If the write
// fails the pending entry is marked failed.
func (s *Session) Send(peer, body string, att *models.Attachment) (models.Message, error) {
	s.stateMu.RLock()
	state, t := s.state, s.transport
	s.stateMu.RUnlock()
	if state != StateActive || t == nil || s.isClosed() {
		sendsTotal.WithLabelValues("not_connected").Inc()
		return models.Message{}, ErrNotConnected
	}

	if att != nil {
		if err := s.codec.Validate(*att); err != nil {
			sendsTotal.WithLabelValues("rejected").Inc()
			return models.Message{}, err
		}
	}
	frame, err := EncodeJSON(SendMessage{
		Type:       TypeSendMessage,
		To:         strings.TrimSpace(peer),
		Content:    body,
		Attachment: att,
	})
	if err != nil {
		sendsTotal.WithLabelValues("rejected").Inc()
		return models.Message{}, err
	}

	// Store order and wire order must agree for FIFO promotion.
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	msg, err := s.store.InsertProvisional(chat.Draft{To: peer, Body: body, Attachment: att})
	if err != nil {
		sendsTotal.WithLabelValues("rejected").Inc()
		return models.Message{}, err
	}

	ctx, cancel := context.WithTimeout(s.ctx, writeWait)
	defer cancel()
	if err := t.WriteFrame(ctx, frame); err != nil {
		s.store.MarkFailed(msg.ID)
		msg.DeliveryState = models.DeliveryFailed
		sendsTotal.WithLabelValues("failed").Inc()
		s.log.Warn().Err(err).Str("message_id", msg.ID).Str("to", msg.To).Msg("send failed")
		return msg, fmt.Errorf("transmit message: %w", err)
	}

	sendsTotal.WithLabelValues("ok").Inc()
	return msg, nil
}

// Close terminates the session. It is safe to call from any state, more than once.
func (s *Session) Close() error {
	s.finish(nil)
	return nil
}

func (s *Session) connect(ctx context.Context) (Transport, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	s.setState(StateConnecting, nil)

	dialCtx, cancel := context.WithTimeout(ctx, DefaultConnectionTimeout)
	defer cancel()

	t, err := s.dialer.Dial(dialCtx, s.url)
	if err != nil {
		return nil, err
	}

	frame, err := EncodeJSON(AuthenticateMessage{Type: TypeAuthenticate, WalletAddress: s.identity})
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := t.WriteFrame(dialCtx, frame); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("send authenticate: %w", err)
	}

	s.stateMu.Lock()
	if s.isClosed() {
		s.stateMu.Unlock()
		_ = t.Close()
		return nil, ErrSessionClosed
	}
	s.transport = t
	s.authDeadline = time.Now().Add(s.authTimeout)
	s.stateMu.Unlock()

	s.setState(StateAuthenticating, nil)
	return t, nil
}

func (s *Session) run(t Transport) {
	for {
		err := s.readLoop(t)
		_ = t.Close()
		s.clearTransport(t)
		if s.isClosed() {
			return
		}

		s.log.Warn().Stack().Err(err).Msg("realtime transport lost")
		if !s.reconnect.Enabled || errors.Is(err, ErrIdentityMismatch) {
			s.finish(err)
			return
		}

		s.setState(StateDisconnected, err)
		next, rerr := s.redial(err)
		if rerr != nil {
			s.finish(rerr)
			return
		}
		t = next
	}
}

func (s *Session) redial(cause error) (Transport, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.reconnect.InitialInterval
	exp.Multiplier = 2
	exp.MaxInterval = s.reconnect.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()

	lastErr := cause
	for attempt := 1; attempt <= s.reconnect.MaxAttempts; attempt++ {
		wait := exp.NextBackOff()
		s.log.Info().Int("attempt", attempt).Dur("wait", wait).Msg("reconnecting to relay")

		select {
		case <-time.After(wait):
		case <-s.closed:
			return nil, ErrSessionClosed
		}

		reconnectAttemptsTotal.Inc()
		t, err := s.connect(s.ctx)
		if err == nil {
			return t, nil
		}
		if errors.Is(err, ErrSessionClosed) {
			return nil, err
		}
		lastErr = err
		s.setState(StateDisconnected, err)
	}
	return nil, fmt.Errorf("reconnect gave up after %d attempts: %w", s.reconnect.MaxAttempts, lastErr)
}

func (s *Session) readLoop(t Transport) error {
	for {
		ctx, cancel := s.readContext()
		payload, err := t.ReadFrame(ctx)
		cancel()
		if err != nil {
			if s.isClosed() {
				return ErrSessionClosed
			}
			if s.authExpired() {
				return ErrAuthTimeout
			}
			return fmt.Errorf("read frame: %w", err)
		}

		if err := s.handleFrame(payload); err != nil {
			return err
		}
	}
}

func (s *Session) readContext() (context.Context, context.CancelFunc) {
	s.stateMu.RLock()
	state, deadline := s.state, s.authDeadline
	s.stateMu.RUnlock()

	if state == StateAuthenticating {
		return context.WithDeadline(s.ctx, deadline)
	}
	return context.WithCancel(s.ctx)
}

func (s *Session) authExpired() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state == StateAuthenticating && !time.Now().Before(s.authDeadline)
}

// handleFrame applies one inbound frame. Only an identity mismatch ends the session.
func (s *Session) handleFrame(payload []byte) error {
	if s.isClosed() || len(payload) == 0 {
		return nil
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		s.drop("malformed", "", err)
		return nil
	}

	switch msgType {
	case TypeAuthenticated, TypeNewMessage, TypeMessageSent:
		framesReceivedTotal.WithLabelValues(msgType).Inc()
	default:
		framesReceivedTotal.WithLabelValues("unknown").Inc()
		s.drop("unknown_type", msgType, nil)
		return nil
	}

	state := s.State()
	if msgType == TypeAuthenticated {
		if state != StateAuthenticating {
			s.drop("unexpected", msgType, nil)
			return nil
		}
		msg, err := DecodeAuthenticated(payload)
		if err != nil {
			s.drop("malformed", msgType, err)
			return nil
		}
		if msg.WalletAddress != "" && !models.SameIdentity(msg.WalletAddress, s.identity) {
			return fmt.Errorf("%w: relay authenticated %q", ErrIdentityMismatch, msg.WalletAddress)
		}
		s.setState(StateActive, nil)
		return nil
	}

	if state != StateActive {
		s.drop("not_active", msgType, nil)
		return nil
	}
	if msgType == TypeNewMessage {
		s.applyNewMessage(payload)
	} else {
		s.applyMessageSent(payload)
	}
	return nil
}

func (s *Session) applyNewMessage(payload []byte) {
	msg, err := DecodeNewMessage(payload)
	if err != nil {
		s.drop("malformed", TypeNewMessage, err)
		return
	}
	if msg.Attachment != nil {
		if err := s.codec.Validate(*msg.Attachment); err != nil {
			s.drop("invalid_attachment", TypeNewMessage, err)
			return
		}
	}

	inserted, err := s.store.InsertConfirmed(msg)
	if err != nil {
		s.drop("rejected", TypeNewMessage, err)
		return
	}
	if !inserted {
		s.log.Debug().Str("message_id", msg.ID).Msg("duplicate message ignored")
	}
}

func (s *Session) applyMessageSent(payload []byte) {
	frame, sentAt, err := DecodeMessageSent(payload)
	if err != nil {
		s.drop("malformed", TypeMessageSent, err)
		return
	}

	if _, err := s.reconciler.Confirm(chat.Confirmation{
		ID:     string(frame.ID),
		From:   frame.From,
		To:     frame.To,
		Body:   frame.Content,
		SentAt: sentAt,
	}); err != nil {
		framesDroppedTotal.WithLabelValues("reconciliation_miss").Inc()
	}
}

func (s *Session) drop(reason, msgType string, err error) {
	framesDroppedTotal.WithLabelValues(reason).Inc()
	event := s.log.Warn().Str("reason", reason)
	if msgType != "" {
		event = event.Str("frame_type", msgType)
	}
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("inbound frame dropped")
}

func (s *Session) expiryLoop() {
	interval := s.sendTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, msg := range s.store.ExpirePending(time.Now().Add(-s.sendTimeout)) {
				s.log.Info().Str("message_id", msg.ID).Str("to", msg.To).Msg("pending message expired")
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) setState(state State, err error) {
	s.stateMu.Lock()
	if s.isClosed() && state != StateDisconnected {
		s.stateMu.Unlock()
		return
	}
	if s.state == state && err == nil && s.statusErr == nil {
		s.stateMu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	s.statusErr = err
	s.stateMu.Unlock()

	recordState(state)
	event := s.log.Info().Str("from", string(prev)).Str("to", string(state))
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("session state changed")

	s.publish(Status{State: state, Err: err})
}

func (s *Session) publish(status Status) {
	s.subMu.Lock()
	fns := make([]func(Status), 0, len(s.subs))
	for id := uint64(0); id < s.nextSub; id++ {
		if fn, ok := s.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

func (s *Session) clearTransport(t Transport) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.transport == t {
		s.transport = nil
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) finish(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		s.cancel()
		close(s.closed)

		s.stateMu.Lock()
		t := s.transport
		s.transport = nil
		s.stateMu.Unlock()
		if t != nil {
			_ = t.Close()
		}

		s.setState(StateDisconnected, err)
	})
}
