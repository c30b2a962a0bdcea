// Package client ties the message store, history loading, the realtime session and
// the local archive together for one active wallet identity at a time.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"walletchat/attachment"
	"walletchat/chat"
	"walletchat/discovery"
	"walletchat/history"
	"walletchat/logger"
	"walletchat/models"
	"walletchat/network"
	"walletchat/storage"
)

// DefaultStatusBuffer is the capacity of the StatusChanges channel.
const DefaultStatusBuffer = 64

var (
	// ErrNoIdentity indicates an operation that needs an activated identity.
	ErrNoIdentity = errors.New("client: no active identity")
	// ErrNoRelay indicates neither a relay URL nor a discovery service was configured.
	ErrNoRelay = errors.New("client: no relay configured")
)

// Options controls client construction. Zero values pick defaults.
type Options struct {
	RealtimeURL      string
	DiscoveryService string

	// History is the primary history collaborator. When nil and HistoryURL is set,
	// an HTTP source is built.
	History        history.Source
	HistoryURL     string
	HistoryLimit   int
	HistoryTimeout time.Duration

	// Archive, when set, mirrors confirmed messages and backs history when the
	// primary source fails.
	Archive *storage.Archive

	Codec       *attachment.Codec
	Dialer      network.Dialer
	Contacts    chat.ContactResolver
	Logger      zerolog.Logger
	Reconnect   network.ReconnectPolicy
	SendTimeout time.Duration
	AuthTimeout time.Duration

	StatusBuffer int

	// ResolveRelay overrides mDNS relay lookup.
	ResolveRelay func(ctx context.Context, service string) (string, error)
}

// Client is the application-facing entry point. It is safe for concurrent use.
type Client struct {
	opts    Options
	codec   *attachment.Codec
	history history.Source
	log     zerolog.Logger

	mu                sync.Mutex
	identity          string
	hydrated          bool
	store             *chat.Store
	aggregator        *chat.Aggregator
	archiver          *storage.Archiver
	session           *network.Session
	unsubscribeStatus func()

	statusMu     sync.Mutex
	statusCh     chan network.Status
	statusClosed bool
}

// New validates options and returns a client with no active identity.
func New(options Options) (*Client, error) {
	if strings.TrimSpace(options.RealtimeURL) == "" && strings.TrimSpace(options.DiscoveryService) == "" && options.ResolveRelay == nil {
		return nil, ErrNoRelay
	}

	codec := options.Codec
	if codec == nil {
		codec = attachment.NewCodec(0)
	}

	source := options.History
	if source == nil && strings.TrimSpace(options.HistoryURL) != "" {
		source = history.NewHTTPSource(options.HistoryURL, options.HistoryTimeout)
	}
	switch {
	case source != nil && options.Archive != nil:
		source = history.WithFallback(source, options.Archive)
	case source == nil && options.Archive != nil:
		source = options.Archive
	}

	if options.ResolveRelay == nil {
		options.ResolveRelay = func(ctx context.Context, service string) (string, error) {
			return discovery.ResolveRelay(ctx, discovery.Config{Service: service})
		}
	}

	buffer := options.StatusBuffer
	if buffer <= 0 {
		buffer = DefaultStatusBuffer
	}

	return &Client{
		opts:     options,
		codec:    codec,
		history:  source,
		log:      logger.Component(options.Logger, "client"),
		statusCh: make(chan network.Status, buffer),
	}, nil
}

// Activate makes identity the local identity. A different identity drops the
// previous store and loads history before the session starts. Re-activating the
// current identity keeps the store, retries a history load that failed and only
// reconnects a session that has ended. A cancelled ctx leaves no identity active.
func (c *Client) Activate(ctx context.Context, identity string) error {
	normalized := models.NormalizeIdentity(identity)
	if normalized == "" {
		return errors.New("client: identity is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store != nil && c.identity == normalized {
		if !c.hydrated {
			if err := c.loadHistoryLocked(ctx, identity); err != nil {
				return err
			}
		}
		if c.session != nil && c.session.State() != network.StateDisconnected {
			return nil
		}
		return c.startSessionLocked(ctx, identity)
	}

	c.teardownLocked()
	c.identity = normalized
	c.store = chat.NewStore(normalized, chat.WithLogger(logger.Component(c.opts.Logger, "store")))
	c.aggregator = chat.NewAggregator(c.store)
	if c.opts.Archive != nil {
		c.archiver = storage.NewArchiver(c.opts.Archive, c.store, logger.Component(c.opts.Logger, "archiver"))
	}

	if err := c.loadHistoryLocked(ctx, identity); err != nil {
		c.teardownLocked()
		return err
	}
	return c.startSessionLocked(ctx, identity)
}

// loadHistoryLocked hydrates the store. Only a done ctx is returned as an error;
// other failures are logged and retried on the next activation.
func (c *Client) loadHistoryLocked(ctx context.Context, identity string) error {
	if c.history == nil {
		c.hydrated = true
		return nil
	}

	loader := history.NewLoader(c.history, c.store, c.codec, logger.Component(c.opts.Logger, "history"))
	loader.SetLimit(c.opts.HistoryLimit)
	loaded, err := loader.Load(ctx, identity)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.log.Warn().Err(err).Str("identity", c.identity).Msg("history unavailable, continuing with live messages only")
		return nil
	}
	c.hydrated = true
	c.log.Info().Str("identity", c.identity).Int("loaded", loaded).Msg("history hydrated")
	return nil
}

// Deactivate closes the session and forgets the active identity.
func (c *Client) Deactivate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	return nil
}

// Close deactivates the client and closes the status channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()

	c.statusMu.Lock()
	if !c.statusClosed {
		c.statusClosed = true
		close(c.statusCh)
	}
	c.statusMu.Unlock()
	return nil
}

// Identity returns the active identity, or "" when none is active.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Send transmits a message to peer through the active session.
func (c *Client) Send(peer, body string, att *models.Attachment) (models.Message, error) {
	session, err := c.currentSession()
	if err != nil {
		return models.Message{}, err
	}
	return session.Send(peer, body, att)
}

// SendFile encodes raw as an attachment and sends it with an optional body.
func (c *Client) SendFile(peer, body string, raw []byte, name, mediaType string) (models.Message, error) {
	att, err := c.codec.Encode(raw, name, mediaType)
	if err != nil {
		return models.Message{}, err
	}
	return c.Send(peer, body, &att)
}

// MarkRead flags every inbound message from peer as read in the store and archive.
func (c *Client) MarkRead(peer string) int {
	c.mu.Lock()
	store, identity := c.store, c.identity
	c.mu.Unlock()
	if store == nil {
		return 0
	}

	changed := store.MarkRead(peer)
	if c.opts.Archive != nil {
		// Covers archived rows older than the loaded history window.
		if _, err := c.opts.Archive.MarkRead(identity, peer); err != nil {
			c.log.Warn().Err(err).Str("peer", models.NormalizeIdentity(peer)).Msg("archive mark read failed")
		}
	}
	return changed
}

// FileAttachment decodes the attachment of a stored message into the archive's
// document store and returns its digest.
func (c *Client) FileAttachment(ctx context.Context, messageID string) (string, error) {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return "", ErrNoIdentity
	}
	if c.opts.Archive == nil {
		return "", errors.New("client: archive is not enabled")
	}

	msg, ok := store.Get(messageID)
	if !ok {
		return "", fmt.Errorf("client: message %q not found", messageID)
	}
	if msg.Attachment == nil {
		return "", fmt.Errorf("client: message %q has no attachment", messageID)
	}

	raw, err := c.codec.Decode(*msg.Attachment)
	if err != nil {
		return "", err
	}
	if err := c.codec.File(ctx, c.opts.Archive, *msg.Attachment); err != nil {
		return "", err
	}
	return attachment.Digest(raw), nil
}

// Conversations returns conversation summaries, most recent first.
func (c *Client) Conversations() []chat.Summary {
	c.mu.Lock()
	agg := c.aggregator
	c.mu.Unlock()
	if agg == nil {
		return nil
	}
	return chat.Summaries(agg.Snapshot(), c.opts.Contacts)
}

// Messages returns the conversation with peer in send order.
func (c *Client) Messages(peer string) []models.Message {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.Query(peer)
}

// OnConversations registers fn for every rebuilt conversation map of the active identity.
func (c *Client) OnConversations(fn func(map[string]models.Conversation)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aggregator == nil {
		return ErrNoIdentity
	}
	c.aggregator.Subscribe(fn)
	return nil
}

// Status returns the session status, disconnected when no session exists.
func (c *Client) Status() network.Status {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return network.Status{State: network.StateDisconnected}
	}
	return session.Status()
}

// StatusChanges delivers session transitions. Slow readers miss transitions
// rather than blocking the session.
func (c *Client) StatusChanges() <-chan network.Status {
	return c.statusCh
}

// AwaitActive blocks until the current session is active.
func (c *Client) AwaitActive(ctx context.Context) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}
	return session.AwaitActive(ctx)
}

func (c *Client) currentSession() (*network.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return nil, ErrNoIdentity
	}
	if c.session == nil {
		return nil, network.ErrNotConnected
	}
	return c.session, nil
}

func (c *Client) startSessionLocked(ctx context.Context, identity string) error {
	c.closeSessionLocked()

	url, err := c.relayURL(ctx)
	if err != nil {
		return err
	}

	session, err := network.NewSession(network.SessionOptions{
		URL:         url,
		Identity:    identity,
		Store:       c.store,
		Codec:       c.codec,
		Dialer:      c.opts.Dialer,
		Logger:      logger.Component(c.opts.Logger, "session"),
		Reconnect:   c.opts.Reconnect,
		SendTimeout: c.opts.SendTimeout,
		AuthTimeout: c.opts.AuthTimeout,
	})
	if err != nil {
		return err
	}

	c.session = session
	c.unsubscribeStatus = session.Subscribe(c.forwardStatus)
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

func (c *Client) relayURL(ctx context.Context) (string, error) {
	if url := strings.TrimSpace(c.opts.RealtimeURL); url != "" {
		return url, nil
	}
	url, err := c.opts.ResolveRelay(ctx, c.opts.DiscoveryService)
	if err != nil {
		return "", fmt.Errorf("discover relay: %w", err)
	}
	c.log.Info().Str("service", c.opts.DiscoveryService).Str("url", url).Msg("relay discovered")
	return url, nil
}

// forwardStatus runs on the session's publishing goroutine; it must not take c.mu.
func (c *Client) forwardStatus(status network.Status) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if c.statusClosed {
		return
	}
	select {
	case c.statusCh <- status:
	default:
		c.log.Debug().Str("state", string(status.State)).Msg("status channel full, transition dropped")
	}
}

func (c *Client) closeSessionLocked() {
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
	if c.unsubscribeStatus != nil {
		c.unsubscribeStatus()
		c.unsubscribeStatus = nil
	}
}

func (c *Client) teardownLocked() {
	c.closeSessionLocked()
	if c.archiver != nil {
		c.archiver.Close()
		c.archiver = nil
	}
	if c.aggregator != nil {
		c.aggregator.Close()
		c.aggregator = nil
	}
	c.store = nil
	c.identity = ""
	c.hydrated = false
}
