// Package chatclient assembles the chat client: HTTP collaborator, credential
// store, socket manager, conversation coordinator and network watcher.
package chatclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"souk-chat/internal/auth"
	"souk-chat/internal/backoff"
	"souk-chat/internal/chatapi"
	"souk-chat/internal/chatsocket"
	"souk-chat/internal/config"
	"souk-chat/internal/conversation"
	"souk-chat/internal/models"
	"souk-chat/internal/netwatch"
)

// UIHandlers receive transport events for display. Any field may be nil.
type UIHandlers struct {
	OnStatus    func(chatsocket.Status)
	OnError     func(error)
	OnTyping    func(bool)
	OnRehydrate func(*models.RehydrationFrame)
}

// Option configures a Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	dialer     chatsocket.Dialer
	policy     backoff.Policy
	noWatch    bool
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithDialer sets the socket dialer.
func WithDialer(d chatsocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithBackoff overrides the reconnect policy.
func WithBackoff(p backoff.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithoutNetworkWatch disables the reachability probe.
func WithoutNetworkWatch() Option {
	return func(o *options) { o.noWatch = true }
}

type Client struct {
	cfg     *config.ClientConfig
	logger  zerolog.Logger
	cid     string
	api     *chatapi.Client
	tokens  *auth.Store
	socket  *chatsocket.Manager
	conv    *conversation.Coordinator
	watcher *netwatch.Watcher

	updates     <-chan struct{}
	unsubscribe func()

	mu sync.RWMutex
	ui UIHandlers
}

// New wires a client from configuration. It does not touch the network.
func New(cfg *config.ClientConfig, logger zerolog.Logger, opts ...Option) (*Client, error) {
	o := options{policy: backoff.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "chatclient").Logger(),
		cid:    uuid.NewString(),
	}

	apiOpts := []chatapi.Option{chatapi.WithTokenFunc(func() string { return c.tokens.Token() })}
	if o.httpClient != nil {
		apiOpts = append(apiOpts, chatapi.WithHTTPClient(o.httpClient))
	}
	c.api = chatapi.New(cfg.APIURL, apiOpts...)

	c.tokens = auth.NewStore(c.api, logger)
	c.tokens.Set(models.AuthTokens{AccessToken: cfg.AccessToken, RefreshToken: cfg.RefreshToken})
	c.updates, c.unsubscribe = c.tokens.Subscribe()

	c.socket = chatsocket.NewManager(chatsocket.Options{
		BaseURL:    cfg.WSURL,
		Production: cfg.IsProduction(),
		Tokens:     c.tokens,
		Policy:     o.policy,
		Dialer:     o.dialer,
		Logger:     logger,
	}, c.socketHandlers())

	c.conv = conversation.New(conversation.Options{
		Sender:            c.api,
		Link:              c.socket,
		Language:          cfg.Language,
		ThreadID:          cfg.ThreadID,
		ReplyTimeout:      cfg.ReplyTimeout,
		MaxReplayAttempts: cfg.MaxReplayAttempts,
		Logger:            logger,
		OnThreadID:        c.threadChanged,
		OnTyping: func(v bool) {
			if h := c.handlers(); h.OnTyping != nil {
				h.OnTyping(v)
			}
		},
		OnRehydrate: func(f *models.RehydrationFrame) {
			if h := c.handlers(); h.OnRehydrate != nil {
				h.OnRehydrate(f)
			}
		},
	})

	if !o.noWatch && cfg.ProbeInterval > 0 {
		addr, err := netwatch.AddressFromURL(cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("invalid api url: %w", err)
		}
		c.watcher = netwatch.New(addr, c.socket.SetOnline, logger, netwatch.WithInterval(cfg.ProbeInterval))
	}

	return c, nil
}

func (c *Client) Conversation() *conversation.Coordinator { return c.conv }
func (c *Client) Socket() *chatsocket.Manager            { return c.socket }
func (c *Client) Tokens() *auth.Store                    { return c.tokens }

// SetUIHandlers replaces the display callbacks. The socket is not reconnected.
func (c *Client) SetUIHandlers(h UIHandlers) {
	c.mu.Lock()
	c.ui = h
	c.mu.Unlock()
	c.socket.SetHandlers(c.socketHandlers())
}

func (c *Client) handlers() UIHandlers {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ui
}

func (c *Client) socketHandlers() chatsocket.Handlers {
	ui := c.handlers()
	return chatsocket.Handlers{
		OnMessage: func(f models.Frame) { c.conv.HandleFrame(f) },
		OnStatus:  ui.OnStatus,
		OnError: func(err error) {
			c.logger.Warn().Err(err).Msg("chat socket error")
			if ui.OnError != nil {
				ui.OnError(err)
			}
		},
	}
}

func (c *Client) threadChanged(threadID string) {
	c.logger.Info().Str("thread_id", threadID).Msg("thread assigned")
	c.socket.Connect(threadID, c.cid)
}

// Login obtains a credential when none was configured and a user id is set.
func (c *Client) Login(ctx context.Context) error {
	if c.tokens.Token() != "" || c.cfg.UserID == "" {
		return nil
	}
	tokens, err := c.api.IssueToken(ctx, models.TokenRequest{UserID: c.cfg.UserID, DisplayName: c.cfg.DisplayName})
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	c.tokens.Set(*tokens)
	return nil
}

// Send posts a user turn. An expired credential triggers a refresh; the
// parked message is replayed once the new credential is stored.
func (c *Client) Send(ctx context.Context, text string) error {
	err := c.conv.Send(ctx, text)
	if err != nil && chatapi.IsAuthExpired(err) {
		go c.refresh(context.WithoutCancel(ctx))
	}
	return err
}

// KeyDown forwards a composer key press. A send it starts goes through the
// same expired-credential handling as Send.
func (c *Client) KeyDown(ctx context.Context, key conversation.Key) (bool, error) {
	sent, err := c.conv.KeyDown(ctx, key)
	if err != nil && chatapi.IsAuthExpired(err) {
		go c.refresh(context.WithoutCancel(ctx))
	}
	return sent, err
}

func (c *Client) SetInput(text string) { c.conv.SetInput(text) }
func (c *Client) Input() string        { return c.conv.Input() }

func (c *Client) refresh(ctx context.Context) {
	if _, err := c.tokens.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("credential refresh failed")
		if h := c.handlers(); h.OnError != nil {
			h.OnError(fmt.Errorf("session expired, please sign in again: %w", err))
		}
	}
}

// Run connects to the configured thread, if any, and keeps the client alive
// until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Login(ctx); err != nil {
		return err
	}

	if threadID := c.conv.ThreadID(); threadID != "" {
		c.socket.Connect(threadID, c.cid)
	}

	var wg sync.WaitGroup
	if c.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.watcher.Run(ctx)
		}()
	}

	defer c.unsubscribe()

	for {
		select {
		case <-ctx.Done():
			c.socket.Close()
			wg.Wait()
			return nil
		case <-c.updates:
			c.conv.ReplayOutbox(ctx)
			if c.socket.Status() == chatsocket.StatusError {
				c.socket.Reconnect()
			}
		}
	}
}
