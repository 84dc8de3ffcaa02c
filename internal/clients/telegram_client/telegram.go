package telegram_client

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"keyfob_alarm/internal/clients/mqtt_client"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

var (
	// ErrEmptyToken is returned by New without a bot token.
	ErrEmptyToken = errors.New("telegram: token is empty")

	// ErrInvalidChat is returned for destinations that are neither a numeric
	// chat id nor an @channel name.
	ErrInvalidChat = errors.New("telegram: invalid chat")

	// ErrSendFailed wraps the Bot API error of a failed send.
	ErrSendFailed = errors.New("telegram: send failed")
)

var chatPattern = regexp.MustCompile(`^(-?[0-9]+|@[A-Za-z0-9_]{5,})$`)

// bot is the part of *tele.Bot used here.
type bot interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Handle(endpoint interface{}, h tele.HandlerFunc, m ...tele.MiddlewareFunc)
	Start()
	Stop()
}

// StatusFunc reports tenant connection states for /status.
type StatusFunc func() []mqtt_client.Status

// Options configure the Telegram client.
type Options struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec caps outbound messages; 0 disables the limit.
	RatePerSec  int
	Status      StatusFunc
	// StatusChats are the chat ids and @channels allowed to use /status,
	// normally the configured telegram targets.
	StatusChats []string
	Logger      zerolog.Logger
}

// Client sends alerts to Telegram chats and answers /id and /status.
type Client struct {
	bot     bot
	limiter     *rate.Limiter
	status      StatusFunc
	statusChats map[string]struct{}
	log         zerolog.Logger

	runMu   sync.Mutex
	running bool
	done    chan struct{}
}

// chat is a Telegram destination: a numeric chat id or an @channel name.
type chat string

func (c chat) Recipient() string { return string(c) }

// New connects to the Bot API to validate the token; polling starts with Start.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, ErrEmptyToken
	}
	timeout := opts.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	log := opts.Logger
	b, err := tele.NewBot(tele.Settings{
		Token:  opts.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, _ tele.Context) {
			log.Warn().Err(err).Msg("telegram update failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return newClient(b, opts), nil
}

func newClient(b bot, opts Options) *Client {
	c := &Client{
		bot:         b,
		status:      opts.Status,
		statusChats: make(map[string]struct{}, len(opts.StatusChats)),
		log:         opts.Logger,
	}
	for _, chat := range opts.StatusChats {
		c.statusChats[chat] = struct{}{}
	}
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}
	return c
}

// Send delivers text to a chat id or @channel.
func (c *Client) Send(ctx context.Context, destination, text string) error {
	if !chatPattern.MatchString(destination) {
		return fmt.Errorf("%w: %q", ErrInvalidChat, destination)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	// telebot has no context support; give up waiting when ctx ends.
	result := make(chan error, 1)
	go func() {
		_, err := c.bot.Send(chat(destination), text)
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start registers the command handlers and begins long polling.
func (c *Client) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.done = make(chan struct{})

	c.bot.Handle("/id", func(ctx tele.Context) error {
		return ctx.Send(idReply(ctx.Chat()))
	})
	c.bot.Handle("/status", func(ctx tele.Context) error {
		if !c.mayReadStatus(ctx.Chat()) {
			c.log.Debug().Msg("ignoring /status from a chat that is not a configured target")
			return nil
		}
		var statuses []mqtt_client.Status
		if c.status != nil {
			statuses = c.status()
		}
		return ctx.Send(statusReply(statuses))
	})

	go func(done chan struct{}) {
		defer close(done)
		c.log.Info().Msg("polling started")
		c.bot.Start()
	}(c.done)
}

// Stop ends polling and waits for the poller, at most until ctx ends.
func (c *Client) Stop(ctx context.Context) error {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = false
	done := c.done
	c.runMu.Unlock()

	go c.bot.Stop()

	select {
	case <-done:
		c.log.Info().Msg("polling stopped")
		return nil
	case <-ctx.Done():
		c.log.Warn().Err(ctx.Err()).Msg("telegram stop cancelled")
		return ctx.Err()
	}
}

// mayReadStatus reports whether ch is a configured target, by id or by
// @username.
func (c *Client) mayReadStatus(ch *tele.Chat) bool {
	if ch == nil {
		return false
	}
	if _, ok := c.statusChats[strconv.FormatInt(ch.ID, 10)]; ok {
		return true
	}
	if ch.Username != "" {
		_, ok := c.statusChats["@"+ch.Username]
		return ok
	}
	return false
}

func idReply(ch *tele.Chat) string {
	if ch == nil {
		return "Chat id unavailable"
	}
	return fmt.Sprintf("Chat id: %d", ch.ID)
}

func statusReply(statuses []mqtt_client.Status) string {
	if len(statuses) == 0 {
		return "No tenants registered"
	}

	var b strings.Builder
	for i, s := range statuses {
		if i > 0 {
			b.WriteByte('\n')
		}
		state := "disconnected"
		switch {
		case s.Inert:
			state = "inert"
		case s.Connected && s.Subscribed:
			state = "connected"
		case s.Connected:
			state = "connected, not subscribed"
		}
		fmt.Fprintf(&b, "%s: %s", s.Tenant, state)
	}
	return b.String()
}
