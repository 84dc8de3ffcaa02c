package mqtt_client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"keyfob_alarm/internal/config"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 60 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultMinDelay       = time.Second
	defaultMaxDelay       = 60 * time.Second
)

// Message is an uplink received by a tenant's handle.
type Message struct {
	Tenant     *config.Tenant
	Topic      string
	AppID      string
	DeviceID   string
	Payload    []byte
	ReceivedAt time.Time
}

// MessageHandler consumes uplinks. Calls for one handle are serial; calls for
// different handles may run concurrently.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg Message) error

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Options configure a handle. Zero values fall back to defaults.
type Options struct {
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	Backoff        Backoff
	// MaxAttempts caps consecutive reconnect attempts; 0 means no cap.
	MaxAttempts int
	// Limiter throttles reconnect attempts; shared between handles by the Registry.
	Limiter        *rate.Limiter
	SessionFactory SessionFactory
	Logger         zerolog.Logger
}

// Status is a snapshot of a handle's state.
type Status struct {
	Tenant     string
	Connected  bool
	Subscribed bool
	Inert      bool
}

// MQTTClient is the connection handle of one tenant: one broker session,
// the uplink subscription and the message handler slot.
//
// Reconnects are driven by a supervising goroutine started by the first
// successful Connect, or by the Registry after a failed first attempt.
type MQTTClient struct {
	tenant        config.Tenant
	opts          Options
	session       Session
	subscriptions *subscriptionTable
	log           zerolog.Logger

	handlerMu sync.RWMutex
	handler   MessageHandler

	dialMu    sync.Mutex
	connMu    sync.RWMutex
	connected bool
	closed    bool
	inert     bool
	lostSeq   uint64

	lost          chan error
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	superviseOnce sync.Once
}

// New builds a handle for tenant. The session is created but not connected.
func New(tenant config.Tenant, opts Options) (*MQTTClient, error) {
	if tenant.Name == "" {
		return nil, fmt.Errorf("%w: tenant name is empty", ErrConnectionFailed)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.Backoff.Min <= 0 {
		opts.Backoff = NewBackoff(defaultMinDelay, defaultMaxDelay)
	}
	if opts.SessionFactory == nil {
		opts.SessionFactory = NewSession
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &MQTTClient{
		tenant:        tenant,
		opts:          opts,
		subscriptions: newSubscriptionTable(),
		log: opts.Logger.With().
			Str("tenant", tenant.Name).
			Str("broker", net.JoinHostPort(tenant.Broker.Host, strconv.Itoa(tenant.Broker.Port))).
			Logger(),
		lost:   make(chan error, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	c.subscriptions.track(UplinkFilter, 0)

	session, err := opts.SessionFactory(tenant, SessionOptions{
		KeepAlive:      opts.KeepAlive,
		ConnectTimeout: opts.ConnectTimeout,
	}, SessionHooks{
		OnMessage:        c.onMessage,
		OnConnectionLost: c.onConnectionLost,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.session = session

	return c, nil
}

// Tenant returns the tenant the handle serves.
func (c *MQTTClient) Tenant() config.Tenant {
	return c.tenant
}

// SetHandler fills the handler slot. It must be called before Connect.
func (c *MQTTClient) SetHandler(h MessageHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

func (c *MQTTClient) getHandler() MessageHandler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

// Connect makes one connection attempt, bounded by the connect timeout, and
// subscribes to the uplink filter. It does not retry; once it has succeeded,
// later connection losses are recovered in the background.
func (c *MQTTClient) Connect(ctx context.Context) error {
	if c.getHandler() == nil {
		return ErrNoHandler
	}

	if err := c.dial(ctx); err != nil {
		if err == ErrClosed {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.startSupervisor()
	return nil
}

// startSupervisor launches the reconnect loop once. It is a no-op on a
// closed handle.
func (c *MQTTClient) startSupervisor() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.closed {
		return false
	}
	c.superviseOnce.Do(func() {
		c.wg.Add(1)
		go c.supervise()
	})
	return true
}

// retryInBackground hands a failed first connection attempt to the
// supervisor. The handle stays inert until a reconnect succeeds.
func (c *MQTTClient) retryInBackground(cause error) {
	c.markInert()
	if !c.startSupervisor() {
		return
	}
	select {
	case c.lost <- cause:
	default:
	}
}

// dial connects the session and issues pending subscriptions. Calls are
// serialised; dialing a connected handle is a no-op.
func (c *MQTTClient) dial(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.connMu.RLock()
	closed, connected, seq := c.closed, c.connected, c.lostSeq
	c.connMu.RUnlock()
	if closed {
		return ErrClosed
	}
	if connected {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	c.log.Debug().Msg("connecting")
	if err := c.session.Connect(dialCtx); err != nil {
		return err
	}

	c.connMu.Lock()
	switch {
	case c.closed:
		c.connMu.Unlock()
		_ = c.session.Disconnect(context.Background())
		return ErrClosed
	case c.lostSeq != seq:
		c.connMu.Unlock()
		return fmt.Errorf("connection lost during setup")
	}
	c.connected = true
	c.inert = false
	c.connMu.Unlock()

	c.log.Info().Msg("connected")
	c.resubscribe()
	return nil
}

// resubscribe issues every pending subscription on the current connection.
// A rejected subscription is only logged; the handle stays connected.
func (c *MQTTClient) resubscribe() {
	for _, sub := range c.subscriptions.beginPending() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
		err := c.session.Subscribe(ctx, sub.filter, sub.qos)
		cancel()

		c.subscriptions.complete(sub.filter, err == nil)
		if err != nil {
			c.log.Error().Err(err).Str("filter", sub.filter).
				Msg("subscribe failed, no uplinks will be received until the next reconnect")
			continue
		}
		c.log.Debug().Str("filter", sub.filter).Msg("subscribed")
	}
}

func (c *MQTTClient) onConnectionLost(err error) {
	c.connMu.Lock()
	c.lostSeq++
	wasConnected := c.connected
	c.connected = false
	closed := c.closed
	c.connMu.Unlock()

	c.subscriptions.markAllPending()

	if closed || !wasConnected {
		return
	}

	select {
	case c.lost <- err:
	default:
	}
}

// supervise reconnects after every unexpected connection loss.
func (c *MQTTClient) supervise() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case err := <-c.lost:
			if c.IsConnected() {
				continue
			}
			c.log.Warn().Err(err).Msg("connection down, reconnecting")
			if !c.reconnect() {
				return
			}
		}
	}
}

// reconnect retries with backoff until connected, closed, or out of attempts.
func (c *MQTTClient) reconnect() bool {
	for attempt := 1; ; attempt++ {
		if c.opts.MaxAttempts > 0 && attempt > c.opts.MaxAttempts {
			c.connMu.Lock()
			c.inert = true
			c.connMu.Unlock()
			c.log.Error().Int("attempts", c.opts.MaxAttempts).Msg("giving up reconnecting, tenant is inert")
			return false
		}

		delay := c.opts.Backoff.Delay(attempt)
		if !sleep(c.ctx, delay) {
			return false
		}
		if c.opts.Limiter != nil {
			if err := c.opts.Limiter.Wait(c.ctx); err != nil {
				return false
			}
		}

		err := c.dial(c.ctx)
		if err == nil {
			c.log.Info().Int("attempt", attempt).Msg("reconnected")
			return true
		}
		if err == ErrClosed || c.ctx.Err() != nil {
			return false
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect failed")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *MQTTClient) onMessage(topic string, payload []byte) {
	app, device, ok := ParseUplinkTopic(topic)
	if !ok {
		c.log.Debug().Str("topic", topic).Msg("ignoring message outside the uplink pattern")
		return
	}
	if !c.subscriptions.delivering(UplinkFilter) {
		c.log.Debug().Str("topic", topic).Msg("dropping message received before re-subscription")
		return
	}

	handler := c.getHandler()
	if handler == nil {
		c.log.Warn().Str("topic", topic).Msg("dropping message, no handler set")
		return
	}

	c.deliver(handler, Message{
		Tenant:     &c.tenant,
		Topic:      topic,
		AppID:      app,
		DeviceID:   device,
		Payload:    payload,
		ReceivedAt: time.Now(),
	})
}

// deliver runs the handler behind a panic boundary so one bad message never
// kills the transport goroutine.
func (c *MQTTClient) deliver(handler MessageHandler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("topic", msg.Topic).Interface("panic", r).Msg("message handler panic recovered")
		}
	}()

	if err := handler.HandleMessage(c.ctx, msg); err != nil {
		// The handler logs its own failures.
		c.log.Debug().Err(err).Str("topic", msg.Topic).Msg("message handler returned error")
	}
}

// Publish sends a QoS 0 downlink to {app}/devices/{device}/down.
func (c *MQTTClient) Publish(ctx context.Context, app, device string, payload []byte) error {
	topic, err := DownlinkTopic(app, device)
	if err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()

	if err := c.session.Publish(ctx, topic, 0, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	c.log.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("downlink published")
	return nil
}

// Disconnect stops reconnecting and tears the session down. Calls after the
// first are no-ops.
func (c *MQTTClient) Disconnect(ctx context.Context) error {
	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.connMu.Unlock()

	c.cancel()
	c.wg.Wait()

	// Wait for an in-flight dial to notice the close.
	c.dialMu.Lock()
	err := c.session.Disconnect(ctx)
	c.dialMu.Unlock()

	c.subscriptions.markAllPending()
	c.log.Info().Msg("disconnected")
	return err
}

// IsConnected returns the last known connection state.
func (c *MQTTClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Status returns a snapshot for health reporting.
func (c *MQTTClient) Status() Status {
	c.connMu.RLock()
	connected, inert := c.connected, c.inert
	c.connMu.RUnlock()

	return Status{
		Tenant:     c.tenant.Name,
		Connected:  connected,
		Subscribed: connected && c.subscriptions.allSubscribed(),
		Inert:      inert,
	}
}

// markInert flags a tenant that cannot currently receive uplinks.
func (c *MQTTClient) markInert() {
	c.connMu.Lock()
	c.inert = true
	c.connMu.Unlock()
}
