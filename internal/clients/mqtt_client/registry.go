package mqtt_client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"keyfob_alarm/internal/config"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Registry owns one connection handle per tenant, in registration order.
type Registry struct {
	opts Options
	log  zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*MQTTClient
	order   []string
}

// NewRegistry builds an empty registry. opts is the template for every
// handle; when reconnectPerMinute is positive all handles share one limiter
// so a broker outage cannot trigger a reconnect storm.
func NewRegistry(opts Options, reconnectPerMinute int) *Registry {
	if opts.Limiter == nil && reconnectPerMinute > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(float64(reconnectPerMinute)/60), reconnectPerMinute)
	}
	return &Registry{
		opts:    opts,
		log:     opts.Logger,
		clients: make(map[string]*MQTTClient),
	}
}

// Register creates, wires and connects a handle for every tenant, in order.
//
// A tenant whose first connection fails stays registered and inert while
// its supervisor keeps retrying; its error is joined into the returned
// error. A duplicate or already registered name is rejected with
// ErrDuplicateTenant and no handle is created for it.
func (r *Registry) Register(ctx context.Context, tenants []config.Tenant, handler MessageHandler) error {
	var errs []error

	for _, tenant := range tenants {
		r.mu.Lock()
		_, exists := r.clients[tenant.Name]
		r.mu.Unlock()
		if exists {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateTenant, tenant.Name))
			continue
		}

		client, err := New(tenant, r.opts)
		if err != nil {
			r.log.Warn().Err(err).Str("tenant", tenant.Name).Msg("failed to create connection handle")
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant.Name, err))
			continue
		}
		client.SetHandler(handler)

		r.mu.Lock()
		r.clients[tenant.Name] = client
		r.order = append(r.order, tenant.Name)
		r.mu.Unlock()

		if err := client.Connect(ctx); err != nil {
			client.retryInBackground(err)
			r.log.Warn().Err(err).Str("tenant", tenant.Name).Msg("initial connection failed, retrying in the background")
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant.Name, err))
			continue
		}
	}

	return errors.Join(errs...)
}

// Get returns the handle registered under name.
func (r *Registry) Get(name string) (*MQTTClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[name]
	return c, ok
}

// Names lists tenant names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Status snapshots every handle in registration order.
func (r *Registry) Status() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.clients[name].Status())
	}
	return out
}

// Publish sends a downlink through the named tenant's handle.
func (r *Registry) Publish(ctx context.Context, tenant, app, device string, payload []byte) error {
	c, ok := r.Get(tenant)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenant)
	}
	return c.Publish(ctx, app, device, payload)
}

// Close disconnects every handle concurrently and waits for all of them.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	clients := make([]*MQTTClient, 0, len(r.order))
	for _, name := range r.order {
		clients = append(clients, r.clients[name])
	}
	r.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *MQTTClient) {
			defer wg.Done()
			if err := c.Disconnect(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("tenant %s: %w", c.tenant.Name, err))
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	return errors.Join(errs...)
}
