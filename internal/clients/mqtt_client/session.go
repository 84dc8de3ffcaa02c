package mqtt_client

import (
	"context"
	"time"

	"keyfob_alarm/internal/config"
)

// Session is a single broker connection. Connect makes exactly one attempt;
// reconnecting is the caller's job.
//
// Implementations must be safe for concurrent use. Hooks are invoked on the
// transport's goroutines.
type Session interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, filter string, qos byte) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	// Disconnect is a no-op when not connected.
	Disconnect(ctx context.Context) error
}

// SessionHooks receive transport events.
type SessionHooks struct {
	OnMessage func(topic string, payload []byte)
	// OnConnectionLost fires when an established connection drops without
	// Disconnect having been called.
	OnConnectionLost func(err error)
}

// SessionOptions are transport settings shared by every tenant.
type SessionOptions struct {
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// SessionFactory builds the Session for a tenant.
type SessionFactory func(tenant config.Tenant, opts SessionOptions, hooks SessionHooks) (Session, error)

// NewSession picks the MQTT 3.1.1 or MQTT 5 transport from the tenant's
// protocol setting.
func NewSession(tenant config.Tenant, opts SessionOptions, hooks SessionHooks) (Session, error) {
	tlsCfg, err := tlsConfig(tenant.Broker)
	if err != nil {
		return nil, err
	}

	if tenant.Broker.Protocol == config.ProtocolV5 {
		return newV5Session(tenant.Broker, tlsCfg, opts, hooks)
	}
	return newV311Session(tenant.Broker, tlsCfg, opts, hooks)
}
