package mqtt_client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"keyfob_alarm/internal/config"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// v311ProtocolVersion selects MQTT 3.1.1 in paho.mqtt.golang.
	v311ProtocolVersion = 4

	// disconnectQuiesce is how long Disconnect waits for in-flight work, in milliseconds.
	disconnectQuiesce = 250

	subackFailure = 0x80
)

// v311Session talks MQTT 3.1.1 through paho.mqtt.golang with its own
// reconnect logic switched off.
type v311Session struct {
	client pahomqtt.Client
	hooks  SessionHooks
}

func newV311Session(b config.Broker, tlsCfg *tls.Config, opts SessionOptions, hooks SessionHooks) (*v311Session, error) {
	// Fail on unusable credentials now rather than inside the provider.
	if _, _, err := credentials(b, time.Now()); err != nil {
		return nil, err
	}

	scheme := "tcp"
	if tlsCfg != nil {
		scheme = "ssl"
	}

	o := pahomqtt.NewClientOptions()
	o.AddBroker(fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(b.Host, strconv.Itoa(b.Port))))
	o.SetClientID(b.ClientID)
	o.SetCredentialsProvider(func() (string, string) {
		username, password, _ := credentials(b, time.Now())
		return username, password
	})
	o.SetProtocolVersion(v311ProtocolVersion)
	o.SetCleanSession(true)
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetOrderMatters(true)
	if opts.KeepAlive > 0 {
		o.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(opts.ConnectTimeout)
	}
	if tlsCfg != nil {
		o.SetTLSConfig(tlsCfg)
	}

	s := &v311Session{hooks: hooks}
	o.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if s.hooks.OnConnectionLost != nil {
			s.hooks.OnConnectionLost(err)
		}
	})
	s.client = pahomqtt.NewClient(o)

	return s, nil
}

func (s *v311Session) Connect(ctx context.Context) error {
	return waitToken(ctx, s.client.Connect())
}

func (s *v311Session) Subscribe(ctx context.Context, filter string, qos byte) error {
	token := s.client.Subscribe(filter, qos, func(_ pahomqtt.Client, m pahomqtt.Message) {
		if s.hooks.OnMessage != nil {
			s.hooks.OnMessage(m.Topic(), m.Payload())
		}
	})
	if err := waitToken(ctx, token); err != nil {
		return err
	}

	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code >= subackFailure {
				return fmt.Errorf("%w: %s refused by broker", ErrSubscribeFailed, topic)
			}
		}
	}
	return nil
}

func (s *v311Session) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	return waitToken(ctx, s.client.Publish(topic, qos, false, payload))
}

func (s *v311Session) Disconnect(_ context.Context) error {
	if s.client.IsConnectionOpen() {
		s.client.Disconnect(disconnectQuiesce)
	}
	return nil
}

func waitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
