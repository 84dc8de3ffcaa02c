package mqtt_client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"keyfob_alarm/internal/config"

	"github.com/eclipse/paho.golang/paho"
)

// v5Session talks MQTT 5 through paho.golang. A fresh paho.Client and
// network connection are created on every Connect.
type v5Session struct {
	broker config.Broker
	tlsCfg *tls.Config
	opts   SessionOptions
	hooks  SessionHooks

	mu     sync.Mutex
	client *paho.Client
}

func newV5Session(b config.Broker, tlsCfg *tls.Config, opts SessionOptions, hooks SessionHooks) (*v5Session, error) {
	if _, _, err := credentials(b, time.Now()); err != nil {
		return nil, err
	}
	return &v5Session{broker: b, tlsCfg: tlsCfg, opts: opts, hooks: hooks}, nil
}

func (s *v5Session) Connect(ctx context.Context) error {
	username, password, err := credentials(s.broker, time.Now())
	if err != nil {
		return err
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	// Lost is reported once per connection and only after CONNACK.
	var (
		established bool
		stateMu     sync.Mutex
		lostOnce    sync.Once
	)
	lost := func(err error) {
		stateMu.Lock()
		ok := established
		stateMu.Unlock()
		if !ok || s.hooks.OnConnectionLost == nil {
			return
		}
		lostOnce.Do(func() { s.hooks.OnConnectionLost(err) })
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: s.broker.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				if s.hooks.OnMessage != nil {
					s.hooks.OnMessage(pr.Packet.Topic, pr.Packet.Payload)
				}
				return true, nil
			},
		},
		OnClientError: func(err error) {
			lost(err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			lost(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
		},
	})

	cp := &paho.Connect{
		KeepAlive:    uint16(s.opts.KeepAlive / time.Second),
		ClientID:     s.broker.ClientID,
		CleanStart:   true,
		Username:     username,
		UsernameFlag: username != "",
		Password:     []byte(password),
		PasswordFlag: password != "",
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if ca != nil && ca.ReasonCode != 0 {
		_ = conn.Close()
		return fmt.Errorf("connack reason code %d", ca.ReasonCode)
	}

	stateMu.Lock()
	established = true
	stateMu.Unlock()

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *v5Session) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(s.broker.Host, strconv.Itoa(s.broker.Port))
	if s.tlsCfg != nil {
		d := &tls.Dialer{Config: s.tlsCfg}
		return d.DialContext(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (s *v5Session) current() (*paho.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

func (s *v5Session) Subscribe(ctx context.Context, filter string, qos byte) error {
	client, err := s.current()
	if err != nil {
		return err
	}

	sa, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: qos}},
	})
	if err != nil {
		return err
	}
	for _, code := range sa.Reasons {
		if code >= subackFailure {
			return fmt.Errorf("%w: %s refused with reason code %d", ErrSubscribeFailed, filter, code)
		}
	}
	return nil
}

func (s *v5Session) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	client, err := s.current()
	if err != nil {
		return err
	}

	_, err = client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Payload: payload,
	})
	return err
}

func (s *v5Session) Disconnect(_ context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
