package alarm

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"keyfob_alarm/internal/clients/mqtt_client"
	"keyfob_alarm/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	Destination string
	Text        string
}

type recordingSender struct {
	mu    sync.Mutex
	calls []delivery
	err   error
}

func (s *recordingSender) Send(_ context.Context, destination, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, delivery{Destination: destination, Text: text})
	return s.err
}

func (s *recordingSender) sent() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]delivery, len(s.calls))
	copy(out, s.calls)
	return out
}

func tenantWith(channels ...config.Channel) *config.Tenant {
	return &config.Tenant{Name: "acme", Channels: channels}
}

func uplink(tenant *config.Tenant, payload string) mqtt_client.Message {
	return mqtt_client.Message{
		Tenant:     tenant,
		Topic:      "keyfob/devices/fob-1/up",
		AppID:      "keyfob",
		DeviceID:   "fob-1",
		Payload:    []byte(payload),
		ReceivedAt: time.Now(),
	}
}

func readyDispatcher(t *testing.T, senders map[config.ChannelKind]Sender) *Dispatcher {
	t.Helper()
	d := NewDispatcher(senders, config.ReadinessPolicyLatch, time.Second, zerolog.Nop())
	d.MarkReady(context.Background())
	return d
}

func TestSingleSMSTarget(t *testing.T) {
	sms := &recordingSender{}
	d := readyDispatcher(t, map[config.ChannelKind]Sender{config.ChannelSMS: sms})

	tenant := tenantWith(config.Channel{
		Kind:    config.ChannelSMS,
		Targets: []config.Target{{Label: "Alice", Address: "+15550100"}},
	})

	require.NoError(t, d.HandleMessage(context.Background(), uplink(tenant, `{"dev_id":"X"}`)))

	assert.Equal(t, []delivery{{
		Destination: "+15550100",
		Text:        "Your keyfob alarm was activated by device X",
	}}, sms.sent())
}

func TestFanOutToEveryTarget(t *testing.T) {
	sms := &recordingSender{}
	chat := &recordingSender{}
	d := readyDispatcher(t, map[config.ChannelKind]Sender{
		config.ChannelSMS:      sms,
		config.ChannelTelegram: chat,
	})

	tenant := tenantWith(
		config.Channel{Kind: config.ChannelSMS, Targets: []config.Target{
			{Label: "Alice", Address: "+15550100"},
			{Label: "Bob", Address: "+15550101"},
		}},
		config.Channel{Kind: config.ChannelTelegram, Targets: []config.Target{
			{Label: "family", Address: "-100123"},
		}},
	)

	ev, err := DecodeEvent(uplink(tenant, `{"dev_id":"fob-7"}`))
	require.NoError(t, err)
	report := d.Dispatch(context.Background(), ev)

	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 3, report.Delivered)
	assert.Empty(t, report.Failures)

	all := append(sms.sent(), chat.sent()...)
	require.Len(t, all, 3)
	for _, s := range all {
		assert.Equal(t, "Your keyfob alarm was activated by device fob-7", s.Text)
	}
	assert.ElementsMatch(t, []string{"+15550100", "+15550101", "-100123"},
		[]string{all[0].Destination, all[1].Destination, all[2].Destination})
}

func TestMalformedPayloadDoesNotBlockLaterEvents(t *testing.T) {
	sms := &recordingSender{}
	d := readyDispatcher(t, map[config.ChannelKind]Sender{config.ChannelSMS: sms})
	tenant := tenantWith(config.Channel{
		Kind:    config.ChannelSMS,
		Targets: []config.Target{{Label: "Alice", Address: "+15550100"}},
	})

	err := d.HandleMessage(context.Background(), uplink(tenant, "not json"))
	assert.ErrorIs(t, err, ErrDecode)

	err = d.HandleMessage(context.Background(), uplink(tenant, `{"counter":3}`))
	assert.ErrorIs(t, err, ErrMissingDeviceID)

	require.NoError(t, d.HandleMessage(context.Background(), uplink(tenant, `{"dev_id":"ok"}`)))
	require.Len(t, sms.sent(), 1)
	assert.Equal(t, "Your keyfob alarm was activated by device ok", sms.sent()[0].Text)
}

func TestLatchReplaysEventHeldBeforeReady(t *testing.T) {
	sms := &recordingSender{}
	d := NewDispatcher(map[config.ChannelKind]Sender{config.ChannelSMS: sms},
		config.ReadinessPolicyLatch, time.Second, zerolog.Nop())
	tenant := tenantWith(config.Channel{
		Kind:    config.ChannelSMS,
		Targets: []config.Target{{Label: "Alice", Address: "+15550100"}},
	})

	require.NoError(t, d.HandleMessage(context.Background(), uplink(tenant, `{"dev_id":"early"}`)))
	assert.Empty(t, sms.sent())
	assert.False(t, d.Ready())

	assert.True(t, d.MarkReady(context.Background()))
	assert.True(t, d.Ready())

	require.Len(t, sms.sent(), 1)
	assert.Equal(t, "Your keyfob alarm was activated by device early", sms.sent()[0].Text)

	// Second call has nothing to replay.
	assert.False(t, d.MarkReady(context.Background()))
	assert.Len(t, sms.sent(), 1)
}

func TestLatchKeepsOnlyMostRecentEvent(t *testing.T) {
	sms := &recordingSender{}
	d := NewDispatcher(map[config.ChannelKind]Sender{config.ChannelSMS: sms},
		config.ReadinessPolicyLatch, time.Second, zerolog.Nop())
	tenant := tenantWith(config.Channel{
		Kind:    config.ChannelSMS,
		Targets: []config.Target{{Label: "Alice", Address: "+15550100"}},
	})

	require.NoError(t, d.HandleMessage(context.Background(), uplink(tenant, `{"dev_id":"first"}`)))
	require.NoError(t, d.HandleMessage(context.Background(), uplink(tenant, `{"dev_id":"second"}`)))
	d.MarkReady(context.Background())

	require.Len(t, sms.sent(), 1)
	assert.Equal(t, "Your keyfob alarm was activated by device second", sms.sent()[0].Text)
}

func TestDropPolicyDiscardsEventsBeforeReady(t *testing.T) {
	sms := &recordingSender{}
	d := NewDispatcher(map[config.ChannelKind]Sender{config.ChannelSMS: sms},
		config.ReadinessPolicyDrop, time.Second, zerolog.Nop())
	tenant := tenantWith(config.Channel{
		Kind:    config.ChannelSMS,
		Targets: []config.Target{{Label: "Alice", Address: "+15550100"}},
	})

	err := d.HandleMessage(context.Background(), uplink(tenant, `{"dev_id":"early"}`))
	assert.ErrorIs(t, err, ErrNotReady)

	assert.False(t, d.MarkReady(context.Background()))
	assert.Empty(t, sms.sent())

	require.NoError(t, d.HandleMessage(context.Background(), uplink(tenant, `{"dev_id":"late"}`)))
	assert.Len(t, sms.sent(), 1)
}

func TestFailingSenderDoesNotBlockOthers(t *testing.T) {
	sms := &recordingSender{err: errors.New("throttled")}
	chat := &recordingSender{}
	panicky := SenderFunc(func(context.Context, string, string) error {
		panic("nil map")
	})
	d := readyDispatcher(t, map[config.ChannelKind]Sender{
		config.ChannelSMS:      sms,
		config.ChannelRedis:    panicky,
		config.ChannelTelegram: chat,
	})

	tenant := tenantWith(
		config.Channel{Kind: config.ChannelSMS, Targets: []config.Target{{Label: "Alice", Address: "+15550100"}}},
		config.Channel{Kind: config.ChannelRedis, Targets: []config.Target{{Label: "ops", Address: "alarms"}}},
		config.Channel{Kind: config.ChannelTelegram, Targets: []config.Target{{Label: "family", Address: "42"}}},
	)
	ev, err := DecodeEvent(uplink(tenant, `{"dev_id":"fob"}`))
	require.NoError(t, err)

	report := d.Dispatch(context.Background(), ev)

	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 1, report.Delivered)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, config.ChannelSMS, report.Failures[0].Channel)
	assert.EqualError(t, report.Failures[0].Err, "throttled")
	assert.Equal(t, config.ChannelRedis, report.Failures[1].Channel)
	assert.ErrorContains(t, report.Failures[1].Err, "sender panic")
	assert.Len(t, chat.sent(), 1)
}

func TestMissingSenderIsRecipientFailure(t *testing.T) {
	chat := &recordingSender{}
	d := readyDispatcher(t, map[config.ChannelKind]Sender{config.ChannelTelegram: chat})

	tenant := tenantWith(
		config.Channel{Kind: config.ChannelSMS, Targets: []config.Target{{Label: "Alice", Address: "+15550100"}}},
		config.Channel{Kind: config.ChannelTelegram, Targets: []config.Target{{Label: "family", Address: "42"}}},
	)
	ev, err := DecodeEvent(uplink(tenant, `{"dev_id":"fob"}`))
	require.NoError(t, err)

	report := d.Dispatch(context.Background(), ev)

	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Delivered)
	require.Len(t, report.Failures, 1)
	assert.ErrorIs(t, report.Failures[0].Err, ErrNoSender)
}

func TestSendTimeout(t *testing.T) {
	slow := SenderFunc(func(ctx context.Context, _, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d := NewDispatcher(map[config.ChannelKind]Sender{config.ChannelSMS: slow},
		config.ReadinessPolicyLatch, 20*time.Millisecond, zerolog.Nop())
	d.MarkReady(context.Background())

	tenant := tenantWith(config.Channel{Kind: config.ChannelSMS, Targets: []config.Target{{Label: "Alice", Address: "+15550100"}}})
	ev, err := DecodeEvent(uplink(tenant, `{"dev_id":"fob"}`))
	require.NoError(t, err)

	report := d.Dispatch(context.Background(), ev)
	require.Len(t, report.Failures, 1)
	assert.ErrorIs(t, report.Failures[0].Err, context.DeadlineExceeded)
}

func TestValidDeviceIDAlwaysAlarms(t *testing.T) {
	payloads := []string{
		`{"dev_id":"fob","port":"1"}`,
		`{"dev_id":"fob","app_id":7}`,
		`{"dev_id":"fob","counter":1.5}`,
		`{"dev_id":"fob","port":null,"hardware_serial":"0004A30B001C0530"}`,
	}

	for _, payload := range payloads {
		t.Run(payload, func(t *testing.T) {
			sms := &recordingSender{}
			d := readyDispatcher(t, map[config.ChannelKind]Sender{config.ChannelSMS: sms})
			tenant := tenantWith(config.Channel{
				Kind:    config.ChannelSMS,
				Targets: []config.Target{{Label: "Alice", Address: "+15550100"}},
			})

			require.NoError(t, d.HandleMessage(context.Background(), uplink(tenant, payload)))
			require.Len(t, sms.sent(), 1)
			assert.Equal(t, "Your keyfob alarm was activated by device fob", sms.sent()[0].Text)
		})
	}
}

func TestDispatchLogsEventFields(t *testing.T) {
	var buf bytes.Buffer
	sms := &recordingSender{}
	d := NewDispatcher(map[config.ChannelKind]Sender{config.ChannelSMS: sms},
		config.ReadinessPolicyLatch, time.Second, zerolog.New(&buf))
	d.MarkReady(context.Background())

	tenant := tenantWith(config.Channel{
		Kind:    config.ChannelSMS,
		Targets: []config.Target{{Label: "Alice", Address: "+15550100"}},
	})
	require.NoError(t, d.HandleMessage(context.Background(),
		uplink(tenant, `{"dev_id":"fob","app_id":"keyfob","port":2,"counter":17}`)))

	out := buf.String()
	assert.Contains(t, out, `"app":"keyfob"`)
	assert.Contains(t, out, `"port":2`)
	assert.Contains(t, out, `"counter":17`)
	assert.Contains(t, out, `"since_received"`)
}
