package alarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"keyfob_alarm/internal/clients/mqtt_client"
	"keyfob_alarm/internal/config"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultSendTimeout = 10 * time.Second

// Failure is one recipient that did not get the alert.
type Failure struct {
	Channel     config.ChannelKind
	Label       string
	Destination string
	Err         error
}

// Report summarises the fan-out of one event.
type Report struct {
	EventID   uuid.UUID
	Attempted int
	Delivered int
	Failures  []Failure
}

// Dispatcher turns uplinks into alerts and sends them to every recipient of
// the originating tenant. It implements mqtt_client.MessageHandler.
type Dispatcher struct {
	senders map[config.ChannelKind]Sender
	timeout time.Duration
	gate    *latch
	log     zerolog.Logger
}

// NewDispatcher builds a dispatcher that is not ready yet. policy is
// config.ReadinessPolicyLatch or config.ReadinessPolicyDrop.
func NewDispatcher(senders map[config.ChannelKind]Sender, policy string, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	copied := make(map[config.ChannelKind]Sender, len(senders))
	for kind, s := range senders {
		if s != nil {
			copied[kind] = s
		}
	}
	return &Dispatcher{
		senders: copied,
		timeout: timeout,
		gate:    newLatch(policy),
		log:     log,
	}
}

// HandleMessage decodes an uplink and dispatches it, subject to readiness.
// Errors concern this message only.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg mqtt_client.Message) error {
	ev, err := DecodeEvent(msg)
	if err != nil {
		d.log.Warn().Err(err).Str("topic", msg.Topic).Msg("discarding uplink")
		return fmt.Errorf("topic %s: %w", msg.Topic, err)
	}

	dispatch, held, replaced := d.gate.admit(ev)
	if !dispatch {
		if !held {
			d.log.Error().Str("event", ev.ID.String()).Str("device", ev.DeviceID).
				Msg("alarm received before startup completed, dropped")
			return ErrNotReady
		}
		d.log.Info().Str("event", ev.ID.String()).Str("device", ev.DeviceID).Bool("replaced", replaced).
			Msg("alarm received before startup completed, held until ready")
		return nil
	}

	d.Dispatch(ctx, ev)
	return nil
}

// MarkReady opens the dispatcher and replays the event held before startup
// completed. It returns whether an event was replayed; later calls are
// no-ops.
func (d *Dispatcher) MarkReady(ctx context.Context) bool {
	pending, opened := d.gate.open()
	if !opened {
		return false
	}
	d.log.Info().Msg("dispatcher ready")

	if pending == nil {
		return false
	}
	d.log.Info().Str("event", pending.ID.String()).Str("device", pending.DeviceID).Msg("replaying held alarm")
	d.Dispatch(ctx, *pending)
	return true
}

// Ready reports whether MarkReady was called.
func (d *Dispatcher) Ready() bool {
	return d.gate.isReady()
}

// Dispatch sends the alert for ev to every target of every channel of its
// tenant, in configured order. A failing recipient never prevents the
// others from being attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) Report {
	report := Report{EventID: ev.ID}
	if ev.Tenant == nil {
		d.log.Warn().Str("event", ev.ID.String()).Msg("event has no tenant, nothing to send")
		return report
	}

	log := d.log.With().
		Str("event", ev.ID.String()).
		Str("tenant", ev.Tenant.Name).
		Str("device", ev.DeviceID).
		Str("app", ev.AppID).
		Int("port", ev.Port).
		Int("counter", ev.Counter).
		Logger()
	text := FormatAlarm(ev.DeviceID)

	for _, ch := range ev.Tenant.Channels {
		sender := d.senders[ch.Kind]
		for _, target := range ch.Targets {
			report.Attempted++

			err := d.send(ctx, sender, target.Address, text)
			if err != nil {
				report.Failures = append(report.Failures, Failure{
					Channel:     ch.Kind,
					Label:       target.Label,
					Destination: target.Address,
					Err:         err,
				})
				log.Error().Err(err).Str("channel", string(ch.Kind)).Str("recipient", target.Label).
					Msg("failed to send alarm")
				continue
			}

			report.Delivered++
			log.Info().Str("channel", string(ch.Kind)).Str("recipient", target.Label).
				Dur("since_received", time.Since(ev.ReceivedAt)).Msg("alarm sent")
		}
	}

	if report.Attempted == 0 {
		log.Warn().Msg("tenant has no recipients")
	}
	return report
}

// send runs one Send inside its own timeout and panic boundary.
func (d *Dispatcher) send(ctx context.Context, sender Sender, destination, text string) (err error) {
	if sender == nil {
		return ErrNoSender
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err = sender.Send(ctx, destination, text)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("no response within %s: %w", d.timeout, err)
	}
	return err
}
