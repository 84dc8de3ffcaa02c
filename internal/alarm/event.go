package alarm

import (
	"fmt"
	"time"

	"keyfob_alarm/internal/clients/mqtt_client"
	"keyfob_alarm/internal/config"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event is one keyfob alarm activation.
type Event struct {
	ID         uuid.UUID
	Tenant     *config.Tenant
	AppID      string
	DeviceID   string
	Port       int
	Counter    int
	ReceivedAt time.Time
}

// uplinkPayload requires only dev_id. The other fields are informational
// and read leniently: a value of an unexpected type is ignored.
type uplinkPayload struct {
	DevID   *string         `json:"dev_id"`
	AppID   json.RawMessage `json:"app_id"`
	Port    json.RawMessage `json:"port"`
	Counter json.RawMessage `json:"counter"`
}

// DecodeEvent builds an Event from an uplink. The device id comes from the
// payload's dev_id; app_id falls back to the topic.
func DecodeEvent(msg mqtt_client.Message) (Event, error) {
	var p uplinkPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if p.DevID == nil || *p.DevID == "" {
		return Event{}, ErrMissingDeviceID
	}

	appID, ok := optionalString(p.AppID)
	if !ok || appID == "" {
		appID = msg.AppID
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	port, _ := optionalInt(p.Port)
	counter, _ := optionalInt(p.Counter)

	return Event{
		ID:         uuid.New(),
		Tenant:     msg.Tenant,
		AppID:      appID,
		DeviceID:   *p.DevID,
		Port:       port,
		Counter:    counter,
		ReceivedAt: receivedAt,
	}, nil
}

func optionalString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func optionalInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// FormatAlarm renders the alert text sent to every recipient.
func FormatAlarm(deviceID string) string {
	return "Your keyfob alarm was activated by device " + deviceID
}
