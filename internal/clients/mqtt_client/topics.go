package mqtt_client

import (
	"fmt"
	"strings"
)

// UplinkFilter matches uplinks of every application and device.
const UplinkFilter = "+/devices/+/up"

// DownlinkTopic builds the topic a device listens on for downlinks.
func DownlinkTopic(app, device string) (string, error) {
	if err := validSegment(app); err != nil {
		return "", fmt.Errorf("%w: app: %w", ErrInvalidTopic, err)
	}
	if err := validSegment(device); err != nil {
		return "", fmt.Errorf("%w: device: %w", ErrInvalidTopic, err)
	}
	return app + "/devices/" + device + "/down", nil
}

// ParseUplinkTopic splits "{app}/devices/{device}/up".
func ParseUplinkTopic(topic string) (app, device string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[1] != "devices" || parts[3] != "up" {
		return "", "", false
	}
	if parts[0] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}

func validSegment(s string) error {
	if s == "" {
		return fmt.Errorf("empty segment")
	}
	if strings.ContainsAny(s, "/+#") {
		return fmt.Errorf("segment %q contains a separator or wildcard", s)
	}
	return nil
}
