package config

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"
)

// ChannelKind names a notification channel.
type ChannelKind string

const (
	ChannelSMS      ChannelKind = "sms"
	ChannelTelegram ChannelKind = "telegram"
	ChannelRedis    ChannelKind = "redis"
)

const (
	ProtocolV311 = "3.1.1"
	ProtocolV5   = "5"

	AuthPassword = "password"
	AuthJWT      = "jwt"

	defaultPort       = 1883
	defaultSecurePort = 8883
)

// Broker describes one tenant's broker session.
type Broker struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	AppKey   string `yaml:"app_key"`
	Secure   bool   `yaml:"secure"`
	CACert   string `yaml:"ca_cert"`
	Protocol string `yaml:"protocol"`
	Auth     string `yaml:"auth"`
	Username string `yaml:"username"`
	ClientID string `yaml:"client_id"`
}

// Target is one recipient of a channel.
type Target struct {
	Label   string
	Address string
}

// Channel is the ordered recipient list for one channel kind.
type Channel struct {
	Kind    ChannelKind
	Targets []Target
}

// Tenant is one registered application. Immutable after load.
type Tenant struct {
	Name     string
	Broker   Broker
	Channels []Channel
}

// Kinds returns the channel kinds the tenant notifies through.
func (t *Tenant) Kinds() []ChannelKind {
	kinds := make([]ChannelKind, 0, len(t.Channels))
	for _, ch := range t.Channels {
		kinds = append(kinds, ch.Kind)
	}
	return kinds
}

// Normalize fills defaults and validates the tenant.
func (t *Tenant) Normalize() error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTenant)
	}

	b := &t.Broker
	if b.Host == "" {
		return fmt.Errorf("%w: %s: broker host is required", ErrInvalidTenant, t.Name)
	}
	if b.AppKey == "" {
		return fmt.Errorf("%w: %s: broker app_key is required", ErrInvalidTenant, t.Name)
	}
	if b.Port == 0 {
		b.Port = defaultPort
		if b.Secure {
			b.Port = defaultSecurePort
		}
	}
	if b.Port < 0 || b.Port > 65535 {
		return fmt.Errorf("%w: %s: port %d out of range", ErrInvalidTenant, t.Name, b.Port)
	}
	if b.CACert != "" && !b.Secure {
		return fmt.Errorf("%w: %s: ca_cert requires secure: true", ErrInvalidTenant, t.Name)
	}

	switch b.Protocol {
	case "":
		b.Protocol = ProtocolV311
	case ProtocolV311, ProtocolV5:
	default:
		return fmt.Errorf("%w: %s: unknown protocol %q", ErrInvalidTenant, t.Name, b.Protocol)
	}

	switch b.Auth {
	case "":
		b.Auth = AuthPassword
	case AuthPassword, AuthJWT:
	default:
		return fmt.Errorf("%w: %s: unknown auth %q", ErrInvalidTenant, t.Name, b.Auth)
	}

	if b.Username == "" {
		b.Username = t.Name
	}
	if b.ClientID == "" {
		b.ClientID = t.Name
	}

	seen := make(map[ChannelKind]struct{}, len(t.Channels))
	for _, ch := range t.Channels {
		if _, dup := seen[ch.Kind]; dup {
			return fmt.Errorf("%w: %s: channel %s listed twice", ErrInvalidTenant, t.Name, ch.Kind)
		}
		seen[ch.Kind] = struct{}{}

		labels := make(map[string]struct{}, len(ch.Targets))
		for _, target := range ch.Targets {
			if target.Address == "" {
				return fmt.Errorf("%w: %s: %s target %q has no address", ErrInvalidTenant, t.Name, ch.Kind, target.Label)
			}
			if _, dup := labels[target.Label]; dup {
				return fmt.Errorf("%w: %s: %s target %q listed twice", ErrInvalidTenant, t.Name, ch.Kind, target.Label)
			}
			labels[target.Label] = struct{}{}
		}
	}

	return nil
}

// NormalizeTenants normalizes every tenant and rejects duplicate names.
func NormalizeTenants(tenants []Tenant) error {
	names := make(map[string]struct{}, len(tenants))
	for i := range tenants {
		if err := tenants[i].Normalize(); err != nil {
			return err
		}
		if _, dup := names[tenants[i].Name]; dup {
			return fmt.Errorf("%w: duplicate tenant name %q", ErrInvalidTenant, tenants[i].Name)
		}
		names[tenants[i].Name] = struct{}{}
	}
	return nil
}

// LoadTenantsFile reads the tenants YAML document at path.
func LoadTenantsFile(path string) ([]Tenant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrInvalidTenant, path, err)
	}
	return ParseTenants(data)
}

// ParseTenants decodes a tenants document:
//
//	apps:
//	  my-app:
//	    broker: {host: eu.thethings.network, app_key: ..., secure: true}
//	    sms: {Alice: "+15551234567"}
//	    telegram: {Alice: "123456789"}
//
// Tenant and target order follow the document.
func ParseTenants(data []byte) ([]Tenant, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTenant, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidTenant)
	}

	apps := mappingValue(doc.Content[0], "apps")
	if apps == nil {
		return nil, fmt.Errorf("%w: missing top-level apps mapping", ErrInvalidTenant)
	}
	if apps.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: apps must be a mapping (line %d)", ErrInvalidTenant, apps.Line)
	}

	tenants := make([]Tenant, 0, len(apps.Content)/2)
	for i := 0; i+1 < len(apps.Content); i += 2 {
		tenant, err := decodeTenant(apps.Content[i].Value, apps.Content[i+1])
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}

	if err := NormalizeTenants(tenants); err != nil {
		return nil, err
	}
	return tenants, nil
}

func decodeTenant(name string, node *yaml.Node) (Tenant, error) {
	t := Tenant{Name: name}
	if node.Kind != yaml.MappingNode {
		return t, fmt.Errorf("%w: %s: must be a mapping (line %d)", ErrInvalidTenant, name, node.Line)
	}

	hasBroker := false
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]
		switch key {
		case "broker", "ttn":
			if hasBroker {
				return t, fmt.Errorf("%w: %s: broker given twice", ErrInvalidTenant, name)
			}
			if err := value.Decode(&t.Broker); err != nil {
				return t, fmt.Errorf("%w: %s: broker: %w", ErrInvalidTenant, name, err)
			}
			hasBroker = true
		case string(ChannelSMS), string(ChannelTelegram), string(ChannelRedis):
			targets, err := decodeTargets(value)
			if err != nil {
				return t, fmt.Errorf("%w: %s: %s: %w", ErrInvalidTenant, name, key, err)
			}
			t.Channels = append(t.Channels, Channel{Kind: ChannelKind(key), Targets: targets})
		default:
			return t, fmt.Errorf("%w: %s: unknown key %q (line %d)", ErrInvalidTenant, name, key, node.Content[i].Line)
		}
	}

	if !hasBroker {
		return t, fmt.Errorf("%w: %s: broker section is required", ErrInvalidTenant, name)
	}
	return t, nil
}

func decodeTargets(node *yaml.Node) ([]Target, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("targets must be a label: address mapping (line %d)", node.Line)
	}
	targets := make([]Target, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		value := node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("address for %q must be a scalar (line %d)", node.Content[i].Value, value.Line)
		}
		targets = append(targets, Target{
			Label:   node.Content[i].Value,
			Address: strings.TrimSpace(value.Value),
		})
	}
	return targets, nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
