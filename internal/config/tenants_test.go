package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTenants = `
apps:
  zeta-farm:
    ttn:
      host: eu.thethings.network
      app_key: ttn-account-v2.zeta
      secure: true
    sms:
      Alice: "+15551234567"
      Bob: "+15557654321"
    telegram:
      Alice: 123456789
  alpha-shed:
    broker:
      host: broker.example.com
      port: 1884
      app_key: secret
      protocol: "5"
      auth: jwt
      client_id: alpha-relay
    redis:
      ops: alarms.keyfob
`

func TestParseTenantsKeepsDocumentOrder(t *testing.T) {
	tenants, err := ParseTenants([]byte(sampleTenants))
	require.NoError(t, err)
	require.Len(t, tenants, 2)

	assert.Equal(t, "zeta-farm", tenants[0].Name)
	assert.Equal(t, "alpha-shed", tenants[1].Name)

	zeta := tenants[0]
	assert.Equal(t, 8883, zeta.Broker.Port)
	assert.Equal(t, ProtocolV311, zeta.Broker.Protocol)
	assert.Equal(t, AuthPassword, zeta.Broker.Auth)
	assert.Equal(t, "zeta-farm", zeta.Broker.Username)
	assert.Equal(t, "zeta-farm", zeta.Broker.ClientID)
	assert.Equal(t, []ChannelKind{ChannelSMS, ChannelTelegram}, zeta.Kinds())
	assert.Equal(t, []Target{
		{Label: "Alice", Address: "+15551234567"},
		{Label: "Bob", Address: "+15557654321"},
	}, zeta.Channels[0].Targets)
	assert.Equal(t, "123456789", zeta.Channels[1].Targets[0].Address)

	alpha := tenants[1]
	assert.Equal(t, 1884, alpha.Broker.Port)
	assert.Equal(t, ProtocolV5, alpha.Broker.Protocol)
	assert.Equal(t, AuthJWT, alpha.Broker.Auth)
	assert.Equal(t, "alpha-relay", alpha.Broker.ClientID)
	assert.Equal(t, []ChannelKind{ChannelRedis}, alpha.Kinds())
}

func TestParseTenantsErrors(t *testing.T) {
	tests := map[string]string{
		"no apps":         "tenants: {}",
		"apps not a map":  "apps: [a, b]",
		"missing broker":  "apps:\n  a:\n    sms: {x: \"+1\"}",
		"missing host":    "apps:\n  a:\n    broker: {app_key: k}",
		"missing app key": "apps:\n  a:\n    broker: {host: h}",
		"unknown key":     "apps:\n  a:\n    broker: {host: h, app_key: k}\n    email: {x: y}",
		"bad protocol":    "apps:\n  a:\n    broker: {host: h, app_key: k, protocol: \"4\"}",
		"bad auth":        "apps:\n  a:\n    broker: {host: h, app_key: k, auth: oauth}",
		"ca without tls":  "apps:\n  a:\n    broker: {host: h, app_key: k, ca_cert: ca.pem}",
		"empty address":   "apps:\n  a:\n    broker: {host: h, app_key: k}\n    sms: {Alice: \"\"}",
		"nested address":  "apps:\n  a:\n    broker: {host: h, app_key: k}\n    sms: {Alice: [1]}",
		"two brokers":     "apps:\n  a:\n    broker: {host: h, app_key: k}\n    ttn: {host: h, app_key: k}",
		"malformed yaml":  "apps: [",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTenants([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidTenant)
		})
	}
}

func TestNormalizeTenantsRejectsDuplicates(t *testing.T) {
	tenants := []Tenant{
		{Name: "a", Broker: Broker{Host: "h", AppKey: "k"}},
		{Name: " a ", Broker: Broker{Host: "h", AppKey: "k"}},
	}
	err := NormalizeTenants(tenants)
	assert.ErrorIs(t, err, ErrInvalidTenant)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadTenantsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTenants), 0o600))

	tenants, err := LoadTenantsFile(path)
	require.NoError(t, err)
	assert.Len(t, tenants, 2)

	_, err = LoadTenantsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalidTenant)
}
