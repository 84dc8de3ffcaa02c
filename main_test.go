package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"keyfob_alarm/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingSenders(t *testing.T) {
	tenants := []config.Tenant{
		{Name: "a", Channels: []config.Channel{{Kind: config.ChannelSMS}, {Kind: config.ChannelTelegram}}},
		{Name: "b", Channels: []config.Channel{{Kind: config.ChannelRedis}, {Kind: config.ChannelSMS}}},
	}

	assert.Empty(t, missingSenders(tenants, map[config.ChannelKind]bool{
		config.ChannelSMS: true, config.ChannelTelegram: true, config.ChannelRedis: true,
	}))
	assert.Equal(t, []string{"redis", "sms"}, missingSenders(tenants, map[config.ChannelKind]bool{
		config.ChannelTelegram: true,
	}))
}

func TestTelegramTargets(t *testing.T) {
	tenants := []config.Tenant{
		{Name: "a", Channels: []config.Channel{
			{Kind: config.ChannelSMS, Targets: []config.Target{{Label: "mum", Address: "+4915112345678"}}},
			{Kind: config.ChannelTelegram, Targets: []config.Target{{Label: "home", Address: "-100123"}}},
		}},
		{Name: "b", Channels: []config.Channel{
			{Kind: config.ChannelTelegram, Targets: []config.Target{{Address: "@alerts"}, {Address: "42"}}},
		}},
	}

	assert.Equal(t, []string{"-100123", "@alerts", "42"}, telegramTargets(tenants))
	assert.Empty(t, telegramTargets(nil))
}

func TestRunReturnsStartupErrors(t *testing.T) {
	logger := zerolog.Nop()

	err := run(context.Background(), &config.Config{TenantsSource: config.TenantsSourceFile, TenantsFile: filepath.Join(t.TempDir(), "missing.yaml")}, logger)
	assert.ErrorContains(t, err, "failed to load tenants")

	path := filepath.Join(t.TempDir(), "apps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apps:
  home:
    broker:
      host: eu.thethings.network
      app_key: ttn-account-v2.secret
    redis:
      feed: alarms
`), 0o600))

	err = run(context.Background(), &config.Config{TenantsSource: config.TenantsSourceFile, TenantsFile: path}, logger)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestEnabledChannels(t *testing.T) {
	got := enabledChannels(&config.Config{AWSRegion: "eu-west-1", RedisURL: "redis://localhost:6379/0"})
	assert.Equal(t, map[config.ChannelKind]bool{
		config.ChannelSMS:      true,
		config.ChannelTelegram: false,
		config.ChannelRedis:    true,
	}, got)
}

func TestLoadTenantsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apps:
  home:
    broker:
      host: eu.thethings.network
      app_key: ttn-account-v2.secret
    sms:
      Alice: "+15550100"
`), 0o600))

	tenants, err := loadTenants(context.Background(), &config.Config{
		TenantsSource: config.TenantsSourceFile,
		TenantsFile:   path,
	})
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	assert.Equal(t, "home", tenants[0].Name)
	assert.Equal(t, []config.ChannelKind{config.ChannelSMS}, tenants[0].Kinds())
}
