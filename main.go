package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"keyfob_alarm/internal/alarm"
	"keyfob_alarm/internal/clients/mqtt_client"
	"keyfob_alarm/internal/clients/sms_client"
	"keyfob_alarm/internal/clients/telegram_client"
	"keyfob_alarm/internal/config"
	"keyfob_alarm/internal/database"
	"keyfob_alarm/internal/logging"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

func main() {
	// 1. Load environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component(logger, "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		stop()
		log.Fatal().Err(err).Msg("Relay failed")
	}
}

// run wires the relay and blocks until ctx is cancelled. Every resource it
// opens is released before it returns.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	log := logging.Component(logger, "main")

	// 2. Load tenants
	tenants, err := loadTenants(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to load tenants: %w", err)
	}
	if len(tenants) == 0 {
		log.Warn().Msg("No tenants configured")
	}

	if missing := missingSenders(tenants, enabledChannels(cfg)); len(missing) > 0 {
		return fmt.Errorf("%w: tenants use channels that are not configured: %v", config.ErrInvalidConfig, missing)
	}

	// 3. Initialize senders
	senders := make(map[config.ChannelKind]alarm.Sender)

	if cfg.AWSRegion != "" {
		sms, err := sms_client.New(ctx, sms_client.Options{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			SMSType:         cfg.SMSType,
			SenderID:        cfg.SMSSenderID,
			RatePerSec:      cfg.SendRatePerSec,
			Logger:          logging.Component(logger, "sms"),
		})
		if err != nil {
			return fmt.Errorf("failed to create SMS client: %w", err)
		}
		senders[config.ChannelSMS] = sms
	}

	if cfg.RedisURL != "" {
		redisDB, err := database.NewRedis(ctx, cfg.RedisURL, cfg.SendRatePerSec, logging.Component(logger, "redis"))
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisDB.Close()
		senders[config.ChannelRedis] = redisDB
	}

	// 4. Initialize the connection registry, the bot and the dispatcher
	registry := mqtt_client.NewRegistry(mqtt_client.Options{
		ConnectTimeout: cfg.ConnectTimeoutDuration(),
		KeepAlive:      time.Duration(cfg.MQTTKeepAlive) * time.Second,
		Backoff: mqtt_client.NewBackoff(
			time.Duration(cfg.ReconnectMinDelay)*time.Second,
			time.Duration(cfg.ReconnectMaxDelay)*time.Second,
		),
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Logger:      logging.Component(logger, "mqtt"),
	}, cfg.ReconnectRatePerMin)

	var telegram *telegram_client.Client
	if cfg.TelegramToken != "" {
		telegram, err = telegram_client.New(telegram_client.Options{
			Token:       cfg.TelegramToken,
			PollTimeout: cfg.TelegramPollTimeoutDuration(),
			RatePerSec:  cfg.SendRatePerSec,
			Status:      registry.Status,
			StatusChats: telegramTargets(tenants),
			Logger:      logging.Component(logger, "telegram"),
		})
		if err != nil {
			return fmt.Errorf("failed to create Telegram bot: %w", err)
		}
		senders[config.ChannelTelegram] = telegram
		telegram.Start()
	}

	dispatcher := alarm.NewDispatcher(senders, cfg.ReadinessPolicy, cfg.SendTimeoutDuration(), logging.Component(logger, "alarm"))

	// From here on the registry and the bot are released by shutdown.
	defer shutdown(registry, telegram, cfg.ShutdownTimeoutDuration(), log)

	// 5. Connect every tenant
	if err := registry.Register(ctx, tenants, dispatcher); err != nil {
		if errors.Is(err, mqtt_client.ErrDuplicateTenant) {
			return fmt.Errorf("duplicate tenant: %w", err)
		}
		log.Warn().Err(err).Msg("Some tenants failed to connect")
	}
	log.Info().Int("tenants", registry.Len()).Strs("names", registry.Names()).Msg("Tenants registered")

	// 6. Open the dispatcher and tell systemd we are up
	if dispatcher.MarkReady(ctx) {
		log.Info().Msg("Replayed alarm received during startup")
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("Failed to notify systemd")
	} else if ok {
		log.Debug().Msg("Notified systemd")
	}

	// Wait for interrupt signal
	<-ctx.Done()
	log.Info().Msg("Shutting down...")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return nil
}

func shutdown(registry *mqtt_client.Registry, telegram *telegram_client.Client, timeout time.Duration, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := registry.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to disconnect cleanly")
	}
	if telegram != nil {
		if err := telegram.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop Telegram polling")
		}
	}
	log.Info().Msg("Stopped")
}

func loadTenants(ctx context.Context, cfg *config.Config) ([]config.Tenant, error) {
	if cfg.TenantsSource != config.TenantsSourcePostgres {
		return config.LoadTenantsFile(cfg.TenantsFile)
	}

	postgresDB, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	defer postgresDB.Close()

	return postgresDB.GetTenants(ctx)
}

// enabledChannels lists the channel kinds with a configured sender.
func enabledChannels(cfg *config.Config) map[config.ChannelKind]bool {
	return map[config.ChannelKind]bool{
		config.ChannelSMS:      cfg.AWSRegion != "",
		config.ChannelTelegram: cfg.TelegramToken != "",
		config.ChannelRedis:    cfg.RedisURL != "",
	}
}

// missingSenders returns, sorted, the channel kinds some tenant uses that
// have no sender.
func missingSenders(tenants []config.Tenant, enabled map[config.ChannelKind]bool) []string {
	seen := make(map[string]struct{})
	for i := range tenants {
		for _, kind := range tenants[i].Kinds() {
			if !enabled[kind] {
				seen[string(kind)] = struct{}{}
			}
		}
	}

	missing := make([]string, 0, len(seen))
	for kind := range seen {
		missing = append(missing, kind)
	}
	sort.Strings(missing)
	return missing
}

// telegramTargets lists every telegram destination of every tenant.
func telegramTargets(tenants []config.Tenant) []string {
	var chats []string
	for i := range tenants {
		for _, ch := range tenants[i].Channels {
			if ch.Kind != config.ChannelTelegram {
				continue
			}
			for _, target := range ch.Targets {
				chats = append(chats, target.Address)
			}
		}
	}
	return chats
}
