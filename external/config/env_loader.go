package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	internalconfig "github.com/mediconnect/teleconsult/internal/config"
)

type envConfig struct {
	Env                     string `env:"ENV" envDefault:"production"`
	HTTPListenAddr          string `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL             string `env:"DATABASE_URL,required"`
	RoomGracePeriodSec      int    `env:"ROOM_GRACE_PERIOD_SEC" envDefault:"120"`
	ReconnectGracePeriodSec int    `env:"RECONNECT_GRACE_PERIOD_SEC" envDefault:"45"`
	RoomIdleTimeoutMin      int    `env:"ROOM_IDLE_TIMEOUT_MIN" envDefault:"30"`
	NoShowAfterMin          int    `env:"NO_SHOW_AFTER_MIN" envDefault:"15"`
	SweepIntervalSec        int    `env:"SWEEP_INTERVAL_SEC" envDefault:"30"`
	VideoProviderURL        string `env:"VIDEO_PROVIDER_URL"`
	VideoAPIKey             string `env:"VIDEO_API_KEY"`
	VideoAPISecret          string `env:"VIDEO_API_SECRET"`
	VideoTokenTTLMin        int    `env:"VIDEO_TOKEN_TTL_MIN" envDefault:"120"`
}

func Load() (*internalconfig.Config, error) {
	// Best effort: a missing .env file is the normal case outside development.
	_ = godotenv.Load()

	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                     raw.Env,
		HTTPListenAddr:          raw.HTTPListenAddr,
		DatabaseURL:             raw.DatabaseURL,
		RoomGracePeriodSec:      raw.RoomGracePeriodSec,
		ReconnectGracePeriodSec: raw.ReconnectGracePeriodSec,
		RoomIdleTimeoutMin:      raw.RoomIdleTimeoutMin,
		NoShowAfterMin:          raw.NoShowAfterMin,
		SweepIntervalSec:        raw.SweepIntervalSec,
		VideoProviderURL:        raw.VideoProviderURL,
		VideoAPIKey:             raw.VideoAPIKey,
		VideoAPISecret:          raw.VideoAPISecret,
		VideoTokenTTLMin:        raw.VideoTokenTTLMin,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
