// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	pionwebrtc "github.com/pion/webrtc/v4"
)

// SignalConfigure describes how to reach the signaling server.
type SignalConfigure struct {
	URL          string        `mapstructure:"signal_url" validate:"required,uri"`
	Token        string        `mapstructure:"signal_token" validate:"required"`
	ReadyTimeout time.Duration `mapstructure:"signal_ready_timeout" validate:"gte=0"`
}

// TrackConfigure sizes the per-track adaptive packet caches.
type TrackConfigure struct {
	RtpMinSegments  int `mapstructure:"track_rtp_min_segments" validate:"gte=1"`
	RtpMaxSegments  int `mapstructure:"track_rtp_max_segments" validate:"gtefield=RtpMinSegments"`
	RtpCapSegments  int `mapstructure:"track_rtp_cap_segments" validate:"gte=2"`
	RtcpMinSegments int `mapstructure:"track_rtcp_min_segments" validate:"gte=1"`
	RtcpMaxSegments int `mapstructure:"track_rtcp_max_segments" validate:"gtefield=RtcpMinSegments"`
	RtcpCapSegments int `mapstructure:"track_rtcp_cap_segments" validate:"gte=2"`
}

// Configuration is the full client configuration.
type Configuration struct {
	Signal SignalConfigure           `mapstructure:",squash"`
	RTC    pionwebrtc.Configuration  `mapstructure:"-"`
	Track  TrackConfigure            `mapstructure:",squash"`
}

var validate = validator.New()

// Defaults mirrors the values the original deployments run with.
func Defaults() Configuration {
	return Configuration{
		Signal: SignalConfigure{
			ReadyTimeout: 30 * time.Second,
		},
		Track: TrackConfigure{
			RtpMinSegments:  1,
			RtpMaxSegments:  16,
			RtpCapSegments:  256,
			RtcpMinSegments: 1,
			RtcpMaxSegments: 4,
			RtcpCapSegments: 64,
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setDefault(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("SIGNAL_READY_TIMEOUT", d.Signal.ReadyTimeout)
	v.SetDefault("TRACK_RTP_MIN_SEGMENTS", d.Track.RtpMinSegments)
	v.SetDefault("TRACK_RTP_MAX_SEGMENTS", d.Track.RtpMaxSegments)
	v.SetDefault("TRACK_RTP_CAP_SEGMENTS", d.Track.RtpCapSegments)
	v.SetDefault("TRACK_RTCP_MIN_SEGMENTS", d.Track.RtcpMinSegments)
	v.SetDefault("TRACK_RTCP_MAX_SEGMENTS", d.Track.RtcpMaxSegments)
	v.SetDefault("TRACK_RTCP_CAP_SEGMENTS", d.Track.RtcpCapSegments)
}

// InitConfig reads configuration from .env / environment variables.
func InitConfig() (*Configuration, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))
	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()
	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		// fall through to env variables only
	}
	cfg := Defaults()
	if err := vConfig.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
