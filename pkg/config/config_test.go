// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 30*time.Second, cfg.Signal.ReadyTimeout)
	assert.GreaterOrEqual(t, cfg.Track.RtpMaxSegments, cfg.Track.RtpMinSegments)
	assert.GreaterOrEqual(t, cfg.Track.RtcpMaxSegments, cfg.Track.RtcpMinSegments)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Signal.URL = "wss://sfu.example.com/ws"
	cfg.Signal.Token = "token"
	require.NoError(t, cfg.Validate())

	missingToken := cfg
	missingToken.Signal.Token = ""
	require.Error(t, missingToken.Validate())

	badSegments := cfg
	badSegments.Track.RtpMaxSegments = 0
	require.Error(t, badSegments.Validate())
}
