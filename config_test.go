// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
url: ws://localhost:5000/ws
codec: json
call_timeout: 5s
buffering: false
keepalive:
  interval: 1m
reconnect:
  enabled: true
  base_delay: 500ms
  multiplier: 2
  max_delay: 30s
  max_attempts: 10
reset_on_disconnect: true
log:
  level: debug
`

const tomlConfig = `
url = "wss://example.com/ws"
connect_timeout = "3s"
event_buffer = 8

[reconnect]
enabled = true
base_delay = "1s"
multiplier = 1.5
max_delay = "20s"
`

func TestParseYAMLConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(yamlConfig), "yaml")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:5000/ws", cfg.URL)
	assert.Equal(t, "json", cfg.Codec)
	assert.Equal(t, Duration(5*time.Second), cfg.CallTimeout)
	assert.Equal(t, Duration(DefaultConnectTimeout), cfg.ConnectTimeout, "unset keys keep defaults")
	require.NotNil(t, cfg.Buffering)
	assert.False(t, *cfg.Buffering)
	assert.Equal(t, Duration(time.Minute), cfg.KeepAlive.Interval)
	assert.Equal(t, PingMethod, cfg.KeepAlive.Method)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, Duration(500*time.Millisecond), cfg.Reconnect.BaseDelay)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
	assert.True(t, cfg.ResetOnDisconnect)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadTOMLConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/ws", cfg.URL)
	assert.Equal(t, Duration(3*time.Second), cfg.ConnectTimeout)
	assert.Equal(t, 8, cfg.EventBuffer)
	assert.Equal(t, 1.5, cfg.Reconnect.Multiplier)
	assert.Equal(t, Duration(20*time.Second), cfg.Reconnect.MaxDelay)
	assert.Equal(t, "msgpack", cfg.Codec)
}

func TestConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing url", "codec: msgpack\n"},
		{"relative url", "url: localhost\n"},
		{"bad duration", "url: ws://x\ncall_timeout: soon\n"},
		{"negative timeout", "url: ws://x\ncall_timeout: -1s\n"},
		{"bad multiplier", "url: ws://x\nreconnect:\n  enabled: true\n  multiplier: 0.5\n"},
		{"bad jitter", "url: ws://x\nreconnect:\n  enabled: true\n  jitter: 2\n"},
		{"bad level", "url: ws://x\nlog:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data), "yaml")
			assert.True(t, errors.IsNotValid(err), "got %v", err)
		})
	}
}

func TestConfigUnknownCodec(t *testing.T) {
	_, err := ParseConfig([]byte("url: ws://x\ncodec: xml\n"), "yaml")
	assert.True(t, errors.IsNotSupported(err), "got %v", err)
}

func TestConfigUnknownFormat(t *testing.T) {
	_, err := ParseConfig([]byte("{}"), "ini")
	assert.True(t, errors.IsNotSupported(err), "got %v", err)
}

func TestConfigOptions(t *testing.T) {
	cfg, err := ParseConfig([]byte(yamlConfig), "yaml")
	require.NoError(t, err)
	opts, err := cfg.Options(zerolog.Nop())
	require.NoError(t, err)

	o := newOptions(opts)
	assert.Equal(t, MessageText, o.codec.MessageType())
	assert.Equal(t, 5*time.Second, o.callTimeout)
	assert.False(t, o.buffering)
	assert.Equal(t, time.Minute, o.keepAlive)
	assert.True(t, o.reconnect)
	assert.Equal(t, 500*time.Millisecond, o.backoff.BaseDelay)
	assert.Equal(t, 10, o.maxAttempts)
	assert.True(t, o.resetOnDisconnect)
	assert.Equal(t, zerolog.DebugLevel, o.logger.GetLevel())
}

func TestDefaultConfigOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "ws://localhost/ws"
	opts, err := cfg.Options(zerolog.Nop())
	require.NoError(t, err)

	o := newOptions(opts)
	assert.True(t, o.buffering)
	assert.False(t, o.reconnect)
	assert.Equal(t, DefaultCallTimeout, o.callTimeout)
	assert.Equal(t, DefaultEventBuffer, o.eventBuffer)
}
