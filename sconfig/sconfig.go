// Package sconfig loads filter engine settings from TOML files,
// overlaying whatever the file defines onto the defaults.
package sconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gordian-engine/sift"
)

// Settings is the file-configurable subset of the engine's behavior.
type Settings struct {
	// "server" or "client".
	Mode string

	ListenAddr string

	RetryInterval time.Duration
	MaxRetries    int
	ChannelLen    int

	ServerVersion string
}

// Defaults returns the settings used when no file is given.
func Defaults() Settings {
	return Settings{
		Mode: "server",

		ListenAddr: "127.0.0.1:0",

		RetryInterval: sift.DefaultRetryInterval,
		MaxRetries:    sift.DefaultMaxRetries,
		ChannelLen:    sift.DefaultChannelLen,
	}
}

// fileSettings is the config.toml key mapping.
type fileSettings struct {
	Mode            string `toml:"mode"`
	ListenAddr      string `toml:"listen_addr"`
	RetryIntervalMS int    `toml:"retry_interval_ms"`
	MaxRetries      int    `toml:"max_retries"`
	ChannelLen      int    `toml:"channel_len"`
	ServerVersion   string `toml:"server_version"`
}

// LoadFile reads path and overlays its defined keys onto [Defaults].
func LoadFile(path string) (Settings, error) {
	s := Defaults()

	var raw fileSettings
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Settings{}, fmt.Errorf("load sift config: %w", err)
	}

	if meta.IsDefined("mode") {
		s.Mode = strings.TrimSpace(raw.Mode)
	}
	if meta.IsDefined("listen_addr") {
		s.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("retry_interval_ms") {
		s.RetryInterval = time.Duration(raw.RetryIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("max_retries") {
		s.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("channel_len") {
		s.ChannelLen = raw.ChannelLen
	}
	if meta.IsDefined("server_version") {
		s.ServerVersion = strings.TrimSpace(raw.ServerVersion)
	}

	if _, err := s.EngineMode(); err != nil {
		return Settings{}, err
	}
	if s.RetryInterval < 0 {
		return Settings{}, fmt.Errorf("retry_interval_ms may not be negative")
	}

	return s, nil
}

// EngineMode maps the textual mode onto [sift.Mode].
func (s Settings) EngineMode() (sift.Mode, error) {
	switch s.Mode {
	case "server":
		return sift.ModeServer, nil
	case "client":
		return sift.ModeClient, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want server or client)", s.Mode)
	}
}

// EngineConfig builds a [sift.Config] from the settings.
// The caller supplies the transport channels.
func (s Settings) EngineConfig() (sift.Config, error) {
	mode, err := s.EngineMode()
	if err != nil {
		return sift.Config{}, err
	}
	return sift.Config{
		Mode:          mode,
		RetryInterval: s.RetryInterval,
		MaxRetries:    s.MaxRetries,
		ChannelLen:    s.ChannelLen,
		ServerVersion: s.ServerVersion,
	}, nil
}
