// Package config holds the respawn controller's defaults and the CLI flag
// handling for cmd/ralphd, grounded on the teacher's cmd/kojo/main.go flag
// set and `flag`-based plain-stdlib config idiom (the teacher never reaches
// for a config library — neither does anything else in the retrieved pack
// — so this stays stdlib `flag`, justified in DESIGN.md).
package config

import (
	"flag"
	"fmt"
	"time"
)

// RespawnConfig controls one session's respawn controller. Every field has
// a default and may be overridden per session (§3).
type RespawnConfig struct {
	IdleTimeout        time.Duration
	UpdatePrompt       string
	SendClear          bool
	SendInit           bool
	InterStepDelay     time.Duration
	KickstartPrompt    string
	AutoAccept         bool
	CompletionPhrase   string
	MinConfirmDelay    time.Duration
	MaxConfirmDelay    time.Duration
}

// DefaultRespawnConfig returns the baseline configuration every session
// starts from before per-session overrides are applied.
func DefaultRespawnConfig() RespawnConfig {
	return RespawnConfig{
		IdleTimeout:     10 * time.Second,
		UpdatePrompt:    "Please provide a brief status update and continue.",
		SendClear:       true,
		SendInit:        true,
		InterStepDelay:  2 * time.Second,
		KickstartPrompt: "Continue with the next task.",
		AutoAccept:      false,
		MinConfirmDelay: 5 * time.Second,
		MaxConfirmDelay: 60 * time.Second,
	}
}

// Merge applies non-zero fields of override on top of the receiver and
// returns the result, implementing "every field may be overridden per
// session". The booleans SendClear, SendInit and AutoAccept are always
// taken from override, false included.
func (c RespawnConfig) Merge(override RespawnConfig) RespawnConfig {
	out := c
	if override.IdleTimeout != 0 {
		out.IdleTimeout = override.IdleTimeout
	}
	if override.UpdatePrompt != "" {
		out.UpdatePrompt = override.UpdatePrompt
	}
	out.SendClear = override.SendClear
	out.SendInit = override.SendInit
	if override.InterStepDelay != 0 {
		out.InterStepDelay = override.InterStepDelay
	}
	if override.KickstartPrompt != "" {
		out.KickstartPrompt = override.KickstartPrompt
	}
	out.AutoAccept = override.AutoAccept
	if override.CompletionPhrase != "" {
		out.CompletionPhrase = override.CompletionPhrase
	}
	if override.MinConfirmDelay != 0 {
		out.MinConfirmDelay = override.MinConfirmDelay
	}
	if override.MaxConfirmDelay != 0 {
		out.MaxConfirmDelay = override.MaxConfirmDelay
	}
	return out
}

// ServerConfig is the top-level CLI configuration for cmd/ralphd.
type ServerConfig struct {
	Port        int
	Dev         bool
	Local       bool
	Version     bool
	SessionCap  int
}

// ParseFlags parses os.Args-style flags into a ServerConfig, mirroring the
// teacher's cmd/kojo/main.go flag set (port/dev/local/version) plus a
// session-cap flag for the supervisor's concurrency limit (§4.6).
func ParseFlags(args []string) (ServerConfig, error) {
	fs := flag.NewFlagSet("ralphd", flag.ContinueOnError)
	cfg := ServerConfig{}
	fs.IntVar(&cfg.Port, "port", 8080, "port number (auto-increments if busy)")
	fs.BoolVar(&cfg.Dev, "dev", false, "enable dev mode")
	fs.BoolVar(&cfg.Local, "local", true, "listen on localhost only")
	fs.BoolVar(&cfg.Version, "version", false, "show version")
	fs.IntVar(&cfg.SessionCap, "session-cap", 50, "maximum concurrent sessions")
	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("parse flags: %w", err)
	}
	return cfg, nil
}
