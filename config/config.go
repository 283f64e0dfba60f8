// Package config loads the server's configuration through viper: a TOML
// file found in the working directory or ~/.config/logux, environment
// variable overrides, and a defaults pass, unmarshalled into a single
// mapstructure-tagged struct.
package config

import "time"

// StoreConfig selects and configures the log persistence backend.
type StoreConfig struct {
	// Path, when set, switches the server to store.NewSQLite(Path)
	// instead of the default in-memory store.
	Path string `mapstructure:"path"`
}

// Config is every setting the server reads at startup.
type Config struct {
	// Subprotocol is this server's own application-protocol version. It is
	// not included in the "connected" handshake reply.
	Subprotocol string `mapstructure:"subprotocol"`

	// Supports is the semver range of client subprotocol versions this
	// server will accept, e.g. ">= 1.0.0 < 2.0.0".
	Supports string `mapstructure:"supports"`

	// NodeName overrides the name this server reports as; defaults to a
	// generated "logux-server-<commit>" if empty.
	NodeName string `mapstructure:"node_name"`

	// Root is loaded (default true) but nothing in the server reads it: an
	// action with no registered type handler still needs an otherType
	// fallback, whose Access hook is called as for any other handler.
	Root bool `mapstructure:"root"`

	// Timeout bounds both HTTP request handling and backend RPC calls.
	Timeout time.Duration `mapstructure:"timeout"`

	// Ping is a keepalive interval setting. It is not sent to clients in the
	// handshake; the ping cadence actually used is fixed in package wire
	// (pingPeriod).
	Ping time.Duration `mapstructure:"ping"`

	// Backend is the base URL of an external action-processing backend.
	// Empty disables the backend proxy entirely.
	Backend string `mapstructure:"backend"`

	// ControlSecret gates access to non-safe control routes (anything but
	// /status). Empty disables the secret check (mask-only gating).
	ControlSecret string `mapstructure:"control_secret"`

	// ControlMask restricts control routes to requests from a CIDR range,
	// e.g. "127.0.0.1/8". Empty allows any source address.
	ControlMask string `mapstructure:"control_mask"`

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// TLSCert/TLSKey are PEM file paths. The server does not read them:
	// Listen serves plain HTTP.
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`

	// Env is "development" or "production". Any value other than
	// "production" makes the server send debug frames describing undo
	// causes to clients. It does not select the log encoding; the CLI's
	// --json-logs flag does.
	Env string `mapstructure:"env"`

	Store StoreConfig `mapstructure:"store"`
}
