// Package config loads the daemon's TOML configuration file, grounded on
// lrstanley-girc's own go.mod dependency on github.com/BurntSushi/toml and
// on bitcanon-ircpush's flat Config struct shape.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the full set of daemon-wide settings loadable from a TOML
// file, overridable by CLI flags in cmd/irkerd.
type Config struct {
	Listen struct {
		Host string `toml:"host"`
		Port int    `toml:"port"`
	} `toml:"listen"`

	IRC struct {
		NickTemplate     string `toml:"nick_template"`
		ServerPassword   string `toml:"server_password"`
		NickServPassword string `toml:"nickserv_password"`
	} `toml:"irc"`

	TLS struct {
		CAFile     string `toml:"ca_file"`
		ClientCert string `toml:"client_cert"`
		ClientKey  string `toml:"client_key"`
	} `toml:"tls"`

	// Limits.ChannelMax is parsed but not passed on: Connections use
	// session.DefaultChannelMax until an ISUPPORT token overrides it.
	Limits struct {
		ChannelMax    int `toml:"channel_max"`
		ConnectionMax int `toml:"connection_max"`
	} `toml:"limits"`

	Log struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"log"`

	// Watch configures the watcher-mode raw-line side file (spec.md
	// sec 4.8), deliberately separate from Log.File: Log.File holds
	// zerolog diagnostics, Watch.File holds the
	// "<unix_time>|<source>|<line>\n" wire-format record of every
	// inbound IRC line.
	Watch struct {
		File string `toml:"file"`
	} `toml:"watch"`
}

// Default returns the built-in defaults (spec.md sec 2/sec 4.5), used when
// no config file is supplied.
func Default() Config {
	var c Config
	c.Listen.Host = "localhost"
	c.Listen.Port = 6659
	c.IRC.NickTemplate = "irker%d"
	c.Limits.ChannelMax = 18
	c.Limits.ConnectionMax = 200
	c.Log.Level = "info"
	return c
}

// Load reads and parses path, starting from Default() so any field the
// file omits keeps its built-in value.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}
