package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.Listen.Port != 6659 || c.Listen.Host != "localhost" {
		t.Fatalf("got %+v", c.Listen)
	}
	if c.Limits.ChannelMax != 18 || c.Limits.ConnectionMax != 200 {
		t.Fatalf("got %+v", c.Limits)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "irkerd.toml")
	body := `
[listen]
host = "0.0.0.0"
port = 7000

[irc]
nick_template = "relaybot%d"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen.Host != "0.0.0.0" || c.Listen.Port != 7000 {
		t.Fatalf("got %+v", c.Listen)
	}
	if c.IRC.NickTemplate != "relaybot%d" {
		t.Fatalf("nick template = %q", c.IRC.NickTemplate)
	}
	if c.Limits.ChannelMax != 18 {
		t.Fatalf("expected untouched default to survive, got %d", c.Limits.ChannelMax)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen.Port != 6659 {
		t.Fatalf("got %+v", c)
	}
}
