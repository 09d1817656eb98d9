package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaycore/irkerd/internal/ircsock"
	"github.com/relaycore/irkerd/internal/relay"
)

var sendCmd = &cobra.Command{
	Use:   "send <url> <message...>",
	Short: "Relay one message immediately without running the daemon",
	Long:  "send opens a short-lived connection, joins the target channel, delivers the message, and exits -- the one-shot mode of the original irkerhook --immediate flag.",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r := relay.New(ctx, relay.Config{
		NickTemplate:     cfg.IRC.NickTemplate,
		ServerPassword:   cfg.IRC.ServerPassword,
		NickServPassword: cfg.IRC.NickServPassword,
		TLS: ircsock.TLSOptions{
			CAFile:     cfg.TLS.CAFile,
			ClientCert: cfg.TLS.ClientCert,
			ClientKey:  cfg.TLS.ClientKey,
		},
		Logger:        log,
		ConnectionMax: cfg.Limits.ConnectionMax,
	})

	url := args[0]
	message := strings.Join(args[1:], " ")
	r.HandleLine(mustMarshalRequest(url, message))

	<-ctx.Done()
	r.Shutdown()
	return nil
}

func mustMarshalRequest(url, message string) string {
	return fmt.Sprintf(`{"to": %q, "privmsg": %q}`, url, message)
}
