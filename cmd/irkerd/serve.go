package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/relaycore/irkerd/internal/config"
	"github.com/relaycore/irkerd/internal/inputs/dgram"
	"github.com/relaycore/irkerd/internal/inputs/stream"
	"github.com/relaycore/irkerd/internal/ircsock"
	"github.com/relaycore/irkerd/internal/relay"
	"github.com/relaycore/irkerd/internal/session"
	"github.com/relaycore/irkerd/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	watcher, closeWatcher, err := newWatcher(cfg)
	if err != nil {
		return err
	}
	defer closeWatcher()

	ctx, cancel := context.WithCancel(context.Background())
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
		Watcher:       watcher,
		Logger:        log,
		ConnectionMax: cfg.Limits.ConnectionMax,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port)
	tcp := stream.New(addr, r.HandleLine, log)
	udp := dgram.New(addr, r.HandleLine, log)

	if err := tcp.Start(); err != nil {
		return fmt.Errorf("start stream listener: %w", err)
	}
	defer tcp.Stop()
	if err := udp.Start(); err != nil {
		return fmt.Errorf("start dgram listener: %w", err)
	}
	defer udp.Stop()

	go r.RunGC(ctx, session.ChannelTTL)

	log.Info().Str("addr", addr).Msg("irkerd listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			if err := closeLog(); err != nil {
				log.Warn().Err(err).Msg("reopen log failed")
			}
			log, closeLog, err = newLogger(cfg)
			if err != nil {
				return err
			}
			if err := closeWatcher(); err != nil {
				log.Warn().Err(err).Msg("reopen watcher file failed")
			}
			watcher, closeWatcher, err = newWatcher(cfg)
			if err != nil {
				return err
			}
			log.Info().Msg("log and watcher file reopened")
		default:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			r.Shutdown()
			return nil
		}
	}
	return nil
}

func newLogger(cfg config.Config) (zerolog.Logger, func() error, error) {
	var out *os.File = os.Stderr
	closer := func() error { return nil }

	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = f.Close
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if flags.verbosity > 0 {
		level = levelFor(flags.verbosity)
	}

	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return log, closer, nil
}

// newWatcher opens the watcher-mode raw-line side file (spec.md sec 4.8)
// if one is configured. It is deliberately a separate file from the
// zerolog log file: one is diagnostics, the other a wire-format record of
// every inbound IRC line.
func newWatcher(cfg config.Config) (*watch.File, func() error, error) {
	if cfg.Watch.File == "" {
		return nil, func() error { return nil }, nil
	}
	w, err := watch.Open(cfg.Watch.File)
	if err != nil {
		return nil, nil, err
	}
	return w, w.Close, nil
}
