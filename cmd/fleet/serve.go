package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brandon/imap-fleet/internal/config"
	"github.com/brandon/imap-fleet/internal/fleetapp"
	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

// staticMailboxSource is the zero-configuration MailboxSource used when
// MAILBOX_SEED_PATH is unset: no mailboxes, so the fleet comes up idle
// rather than failing to start.
type staticMailboxSource struct{}

func (staticMailboxSource) Load() ([]pkgtypes.Mailbox, error) { return nil, nil }

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion fleet control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting IMAP ingestion fleet")

	var mailboxSource fleetapp.MailboxSource
	if cfg.MailboxSeedPath != "" && config.PathExists(cfg.MailboxSeedPath) {
		fileSource, err := config.NewFileMailboxSource(cfg.MailboxSeedPath, logger)
		if err != nil {
			return fmt.Errorf("failed to load mailbox seed file: %w", err)
		}
		mailboxSource = fileSource
	} else {
		mailboxSource = staticMailboxSource{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := fleetapp.New(ctx, cfg, mailboxSource, logger)
	if err != nil {
		return fmt.Errorf("failed to construct fleet: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
		if err := <-errCh; err != nil {
			return err
		}
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("Fleet stopped with error")
			return err
		}
	}

	logger.Info("Fleet shut down")
	return nil
}
