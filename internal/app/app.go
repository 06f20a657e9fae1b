package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"payout-sheet-sync/internal/auth"
	"payout-sheet-sync/internal/config"
	"payout-sheet-sync/internal/extractor"
	"payout-sheet-sync/internal/mailbox"
	"payout-sheet-sync/internal/metrics"
	"payout-sheet-sync/internal/pipeline"
	"payout-sheet-sync/internal/rowstore"
)

// Run performs one sync pass with settings from the environment
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	configureLogging(cfg.Log, os.Stderr)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	return RunWithConfig(context.Background(), cfg, os.Stdout)
}

// RunWithConfig wires the collaborators from cfg and runs the pipeline,
// writing outcome lines to out.
func RunWithConfig(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logrus.Info("Starting payout sheet sync")

	provider := auth.NewProvider(&cfg.Auth, out)
	ts, err := provider.TokenSource(ctx, auth.Scopes...)
	if err != nil {
		return err
	}

	return runPipeline(ctx, cfg, out, option.WithTokenSource(ts))
}

// runPipeline builds the Google clients with opts and runs one pass
func runPipeline(ctx context.Context, cfg *config.Config, out io.Writer, opts ...option.ClientOption) error {
	source, err := newSource(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			logrus.Errorf("Failed to close mail source: %v", err)
		}
	}()

	store, err := rowstore.NewSheets(ctx, &cfg.Sheets, opts...)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	p := pipeline.New(source, extractor.New(&cfg.OpenAI), store, pipeline.NewReporter(out), m)

	_, runErr := p.Run(ctx)

	if cfg.Metrics.PushgatewayURL != "" {
		if err := m.Push(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
			logrus.Warnf("Failed to push metrics: %v", err)
		}
	}

	return runErr
}

func newSource(ctx context.Context, cfg *config.Config, opts ...option.ClientOption) (mailbox.Source, error) {
	if cfg.Gmail.UseIMAP {
		logrus.Info("Using IMAP for email fetching")
		src, err := mailbox.NewIMAPSource(&cfg.Gmail)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	logrus.Info("Using Gmail API for email fetching")
	src, err := mailbox.NewGmailSource(ctx, &cfg.Gmail, opts...)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// configureLogging applies the level and format settings. Unknown values fall
// back to info and text.
func configureLogging(cfg config.LogConfig, w io.Writer) {
	logrus.SetOutput(w)

	if strings.EqualFold(cfg.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logrus.Warnf("Unknown log level %q, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
