// Context Kit tool gate is the sidecar that gates, queues and audits tool
// invocations requested by assistant sessions.
//
// It provides:
//   - Capability manifest loading (file, remote or builtin) with hot reload
//   - Safety classification and approval flow
//   - Health polling with capability downgrade
//   - Admission control with a FIFO queue
//   - Invocation ledger and telemetry trail

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Lukeus/my-context-kit-sub013/internal/capability"
	"github.com/Lukeus/my-context-kit-sub013/internal/config"
	"github.com/Lukeus/my-context-kit-sub013/pkg/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:           "toolgate",
		Short:         "Tool invocation gate sidecar for Context Kit",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cfg.Log)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "log format (console, json)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	sf := serveCmd.Flags()
	sf.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	sf.StringVar(&cfg.Manifest.Path, "manifest", cfg.Manifest.Path, "capability manifest file (YAML or JSON)")
	sf.StringVar(&cfg.Manifest.URL, "manifest-url", cfg.Manifest.URL, "remote capability manifest URL")
	sf.StringVar(&cfg.Tools.RepoPath, "repo", cfg.Tools.RepoPath, "context repository path")
	sf.StringVar(&cfg.Health.ProbeURL, "probe-url", cfg.Health.ProbeURL, "backing service health endpoint")
	sf.IntVar(&cfg.Admission.ConcurrencyLimit, "concurrency", cfg.Admission.ConcurrencyLimit, "maximum concurrently executing invocations")

	root.AddCommand(serveCmd, newValidateManifestCmd())
	return root
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", cfg.Version).Msg("Tool gate starting...")

	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	return srv.Run(ctx)
}

func newValidateManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-manifest <file>",
		Short: "Validate a capability manifest and print every error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := capability.NewFileSource(args[0]).FetchManifest(cmd.Context())
			if err != nil {
				return err
			}
			m, errs := capability.Validate(raw)
			out := cmd.OutOrStdout()
			if len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintln(out, e.String())
				}
				return fmt.Errorf("manifest has %d error(s)", len(errs))
			}
			ix := capability.Build(m)
			fmt.Fprintf(out, "manifest %s is valid: %d enabled, %d preview, %d disabled\n",
				m.ManifestID, len(ix.EnabledIDs()), len(ix.PreviewIDs()), len(ix.DisabledIDs()))
			return nil
		},
	}
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
