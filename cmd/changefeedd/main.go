package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	cmdutil "github.com/cloudapi/changefeed/cmd"
	"github.com/cloudapi/changefeed/internal"
	"github.com/cloudapi/changefeed/internal/daemon"
	"github.com/cloudapi/changefeed/internal/logr"
)

func main() {
	// Configure ^C to terminate program
	ctx, cancel := context.WithCancel(context.Background())
	cmdutil.CatchCtrlC(cancel)

	if err := parseFlags(ctx, os.Args[1:], os.Stdout); err != nil {
		cmdutil.PrintError(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFlags(ctx context.Context, args []string, out io.Writer) error {
	cfg := daemon.NewConfig()

	cmd := &cobra.Command{
		Use:           "changefeedd",
		Short:         "changefeed daemon",
		Long:          "changefeedd relays VM change events from VMAPI to websocket subscribers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       internal.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logr.New(cfg.LogConfig)
			if err != nil {
				return err
			}

			d, err := daemon.New(logger, cfg)
			if err != nil {
				return err
			}
			// block until ^C received
			return d.Start(cmd.Context(), make(chan struct{}))
		},
	}
	cmd.SetOut(out)

	flags := cmd.Flags()
	flags.StringVar(&cfg.Address, "address", cfg.Address, "Listening address")
	flags.BoolVar(&cfg.SSL, "ssl", false, "Toggle SSL")
	flags.StringVar(&cfg.CertFile, "cert-file", "", "Path to SSL certificate (required if enabling SSL)")
	flags.StringVar(&cfg.KeyFile, "key-file", "", "Path to SSL key (required if enabling SSL)")
	flags.BoolVar(&cfg.EnableRequestLogging, "log-http-requests", false, "Log HTTP requests")
	flags.Var(&cfg.Secret, "secret", "Hex-encoded 16 byte secret for verifying bearer tokens. Required.")

	flags.StringVar(&cfg.Upstream.URL, "upstream-url", cfg.Upstream.URL, "Base URL of VMAPI")
	flags.IntVar(&cfg.Upstream.Port, "upstream-port", cfg.Upstream.Port, "Port of VMAPI")
	flags.StringVar(&cfg.Upstream.Instance, "instance", "", "Instance UUID used to register with VMAPI. Defaults to a random UUID.")
	flags.StringVar(&cfg.Upstream.Service, "service", cfg.Upstream.Service, "Service name used to register with VMAPI")
	flags.DurationVar(&cfg.Upstream.MinBackoff, "upstream-min-backoff", cfg.Upstream.MinBackoff, "Minimum delay before reconnecting to VMAPI")
	flags.DurationVar(&cfg.Upstream.MaxBackoff, "upstream-max-backoff", 0, "Maximum delay before reconnecting to VMAPI. 0 means no maximum.")

	flags.StringVar(&cfg.Validation, "validation", cfg.Validation, "Subscription validation: permissive or strict")
	flags.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", nil, "Allowed origins for websocket upgrades. Any origin is allowed if unset.")

	logr.RegisterFlags(flags, &cfg.LogConfig)

	if err := cmdutil.SetFlagsFromEnvVariables(flags); err != nil {
		return fmt.Errorf("failed to populate config from environment vars: %w", err)
	}

	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}
	return nil
}
