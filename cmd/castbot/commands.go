package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"castbot/internal/app"
	"castbot/internal/config"
)

const shutdownTimeout = 30 * time.Second

type rootFlags struct {
	config   string
	envFiles []string
}

func newRootCommand(reason func() app.StopReason) *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:   "castbot",
		Short: "Telegram broadcast bot",
		Long: `castbot registers subscribers who send /start and lets one administrator
copy a message to every active subscriber with /mail.

Secrets can come from the environment or a .env file:
BOT_TOKEN, ADMIN_ID, DATABASE_URL, LOG_LEVEL.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(f.envFiles...)
		},
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "./config.yaml", "path to config file (json or yaml)")
	root.PersistentFlags().StringSliceVar(&f.envFiles, "env", []string{".env"}, "dotenv files to load (missing files are skipped)")
	root.SetVersionTemplate("castbot {{.Version}}\n")

	root.AddCommand(
		newRunCommand(f, reason),
		newStatsCommand(f),
		newVersionCommand(),
	)
	// bare "castbot" runs the bot
	root.RunE = newRunCommand(f, reason).RunE
	return root
}

func newRunCommand(f *rootFlags, reason func() app.StopReason) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.NewApp(ctx, f.config)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			r := app.StopUnknown
			var runErr error
			select {
			case <-ctx.Done():
				r = reason()
			case <-a.Done():
				r = app.StopFatalError
				runErr = a.Err()
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.Stop(stopCtx, r); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
}

func newStatsCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print subscriber counts from the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := app.Stats(cmd.Context(), f.config)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total:  %d\nactive: %d\n", c.Total, c.Active)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "castbot %s (%s)\n", version, commit)
		},
	}
}
