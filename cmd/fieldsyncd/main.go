// Command fieldsyncd runs the edge-to-cloud replication daemon on a
// greenhouse gateway.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/field4d/fieldsync"
)

// version is stamped by the build.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "fieldsyncd",
		Short:         "Replicate greenhouse experiment records to the cloud",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c",
		"/etc/fieldsync/fieldsync.yaml", "configuration file")

	root.AddCommand(newRunCmd(&cfgPath))
	root.AddCommand(newOnceCmd(&cfgPath))
	root.AddCommand(newSealCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the replication loop until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := fieldsync.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			log := fieldsync.NewLogger(cfg.Logging)

			rep, err := fieldsync.NewReplicator(cfg, log)
			if err != nil {
				return err
			}
			defer rep.Close()

			sched := fieldsync.NewScheduler(rep, cfg.Scheduler, log)

			if cfg.Status.Enabled {
				status := fieldsync.NewStatusServer(cfg.Status, sched, log)
				if err := status.Start(); err != nil {
					return err
				}
				defer status.Close()
			}

			if cfg.Telemetry.Enabled {
				pusher := fieldsync.NewTelemetryPusher(cfg.Telemetry, cfg.Device, log)
				id, events := sched.Subscribe()
				defer sched.Unsubscribe(id)
				go pusher.Run(events)
			}

			if err := sched.Start(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			log.Info().Msg("shutting down")
			sched.Stop()
			return nil
		},
	}
}

func newOnceCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single replication cycle and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := fieldsync.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			log := fieldsync.NewLogger(cfg.Logging)

			rep, err := fieldsync.NewReplicator(cfg, log)
			if err != nil {
				return err
			}
			defer rep.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, runErr := rep.RunCycle(ctx)
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return runErr
		},
	}
}

func newSealCmd() *cobra.Command {
	var output string
	var passphraseEnv string

	cmd := &cobra.Command{
		Use:   "seal-credentials <key-file>",
		Short: "Encrypt a service-account key file for deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv(passphraseEnv)
			if passphrase == "" {
				return fmt.Errorf("set %s to the sealing passphrase", passphraseEnv)
			}

			plaintext, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if fieldsync.IsSealed(plaintext) {
				return errors.New("input is already sealed")
			}

			sealed, err := fieldsync.SealCredentials(plaintext, passphrase)
			if err != nil {
				return err
			}

			dst := output
			if dst == "" {
				dst = args[0] + ".sealed"
			}
			if err := os.WriteFile(dst, sealed, 0o600); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sealed credentials written to %s\n", dst)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default <key-file>.sealed)")
	cmd.Flags().StringVar(&passphraseEnv, "passphrase-env", "FIELDSYNC_CREDENTIALS_PASSPHRASE",
		"environment variable holding the passphrase")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fieldsyncd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "fieldsyncd", version)
		},
	}
}
