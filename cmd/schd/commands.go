package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"schd/internal/config"
	schdaemon "schd/internal/daemon"
	logx "schd/pkg/logx"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitError carries a process exit code out of a command.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// execute runs the CLI and returns the process exit code.
func execute(args []string) (int, error) {
	root := newRootCmd(os.Stdout)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0, nil
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code, nil
	}
	return 1, err
}

func newRootCmd(out io.Writer) *cobra.Command {
	v := viper.New()
	_ = v.BindEnv("config", config.EnvConfig)

	root := &cobra.Command{
		Use:           "schd",
		Short:         "Run cron jobs locally or on behalf of a coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringP("config", "c", "", "config file (default $SCHD_CONFIG or conf/schd.yaml)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newDaemonCmd(v), newRunCmd(v), newVersionCmd())
	return root
}

func newDaemonCmd(v *viper.Viper) *cobra.Command {
	var logfile string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the configured scheduler until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.ResolvePath(v.GetString("config"))
			fmt.Fprintf(cmd.OutOrStdout(), "starting schd, %s, config_file=%s\n", version, path)

			d, err := schdaemon.New(schdaemon.Options{ConfigPath: path, LogFile: logfile, Watch: true})
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = d.Run(ctx, func() { sdNotify(d, daemon.SdNotifyReady) })
			sdNotify(d, daemon.SdNotifyStopping)
			return err
		},
	}
	cmd.Flags().StringVar(&logfile, "logfile", "", "append logs to this file")
	return cmd
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Execute one configured job now; the exit code is the job's result code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(v.GetString("config"))
			d, err := schdaemon.New(schdaemon.Options{ConfigPath: path})
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := d.RunOnce(ctx, args[0])
			if err != nil {
				return err
			}
			_, _ = io.WriteString(cmd.OutOrStdout(), res.Output)
			if res.Code == 0 {
				return nil
			}
			code := res.Code
			if code < 0 || code > 255 {
				code = 1
			}
			return &exitError{code: code}
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the schd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "schd", version)
		},
	}
}

// sdNotify reports state to systemd. Outside systemd it is a no-op.
func sdNotify(d *schdaemon.Daemon, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		d.Logger().Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}
