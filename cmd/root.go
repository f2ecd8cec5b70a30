package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nicklasfrahm/sshbatch/pkg/config"
	"github.com/nicklasfrahm/sshbatch/pkg/ops"
	"github.com/nicklasfrahm/sshbatch/pkg/sshx"
)

var version = "dev"
var help bool

var flags struct {
	async       bool
	verbose     bool
	stream      bool
	configPath  string
	script      string
	user        string
	keyFile     string
	sudo        bool
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	sshConfig   string
}

var rootCmd = &cobra.Command{
	Use:   "sshbatch [flags] hosts... command",
	Short: "Run a command on many hosts via SSH",
	Long: `Run a single command on a list of hosts via SSH and
report the exit status, stdout and stderr of every host.

Hosts may be aliases from the OpenSSH client config. The
command exits with 0 if the command succeeded on every
host and with 1 otherwise.`,
	Example: `  sshbatch web1 web2 uptime
  sshbatch --async --sudo web1 web2 "systemctl restart nginx"
  sshbatch --script deploy.sh web1 web2`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if help {
			cmd.Help()
			os.Exit(0)
		}
	},
	Args: func(cmd *cobra.Command, args []string) error {
		if flags.script != "" {
			return cobra.MinimumNArgs(1)(cmd, args)
		}
		return cobra.MinimumNArgs(2)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		level := zerolog.InfoLevel
		if flags.verbose {
			level = zerolog.DebugLevel
		}
		logger := log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}).Level(level)

		hosts, command := args[:len(args)-1], args[len(args)-1]

		options := []ops.Option{
			ops.WithLogger(&logger),
			ops.WithAsync(flags.async),
			ops.WithOverrides(overrides()),
		}

		if flags.script != "" {
			path, err := homedir.Expand(flags.script)
			if err != nil {
				return err
			}
			script, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			hosts, command = args, filepath.Base(path)
			options = append(options, ops.WithScript(script))
		}

		if flags.configPath != "" {
			options = append(options, ops.WithConfigPath(flags.configPath))
		}
		if flags.stream {
			options = append(options, ops.WithStream(os.Stdout))
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ok, err := ops.Exec(ctx, hosts, command, options...)
		if err != nil {
			return err
		}
		if !ok {
			return ops.ErrHostsFailed
		}

		return nil
	},
	Version:      version,
	SilenceUsage: true,
}

// overrides collects the flags that were set explicitly.
func overrides() *config.Config {
	return &config.Config{
		SSH: config.SSH{
			User:    flags.user,
			KeyFile: flags.keyFile,
			Sudo:    flags.sudo,
		},
		PollInterval:   flags.interval,
		ConnectTimeout: flags.timeout,
		Concurrency:    flags.concurrency,
		SSHConfig:      flags.sshConfig,
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&help, "help", "h", false, "display help for command")

	rootCmd.Flags().BoolVar(&flags.async, "async", false, "run on all hosts concurrently")
	rootCmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&flags.stream, "stream", false, "print output of every host as soon as it completes")
	rootCmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to the configuration file (default \""+config.DefaultPath+"\")")
	rootCmd.Flags().StringVar(&flags.script, "script", "", "upload and run a local script, all arguments are hosts")
	rootCmd.Flags().StringVarP(&flags.user, "user", "u", "", "login user")
	rootCmd.Flags().StringVarP(&flags.keyFile, "key", "i", "", "path to the private key")
	rootCmd.Flags().BoolVarP(&flags.sudo, "sudo", "s", false, "run the command with sudo")
	rootCmd.Flags().DurationVar(&flags.interval, "interval", 0, "poll interval for command completion (default 1s)")
	rootCmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "connect timeout (default 10s)")
	rootCmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "maximum number of concurrent hosts in async mode, 0 means no limit")
	rootCmd.Flags().StringVar(&flags.sshConfig, "ssh-config", "", "path to the OpenSSH client config (default \""+sshx.DefaultSSHConfigPath+"\")")
}

// Execute starts the invocation of the command line interface.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
