// Command qltrctl runs the Q-learning trust-routing controller core.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/qltr-controller/internal/config"
	"github.com/signalsfoundry/qltr-controller/internal/logging"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "qltrctl",
		Short: "Q-learning trust-routing SDN controller core",
		Long: `qltrctl drives the controller decision core: it learns MAC and ARP bindings
from packet-in events, scores sources with a trust engine, chooses next hops
with an epsilon-greedy Q-learning policy and installs forwarding rules.

Configuration is read from a YAML file and QLTR_* environment variables.`,
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path (YAML)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newReplayCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	return root
}

// load reads the configuration and applies command-line overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger builds the process logger. Console output goes to w.
func newLogger(cfg *config.Config, w io.Writer) logging.Logger {
	lc := cfg.Logging()
	lc.Output = w
	return logging.New(lc)
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
