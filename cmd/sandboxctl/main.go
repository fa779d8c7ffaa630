// Command sandboxctl is the command-line client for sandboxd.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/felixgeelhaar/sandboxgate/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	addr       string
	configPath string
}

// loadConfig reads the config file named by --config, or the default one.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.LoadFile(o.configPath)
	}
	return config.Load()
}

// client resolves the daemon address: --addr, then the config file.
func (o *rootOptions) client() (*client, error) {
	if o.addr != "" {
		return newClient(o.addr), nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newClient(cfg.Daemon.Addr()), nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Manage sandboxes through a running sandboxd",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", "", "daemon address (default from config)")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml")

	root.AddCommand(
		statusCmd(opts),
		listCmd(opts),
		createCmd(opts),
		execCmd(opts),
		streamCmd(opts),
		pingCmd(opts),
		rmCmd(opts),
		metricsCmd(opts),
		scriptsCmd(opts),
		configCmd(opts),
		mcpCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
