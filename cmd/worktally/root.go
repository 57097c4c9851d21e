package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/worktally/internal/config"
	"github.com/kimhsiao/worktally/internal/logging"
	"github.com/kimhsiao/worktally/internal/network"
	"github.com/kimhsiao/worktally/internal/services"
)

var (
	configPath string
	envFile    string
	offline    bool

	loader *config.Loader
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "worktally",
	Short: "Offline mutation queue and sync engine for worktally",
	Long: `worktally queues work, payment and profile changes while offline and
replays them against the remote API when connectivity returns.

Run "worktally serve" to start the local daemon used by UI layers, or use the
one-shot commands to inspect and drive the queue directly.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		loader = config.NewLoader(configPath)
		loaded, err := loader.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		logging.Configure(cfg.LogOptions())
		return nil
	},
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	logging.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file with WORKTALLY_* variables")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "start with connectivity set to offline")
}

// openService builds the sync service from the loaded config.
func openService(ctx context.Context) (*services.SyncService, error) {
	var opts []services.Option
	if offline {
		opts = append(opts, services.WithConnectivity(network.NewManual(false)))
	}
	return services.New(ctx, cfg, opts...)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
