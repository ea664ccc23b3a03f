package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/LumeraProtocol/keynode/keynode/config"
	"github.com/LumeraProtocol/keynode/pkg/logtrace"
	"github.com/spf13/cobra"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the keynode",
	Long: `Start the keynode using the configuration defined in config.yml.
The keynode connects to its bootstrap nodes and begins swapping locations.
Edits to scheduler.priority_policy, scheduler.soft_weights and log.level
take effect without a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}

		var node atomic.Pointer[Keynode]
		cfg, _, err := config.Watch(path, func(ctx context.Context, cfg *config.Config) {
			if k := node.Load(); k != nil {
				k.ApplyConfig(ctx, cfg)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logtrace.Setup("keynode", cfg.Log.Env, logtrace.ParseLevel(cfg.Log.Level))
		defer logtrace.Sync()

		ctx := logtrace.CtxWithCorrelationID(context.Background(), "keynode-start")
		logtrace.Info(ctx, "Starting keynode with configuration", logtrace.Fields{
			"config_file": path,
			"node_id":     cfg.Node.ID,
			"data_dir":    cfg.Node.DataDir,
			"port":        cfg.P2P.Port,
		})

		if err := cfg.EnsureDirs(); err != nil {
			return err
		}

		k, err := NewKeynode(ctx, cfg)
		if err != nil {
			logtrace.Error(ctx, "Failed to initialize keynode", logtrace.Fields{
				logtrace.FieldError: err.Error(),
			})
			return err
		}
		node.Store(k)

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := k.Run(ctx); err != nil {
			logtrace.Error(ctx, "keynode stopped with error", logtrace.Fields{
				logtrace.FieldError: err.Error(),
			})
			return err
		}
		logtrace.Info(ctx, "keynode stopped", nil)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
