package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/spf13/cobra"

	"janus/internal/config"
	"janus/internal/iris"
	"janus/internal/logger"
	"janus/internal/status"
)

var nodeConfigPath string

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a client-side broker node",
	Long: `Run a client-side broker connected to the configured server peers.
The broker maintains heartbeat liveness for every peer and, when configured,
exposes its peer and heartbeat tables over a local HTTP status API.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadConfig(nodeConfigPath)
		if err != nil {
			exitWithError(err)
		}
		if cfg.Log.Level != "" {
			logger.SetLevel(cfg.Log.Level)
		}
		log := logger.GetLogger("cmd.node")

		zctx, err := zmq4.NewContext()
		if err != nil {
			exitWithError(err)
		}
		global := &iris.Global{Context: zctx, Log: logger.New()}

		env, err := iris.NewEnv(global, cfg.PeerIDs())
		if err != nil {
			exitWithError(err)
		}

		runDone := make(chan error, 1)
		go func() { runDone <- env.Run() }()

		var api *status.Server
		if cfg.Status.Addr != "" {
			api = status.New(cfg.Status.Addr, env)
			api.Start()
		}

		log.Info().
			Int("peer_count", len(cfg.Peers)).
			Str("identity", env.Identity()).
			Msg("Node running - press Ctrl+C to stop")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sig:
			log.Info().Msg("Shutting down")
		case err := <-runDone:
			if err != nil {
				log.Error().Err(err).Msg("Broker exited")
			}
		}

		if api != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			api.Stop(ctx)
			cancel()
		}
		env.Terminate()
	},
}

func init() {
	nodeCmd.Flags().StringVarP(&nodeConfigPath, "config", "c", "janus.yaml", "path to node configuration")
}
