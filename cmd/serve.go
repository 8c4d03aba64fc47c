package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/spf13/cobra"

	"janus/internal/config"
	"janus/internal/iris"
	"janus/internal/logger"
)

var (
	serveConfigPath  string
	servePublishText string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a server-side broker node",
	Long: `Run a server peer: a ROUTER socket answering requests and a PUB socket
publishing updates. Ships a demo "ping" handler that answers "pong" and an
optional periodic publication on the "block" topic.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadConfig(serveConfigPath)
		if err != nil {
			exitWithError(err)
		}
		if cfg.Log.Level != "" {
			logger.SetLevel(cfg.Log.Level)
		}
		log := logger.GetLogger("cmd.serve")

		zctx, err := zmq4.NewContext()
		if err != nil {
			exitWithError(err)
		}
		global := &iris.Global{Context: zctx, Log: logger.New()}

		server, err := iris.NewServer(global, cfg.NodePeerID())
		if err != nil {
			exitWithError(err)
		}

		server.Handle("ping", func(from string, payload [][]byte) (string, [][]byte) {
			log.Debug().Str("from", from).Msg("Ping received")
			return "pong", payload
		})

		runDone := make(chan error, 1)
		go func() { runDone <- server.Run() }()

		stopPub := make(chan struct{})
		if servePublishText != "" {
			go func() {
				ticker := time.NewTicker(2 * time.Second)
				defer ticker.Stop()
				seq := 0
				for {
					select {
					case <-stopPub:
						return
					case <-ticker.C:
						seq++
						server.Publish("block", []byte(fmt.Sprintf("%s: %d", servePublishText, seq)))
					}
				}
			}()
		}

		log.Info().
			Str("peer", cfg.NodePeerID().String()).
			Msg("Server running - press Ctrl+C to stop")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sig:
			log.Info().Msg("Shutting down")
		case err := <-runDone:
			if err != nil {
				log.Error().Err(err).Msg("Server exited")
			}
		}

		close(stopPub)
		server.Terminate()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "janus.yaml", "path to node configuration")
	serveCmd.Flags().StringVar(&servePublishText, "publish", "", "publish this text on the \"block\" topic every 2s")
}
