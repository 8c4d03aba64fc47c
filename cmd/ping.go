package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pebbe/zmq4"
	"github.com/spf13/cobra"

	"janus/internal/config"
	"janus/internal/iris"
	"janus/internal/logger"
)

var (
	pingConfigPath string
	pingInterval   time.Duration
	pingSubscribe  []string
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Run a demo client that pings the configured peers",
	Long: `Register a demo client on a client-side broker and send "ping" requests
to randomly selected peers, printing responses and any subscribed
publications as they arrive.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadConfig(pingConfigPath)
		if err != nil {
			exitWithError(err)
		}
		if cfg.Log.Level != "" {
			logger.SetLevel(cfg.Log.Level)
		}
		log := logger.GetLogger("cmd.ping")

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

		clientID := fmt.Sprintf("ping-%s", uuid.New().String()[:8])
		biq := env.RegisterClient(clientID, []string{"pong"}, pingSubscribe)

		done := make(chan struct{})
		go func() {
			for {
				d, ok := biq.Recv(done)
				if !ok {
					return
				}
				switch {
				case d.Err != nil:
					log.Warn().Err(d.Err).Msg("Broker reported error")
				case d.Topic != "":
					fmt.Printf("publication %s from %s: %s\n", d.Topic, d.Peer, joinFrames(d.Payload))
				default:
					fmt.Printf("response %s from %s: %s\n", d.MsgType, d.Peer, joinFrames(d.Payload))
				}
			}
		}()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		seq := 0
	loop:
		for {
			select {
			case <-sig:
				log.Info().Msg("Shutting down")
				break loop
			case err := <-runDone:
				if err != nil {
					log.Error().Err(err).Msg("Broker exited")
				}
				break loop
			case <-ticker.C:
				seq++
				biq.Send(iris.Outbound{
					MsgType: "ping",
					Payload: [][]byte{[]byte(fmt.Sprintf("%d", seq))},
				})
			}
		}

		close(done)
		env.Terminate()
	},
}

func joinFrames(frames [][]byte) string {
	out := ""
	for i, f := range frames {
		if i > 0 {
			out += " | "
		}
		out += string(f)
	}
	return out
}

func init() {
	pingCmd.Flags().StringVarP(&pingConfigPath, "config", "c", "janus.yaml", "path to node configuration")
	pingCmd.Flags().DurationVar(&pingInterval, "interval", 2*time.Second, "interval between pings")
	pingCmd.Flags().StringSliceVar(&pingSubscribe, "subscribe", nil, "subscription topics for the demo client")
}
