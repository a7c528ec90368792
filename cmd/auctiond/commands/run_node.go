package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/auctionmesh/auctiond/config"
	"github.com/auctionmesh/auctiond/libs/log"
	"github.com/auctionmesh/auctiond/libs/service"
	"github.com/auctionmesh/auctiond/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding an auctiond node
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("moniker", conf.Moniker, "node name")

	// p2p flags
	cmd.Flags().String(
		"p2p.listen-address",
		conf.P2P.ListenAddress,
		"peer endpoint listen address. (0.0.0.0:0 means any interface, any port)")
	cmd.Flags().String("p2p.topic", conf.P2P.Topic, "name of the topic peers join")
	cmd.Flags().Int("p2p.max-open-connections", conf.P2P.MaxOpenConnections,
		"maximum number of simultaneous peer connections (0 means unlimited)")

	// auction flags
	cmd.Flags().String("auction.currency", conf.Auction.Currency, "currency prices are quoted in")
	cmd.Flags().Bool("auction.strict-increase", conf.Auction.StrictIncrease,
		"reject bids that do not beat the current highest bid")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus,
		"serve prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus-listen-addr",
		conf.Instrumentation.PrometheusListenAddr, "prometheus metrics listen address")

	addDBFlags(cmd, conf)
}

func addDBFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String(
		"db-backend",
		conf.DBBackend,
		"database backend: memdb | goleveldb | psql")
	cmd.Flags().String(
		"db-dir",
		conf.DBPath,
		"database directory")
	cmd.Flags().String(
		"db-psql-conn",
		conf.PSQLConn,
		"connection string of the psql backend")
}

// DefaultNodeProvider builds the node the start command runs.
func DefaultNodeProvider(ctx context.Context, conf *config.Config, logger log.Logger) (service.Service, error) {
	return node.New(ctx, conf, logger)
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
func NewRunNodeCmd(nodeProvider config.ServiceProvider, conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the auctiond node",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Stop upon receiving SIGTERM or CTRL-C.
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			n, err := nodeProvider(ctx, conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("started node", "node", n.String(), "topic", conf.P2P.Topic)

			n.Wait()
			return nil
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}
